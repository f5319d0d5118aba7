package models

import "time"

// Decision is the outcome of a batch run
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionCommitted Decision = "committed"
	DecisionAborted   Decision = "aborted"
)

// BatchManifest summarizes one pipeline run. It is written once when the run
// finishes and never modified afterwards.
type BatchManifest struct {
	BatchID                  string               `json:"batch_id"`
	Prefix                   string               `json:"prefix,omitempty"`
	AsOf                     time.Time            `json:"as_of"`
	SchemaVersions           map[string]string    `json:"schema_versions"`
	ConfigVersion            string               `json:"config_version"`
	StartedAt                time.Time            `json:"started_at"`
	FinishedAt               time.Time            `json:"finished_at"`
	InputCount               int                  `json:"input_count"`
	ValidCount               int                  `json:"valid_count"`
	CleanedCount             int                  `json:"cleaned_count"`
	ResolvedCount            int                  `json:"resolved_count"`
	ExactDuplicatesDiscarded int                  `json:"exact_duplicates_discarded"`
	FuzzyMerged              int                  `json:"fuzzy_merged"`
	ErroredRecords           int                  `json:"errored_records"`
	ErrorRecords             int                  `json:"error_records"`
	Warnings                 int                  `json:"warnings"`
	ErrorsBySeverity         map[Severity]int     `json:"errors_by_severity"`
	ErrorRatesBySeverity     map[Severity]float64 `json:"error_rates_by_severity"`
	ErrorsByCategory         map[Category]int     `json:"errors_by_category"`
	Decision                 Decision             `json:"decision"`
	AbortReason              string               `json:"abort_reason,omitempty"`
	CommittedAt              *time.Time           `json:"committed_at,omitempty"`
	CommittedRecords         int                  `json:"committed_records"`
	DeadLettered             int                  `json:"dead_lettered"`
	Replayed                 bool                 `json:"replayed,omitempty"`
}

// NewBatchManifest creates a pending manifest with every severity and
// category present so reports have a stable shape.
func NewBatchManifest(batchID string, startedAt time.Time) *BatchManifest {
	m := &BatchManifest{
		BatchID:              batchID,
		StartedAt:            startedAt,
		SchemaVersions:       map[string]string{},
		ErrorsBySeverity:     map[Severity]int{},
		ErrorRatesBySeverity: map[Severity]float64{},
		ErrorsByCategory:     map[Category]int{},
		Decision:             DecisionPending,
	}
	for _, s := range Severities {
		m.ErrorsBySeverity[s] = 0
		m.ErrorRatesBySeverity[s] = 0
	}
	for _, c := range Categories {
		m.ErrorsByCategory[c] = 0
	}
	return m
}

// Accounted is the number of input records the manifest can explain.
// A finished batch always has Accounted() == InputCount.
func (m *BatchManifest) Accounted() int {
	return m.ResolvedCount + m.FuzzyMerged + m.ExactDuplicatesDiscarded + m.ErroredRecords
}

// RecoveryReport summarizes one recovery pass over the dead-letter store.
// Every record in scope lands in exactly one of AutoRecovered, Recoverable,
// Unrecoverable, Manual or Expired. Escalated overlaps the others.
type RecoveryReport struct {
	Date            string    `json:"date,omitempty"`
	BatchID         string    `json:"batch_id,omitempty"`
	AutoRecover     bool      `json:"auto_recover"`
	Total           int       `json:"total"`
	AutoRecovered   int       `json:"auto_recovered"`
	Recoverable     int       `json:"recoverable"`
	Manual          int       `json:"manual"`
	Unrecoverable   int       `json:"unrecoverable"`
	Escalated       int       `json:"escalated"`
	Expired         int       `json:"expired"`
	RecoveryBatchID string    `json:"recovery_batch_id,omitempty"`
	AbortReason     string    `json:"abort_reason,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}
