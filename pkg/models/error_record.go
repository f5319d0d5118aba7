package models

import "time"

// Category is the error taxonomy bucket
type Category string

const (
	CategorySchemaValidation   Category = "schema-validation"
	CategoryDataQuality        Category = "data-quality"
	CategoryBusinessRule       Category = "business-rule"
	CategorySystemError        Category = "system-error"
	CategoryExternalDependency Category = "external-dependency"
)

// Categories lists every category in a stable order
var Categories = []Category{
	CategorySchemaValidation,
	CategoryDataQuality,
	CategoryBusinessRule,
	CategorySystemError,
	CategoryExternalDependency,
}

// Severity ranks how much of a batch a kind of failure may affect
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists severities from least to most severe
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// QueueType is the dead-letter queue an error record waits in
type QueueType string

const (
	QueueRecoverable  QueueType = "recoverable"
	QueueManualReview QueueType = "manual_review"
)

// QueueTypes lists every dead-letter queue
var QueueTypes = []QueueType{QueueRecoverable, QueueManualReview}

// ErrorStatus tracks an error record through its lifecycle
type ErrorStatus string

const (
	ErrorStatusCreated   ErrorStatus = "created"
	ErrorStatusQueued    ErrorStatus = "queued"
	ErrorStatusResolved  ErrorStatus = "resolved"
	ErrorStatusAbandoned ErrorStatus = "abandoned"
)

// IsTerminal reports whether no further transition is possible
func (s ErrorStatus) IsTerminal() bool {
	return s == ErrorStatusResolved || s == ErrorStatusAbandoned
}

// Stage is the pipeline stage a failure came from
type Stage string

const (
	StageLanding    Stage = "landing"
	StageValidation Stage = "validation"
	StageCleaning   Stage = "cleaning"
	StageDedup      Stage = "deduplication"
	StageCommit     Stage = "commit"
)

// Violation is one field-level failure. A record rejected in strict mode
// carries all of them.
type Violation struct {
	Field        string `json:"field"`
	Rule         string `json:"rule"`
	Message      string `json:"message"`
	Value        any    `json:"value,omitempty"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
	Required     bool   `json:"required,omitempty"`
}

// ErrorRecord is a failed record as held by the dead-letter store
type ErrorRecord struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	RecordID        string          `json:"record_id"`
	EntityType      string          `json:"entity_type"`
	Category        Category        `json:"category"`
	Severity        Severity        `json:"severity"`
	Stage           Stage           `json:"stage"`
	Field           string          `json:"field,omitempty"`
	Value           any             `json:"value,omitempty"`
	Message         string          `json:"message"`
	SuggestedFix    string          `json:"suggested_fix,omitempty"`
	Recoverable     bool            `json:"recoverable"`
	Violations      []Violation     `json:"violations,omitempty"`
	Payload         *RawRecord      `json:"payload,omitempty"`
	Candidates      []CleanedRecord `json:"candidates,omitempty"`
	AffectedRecords int             `json:"affected_records"`
	QueueType       QueueType       `json:"queue_type"`
	Status          ErrorStatus     `json:"status"`
	PartitionDate   string          `json:"partition_date"`
	Attempts        int             `json:"attempts"`
	Escalated       bool            `json:"escalated,omitempty"`
	EscalatedReason string          `json:"escalated_reason,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	AbandonReason   string          `json:"abandon_reason,omitempty"`
	Operator        string          `json:"operator,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Affected is the number of raw records this error accounts for
func (e *ErrorRecord) Affected() int {
	if e.AffectedRecords < 1 {
		return 1
	}
	return e.AffectedRecords
}

// SourceRecordIDs lists every raw record the error accounts for
func (e *ErrorRecord) SourceRecordIDs() []string {
	if len(e.Candidates) == 0 {
		return []string{e.RecordID}
	}
	ids := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		ids = append(ids, c.RecordID)
	}
	return ids
}

// Suggested fix forms automatic recovery knows how to apply. "use " is
// followed by the replacement text, "inject default " by the default.
const (
	FixUse           = "use "
	FixInjectDefault = "inject default "
)
