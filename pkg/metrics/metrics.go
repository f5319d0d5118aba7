// Package metrics provides Prometheus metrics for the fern gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// BatchesTotal tracks batch runs by decision
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Total number of batch runs by decision",
		},
		[]string{"decision"},
	)

	// BatchDuration tracks batch run duration in seconds
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Duration of batch runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"decision"},
	)

	// RecordsTotal tracks records by pipeline outcome
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "total",
			Help:      "Total number of input records by outcome",
		},
		[]string{"outcome"},
	)

	// ErrorsTotal tracks classified failures
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of classified failures by category and severity",
		},
		[]string{"category", "severity"},
	)

	// DLQRecordsTotal tracks records written to the dead-letter store
	DLQRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "records_total",
			Help:      "Total number of records written to the dead-letter store",
		},
		[]string{"category", "queue"},
	)

	// RecoveryRecordsTotal tracks recovery pass outcomes
	RecoveryRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "recovery",
			Name:      "records_total",
			Help:      "Total number of dead-letter records by recovery outcome",
		},
		[]string{"outcome"},
	)

	// StorageRetries tracks retried object store operations
	StorageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "storage",
			Name:      "retries_total",
			Help:      "Total number of retried object store operations",
		},
		[]string{"operation"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesLanded tracks consumed messages landed as raw records
	KafkaMessagesLanded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_landed_total",
			Help:      "Total number of consumed Kafka messages by landing status",
		},
		[]string{"status"},
	)
)

// RecordBatch records the outcome of a finished batch
func RecordBatch(m *models.BatchManifest) {
	decision := string(m.Decision)
	BatchesTotal.WithLabelValues(decision).Inc()
	BatchDuration.WithLabelValues(decision).Observe(m.FinishedAt.Sub(m.StartedAt).Seconds())

	RecordsTotal.WithLabelValues("resolved").Add(float64(m.ResolvedCount))
	RecordsTotal.WithLabelValues("fuzzy_merged").Add(float64(m.FuzzyMerged))
	RecordsTotal.WithLabelValues("exact_discarded").Add(float64(m.ExactDuplicatesDiscarded))
	RecordsTotal.WithLabelValues("errored").Add(float64(m.ErroredRecords))
}

// RecordError records one classified failure
func RecordError(category models.Category, severity models.Severity) {
	ErrorsTotal.WithLabelValues(string(category), string(severity)).Inc()
}

// RecordDLQ records a record written to the dead-letter store
func RecordDLQ(category models.Category, queue models.QueueType) {
	DLQRecordsTotal.WithLabelValues(string(category), string(queue)).Inc()
}

// RecordRecovery records the counts of a recovery report
func RecordRecovery(r *models.RecoveryReport) {
	RecoveryRecordsTotal.WithLabelValues("auto_recovered").Add(float64(r.AutoRecovered))
	RecoveryRecordsTotal.WithLabelValues("unrecoverable").Add(float64(r.Unrecoverable))
	RecoveryRecordsTotal.WithLabelValues("escalated").Add(float64(r.Escalated))
	RecoveryRecordsTotal.WithLabelValues("expired").Add(float64(r.Expired))
}

// RecordStorageRetry records one retried object store operation
func RecordStorageRetry(operation string) {
	StorageRetries.WithLabelValues(operation).Inc()
}

// RecordKafkaPublish records a Kafka publish
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

// RecordKafkaLanded records a consumed message and whether it was landed
func RecordKafkaLanded(status string) {
	KafkaMessagesLanded.WithLabelValues(status).Inc()
}
