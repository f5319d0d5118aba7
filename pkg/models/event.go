package models

import "time"

// Event types published for downstream consumers and operators
const (
	EventBatchCommitted    = "batch.committed"
	EventBatchAborted      = "batch.aborted"
	EventRecoveryCompleted = "recovery.completed"
	EventDLQEscalated      = "dlq.escalated"
)

// Event is a notification about a batch or dead-letter record
type Event struct {
	Type      string    `json:"event_type"`
	Key       string    `json:"key"`
	BatchID   string    `json:"batch_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
