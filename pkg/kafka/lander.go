package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/landing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RawMessage is the payload producers send to the input topic. EntityType
// and Source fall back to the message headers of the same name.
type RawMessage struct {
	ID         string                  `json:"id"`
	EntityType string                  `json:"entity_type"`
	Source     string                  `json:"source"`
	IngestedAt time.Time               `json:"ingested_at"`
	Data       map[string]models.Value `json:"data"`
}

// Lander writes consumed messages to the landing store under the date they
// were ingested, which is the prefix a daily batch reads.
type Lander struct {
	store  *landing.Store
	loc    *time.Location
	logger ectologger.Logger
}

func NewLander(store *landing.Store, loc *time.Location, logger ectologger.Logger) *Lander {
	if loc == nil {
		loc = time.UTC
	}
	return &Lander{store: store, loc: loc, logger: logger}
}

// Handle is a MessageHandler. Malformed messages are dropped and counted;
// redelivering them would not help. Store failures are returned so the
// message is not committed.
func (l *Lander) Handle(ctx context.Context, msg *IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Lander.Handle")
	defer span.End()

	rec, err := l.decode(msg)
	if err != nil {
		metrics.RecordKafkaLanded("malformed")
		l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("dropping malformed raw record message")
		return nil
	}

	prefix := rec.Arrival.IngestedAt.In(l.loc).Format(time.DateOnly) + "/"
	key, written, err := l.store.Land(ctx, prefix, rec)
	if err != nil {
		metrics.RecordKafkaLanded("error")
		return err
	}
	status := "landed"
	if !written {
		status = "duplicate"
	}
	metrics.RecordKafkaLanded(status)
	l.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    key,
		"status": status,
	}).Debug("landed raw record")
	return nil
}

func (l *Lander) decode(msg *IncomingMessage) (*models.RawRecord, error) {
	var raw RawMessage
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return nil, fmt.Errorf("message is not a raw record: %w", err)
	}
	if raw.EntityType == "" {
		raw.EntityType = msg.Headers["entity_type"]
	}
	if raw.Source == "" {
		raw.Source = msg.Headers["source"]
	}
	if raw.EntityType == "" {
		return nil, fmt.Errorf("message has no entity_type")
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("message has no data")
	}
	if raw.IngestedAt.IsZero() {
		raw.IngestedAt = msg.Timestamp
	}
	if raw.IngestedAt.IsZero() {
		raw.IngestedAt = time.Now()
	}
	if raw.ID == "" {
		raw.ID = msg.Key
	}
	if raw.ID == "" {
		// the offset identifies a message across redeliveries
		raw.ID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}

	return &models.RawRecord{
		ID:         raw.ID,
		EntityType: raw.EntityType,
		Data:       raw.Data,
		Arrival: models.ArrivalMetadata{
			Source:     raw.Source,
			IngestedAt: raw.IngestedAt.UTC(),
		},
	}, nil
}
