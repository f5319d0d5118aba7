// Package landing reads and writes raw records in the immutable landing
// store. Every object is one JSON envelope keyed under a batch prefix.
package landing

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultRoot is the key prefix of the landing store
const DefaultRoot = "landing"

// Envelope is the stored form of one landed record
type Envelope struct {
	EntityType string                  `json:"entity_type"`
	Source     string                  `json:"source"`
	IngestedAt time.Time               `json:"ingested_at"`
	Data       map[string]models.Value `json:"data"`
}

// Failure is a landing object that could not be turned into a raw record
type Failure struct {
	Key string
	Err *errors.QualityError
}

// Store reads and writes landing objects
type Store struct {
	store       storage.ObjectStore
	root        string
	concurrency int
	logger      ectologger.Logger
	now         func() time.Time
}

type Option func(*Store)

func WithRoot(root string) Option {
	return func(s *Store) { s.root = strings.Trim(root, "/") }
}

// WithConcurrency bounds parallel reads
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(store storage.ObjectStore, logger ectologger.Logger, opts ...Option) *Store {
	s := &Store{
		store:       store,
		root:        DefaultRoot,
		concurrency: 16,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix is the full key prefix of a batch prefix such as "2024-01-15/"
func (s *Store) Prefix(prefix string) string {
	if s.root == "" {
		return prefix
	}
	return s.root + "/" + strings.TrimPrefix(prefix, "/")
}

// Read lists every object under prefix and decodes it. Records come back in
// key order. Objects that are not valid envelopes are returned as failures
// instead of records; only store errors fail the read.
func (s *Store) Read(ctx context.Context, batchID, prefix string) ([]*models.RawRecord, []Failure, error) {
	ctx, span := tracing.StartSpan(ctx, "landing.Store.Read")
	defer span.End()

	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	return s.ReadKeys(ctx, batchID, keys)
}

// Keys lists the object keys under a batch prefix in key order
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.List(ctx, s.Prefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list landing prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// ReadKeys fetches and decodes the given landing objects with bounded
// concurrency. Results keep the order of keys.
func (s *Store) ReadKeys(ctx context.Context, batchID string, keys []string) ([]*models.RawRecord, []Failure, error) {
	ctx, span := tracing.StartSpan(ctx, "landing.Store.ReadKeys")
	defer span.End()

	records := make([]*models.RawRecord, len(keys))
	failures := make([]*Failure, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := s.store.Get(gctx, key)
			if err != nil {
				return fmt.Errorf("failed to read landing object %s: %w", key, err)
			}
			rec, qe := Decode(key, batchID, data)
			if qe != nil {
				failures[i] = &Failure{Key: key, Err: qe}
				return nil
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make([]*models.RawRecord, 0, len(keys))
	var bad []Failure
	for i := range keys {
		if failures[i] != nil {
			bad = append(bad, *failures[i])
			continue
		}
		out = append(out, records[i])
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":  batchID,
		"objects":   len(keys),
		"records":   len(out),
		"malformed": len(bad),
	}).Info("read landing batch")
	return out, bad, nil
}

// Decode turns a landing object into a raw record keyed by its object key
func Decode(key, batchID string, data []byte) (*models.RawRecord, *errors.QualityError) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(key, "landing object is not a valid envelope: %v", err)
	}
	if env.EntityType == "" {
		return nil, malformed(key, "landing object has no entity_type")
	}
	if env.Data == nil {
		return nil, malformed(key, "landing object has no data")
	}
	return &models.RawRecord{
		ID:         key,
		EntityType: env.EntityType,
		Data:       env.Data,
		Arrival: models.ArrivalMetadata{
			Source:     env.Source,
			IngestedAt: env.IngestedAt.UTC(),
			BatchID:    batchID,
		},
	}, nil
}

func malformed(key, format string, args ...any) *errors.QualityError {
	return errors.Newf(models.CategorySchemaValidation, models.SeverityHigh, format, args...).
		AddStage(models.StageLanding).
		AddField("_object", key).
		AddRecoverable(false)
}

// Land writes a record under prefix. Landed objects are immutable: an id
// that already exists is left untouched and reported as not written.
func (s *Store) Land(ctx context.Context, prefix string, rec *models.RawRecord) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "landing.Store.Land")
	defer span.End()

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	key := path.Join(s.Prefix(prefix), id+".json")

	ingestedAt := rec.Arrival.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = s.now()
	}
	data, err := json.Marshal(Envelope{
		EntityType: rec.EntityType,
		Source:     rec.Arrival.Source,
		IngestedAt: ingestedAt.UTC(),
		Data:       rec.Data,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal landing envelope: %w", err)
	}
	written, err := storage.Create(ctx, s.store, key, data)
	if err != nil {
		return "", false, fmt.Errorf("failed to land %s: %w", key, err)
	}
	if !written {
		s.logger.WithContext(ctx).WithField("key", key).Debug("landing object already exists")
	}
	return key, written, nil
}
