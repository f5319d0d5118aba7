// Package dlq stores error records on an object store, partitioned by
// category, queue and date, and moves them through their lifecycle.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultRoot is the key prefix of the dead-letter store
	DefaultRoot = "dlq"

	archiveDir = "_archive"
	indexDir   = "_index"
)

var (
	ErrNotFound = errors.New("error record not found")
	// ErrTerminal is returned when changing a resolved or abandoned record
	ErrTerminal = errors.New("error record is already closed")
)

// Store is the dead-letter store
type Store struct {
	store       storage.ObjectStore
	root        string
	concurrency int
	logger      ectologger.Logger
	now         func() time.Time
}

type Option func(*Store)

// WithRoot changes the key prefix
func WithRoot(root string) Option {
	return func(s *Store) { s.root = strings.Trim(root, "/") }
}

// WithConcurrency bounds parallel writes in AddAll and reads in List
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(store storage.ObjectStore, logger ectologger.Logger, opts ...Option) *Store {
	s := &Store{
		store:       store,
		root:        DefaultRoot,
		concurrency: 8,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key is where a live record is stored
func (s *Store) Key(rec *models.ErrorRecord) string {
	return path.Join(s.root, string(rec.Category), string(rec.QueueType), rec.PartitionDate, rec.ID+".json")
}

func (s *Store) archiveKey(rec *models.ErrorRecord) string {
	return path.Join(s.root, archiveDir, string(rec.Status), rec.PartitionDate, rec.ID+".json")
}

func (s *Store) indexKey(id string) string {
	return path.Join(s.root, indexDir, id)
}

// Add writes a record to its queue. Re-adding an id replaces the earlier
// entry wherever it lives.
func (s *Store) Add(ctx context.Context, rec *models.ErrorRecord) error {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Add")
	defer span.End()

	if rec.ID == "" {
		return fmt.Errorf("error record has no id")
	}
	if rec.Status == "" || rec.Status == models.ErrorStatusCreated {
		rec.Status = models.ErrorStatusQueued
	}
	if rec.QueueType == "" {
		rec.QueueType = models.QueueManualReview
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.PartitionDate == "" {
		rec.PartitionDate = rec.CreatedAt.Format(time.DateOnly)
	}

	if err := s.write(ctx, rec); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"error_id":  rec.ID,
		"record_id": rec.RecordID,
		"category":  rec.Category,
		"severity":  rec.Severity,
		"queue":     rec.QueueType,
	}).Debug("added record to dead-letter store")
	return nil
}

// AddAll writes records with bounded concurrency
func (s *Store) AddAll(ctx context.Context, recs []*models.ErrorRecord) error {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.AddAll")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			return s.Add(gctx, rec)
		})
	}
	return g.Wait()
}

// write stores rec at its current key, removes any copy at the previous key
// and points the index at the new location.
func (s *Store) write(ctx context.Context, rec *models.ErrorRecord) error {
	key := s.Key(rec)
	if rec.Status.IsTerminal() {
		key = s.archiveKey(rec)
	}

	previous, err := s.store.Get(ctx, s.indexKey(rec.ID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read index for %s: %w", rec.ID, err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record %s: %w", rec.ID, err)
	}
	if err := s.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write error record %s: %w", rec.ID, err)
	}
	if err := s.store.Put(ctx, s.indexKey(rec.ID), []byte(key)); err != nil {
		return fmt.Errorf("failed to index error record %s: %w", rec.ID, err)
	}
	if old := string(previous); old != "" && old != key {
		if err := s.store.Delete(ctx, old); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to remove stale copy of %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Get loads a record by id, live or archived
func (s *Store) Get(ctx context.Context, id string) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Get")
	defer span.End()

	key, err := s.store.Get(ctx, s.indexKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.read(ctx, string(key))
}

func (s *Store) read(ctx context.Context, key string) (*models.ErrorRecord, error) {
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var rec models.ErrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error record %s: %w", key, err)
	}
	return &rec, nil
}

// Filter narrows List. Empty fields match everything. Terminal statuses are
// read from the archive.
type Filter struct {
	Category  models.Category
	QueueType models.QueueType
	Date      string
	BatchID   string
	Severity  models.Severity
	Status    models.ErrorStatus
	Limit     int
}

// prefixes narrows the listing to the partitions the filter can match. A
// date or queue without a category expands over every category.
func (f Filter) prefixes(root string) []string {
	if f.Status.IsTerminal() {
		p := path.Join(root, archiveDir, string(f.Status)) + "/"
		if f.Date != "" {
			p += f.Date + "/"
		}
		return []string{p}
	}
	if f.Category == "" && f.QueueType == "" && f.Date == "" {
		return []string{root + "/"}
	}

	categories := models.Categories
	if f.Category != "" {
		categories = []models.Category{f.Category}
	}
	queues := models.QueueTypes
	if f.QueueType != "" {
		queues = []models.QueueType{f.QueueType}
	}
	var out []string
	for _, c := range categories {
		if f.QueueType == "" && f.Date == "" {
			out = append(out, path.Join(root, string(c))+"/")
			continue
		}
		for _, q := range queues {
			p := path.Join(root, string(c), string(q)) + "/"
			if f.Date != "" {
				p += f.Date + "/"
			}
			out = append(out, p)
		}
	}
	return out
}

func (f Filter) matches(rec *models.ErrorRecord) bool {
	return (f.Category == "" || rec.Category == f.Category) &&
		(f.QueueType == "" || rec.QueueType == f.QueueType) &&
		(f.Date == "" || rec.PartitionDate == f.Date) &&
		(f.BatchID == "" || rec.BatchID == f.BatchID) &&
		(f.Severity == "" || rec.Severity == f.Severity) &&
		(f.Status == "" || rec.Status == f.Status)
}

// List returns matching records ordered by creation time then id
func (s *Store) List(ctx context.Context, filter Filter) ([]*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.List")
	defer span.End()

	var keys []string
	for _, prefix := range filter.prefixes(s.root) {
		listed, err := s.store.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to list dead-letter store: %w", err)
		}
		for _, key := range listed {
			if filter.Status.IsTerminal() || !s.internal(key) {
				keys = append(keys, key)
			}
		}
	}

	recs := make([]*models.ErrorRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			rec, err := s.read(gctx, key)
			if err == nil {
				recs[i] = rec
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !errors.Is(err, ErrNotFound) {
				s.logger.WithContext(gctx).WithError(err).Warnf("skipping unreadable dead-letter entry %s", key)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*models.ErrorRecord
	for _, rec := range recs {
		if rec != nil && filter.matches(rec) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) internal(key string) bool {
	rel := strings.TrimPrefix(key, s.root+"/")
	return strings.HasPrefix(rel, archiveDir+"/") || strings.HasPrefix(rel, indexDir+"/")
}

// Update rewrites a live record, moving it if its queue changed
func (s *Store) Update(ctx context.Context, rec *models.ErrorRecord) error {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Update")
	defer span.End()

	rec.UpdatedAt = s.now().UTC()
	return s.write(ctx, rec)
}

func (s *Store) live(ctx context.Context, id string) (*models.ErrorRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.Status)
	}
	return rec, nil
}

// Escalate moves a record to manual review
func (s *Store) Escalate(ctx context.Context, id, reason string) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Escalate")
	defer span.End()

	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.QueueType = models.QueueManualReview
	rec.Escalated = true
	rec.EscalatedReason = reason
	if err := s.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{"error_id": id, "reason": reason}).Info("escalated error record to manual review")
	return rec, nil
}

// Resolve closes a record as fixed and archives it
func (s *Store) Resolve(ctx context.Context, id, resolution, operator string) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Resolve")
	defer span.End()

	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec.Status = models.ErrorStatusResolved
	rec.Resolution = resolution
	rec.Operator = operator
	rec.ResolvedAt = &now
	if err := s.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Abandon closes a record without a fix
func (s *Store) Abandon(ctx context.Context, id, reason, operator string) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Abandon")
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("abandoning %s requires a reason", id)
	}
	rec, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec.Status = models.ErrorStatusAbandoned
	rec.AbandonReason = reason
	rec.Operator = operator
	rec.ResolvedAt = &now
	if err := s.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{"error_id": id, "operator": operator}).Info("abandoned error record")
	return rec, nil
}

// Delete removes a record and its index entry
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Delete")
	defer span.End()

	key, err := s.store.Get(ctx, s.indexKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, string(key)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.store.Delete(ctx, s.indexKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.WithContext(ctx).Infof("Deleted dead-letter entry: %s", id)
	return nil
}
