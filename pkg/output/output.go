// Package output stages resolved records and commits them as a unit. A batch
// is visible to consumers only once its manifest exists under manifests/.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	stagingRoot  = "staging"
	outputRoot   = "output"
	manifestRoot = "manifests"
	abortedDir   = "_aborted"
)

var ErrNotFound = errors.New("batch manifest not found")

// Store stages and commits batch output on an object store
type Store struct {
	store       storage.ObjectStore
	concurrency int
	logger      ectologger.Logger
}

type Option func(*Store)

// WithConcurrency bounds parallel object writes
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewStore(store storage.ObjectStore, logger ectologger.Logger, opts ...Option) *Store {
	s := &Store{store: store, concurrency: 16, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObjectName is the file name of a record inside its batch directory
func ObjectName(rec models.ResolvedRecord) string {
	return fingerprint.Key(rec.EntityType, rec.RecordID)[:32] + ".json"
}

func stagingPrefix(batchID string) string {
	return path.Join(stagingRoot, batchID) + "/"
}

// OutputPrefix is where the committed records of an entity type and batch live
func OutputPrefix(entityType, batchID string) string {
	return path.Join(outputRoot, entityType, batchID) + "/"
}

// ManifestKey is the commit marker of a batch
func ManifestKey(batchID string) string {
	return path.Join(manifestRoot, batchID+".json")
}

func abortedKey(batchID string) string {
	return path.Join(manifestRoot, abortedDir, batchID+".json")
}

// Stage writes records under staging/{batch}/{entity}/ where consumers never
// read. Staging the same records twice writes the same keys.
func (s *Store) Stage(ctx context.Context, batchID string, records []models.ResolvedRecord) error {
	ctx, span := tracing.StartSpan(ctx, "output.Store.Stage")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range records {
		g.Go(func() error {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %s: %w", rec.RecordID, err)
			}
			key := path.Join(stagingRoot, batchID, rec.EntityType, ObjectName(rec))
			if err := s.store.Put(gctx, key, data); err != nil {
				return fmt.Errorf("failed to stage record %s: %w", rec.RecordID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batchID,
		"records":  len(records),
	}).Debug("staged batch output")
	return nil
}

// Commit promotes everything staged for the batch into output/ and then
// writes the manifest with CommittedRecords set. A crash before the manifest
// leaves the batch uncommitted and a rerun promotes the same keys again.
func (s *Store) Commit(ctx context.Context, manifest *models.BatchManifest) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "output.Store.Commit")
	defer span.End()

	prefix := stagingPrefix(manifest.BatchID)
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list staged output: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			entityType, name, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
			if !ok {
				return fmt.Errorf("unexpected staging key %s", key)
			}
			return storage.Move(gctx, s.store, key, OutputPrefix(entityType, manifest.BatchID)+name)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	manifest.CommittedRecords = len(keys)
	data, err := json.Marshal(manifest)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := s.store.Put(ctx, ManifestKey(manifest.BatchID), data); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": manifest.BatchID,
		"records":  len(keys),
	}).Info("committed batch output")
	return len(keys), nil
}

// Discard drops the staged output of a batch
func (s *Store) Discard(ctx context.Context, batchID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "output.Store.Discard")
	defer span.End()

	removed, err := storage.DeletePrefix(ctx, s.store, stagingPrefix(batchID))
	if err != nil {
		return removed, fmt.Errorf("failed to discard staged output: %w", err)
	}
	return removed, nil
}

// Rollback removes whatever a failed Commit already promoted for the given
// entity types together with the remaining staged output. Without a manifest
// none of it was visible.
func (s *Store) Rollback(ctx context.Context, batchID string, entityTypes []string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "output.Store.Rollback")
	defer span.End()

	removed, err := s.Discard(ctx, batchID)
	if err != nil {
		return removed, err
	}
	for _, entityType := range entityTypes {
		n, err := storage.DeletePrefix(ctx, s.store, OutputPrefix(entityType, batchID))
		removed += n
		if err != nil {
			return removed, fmt.Errorf("failed to roll back %s output: %w", entityType, err)
		}
	}
	return removed, nil
}

// RecordAbort keeps the manifest of an aborted run for inspection. It is not
// a commit marker.
func (s *Store) RecordAbort(ctx context.Context, manifest *models.BatchManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return s.store.Put(ctx, abortedKey(manifest.BatchID), data)
}

// Committed returns the manifest of a committed batch or ErrNotFound
func (s *Store) Committed(ctx context.Context, batchID string) (*models.BatchManifest, error) {
	return s.readManifest(ctx, ManifestKey(batchID))
}

// Manifest returns the committed manifest of a batch, or the last aborted
// one when the batch never committed.
func (s *Store) Manifest(ctx context.Context, batchID string) (*models.BatchManifest, error) {
	m, err := s.Committed(ctx, batchID)
	if !errors.Is(err, ErrNotFound) {
		return m, err
	}
	return s.readManifest(ctx, abortedKey(batchID))
}

func (s *Store) readManifest(ctx context.Context, key string) (*models.BatchManifest, error) {
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m models.BatchManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return &m, nil
}

// Records reads the committed records of one entity type in a batch
func (s *Store) Records(ctx context.Context, entityType, batchID string) ([]models.ResolvedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "output.Store.Records")
	defer span.End()

	if _, err := s.Committed(ctx, batchID); err != nil {
		return nil, err
	}
	keys, err := s.store.List(ctx, OutputPrefix(entityType, batchID))
	if err != nil {
		return nil, err
	}
	out := make([]models.ResolvedRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var rec models.ResolvedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Staged counts the objects currently staged for a batch
func (s *Store) Staged(ctx context.Context, batchID string) (int, error) {
	keys, err := s.store.List(ctx, stagingPrefix(batchID))
	return len(keys), err
}
