// Package orchestrator sequences a batch through validation, cleaning and
// deduplication and commits its output as a unit. A run always ends with a
// manifest, committed or aborted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/landing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/output"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Operator recorded on dead-letter entries a committed rerun supersedes
const SystemOperator = "fern-orchestrator"

var (
	ErrBatchIDRequired = errors.New("batch id is required")
	ErrBatchTooLarge   = errors.New("batch exceeds the record ceiling")
)

// Locker keeps two processes from running the same batch at once
type Locker interface {
	Hold(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Publisher emits batch events
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// Batch identifies one run. Records, when set, replace the landing read;
// recovery and correction batches use them. A recovery batch leaves the
// dead-letter store untouched when it aborts because its records are
// already there.
type Batch struct {
	ID       string
	Prefix   string
	AsOf     time.Time
	Records  []*models.RawRecord
	Recovery bool
}

type Orchestrator struct {
	landing    *landing.Store
	output     *output.Store
	dlq        *dlq.Store
	locker     Locker
	events     Publisher
	logger     ectologger.Logger
	now        func() time.Time
	workers    int
	maxWorkers int
	partitions int
	maxRecords int
	lockTTL    time.Duration
}

type Option func(*Orchestrator)

// WithWorkers sets the validation and cleaning pool size
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxWorkers caps WithWorkers
func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithPartitions sets how many dedup stripes run in parallel
func WithPartitions(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.partitions = n
		}
	}
}

// WithMaxRecords rejects batches with more input records than n
func WithMaxRecords(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRecords = n
		}
	}
}

func WithLocker(l Locker, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = l
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an orchestrator. The stores are expected to sit on a retrying
// object store so transient I/O failures are absorbed below this layer.
func New(landing *landing.Store, out *output.Store, dlq *dlq.Store, logger ectologger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		landing:    landing,
		output:     out,
		dlq:        dlq,
		logger:     logger,
		now:        time.Now,
		workers:    8,
		maxWorkers: 64,
		partitions: 8,
		maxRecords: 1_000_000,
		lockTTL:    15 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers > o.maxWorkers {
		o.workers = o.maxWorkers
	}
	return o
}

// Run executes one batch against a compiled snapshot. The manifest is never
// nil. A batch that already committed returns its manifest with Replayed set
// and does no work. The error is non-nil only when the run was cancelled or
// could not finish its own bookkeeping; an abort by ceiling or by a critical
// failure is reported through the manifest.
func (o *Orchestrator) Run(ctx context.Context, snap *config.Compiled, batch Batch) (*models.BatchManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.Orchestrator.Run")
	defer span.End()

	r := &run{
		Orchestrator: o,
		snap:         snap,
		batch:        batch,
		manifest:     models.NewBatchManifest(batch.ID, o.now().UTC()),
		errored:      map[string]bool{},
	}
	r.manifest.Prefix = batch.Prefix
	r.manifest.ConfigVersion = snap.Version
	r.manifest.SchemaVersions = snap.Registry.Versions()

	if batch.ID == "" {
		return r.reject(ctx, ErrBatchIDRequired)
	}

	if o.locker != nil {
		release, err := o.locker.Hold(ctx, "batch:"+batch.ID, o.lockTTL)
		if err != nil {
			return r.reject(ctx, fmt.Errorf("failed to lock batch %s: %w", batch.ID, err))
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				o.logger.WithContext(ctx).WithError(err).WithField("batch_id", batch.ID).Warn("failed to release batch lock")
			}
		}()
	}

	prior, err := o.output.Committed(ctx, batch.ID)
	if err == nil {
		prior.Replayed = true
		o.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id":          batch.ID,
			"committed_records": prior.CommittedRecords,
		}).Info("batch already committed, returning its manifest")
		return prior, nil
	}
	if !errors.Is(err, output.ErrNotFound) {
		return r.fail(ctx, fmt.Errorf("failed to look up batch manifest: %w", err), models.StageCommit)
	}

	return r.execute(ctx)
}

// Manifest returns the committed manifest of a batch, or the last aborted
// one when it never committed.
func (o *Orchestrator) Manifest(ctx context.Context, batchID string) (*models.BatchManifest, error) {
	return o.output.Manifest(ctx, batchID)
}

func (o *Orchestrator) publish(ctx context.Context, event *models.Event) {
	if o.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = o.now().UTC()
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("event_type", event.Type).Warn("failed to publish event")
	}
}

// resolveAsOf picks the reference time for date plausibility. It never reads
// the wall clock so a rerun judges dates the same way: an explicit as-of,
// else the end of the first date in the prefix, else the latest ingestion.
func resolveAsOf(batch Batch, records []*models.RawRecord, loc *time.Location) time.Time {
	if !batch.AsOf.IsZero() {
		return batch.AsOf
	}
	if day, ok := prefixDate(batch.Prefix, loc); ok {
		return day.AddDate(0, 0, 1)
	}
	var latest time.Time
	for _, rec := range records {
		if rec.Arrival.IngestedAt.After(latest) {
			latest = rec.Arrival.IngestedAt
		}
	}
	return latest
}

// prefixDate finds the first path segment of prefix that is a date
func prefixDate(prefix string, loc *time.Location) (time.Time, bool) {
	for _, seg := range strings.Split(strings.Trim(prefix, "/"), "/") {
		if day, err := time.ParseInLocation(time.DateOnly, seg, loc); err == nil {
			return day, true
		}
	}
	return time.Time{}, false
}
