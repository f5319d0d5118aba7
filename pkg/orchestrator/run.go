package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/dedup"
	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// run is the state of one batch execution. Workers only write their own
// slots and the atomic counters; everything else is touched by the calling
// goroutine.
type run struct {
	*Orchestrator
	snap     *config.Compiled
	batch    Batch
	manifest *models.BatchManifest

	asOf      time.Time
	partition string

	raws     []*models.RawRecord
	errs     []*models.ErrorRecord // one per failed record or conflict
	failures []*models.ErrorRecord // batch-level infrastructure failures
	errored  map[string]bool
	resolved []models.ResolvedRecord

	valid    atomic.Int64
	cleaned  atomic.Int64
	warnings atomic.Int64
}

func (r *run) execute(ctx context.Context) (*models.BatchManifest, error) {
	if err := r.input(ctx); err != nil {
		if stderrors.Is(err, ErrBatchTooLarge) {
			return r.reject(ctx, err)
		}
		return r.fail(ctx, err, models.StageLanding)
	}
	if err := r.process(ctx); err != nil {
		return r.fail(ctx, err, models.StageDedup)
	}

	r.tally()
	if breach, ok := r.snap.Ceilings.Check(r.manifest.ErrorsBySeverity, r.manifest.InputCount); ok {
		return r.abort(ctx, breach.String(), nil)
	}
	return r.commit(ctx)
}

// input loads the batch records, from the landing store unless the batch
// carries its own.
func (r *run) input(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run.input")
	defer span.End()

	var malformed []landingFailure
	if r.batch.Records != nil {
		if len(r.batch.Records) > r.maxRecords {
			r.manifest.InputCount = len(r.batch.Records)
			return fmt.Errorf("%w: %d records, ceiling is %d", ErrBatchTooLarge, len(r.batch.Records), r.maxRecords)
		}
		for _, rec := range r.batch.Records {
			cp := *rec
			cp.Arrival.BatchID = r.batch.ID
			r.raws = append(r.raws, &cp)
		}
	} else {
		keys, err := r.landing.Keys(ctx, r.batch.Prefix)
		if err != nil {
			return err
		}
		if len(keys) > r.maxRecords {
			r.manifest.InputCount = len(keys)
			return fmt.Errorf("%w: %d objects, ceiling is %d", ErrBatchTooLarge, len(keys), r.maxRecords)
		}
		records, failures, err := r.landing.ReadKeys(ctx, r.batch.ID, keys)
		if err != nil {
			return err
		}
		r.raws = records
		for _, f := range failures {
			malformed = append(malformed, landingFailure{key: f.Key, err: f.Err})
		}
	}

	r.manifest.InputCount = len(r.raws) + len(malformed)
	r.asOf = resolveAsOf(r.batch, r.raws, r.snap.Location)
	r.manifest.AsOf = r.asOf
	r.partition = r.partitionDate()

	for _, f := range malformed {
		r.recordError(f.err, errors.RecordRef{RecordID: f.key})
	}
	return nil
}

type landingFailure struct {
	key string
	err *errors.QualityError
}

// partitionDate is the dead-letter partition of the batch's errors
func (r *run) partitionDate() string {
	if day, ok := prefixDate(r.batch.Prefix, r.snap.Location); ok {
		return day.Format(time.DateOnly)
	}
	if !r.asOf.IsZero() {
		return r.asOf.In(r.snap.Location).Format(time.DateOnly)
	}
	return r.manifest.StartedAt.In(r.snap.Location).Format(time.DateOnly)
}

// process validates and cleans every record in a worker pool, then
// deduplicates identity-key stripes in parallel.
func (r *run) process(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run.process")
	defer span.End()

	n := len(r.raws)
	cleaned := make([]*models.CleanedRecord, n)
	failed := make([]*errors.QualityError, n)
	cleaner := r.snap.Cleaner.At(r.asOf)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, raw := range r.raws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			validated, qe := r.snap.Registry.Validate(gctx, raw)
			if qe != nil {
				failed[i] = qe
				return nil
			}
			r.valid.Add(1)

			out, qe := cleaner.Clean(gctx, validated)
			if qe != nil {
				failed[i] = qe
				return nil
			}
			r.cleaned.Add(1)
			r.warnings.Add(int64(len(out.Warnings)))
			cleaned[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	records := make([]models.CleanedRecord, 0, n)
	for i, raw := range r.raws {
		if failed[i] != nil {
			r.recordError(failed[i], errors.RecordRef{RecordID: raw.ID, EntityType: raw.EntityType, Payload: raw})
			continue
		}
		records = append(records, *cleaned[i])
	}

	stripes := r.snap.Dedup.Partition(records, r.partitions)
	results := make([]dedup.Result, len(stripes))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, stripe := range stripes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.snap.Dedup.Resolve(gctx, stripe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	result := dedup.Merge(results...)
	r.resolved = result.Resolved
	r.manifest.ResolvedCount = len(result.Resolved)
	r.manifest.FuzzyMerged = result.FuzzyMerged
	r.manifest.ExactDuplicatesDiscarded = result.ExactDiscarded
	for _, c := range result.Conflicts {
		r.recordError(c.Err, errors.RecordRef{
			RecordID:   c.RecordID,
			EntityType: c.Candidates[0].EntityType,
			Candidates: c.Candidates,
		})
	}

	r.manifest.ValidCount = int(r.valid.Load())
	r.manifest.CleanedCount = int(r.cleaned.Load())
	r.manifest.Warnings = int(r.warnings.Load())
	return nil
}

func (r *run) recordError(qe *errors.QualityError, ref errors.RecordRef) {
	ref.BatchID = r.batch.ID
	ref.PartitionDate = r.partition
	ref.CreatedAt = r.manifest.StartedAt
	rec := qe.Record(ref)
	r.errs = append(r.errs, rec)
	for _, id := range rec.SourceRecordIDs() {
		r.errored[id] = true
	}
}

// tally recomputes the error counts and rates from scratch
func (r *run) tally() {
	m := r.manifest
	m.ErroredRecords = 0
	for _, sev := range models.Severities {
		m.ErrorsBySeverity[sev] = 0
	}
	for _, c := range models.Categories {
		m.ErrorsByCategory[c] = 0
	}

	for _, rec := range r.errs {
		m.ErroredRecords += rec.Affected()
		m.ErrorsBySeverity[rec.Severity] += rec.Affected()
		m.ErrorsByCategory[rec.Category] += rec.Affected()
	}
	for _, rec := range r.failures {
		m.ErrorsBySeverity[rec.Severity]++
		m.ErrorsByCategory[rec.Category]++
	}
	m.ErrorRecords = len(r.errs) + len(r.failures)
	m.ErrorRatesBySeverity = models.Rates(m.ErrorsBySeverity, m.InputCount)
}

// commit stages the resolved records, persists the record errors and then
// promotes the staged output. The manifest written by the commit is the
// only thing that makes the batch visible.
func (r *run) commit(ctx context.Context) (*models.BatchManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run.commit")
	defer span.End()

	if err := r.output.Stage(ctx, r.batch.ID, r.resolved); err != nil {
		return r.fail(ctx, err, models.StageCommit)
	}
	if err := r.dlq.AddAll(ctx, r.errs); err != nil {
		return r.fail(ctx, fmt.Errorf("failed to dead-letter record errors: %w", err), models.StageCommit)
	}

	m := r.manifest
	m.DeadLettered = len(r.errs)
	m.Decision = models.DecisionCommitted
	committedAt := r.now().UTC()
	m.CommittedAt = &committedAt
	m.FinishedAt = committedAt

	if _, err := r.output.Commit(ctx, m); err != nil {
		m.Decision = models.DecisionPending
		m.CommittedAt = nil
		m.CommittedRecords = 0
		if removed, rbErr := r.output.Rollback(context.WithoutCancel(ctx), r.batch.ID, r.snap.Registry.EntityTypes()); rbErr != nil {
			r.logger.WithContext(ctx).WithError(rbErr).WithField("removed", removed).Error("failed to roll back partial commit")
		}
		return r.fail(ctx, err, models.StageCommit)
	}

	r.supersede(ctx)
	r.finish(ctx, r.errs)
	return m, nil
}

// supersede resolves live dead-letter entries an earlier aborted run of the
// same batch left behind and this run did not rewrite.
func (r *run) supersede(ctx context.Context) {
	current := make(map[string]bool, len(r.errs))
	for _, rec := range r.errs {
		current[rec.ID] = true
	}

	stale, err := r.dlq.List(ctx, dlq.Filter{BatchID: r.batch.ID})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", r.batch.ID).Warn("failed to list earlier dead-letter entries")
		return
	}
	for _, rec := range stale {
		if current[rec.ID] {
			continue
		}
		if _, err := r.dlq.Resolve(ctx, rec.ID, "superseded by committed run of "+r.batch.ID, SystemOperator); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("error_id", rec.ID).Warn("failed to resolve superseded dead-letter entry")
		}
	}
}

// fail turns an infrastructure error into a critical batch failure and
// aborts. Cancellation aborts without a failure record.
func (r *run) fail(ctx context.Context, err error, stage models.Stage) (*models.BatchManifest, error) {
	if ctx.Err() != nil {
		return r.abort(ctx, "run cancelled: "+ctx.Err().Error(), ctx.Err())
	}

	qe := errors.FromSystem(err, stage)
	r.failures = append(r.failures, qe.Record(errors.RecordRef{
		BatchID:       r.batch.ID,
		RecordID:      r.batch.ID,
		PartitionDate: r.partition,
		CreatedAt:     r.manifest.StartedAt,
	}))
	r.tally()

	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"batch_id": r.batch.ID,
		"stage":    stage,
		"category": qe.Category,
	}).Error("critical failure, aborting batch")
	return r.abort(ctx, fmt.Sprintf("critical %s failure during %s: %s", qe.Category, stage, qe.Message), nil)
}

// abort discards staged output and writes every processed record to the
// dead-letter store: the record errors as they are and everything else as
// a replay entry. Cleanup ignores cancellation of ctx.
func (r *run) abort(ctx context.Context, reason string, cause error) (*models.BatchManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.run.abort")
	defer span.End()

	m := r.manifest
	m.Decision = models.DecisionAborted
	m.AbortReason = reason
	m.CommittedRecords = 0
	m.DeadLettered = 0

	cleanup := context.WithoutCancel(ctx)
	if _, err := r.output.Discard(cleanup, r.batch.ID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", r.batch.ID).Error("failed to discard staged output")
	}

	var written []*models.ErrorRecord
	var bookkeeping error
	if !r.batch.Recovery {
		entries := make([]*models.ErrorRecord, 0, len(r.errs)+len(r.failures)+len(r.raws))
		entries = append(entries, r.errs...)
		entries = append(entries, r.failures...)
		entries = append(entries, r.replays(reason)...)
		if err := r.dlq.AddAll(cleanup, entries); err != nil {
			bookkeeping = fmt.Errorf("failed to dead-letter aborted batch %s: %w", r.batch.ID, err)
		} else {
			written = entries
			m.DeadLettered = len(entries)
		}
	}

	m.FinishedAt = r.now().UTC()
	if err := r.output.RecordAbort(cleanup, m); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", r.batch.ID).Warn("failed to record aborted manifest")
	}
	r.finish(ctx, written)

	if cause != nil {
		return m, cause
	}
	return m, bookkeeping
}

// replays builds a replay entry for every record that was processed without
// an error of its own.
func (r *run) replays(reason string) []*models.ErrorRecord {
	var out []*models.ErrorRecord
	for _, raw := range r.raws {
		if r.errored[raw.ID] {
			continue
		}
		out = append(out, errors.Replay(reason).Record(errors.RecordRef{
			BatchID:       r.batch.ID,
			RecordID:      raw.ID,
			EntityType:    raw.EntityType,
			PartitionDate: r.partition,
			Payload:       raw,
			CreatedAt:     r.manifest.StartedAt,
		}))
	}
	return out
}

// reject ends a run that never started processing
func (r *run) reject(ctx context.Context, err error) (*models.BatchManifest, error) {
	m := r.manifest
	m.Decision = models.DecisionAborted
	m.AbortReason = err.Error()
	m.FinishedAt = r.now().UTC()
	if m.BatchID != "" {
		if recErr := r.output.RecordAbort(context.WithoutCancel(ctx), m); recErr != nil {
			r.logger.WithContext(ctx).WithError(recErr).WithField("batch_id", m.BatchID).Warn("failed to record rejected manifest")
		}
	}
	r.finish(ctx, nil)
	return m, err
}

func (r *run) finish(ctx context.Context, deadLettered []*models.ErrorRecord) {
	m := r.manifest
	metrics.RecordBatch(m)
	for _, rec := range append(append([]*models.ErrorRecord(nil), r.errs...), r.failures...) {
		metrics.RecordError(rec.Category, rec.Severity)
	}
	for _, rec := range deadLettered {
		metrics.RecordDLQ(rec.Category, rec.QueueType)
	}

	fields := map[string]any{
		"batch_id":          m.BatchID,
		"decision":          m.Decision,
		"input":             m.InputCount,
		"resolved":          m.ResolvedCount,
		"fuzzy_merged":      m.FuzzyMerged,
		"exact_discarded":   m.ExactDuplicatesDiscarded,
		"errored":           m.ErroredRecords,
		"committed_records": m.CommittedRecords,
		"dead_lettered":     m.DeadLettered,
		"duration_ms":       m.FinishedAt.Sub(m.StartedAt).Milliseconds(),
	}
	event := models.EventBatchCommitted
	if m.Decision == models.DecisionCommitted {
		r.logger.WithContext(ctx).WithFields(fields).Info("batch committed")
	} else {
		event = models.EventBatchAborted
		fields["abort_reason"] = m.AbortReason
		r.logger.WithContext(ctx).WithFields(fields).Warn("batch aborted")
	}
	r.publish(ctx, &models.Event{Type: event, Key: m.BatchID, BatchID: m.BatchID, Payload: m})
}
