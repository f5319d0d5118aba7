// Package recovery drives dead-letter records back into the pipeline, either
// through automatic per-category fixes or operator corrections.
package recovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/cleaning"
	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Operator recorded on records closed by automatic recovery
const SystemOperator = "fern-recovery"

var (
	ErrScopeRequired = stderrors.New("recovery needs a date or a batch id")
	ErrReplayAborted = stderrors.New("replay batch aborted")
)

// Replayer runs records through the full pipeline as a batch of their own
type Replayer interface {
	Replay(ctx context.Context, batchID string, records []*models.RawRecord) (*models.BatchManifest, error)
}

// Publisher emits recovery events
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// Request scopes a recovery pass to one partition date or one batch
type Request struct {
	Date        string `json:"date,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	AutoRecover bool   `json:"auto_recover"`
}

type Service struct {
	dlq      *dlq.Store
	registry *schema.Registry
	cleaner  *cleaning.Engine
	replayer Replayer
	policy   Policy
	events   Publisher
	logger   ectologger.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *dlq.Store, registry *schema.Registry, cleaner *cleaning.Engine, replayer Replayer, policy Policy, logger ectologger.Logger, opts ...Option) *Service {
	s := &Service{
		dlq:      store,
		registry: registry,
		cleaner:  cleaner,
		replayer: replayer,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fix is a dead-letter record paired with the payload to replay
type fix struct {
	rec *models.ErrorRecord
	raw *models.RawRecord
}

// Recover runs one pass over the live records in scope. Without AutoRecover
// the pass only reports what it would do and changes nothing.
func (s *Service) Recover(ctx context.Context, req Request) (*models.RecoveryReport, error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.Service.Recover")
	defer span.End()

	if req.Date == "" && req.BatchID == "" {
		return nil, ErrScopeRequired
	}

	report := &models.RecoveryReport{
		Date:        req.Date,
		BatchID:     req.BatchID,
		AutoRecover: req.AutoRecover,
		StartedAt:   s.now().UTC(),
	}

	recs, err := s.dlq.List(ctx, dlq.Filter{Date: req.Date, BatchID: req.BatchID})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter records: %w", err)
	}
	report.Total = len(recs)

	var fixes []fix
	for _, rec := range recs {
		if rec.QueueType == models.QueueManualReview {
			if err := s.review(ctx, rec, req.AutoRecover, report); err != nil {
				return nil, err
			}
			continue
		}

		raw, reason := s.plan(ctx, rec)
		if reason != "" {
			report.Unrecoverable++
			if req.AutoRecover {
				if err := s.escalate(ctx, rec, reason); err != nil {
					return nil, err
				}
				report.Escalated++
			}
			continue
		}
		fixes = append(fixes, fix{rec: rec, raw: raw})
	}

	if !req.AutoRecover || len(fixes) == 0 {
		report.Recoverable += len(fixes)
		return s.finish(ctx, report), nil
	}

	if err := s.replay(ctx, fixes, report); err != nil {
		return nil, err
	}
	return s.finish(ctx, report), nil
}

func (s *Service) finish(ctx context.Context, report *models.RecoveryReport) *models.RecoveryReport {
	report.FinishedAt = s.now().UTC()
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"date":           report.Date,
		"batch_id":       report.BatchID,
		"auto_recover":   report.AutoRecover,
		"total":          report.Total,
		"auto_recovered": report.AutoRecovered,
		"recoverable":    report.Recoverable,
		"unrecoverable":  report.Unrecoverable,
		"manual":         report.Manual,
		"expired":        report.Expired,
	}).Info("recovery pass finished")

	if report.AutoRecover {
		key := report.Date
		if report.BatchID != "" {
			key = report.BatchID
		}
		s.publish(ctx, &models.Event{Type: models.EventRecoveryCompleted, Key: key, BatchID: report.RecoveryBatchID, Payload: report})
	}
	return report
}

// review counts a manual-review record and applies the conflict policy to it
func (s *Service) review(ctx context.Context, rec *models.ErrorRecord, apply bool, report *models.RecoveryReport) error {
	conflicts := s.policy.Conflicts
	if rec.Category != models.CategoryBusinessRule || !conflicts.Expired(rec.CreatedAt, s.now()) {
		report.Manual++
		return nil
	}

	reason := fmt.Sprintf("unresolved conflict older than %s", conflicts.MaxAge)
	switch conflicts.Action {
	case ConflictActionAbandon:
		report.Expired++
		if !apply {
			return nil
		}
		if _, err := s.dlq.Abandon(ctx, rec.ID, reason, SystemOperator); err != nil {
			return fmt.Errorf("failed to abandon %s: %w", rec.ID, err)
		}
	case ConflictActionEscalate:
		report.Manual++
		if rec.Escalated {
			return nil
		}
		report.Escalated++
		if apply {
			return s.escalate(ctx, rec, reason)
		}
	default:
		report.Manual++
	}
	return nil
}

// plan picks the category strategy for a recoverable record and returns the
// payload to replay, or the reason there is none.
func (s *Service) plan(ctx context.Context, rec *models.ErrorRecord) (*models.RawRecord, string) {
	if !rec.Recoverable {
		return nil, "no known fix"
	}
	if rec.Payload == nil {
		return nil, "no payload to replay"
	}

	switch rec.Category {
	case models.CategorySystemError, models.CategoryExternalDependency:
		return clonePayload(rec.Payload), ""
	case models.CategorySchemaValidation, models.CategoryDataQuality:
		validator, err := s.registry.Validator(rec.Payload.EntityType)
		if err != nil {
			return nil, err.Error()
		}
		raw, reason := applyFixes(rec, validator)
		if reason != "" {
			return nil, reason
		}
		if reason := s.precheck(ctx, raw); reason != "" {
			return nil, reason
		}
		return raw, ""
	}
	return nil, fmt.Sprintf("no automatic strategy for %s", rec.Category)
}

// precheck runs the pure stages over a fixed payload so a fix that does not
// hold is escalated instead of replayed.
func (s *Service) precheck(ctx context.Context, raw *models.RawRecord) string {
	validated, qe := s.registry.Validate(ctx, raw)
	if qe != nil {
		return "fix failed validation: " + qe.Message
	}
	if _, qe := s.cleaner.At(s.now()).Clean(ctx, validated); qe != nil {
		return "fix failed cleaning: " + qe.Message
	}
	return ""
}

func (s *Service) replay(ctx context.Context, fixes []fix, report *models.RecoveryReport) error {
	ids := make([]string, 0, len(fixes))
	raws := make([]*models.RawRecord, 0, len(fixes))
	for _, f := range fixes {
		ids = append(ids, f.rec.ID)
		raws = append(raws, f.raw)
	}
	sort.Strings(ids)
	batchID := BatchID("recovery", ids...)
	report.RecoveryBatchID = batchID

	manifest, err := s.replayer.Replay(ctx, batchID, raws)
	if err == nil && manifest.Decision != models.DecisionCommitted {
		err = fmt.Errorf("%w: %s", ErrReplayAborted, manifest.AbortReason)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.AbortReason = err.Error()
		s.logger.WithContext(ctx).WithError(err).WithField("recovery_batch_id", batchID).Warn("recovery replay did not commit")
		return s.retryLater(ctx, fixes, err.Error(), report)
	}

	resolution := "replayed in batch " + batchID
	for _, f := range fixes {
		if _, err := s.dlq.Resolve(ctx, f.rec.ID, resolution, SystemOperator); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f.rec.ID, err)
		}
		report.AutoRecovered++
	}
	return nil
}

// retryLater records a failed replay attempt and escalates records that
// have run out of attempts.
func (s *Service) retryLater(ctx context.Context, fixes []fix, reason string, report *models.RecoveryReport) error {
	for _, f := range fixes {
		f.rec.Attempts++
		if err := s.dlq.Update(ctx, f.rec); err != nil {
			return fmt.Errorf("failed to record attempt on %s: %w", f.rec.ID, err)
		}
		if s.policy.MaxAttempts > 0 && f.rec.Attempts >= s.policy.MaxAttempts {
			if err := s.escalate(ctx, f.rec, fmt.Sprintf("replay failed %d times: %s", f.rec.Attempts, reason)); err != nil {
				return err
			}
			report.Unrecoverable++
			report.Escalated++
			continue
		}
		report.Recoverable++
	}
	return nil
}

func (s *Service) escalate(ctx context.Context, rec *models.ErrorRecord, reason string) error {
	escalated, err := s.dlq.Escalate(ctx, rec.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to escalate %s: %w", rec.ID, err)
	}
	s.publish(ctx, &models.Event{Type: models.EventDLQEscalated, Key: rec.ID, BatchID: rec.BatchID, Payload: escalated})
	return nil
}

// SubmitCorrection replays operator-corrected data for a dead-letter record
// as a newly arrived record. Data that fails validation is rejected before
// anything changes.
func (s *Service) SubmitCorrection(ctx context.Context, id string, data map[string]models.Value, operator string) (*models.BatchManifest, error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.Service.SubmitCorrection")
	defer span.End()

	if operator == "" {
		return nil, stderrors.New("a correction needs an operator")
	}
	rec, err := s.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", dlq.ErrTerminal, id, rec.Status)
	}

	raw := &models.RawRecord{
		ID:         rec.RecordID,
		EntityType: rec.EntityType,
		Data:       data,
		Arrival: models.ArrivalMetadata{
			Source:     "correction:" + operator,
			IngestedAt: s.now().UTC(),
		},
	}
	if _, qe := s.registry.Validate(ctx, raw); qe != nil {
		return nil, qe
	}

	batchID := BatchID("correction", id, fingerprint.Generate(plain(data)))
	raw.Arrival.BatchID = batchID
	manifest, err := s.replayer.Replay(ctx, batchID, []*models.RawRecord{raw})
	if err == nil && manifest.Decision != models.DecisionCommitted {
		err = fmt.Errorf("%w: %s", ErrReplayAborted, manifest.AbortReason)
	}
	if err != nil {
		rec.Attempts++
		if updateErr := s.dlq.Update(ctx, rec); updateErr != nil {
			s.logger.WithContext(ctx).WithError(updateErr).Warn("failed to record correction attempt")
		}
		return manifest, err
	}

	if _, err := s.dlq.Resolve(ctx, id, "corrected in batch "+batchID, operator); err != nil {
		return manifest, err
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"error_id": id,
		"operator": operator,
		"batch_id": batchID,
	}).Info("operator correction committed")
	return manifest, nil
}

// Abandon discards a dead-letter record with the operator's reason
func (s *Service) Abandon(ctx context.Context, id, reason, operator string) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.Service.Abandon")
	defer span.End()

	return s.dlq.Abandon(ctx, id, reason, operator)
}

func (s *Service) publish(ctx context.Context, event *models.Event) {
	if s.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("event_type", event.Type).Warn("failed to publish event")
	}
}

// BatchID derives a stable batch id from the records it replays so a
// repeated pass over the same records reuses the committed batch.
func BatchID(kind string, parts ...string) string {
	return kind + "-" + fingerprint.Key(parts...)[:16]
}

func plain(data map[string]models.Value) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
