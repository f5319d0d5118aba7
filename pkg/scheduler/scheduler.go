// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/robfig/cron/v3"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recovery"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Job is one unit of scheduled work
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. A job never overlaps with itself and a
// panicking job is recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger ectologger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	names  map[cron.EntryID]string
}

func New(logger ectologger.Logger, opts ...cron.Option) *Scheduler {
	cl := cronLogger{logger: logger}
	opts = append([]cron.Option{
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(opts...),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		names:  map[cron.EntryID]string{},
	}
}

// Add registers a job under a cron spec such as "@every 1h" or "0 3 * * *"
func (s *Scheduler) Add(name, spec string, job Job) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	s.logger.WithFields(map[string]any{"job": name, "schedule": spec}).Info("scheduled job")
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, span := tracing.StartSpan(s.ctx, "scheduler.Scheduler.run")
	defer span.End()

	start := time.Now()
	log := s.logger.WithContext(ctx).WithField("job", name)
	if err := job(ctx); err != nil {
		log.WithError(err).Error("scheduled job failed")
		return
	}
	log.WithField("duration", time.Since(start)).Info("scheduled job finished")
}

func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next activation of each job by name
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for _, entry := range s.cron.Entries() {
		out[s.names[entry.ID]] = entry.Next
	}
	return out
}

// Recoverer is the part of the recovery service the sweep drives
type Recoverer interface {
	Recover(ctx context.Context, req recovery.Request) (*models.RecoveryReport, error)
}

// RecoverySweep runs automatic recovery over the partitions of the last
// days dates, today included, in loc. One failing partition does not stop
// the others.
func RecoverySweep(svc Recoverer, loc *time.Location, days int, now func() time.Time, logger ectologger.Logger) Job {
	if days < 1 {
		days = 1
	}
	return func(ctx context.Context) error {
		today := now().In(loc)
		var failed []string
		for i := days - 1; i >= 0; i-- {
			date := today.AddDate(0, 0, -i).Format(time.DateOnly)
			report, err := svc.Recover(ctx, recovery.Request{Date: date, AutoRecover: true})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WithContext(ctx).WithError(err).WithField("date", date).Error("recovery sweep failed for partition")
				failed = append(failed, date)
				continue
			}
			logger.WithContext(ctx).WithFields(map[string]any{
				"date":           date,
				"total":          report.Total,
				"auto_recovered": report.AutoRecovered,
				"escalated":      report.Escalated,
				"expired":        report.Expired,
			}).Info("recovery sweep partition done")
		}
		if len(failed) > 0 {
			return fmt.Errorf("recovery sweep failed for %v", failed)
		}
		return nil
	}
}

// cronLogger routes cron's own logging into ectologger
type cronLogger struct {
	logger ectologger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []any) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
