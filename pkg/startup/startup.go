// Package startup brings process dependencies up in dependency order and
// retries the whole sequence with a fibonacci backoff.
package startup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
)

type Dependency interface {
	Name() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

type Startup struct {
	dependencies map[string]Dependency
	order        []string
	statuses     map[string]Status
	logger       ectologger.Logger
	maxAttempts  int
	unit         time.Duration
}

type Option func(*Startup)

// WithBackoffUnit scales the fibonacci waits between attempts
func WithBackoffUnit(d time.Duration) Option {
	return func(s *Startup) { s.unit = d }
}

func New(logger ectologger.Logger, maxAttempts int, opts ...Option) *Startup {
	s := &Startup{
		dependencies: make(map[string]Dependency),
		statuses:     make(map[string]Status),
		logger:       logger,
		maxAttempts:  maxAttempts,
		unit:         time.Second,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Startup) Add(dependency Dependency) {
	if _, ok := s.dependencies[dependency.Name()]; !ok {
		s.order = append(s.order, dependency.Name())
	}
	s.dependencies[dependency.Name()] = dependency
}

func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

// Start starts every dependency. Dependencies that started in an earlier
// attempt are not started again.
func (s *Startup) Start(ctx context.Context) error {
	var lastErr error

	a, b := 1, 1
	for attempt := 1; ; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.start(ctx, name, map[string]bool{}); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, attempt)
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", attempt, lastErr)
		}

		wait := time.Duration(a) * s.unit
		s.logger.Infof("Retrying in %s (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}
}

func (s *Startup) start(ctx context.Context, name string, visiting map[string]bool) error {
	if s.statuses[name] == StatusStarted {
		return nil
	}
	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency '%s'", name)
	}
	if visiting[name] {
		return fmt.Errorf("startup dependency cycle at '%s'", name)
	}
	visiting[name] = true

	deps := append([]string(nil), dependency.DependsOn()...)
	sort.Strings(deps)
	for _, dep := range deps {
		if err := s.start(ctx, dep, visiting); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.statuses[name] = StatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StatusFailed
		return fmt.Errorf("failed to start '%s': %w", name, err)
	}
	s.statuses[name] = StatusStarted
	return nil
}

// Stop stops started dependencies, dependents before what they depend on.
// It keeps going after a failure and returns the first error.
func (s *Startup) Stop(ctx context.Context) error {
	var first error
	stopped := map[string]bool{}
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.stop(ctx, s.order[i], stopped); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Startup) stop(ctx context.Context, name string, stopped map[string]bool) error {
	if stopped[name] {
		return nil
	}
	stopped[name] = true

	// dependents go first
	var first error
	for i := len(s.order) - 1; i >= 0; i-- {
		other := s.order[i]
		for _, dep := range s.dependencies[other].DependsOn() {
			if dep == name {
				if err := s.stop(ctx, other, stopped); err != nil && first == nil {
					first = err
				}
			}
		}
	}

	if s.statuses[name] != StatusStarted {
		return first
	}
	s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
	if err := s.dependencies[name].Stop(ctx); err != nil {
		s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
		s.statuses[name] = StatusFailed
		if first == nil {
			first = err
		}
		return first
	}
	s.statuses[name] = StatusStopped
	return first
}

// Func adapts a pair of functions to a Dependency
type Func struct {
	ID       string
	Requires []string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
}

func (f *Func) Name() string        { return f.ID }
func (f *Func) DependsOn() []string { return f.Requires }

func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f *Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
