package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
)

// RetryConfig bounds the retries around one store call
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries" json:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" json:"max_elapsed"`
}

// DefaultRetryConfig retries a failing call up to five times over roughly
// ten seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// Retrying decorates a store with exponential backoff. Only transient
// failures are retried; anything else returns on the first attempt.
type Retrying struct {
	store  ObjectStore
	config RetryConfig
	logger ectologger.Logger
}

func NewRetrying(store ObjectStore, config RetryConfig, logger ectologger.Logger) *Retrying {
	if config.MaxTries == 0 {
		config.MaxTries = DefaultRetryConfig().MaxTries
	}
	return &Retrying{store: store, config: config, logger: logger}
}

// Unwrap returns the decorated store
func (r *Retrying) Unwrap() ObjectStore {
	return r.store
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	_, err := retry(ctx, r, "put", key, func() (struct{}, error) {
		return struct{}{}, r.store.Put(ctx, key, data)
	})
	return err
}

func (r *Retrying) Create(ctx context.Context, key string, data []byte) (bool, error) {
	return retry(ctx, r, "create", key, func() (bool, error) {
		return Create(ctx, r.store, key, data)
	})
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, r, "get", key, func() ([]byte, error) {
		return r.store.Get(ctx, key)
	})
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, r, "delete", key, func() (struct{}, error) {
		return struct{}{}, r.store.Delete(ctx, key)
	})
	return err
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, r, "list", prefix, func() ([]string, error) {
		return r.store.List(ctx, prefix)
	})
}

func retry[T any](ctx context.Context, r *Retrying, op, key string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if r.config.InitialInterval > 0 {
		b.InitialInterval = r.config.InitialInterval
	}
	if r.config.MaxInterval > 0 {
		b.MaxInterval = r.config.MaxInterval
	}

	attempts := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		res, err := fn()
		if err != nil && !errors.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.config.MaxTries),
		backoff.WithMaxElapsedTime(r.config.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordStorageRetry(op)
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"operation": op,
				"key":       key,
				"retry_in":  next.String(),
			}).WithError(err).Warn("object store call failed, retrying")
		}),
	)
	if err != nil && errors.IsTransient(err) {
		return result, fmt.Errorf("%s %s: gave up after %d attempts: %w", op, key, attempts, err)
	}
	return result, err
}
