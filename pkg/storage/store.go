// Package storage defines the byte-addressable object store the pipeline
// reads from and writes to, plus its in-memory, file, Postgres and retrying
// implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get and Delete for a missing key
var ErrNotFound = errors.New("object not found")

// ObjectStore is a flat key space with read-after-write consistency. List
// returns keys under prefix in lexical order.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Creator is implemented by stores that can write a key only when it is
// absent in one step.
type Creator interface {
	Create(ctx context.Context, key string, data []byte) (bool, error)
}

// Create writes key unless it already exists and reports whether it wrote.
// Stores without Creator fall back to a check followed by a put.
func Create(ctx context.Context, store ObjectStore, key string, data []byte) (bool, error) {
	if c, ok := store.(Creator); ok {
		return c.Create(ctx, key, data)
	}
	exists, err := Exists(ctx, store, key)
	if err != nil || exists {
		return false, err
	}
	if err := store.Put(ctx, key, data); err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether key is present
func Exists(ctx context.Context, store ObjectStore, key string) (bool, error) {
	_, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Move copies src to dst and then removes src. A crash between the two steps
// leaves both copies, which a repeated Move resolves.
func Move(ctx context.Context, store ObjectStore, src, dst string) error {
	data, err := store.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := store.Put(ctx, dst, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := store.Delete(ctx, src); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to remove %s: %w", src, err)
	}
	return nil
}

// DeletePrefix removes every key under prefix and returns how many were removed
func DeletePrefix(ctx context.Context, store ObjectStore, prefix string) (int, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, fmt.Errorf("failed to remove %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}
