package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// ObjectsTable is created by the migrations in db/pg
const ObjectsTable = "fern_objects"

// PostgresStore keeps objects as rows of a single table
type PostgresStore struct {
	db database.DB
}

func NewPostgresStore(db database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	ib := database.NewInsertBuilder(ObjectsTable)
	ib.Cols("key", "data", "updated_at")
	ib.Values(key, data, time.Now().UTC())
	ib.Upsert([]string{"key"}, "data", "updated_at")

	query, args := ib.Build()
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Create inserts key unless a row for it exists
func (s *PostgresStore) Create(ctx context.Context, key string, data []byte) (bool, error) {
	ib := database.NewInsertBuilder(ObjectsTable)
	ib.Cols("key", "data", "updated_at")
	ib.Values(key, data, time.Now().UTC())
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	sb := database.NewSelectBuilder()
	sb.Select("data").From(ObjectsTable).Where(sb.Equal("key", key))

	query, args := sb.Build()
	var data []byte
	if err := s.db.GetContext(ctx, &data, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	db := database.NewDeleteBuilder(ObjectsTable)
	db.Where(db.Equal("key", key))

	query, args := db.Build()
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	sb := database.NewSelectBuilder()
	sb.Select("key").From(ObjectsTable)
	if prefix != "" {
		sb.Where(fmt.Sprintf("left(key, char_length(%s)) = %s", sb.Var(prefix), sb.Var(prefix)))
	}
	sb.OrderBy("key COLLATE \"C\"")

	query, args := sb.Build()
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return keys, nil
}

// exec joins a transaction opened further up the call chain when there is one
func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return res, tx.Commit(ctx)
}
