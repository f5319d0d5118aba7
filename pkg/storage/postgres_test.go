package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/database"
)

func TestPostgresStore_Contract(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{URL: testinfra.PostgresURL(t), MaxOpenConns: 4}, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.NewMigrationService(testLogger, &database.MigrationConfig{
		MigrationFolderPath: "../../db/pg",
	}).Migrate(db))

	store := NewPostgresStore(db)
	_, err = DeletePrefix(ctx, store, "")
	require.NoError(t, err)

	assertContract(t, store)
}
