package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
)

var (
	testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	now        = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
)

func newStore() (*Store, *storage.MemoryStore) {
	mem := storage.NewMemoryStore()
	return NewStore(mem, testLogger, WithClock(func() time.Time { return now })), mem
}

func errorRecord(id string, category models.Category, queue models.QueueType) *models.ErrorRecord {
	return &models.ErrorRecord{
		ID:            id,
		BatchID:       "b1",
		RecordID:      "rec-" + id,
		EntityType:    "player_game",
		Category:      category,
		Severity:      models.SeverityHigh,
		Stage:         models.StageValidation,
		Message:       "entity_id is required",
		QueueType:     queue,
		Status:        models.ErrorStatusCreated,
		PartitionDate: "2024-01-15",
		CreatedAt:     now,
	}
}

func TestStore_AddPartitionsByCategoryQueueAndDate(t *testing.T) {
	store, mem := newStore()
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable)))

	ok, err := storage.Exists(ctx, mem, "dlq/schema-validation/recoverable/2024-01-15/e1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusQueued, rec.Status)
}

func TestStore_AddIsIdempotent(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	rec := errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable)
	require.NoError(t, store.Add(ctx, rec))
	_, err := store.Escalate(ctx, "e1", "no fix")
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable)))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_List(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	recs := []*models.ErrorRecord{
		errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable),
		errorRecord("e2", models.CategorySchemaValidation, models.QueueManualReview),
		errorRecord("e3", models.CategoryBusinessRule, models.QueueManualReview),
	}
	recs[2].PartitionDate = "2024-01-16"
	require.NoError(t, store.AddAll(ctx, recs))

	tests := []struct {
		name     string
		filter   Filter
		expected []string
	}{
		{"everything", Filter{}, []string{"e1", "e2", "e3"}},
		{"by category", Filter{Category: models.CategorySchemaValidation}, []string{"e1", "e2"}},
		{"by queue", Filter{QueueType: models.QueueManualReview}, []string{"e2", "e3"}},
		{"by date", Filter{Date: "2024-01-16"}, []string{"e3"}},
		{"full partition", Filter{Category: models.CategorySchemaValidation, QueueType: models.QueueRecoverable, Date: "2024-01-15"}, []string{"e1"}},
		{"limit", Filter{Limit: 2}, []string{"e1", "e2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestStore_Lifecycle(t *testing.T) {
	store, mem := newStore()
	ctx := context.Background()
	require.NoError(t, store.AddAll(ctx, []*models.ErrorRecord{
		errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable),
		errorRecord("e2", models.CategoryBusinessRule, models.QueueManualReview),
	}))

	escalated, err := store.Escalate(ctx, "e1", "fix failed")
	require.NoError(t, err)
	assert.True(t, escalated.Escalated)
	ok, _ := storage.Exists(ctx, mem, "dlq/schema-validation/manual_review/2024-01-15/e1.json")
	assert.True(t, ok)
	ok, _ = storage.Exists(ctx, mem, "dlq/schema-validation/recoverable/2024-01-15/e1.json")
	assert.False(t, ok)

	resolved, err := store.Resolve(ctx, "e1", "corrected", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	ok, _ = storage.Exists(ctx, mem, "dlq/_archive/resolved/2024-01-15/e1.json")
	assert.True(t, ok)

	_, err = store.Abandon(ctx, "e2", "", "ops@example.com")
	assert.Error(t, err)
	abandoned, err := store.Abandon(ctx, "e2", "duplicate of upstream correction", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "duplicate of upstream correction", abandoned.AbandonReason)

	_, err = store.Escalate(ctx, "e2", "")
	assert.ErrorIs(t, err, ErrTerminal)

	live, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	archived, err := store.List(ctx, Filter{Status: models.ErrorStatusAbandoned})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "e2", archived[0].ID)

	got, err := store.Get(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusAbandoned, got.Status)
}

func TestStore_DeleteAndStats(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()
	require.NoError(t, store.AddAll(ctx, []*models.ErrorRecord{
		errorRecord("e1", models.CategorySchemaValidation, models.QueueRecoverable),
		errorRecord("e2", models.CategoryBusinessRule, models.QueueManualReview),
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByCategory[models.CategoryBusinessRule])
	assert.Equal(t, 2, stats.ByDate["2024-01-15"])

	require.NoError(t, store.Delete(ctx, "e1"))
	_, err = store.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "e1"), ErrNotFound)
}

// listRecorder records the prefixes the dead-letter store lists
type listRecorder struct {
	storage.ObjectStore
	mu       sync.Mutex
	prefixes []string
}

func (r *listRecorder) List(ctx context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	r.prefixes = append(r.prefixes, prefix)
	r.mu.Unlock()
	return r.ObjectStore.List(ctx, prefix)
}

func TestStore_ListNarrowsPrefixes(t *testing.T) {
	ctx := context.Background()
	rec := &listRecorder{ObjectStore: storage.NewMemoryStore()}
	store := NewStore(rec, testLogger, WithClock(func() time.Time { return now }), WithConcurrency(3))

	var recs []*models.ErrorRecord
	for i := 0; i < 20; i++ {
		r := errorRecord(fmt.Sprintf("e%02d", i), models.Categories[i%len(models.Categories)], models.QueueTypes[i%2])
		if i%4 == 0 {
			r.PartitionDate = "2024-01-16"
		}
		recs = append(recs, r)
	}
	require.NoError(t, store.AddAll(ctx, recs))

	tests := []struct {
		name     string
		filter   Filter
		prefixes int
	}{
		{"date only", Filter{Date: "2024-01-16"}, len(models.Categories) * len(models.QueueTypes)},
		{"queue and date", Filter{QueueType: models.QueueRecoverable, Date: "2024-01-16"}, len(models.Categories)},
		{"category and date", Filter{Category: models.CategoryDataQuality, Date: "2024-01-16"}, len(models.QueueTypes)},
		{"everything", Filter{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.mu.Lock()
			rec.prefixes = nil
			rec.mu.Unlock()

			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			for _, r := range got {
				assert.True(t, tt.filter.matches(r))
			}

			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.Len(t, rec.prefixes, tt.prefixes)
			if tt.filter.Date != "" {
				for _, p := range rec.prefixes {
					assert.True(t, strings.HasSuffix(p, "/"+tt.filter.Date+"/"), p)
				}
			}
		})
	}

	byDate, err := store.List(ctx, Filter{Date: "2024-01-16"})
	require.NoError(t, err)
	ids := make([]string, 0, len(byDate))
	for _, r := range byDate {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"e00", "e04", "e08", "e12", "e16"}, ids)
}
