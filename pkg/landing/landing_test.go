package landing

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

func TestStore_Read(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Put(ctx, "landing/2024-01-15/b.json",
		[]byte(`{"entity_type":"player_game","source":"stats-api","ingested_at":"2024-01-15T06:00:00Z","data":{"entity_id":42,"points":"25"}}`)))
	require.NoError(t, mem.Put(ctx, "landing/2024-01-15/a.json",
		[]byte(`{"entity_type":"player_game","source":"stats-api","ingested_at":"2024-01-15T05:00:00-01:00","data":{"entity_id":7}}`)))
	require.NoError(t, mem.Put(ctx, "landing/2024-01-15/c.json", []byte(`not json`)))
	require.NoError(t, mem.Put(ctx, "landing/2024-01-15/d.json", []byte(`{"data":{"entity_id":1}}`)))
	require.NoError(t, mem.Put(ctx, "landing/2024-01-16/e.json",
		[]byte(`{"entity_type":"player_game","data":{"entity_id":9}}`)))

	store := NewStore(mem, testLogger, WithConcurrency(2))
	records, failures, err := store.Read(ctx, "b1", "2024-01-15/")
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "landing/2024-01-15/a.json", records[0].ID)
	assert.Equal(t, "landing/2024-01-15/b.json", records[1].ID)
	assert.True(t, records[0].Arrival.IngestedAt.Equal(time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, "b1", records[1].Arrival.BatchID)
	assert.Equal(t, models.String("25"), records[1].Data["points"])

	require.Len(t, failures, 2)
	assert.Equal(t, "landing/2024-01-15/c.json", failures[0].Key)
	assert.Equal(t, models.CategorySchemaValidation, failures[0].Err.Category)
	assert.Equal(t, models.SeverityHigh, failures[0].Err.Severity)
	assert.False(t, failures[0].Err.Recoverable)
	assert.Contains(t, failures[1].Err.Message, "entity_type")
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"entity_type":"player_game","data":{"x":1}}`, false},
		{"empty data object", `{"entity_type":"player_game","data":{}}`, false},
		{"array", `[1,2]`, true},
		{"null data", `{"entity_type":"player_game","data":null}`, true},
		{"unsupported nesting is still a value", `{"entity_type":"player_game","data":{"x":[{"y":null}]}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, qe := Decode("k", "b1", []byte(tt.data))
			if tt.wantErr {
				assert.NotNil(t, qe)
				assert.Nil(t, rec)
				return
			}
			assert.Nil(t, qe)
			require.NotNil(t, rec)
		})
	}
}

func TestStore_LandIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := NewStore(mem, testLogger, WithClock(func() time.Time { return time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC) }))

	rec := &models.RawRecord{
		ID:         "rec-1",
		EntityType: "player_game",
		Data:       models.MustFromMap(map[string]any{"entity_id": 42}),
		Arrival:    models.ArrivalMetadata{Source: "kafka"},
	}
	key, written, err := store.Land(ctx, "2024-01-15", rec)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, "landing/2024-01-15/rec-1.json", key)

	rec.Data = models.MustFromMap(map[string]any{"entity_id": 43})
	_, written, err = store.Land(ctx, "2024-01-15", rec)
	require.NoError(t, err)
	assert.False(t, written)

	records, failures, err := store.Read(ctx, "b1", "2024-01-15/")
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, records, 1)
	assert.Equal(t, "42", records[0].Data["entity_id"].Text())
	assert.Equal(t, "kafka", records[0].Arrival.Source)
}
