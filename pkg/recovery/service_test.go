package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/cleaning"
	"github.com/Ramsey-B/fern/pkg/dlq"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/storage"
)

var (
	testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	now        = time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)
)

type fakeReplayer struct {
	batches map[string][]*models.RawRecord
	abort   bool
}

func (f *fakeReplayer) Replay(_ context.Context, batchID string, records []*models.RawRecord) (*models.BatchManifest, error) {
	f.batches[batchID] = records
	m := models.NewBatchManifest(batchID, now)
	m.InputCount = len(records)
	m.Decision = models.DecisionCommitted
	if f.abort {
		m.Decision = models.DecisionAborted
		m.AbortReason = "high error rate 3.00% exceeds ceiling 2.00%"
	}
	return m, nil
}

type fakePublisher struct {
	events []*models.Event
}

func (f *fakePublisher) Publish(_ context.Context, event *models.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fixture struct {
	service   *Service
	store     *dlq.Store
	registry  *schema.Registry
	cleaner   *cleaning.Engine
	replayer  *fakeReplayer
	publisher *fakePublisher
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	registry, err := schema.NewRegistry([]schema.Schema{{
		EntityType: "player_game",
		Version:    "v1",
		Profile:    schema.ProfileStrict,
		Fields: []schema.FieldDef{
			{Name: "entity_id", Type: models.FieldTypeInteger, Required: true},
			{Name: "game_date", Type: models.FieldTypeDate, Required: true},
			{Name: "team", Type: models.FieldTypeString, Required: true, Default: "Unassigned"},
			{Name: "points", Type: models.FieldTypeInteger},
			{Name: "signed_on", Type: models.FieldTypeString},
		},
	}}, time.UTC, testLogger)
	require.NoError(t, err)

	cleaner, err := cleaning.NewEngine([]cleaning.RuleSet{{
		EntityType: "player_game",
		Version:    "r1",
		Fields: map[string]cleaning.FieldRule{
			"signed_on": {Date: &cleaning.DateRule{Formats: []string{"2006-01-02"}, DateOnly: true, FutureTolerance: 24 * time.Hour}},
		},
	}}, registry, time.UTC, testLogger)
	require.NoError(t, err)

	store := dlq.NewStore(storage.NewMemoryStore(), testLogger, dlq.WithClock(func() time.Time { return now }))
	replayer := &fakeReplayer{batches: map[string][]*models.RawRecord{}}
	publisher := &fakePublisher{}
	service := NewService(store, registry, cleaner, replayer, policy, testLogger,
		WithClock(func() time.Time { return now }),
		WithPublisher(publisher))

	return &fixture{service: service, store: store, registry: registry, cleaner: cleaner, replayer: replayer, publisher: publisher}
}

func rawRecord(id string, data map[string]any) *models.RawRecord {
	return &models.RawRecord{
		ID:         id,
		EntityType: "player_game",
		Data:       models.MustFromMap(data),
		Arrival: models.ArrivalMetadata{
			Source:     "stats-api",
			IngestedAt: time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC),
			BatchID:    "b1",
		},
	}
}

// deadLetter runs raw through the pure stages and queues the failure the
// way the orchestrator would.
func (f *fixture) deadLetter(t *testing.T, raw *models.RawRecord) *models.ErrorRecord {
	t.Helper()
	ctx := context.Background()

	validated, qe := f.registry.Validate(ctx, raw)
	if qe == nil {
		_, qe = f.cleaner.At(now).Clean(ctx, validated)
	}
	require.NotNil(t, qe, "expected %s to fail", raw.ID)

	rec := qe.Record(errors.RecordRef{
		BatchID:       "b1",
		RecordID:      raw.ID,
		EntityType:    raw.EntityType,
		PartitionDate: "2024-01-15",
		Payload:       raw,
		CreatedAt:     now,
	})
	require.NoError(t, f.store.Add(ctx, rec))
	return rec
}

func TestRecover_SchemaFixes(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	rec := f.deadLetter(t, rawRecord("rec-1", map[string]any{
		"entity_id": 42,
		"game_date": "01/15/2024",
		"points":    "1,042",
	}))
	assert.Equal(t, models.QueueRecoverable, rec.QueueType)

	report, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.AutoRecovered)
	assert.Zero(t, report.Unrecoverable)
	require.NotEmpty(t, report.RecoveryBatchID)

	replayed := f.replayer.batches[report.RecoveryBatchID]
	require.Len(t, replayed, 1)
	assert.Equal(t, "rec-1", replayed[0].ID)
	assert.Equal(t, models.Int(1042), replayed[0].Data["points"])
	assert.Equal(t, models.String("2024-01-15"), replayed[0].Data["game_date"])
	assert.Equal(t, models.String("Unassigned"), replayed[0].Data["team"])

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusResolved, got.Status)
	assert.Equal(t, "replayed in batch "+report.RecoveryBatchID, got.Resolution)

	require.NotEmpty(t, f.publisher.events)
	assert.Equal(t, models.EventRecoveryCompleted, f.publisher.events[len(f.publisher.events)-1].Type)
}

func TestRecover_DataQualityFix(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	rec := f.deadLetter(t, rawRecord("rec-2", map[string]any{
		"entity_id": 7,
		"game_date": "2024-01-15",
		"team":      "Boston Celtics",
		"signed_on": "01/15/2024",
	}))
	assert.Equal(t, models.CategoryDataQuality, rec.Category)

	report, err := f.service.Recover(ctx, Request{BatchID: "b1", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoRecovered)
	assert.Equal(t, models.String("2024-01-15"), f.replayer.batches[report.RecoveryBatchID][0].Data["signed_on"])
}

func TestRecover_DryRunChangesNothing(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	rec := f.deadLetter(t, rawRecord("rec-1", map[string]any{
		"entity_id": 42,
		"game_date": "2024-01-15",
		"team":      "Boston Celtics",
		"points":    "1,042",
	}))

	report, err := f.service.Recover(ctx, Request{Date: "2024-01-15"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Recoverable)
	assert.Zero(t, report.AutoRecovered)
	assert.Empty(t, f.replayer.batches)
	assert.Empty(t, f.publisher.events)

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusQueued, got.Status)
}

func TestRecover_EscalatesWhatCannotBeFixed(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	notANumber := f.deadLetter(t, rawRecord("rec-1", map[string]any{
		"entity_id": "forty-two",
		"game_date": "2024-01-15",
		"team":      "Boston Celtics",
	}))
	assert.Equal(t, models.QueueManualReview, notANumber.QueueType)

	lost := errors.Replay("output store unavailable").Record(errors.RecordRef{
		BatchID:       "b1",
		RecordID:      "rec-3",
		EntityType:    "player_game",
		PartitionDate: "2024-01-15",
		CreatedAt:     now,
	})
	require.NoError(t, f.store.Add(ctx, lost))

	report, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Manual)
	assert.Equal(t, 1, report.Unrecoverable)
	assert.Equal(t, 1, report.Escalated)

	got, err := f.store.Get(ctx, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueManualReview, got.QueueType)
	assert.Equal(t, "no payload to replay", got.EscalatedReason)
	assert.Equal(t, models.EventDLQEscalated, f.publisher.events[0].Type)
}

func TestRecover_ReplaysSystemErrorsUnchanged(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	payload := rawRecord("rec-5", map[string]any{"entity_id": 5, "game_date": "2024-01-15", "team": "Boston Celtics"})
	rec := errors.Replay("critical ceiling breached").Record(errors.RecordRef{
		BatchID:       "b1",
		RecordID:      payload.ID,
		EntityType:    payload.EntityType,
		PartitionDate: "2024-01-15",
		Payload:       payload,
		CreatedAt:     now,
	})
	require.NoError(t, f.store.Add(ctx, rec))

	report, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoRecovered)
	assert.Equal(t, payload.Data, f.replayer.batches[report.RecoveryBatchID][0].Data)
}

func TestRecover_AbortedReplayRetriesThenEscalates(t *testing.T) {
	f := newFixture(t, Policy{MaxAttempts: 2})
	f.replayer.abort = true
	ctx := context.Background()

	rec := f.deadLetter(t, rawRecord("rec-1", map[string]any{
		"entity_id": 42,
		"game_date": "2024-01-15",
		"team":      "Boston Celtics",
		"points":    "1,042",
	}))

	first, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Recoverable)
	assert.Contains(t, first.AbortReason, "exceeds ceiling")

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, models.QueueRecoverable, got.QueueType)

	second, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Unrecoverable)
	assert.Equal(t, first.RecoveryBatchID, second.RecoveryBatchID)

	got, err = f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueManualReview, got.QueueType)
}

func TestRecover_ConflictPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    ConflictPolicy
		manual    int
		expired   int
		escalated int
		status    models.ErrorStatus
	}{
		{"none keeps waiting", ConflictPolicy{Action: ConflictActionNone, MaxAge: time.Hour}, 1, 0, 0, models.ErrorStatusQueued},
		{"too young", ConflictPolicy{Action: ConflictActionAbandon, MaxAge: 72 * time.Hour}, 1, 0, 0, models.ErrorStatusQueued},
		{"escalate", ConflictPolicy{Action: ConflictActionEscalate, MaxAge: time.Hour}, 1, 0, 1, models.ErrorStatusQueued},
		{"abandon", ConflictPolicy{Action: ConflictActionAbandon, MaxAge: time.Hour}, 0, 1, 0, models.ErrorStatusAbandoned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Policy{Conflicts: tt.policy})
			ctx := context.Background()

			conflict := errors.New(models.CategoryBusinessRule, models.SeverityHigh, "player_name disagrees").
				AddStage(models.StageDedup).
				Record(errors.RecordRef{
					BatchID:       "b1",
					RecordID:      "rec-a",
					EntityType:    "player_game",
					PartitionDate: "2024-01-15",
					CreatedAt:     now.Add(-48 * time.Hour),
				})
			require.NoError(t, f.store.Add(ctx, conflict))

			report, err := f.service.Recover(ctx, Request{Date: "2024-01-15", AutoRecover: true})
			require.NoError(t, err)
			assert.Equal(t, tt.manual, report.Manual)
			assert.Equal(t, tt.expired, report.Expired)
			assert.Equal(t, tt.escalated, report.Escalated)

			got, err := f.store.Get(ctx, conflict.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.escalated == 1, got.Escalated)
		})
	}
}

func TestRecover_NeedsScope(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	_, err := f.service.Recover(context.Background(), Request{AutoRecover: true})
	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestSubmitCorrection(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	rec := f.deadLetter(t, rawRecord("rec-1", map[string]any{
		"entity_id": "forty-two",
		"game_date": "2024-01-15",
		"team":      "Boston Celtics",
	}))

	_, err := f.service.SubmitCorrection(ctx, rec.ID, models.MustFromMap(map[string]any{"entity_id": "still bad"}), "ops@example.com")
	qe, ok := errors.AsQualityError(err)
	require.True(t, ok)
	assert.Equal(t, models.CategorySchemaValidation, qe.Category)
	assert.Empty(t, f.replayer.batches)

	corrected := models.MustFromMap(map[string]any{"entity_id": 42, "game_date": "2024-01-15", "team": "Boston Celtics"})
	manifest, err := f.service.SubmitCorrection(ctx, rec.ID, corrected, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCommitted, manifest.Decision)

	replayed := f.replayer.batches[manifest.BatchID]
	require.Len(t, replayed, 1)
	assert.Equal(t, "rec-1", replayed[0].ID)
	assert.Equal(t, "correction:ops@example.com", replayed[0].Arrival.Source)
	assert.True(t, now.Equal(replayed[0].Arrival.IngestedAt))

	got, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorStatusResolved, got.Status)
	assert.Equal(t, "ops@example.com", got.Operator)

	_, err = f.service.SubmitCorrection(ctx, rec.ID, corrected, "ops@example.com")
	assert.ErrorIs(t, err, dlq.ErrTerminal)
}

func TestBatchID_Stable(t *testing.T) {
	assert.Equal(t, BatchID("recovery", "a", "b"), BatchID("recovery", "a", "b"))
	assert.NotEqual(t, BatchID("recovery", "a", "b"), BatchID("recovery", "ab"))
	assert.Len(t, BatchID("recovery", "a"), len("recovery-")+16)
}
