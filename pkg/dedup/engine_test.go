package dedup

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
)

var (
	testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	gameDate   = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	ingest     = time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
)

func testSchema() schema.Schema {
	return schema.Schema{
		EntityType: "player_game",
		Version:    "v1",
		Profile:    schema.ProfileStrict,
		Fields: []schema.FieldDef{
			{Name: "entity_id", Type: models.FieldTypeInteger, Required: true},
			{Name: "game_date", Type: models.FieldTypeDate, Required: true},
			{Name: "player_name", Type: models.FieldTypeString},
			{Name: "points", Type: models.FieldTypeInteger},
			{Name: "rebounds", Type: models.FieldTypeInteger},
			{Name: "minutes", Type: models.FieldTypeInteger},
		},
	}
}

func newEngine(t *testing.T, rule Rule) *Engine {
	t.Helper()
	registry, err := schema.NewRegistry([]schema.Schema{testSchema()}, time.UTC, testLogger)
	require.NoError(t, err)
	engine, err := NewEngine([]Rule{rule}, registry, testLogger)
	require.NoError(t, err)
	return engine
}

func defaultRule() Rule {
	return Rule{EntityType: "player_game", IdentityKey: []string{"entity_id", "game_date"}}
}

func record(id string, offset time.Duration, quality float64, fields map[string]any) models.CleanedRecord {
	base := map[string]any{"entity_id": int64(42), "game_date": gameDate}
	for k, v := range fields {
		base[k] = v
	}
	return models.CleanedRecord{ValidatedRecord: models.ValidatedRecord{
		RecordID:         id,
		EntityType:       "player_game",
		SchemaVersion:    "v1",
		Fields:           base,
		DataQualityScore: quality,
		Arrival:          models.ArrivalMetadata{Source: "box-scores", IngestedAt: ingest.Add(offset), BatchID: "b1"},
	}}
}

func TestResolve_MergesComplementaryRecords(t *testing.T) {
	engine := newEngine(t, defaultRule())
	records := []models.CleanedRecord{
		record("rec-a", 0, 0.5, map[string]any{"points": int64(25), "rebounds": nil}),
		record("rec-b", time.Minute, 0.5, map[string]any{"points": int64(25), "rebounds": int64(8)}),
	}

	result := engine.Resolve(context.Background(), records)

	require.Len(t, result.Resolved, 1)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.FuzzyMerged)

	merged := result.Resolved[0]
	assert.Equal(t, int64(25), merged.Fields["points"])
	assert.Equal(t, int64(8), merged.Fields["rebounds"])
	assert.Equal(t, models.ResolutionFuzzy, merged.DedupMetadata.Resolution)
	assert.Equal(t, 2, merged.DedupMetadata.MergedCount)
	assert.Equal(t, []string{"rec-a", "rec-b"}, merged.DedupMetadata.SourceRecordIDs)
	assert.Equal(t, "rec-b", merged.DedupMetadata.FieldSources["rebounds"])
	assert.Equal(t, ingest.Add(time.Minute), merged.DedupMetadata.MergedAt)
}

func TestResolve_ExactDuplicates(t *testing.T) {
	engine := newEngine(t, defaultRule())
	fields := map[string]any{"points": int64(25), "rebounds": int64(8)}
	records := []models.CleanedRecord{
		record("rec-a", 0, 1, fields),
		record("rec-b", 2*time.Minute, 1, fields),
		record("rec-c", time.Minute, 1, fields),
	}

	result := engine.Resolve(context.Background(), records)

	require.Len(t, result.Resolved, 1)
	assert.Equal(t, 2, result.ExactDiscarded)
	assert.Zero(t, result.FuzzyMerged)
	resolved := result.Resolved[0]
	assert.Equal(t, "rec-b", resolved.RecordID)
	assert.Equal(t, models.ResolutionExact, resolved.DedupMetadata.Resolution)
	assert.Equal(t, []string{"rec-a", "rec-c"}, resolved.DedupMetadata.DiscardedRecordIDs)
	assert.Equal(t, 3, resolved.DedupMetadata.MergedCount)
}

func TestResolve_ConflictOnMaterialDisagreement(t *testing.T) {
	engine := newEngine(t, defaultRule())
	records := []models.CleanedRecord{
		record("rec-b", 0, 1, map[string]any{"player_name": "Kyrie Irving", "points": int64(25)}),
		record("rec-a", 0, 1, map[string]any{"player_name": "Luka Doncic", "points": int64(25)}),
	}

	result := engine.Resolve(context.Background(), records)

	assert.Empty(t, result.Resolved)
	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, "rec-a", conflict.RecordID)
	assert.Len(t, conflict.Candidates, 2)
	assert.Equal(t, models.CategoryBusinessRule, conflict.Err.Category)
	assert.Equal(t, models.SeverityHigh, conflict.Err.Severity)
	assert.Equal(t, models.StageDedup, conflict.Err.Stage)
	assert.Equal(t, "player_name", conflict.Err.Field)
	assert.False(t, conflict.Err.Recoverable)
}

func TestResolve_FuzzyNameVariantsMerge(t *testing.T) {
	engine := newEngine(t, defaultRule())
	records := []models.CleanedRecord{
		record("rec-a", 0, 0.5, map[string]any{"player_name": "Luka Dončić", "points": int64(25)}),
		record("rec-b", 0, 1, map[string]any{"player_name": "luka doncic", "points": int64(25), "minutes": int64(36)}),
	}

	result := engine.Resolve(context.Background(), records)

	require.Len(t, result.Resolved, 1)
	assert.Empty(t, result.Conflicts)
	merged := result.Resolved[0]
	assert.Equal(t, "rec-b", merged.RecordID)
	assert.Equal(t, "luka doncic", merged.Fields["player_name"])
	assert.Equal(t, int64(36), merged.Fields["minutes"])
	assert.Equal(t, 1.0, merged.DataQualityScore)
}

func TestResolve_NoMaterialDisagreementMergesByPriority(t *testing.T) {
	engine := newEngine(t, defaultRule())
	records := []models.CleanedRecord{
		record("rec-a", time.Hour, 0.4, map[string]any{"points": int64(30)}),
		record("rec-b", 0, 0.9, map[string]any{"points": int64(25)}),
	}

	result := engine.Resolve(context.Background(), records)

	require.Len(t, result.Resolved, 1)
	assert.Equal(t, int64(25), result.Resolved[0].Fields["points"])
	assert.Equal(t, "rec-b", result.Resolved[0].DedupMetadata.FieldSources["points"])
}

func TestResolve_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		expected any
	}{
		{"priority takes highest quality", StrategyPriority, int64(10)},
		{"most recent", StrategyMostRecent, int64(14)},
		{"max", StrategyMax, int64(14)},
		{"min", StrategyMin, int64(6)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := defaultRule()
			rule.Strategies = map[string]Strategy{"rebounds": tt.strategy}
			engine := newEngine(t, rule)
			records := []models.CleanedRecord{
				record("rec-a", 0, 0.9, map[string]any{"rebounds": int64(10)}),
				record("rec-b", time.Hour, 0.5, map[string]any{"rebounds": int64(14)}),
				record("rec-c", time.Minute, 0.5, map[string]any{"rebounds": int64(6)}),
			}
			result := engine.Resolve(context.Background(), records)
			require.Len(t, result.Resolved, 1)
			assert.Equal(t, tt.expected, result.Resolved[0].Fields["rebounds"])
		})
	}
}

func TestResolve_NullKeyComponentIsSingleton(t *testing.T) {
	engine := newEngine(t, defaultRule())
	records := []models.CleanedRecord{
		record("rec-a", 0, 1, map[string]any{"entity_id": nil, "points": int64(25)}),
		record("rec-b", 0, 1, map[string]any{"entity_id": nil, "points": int64(25)}),
	}

	result := engine.Resolve(context.Background(), records)

	require.Len(t, result.Resolved, 2)
	assert.Zero(t, result.ExactDiscarded)
	for _, r := range result.Resolved {
		assert.Equal(t, models.ResolutionUnique, r.DedupMetadata.Resolution)
	}
}

func TestResolve_OrderIndependent(t *testing.T) {
	engine := newEngine(t, defaultRule())
	var records []models.CleanedRecord
	for i, name := range []string{"Luka Doncic", "Kyrie Irving", "Luka Doncic"} {
		r := record(string(rune('a'+i)), time.Duration(i)*time.Minute, 0.5, map[string]any{"player_name": name})
		r.Fields["entity_id"] = int64(i % 2)
		records = append(records, r)
	}
	records = append(records,
		record("x", 0, 1, map[string]any{"entity_id": int64(7), "points": int64(3)}),
		record("y", 0, 1, map[string]any{"entity_id": int64(7), "player_name": "Jalen Brunson"}),
		record("z", 0, 1, map[string]any{"entity_id": int64(8), "player_name": "Jalen Brunson"}),
	)

	expected := engine.Resolve(context.Background(), records)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.CleanedRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, expected, engine.Resolve(context.Background(), shuffled))
	}

	accounted := len(expected.Resolved) + expected.ExactDiscarded + expected.FuzzyMerged
	for _, c := range expected.Conflicts {
		accounted += len(c.Candidates)
	}
	assert.Equal(t, len(records), accounted)
}

func TestPartition_KeepsGroupsTogether(t *testing.T) {
	engine := newEngine(t, defaultRule())
	var records []models.CleanedRecord
	for i := 0; i < 20; i++ {
		r := record(string(rune('a'+i)), 0, 1, map[string]any{"points": int64(i)})
		r.Fields["entity_id"] = int64(i % 5)
		records = append(records, r)
	}

	stripes := engine.Partition(records, 4)
	require.Len(t, stripes, 4)

	seen := map[int64]int{}
	total := 0
	for idx, stripe := range stripes {
		for _, r := range stripe {
			id := r.Fields["entity_id"].(int64)
			if prev, ok := seen[id]; ok {
				assert.Equal(t, prev, idx)
			}
			seen[id] = idx
			total++
		}
	}
	assert.Equal(t, len(records), total)

	results := make([]Result, 0, len(stripes))
	for _, stripe := range stripes {
		results = append(results, engine.Resolve(context.Background(), stripe))
	}
	merged := Merge(results...)
	assert.Len(t, merged.Resolved, 5)
}

func TestNewEngine_RejectsBadRules(t *testing.T) {
	registry, err := schema.NewRegistry([]schema.Schema{testSchema()}, time.UTC, testLogger)
	require.NoError(t, err)

	tests := []struct {
		name string
		rule Rule
	}{
		{"empty key", Rule{EntityType: "player_game"}},
		{"undeclared key", Rule{EntityType: "player_game", IdentityKey: []string{"team_id"}}},
		{"unknown entity", Rule{EntityType: "team_season", IdentityKey: []string{"entity_id"}}},
		{"bad threshold", Rule{EntityType: "player_game", IdentityKey: []string{"entity_id"}, FuzzyThreshold: 1.5}},
		{"bad strategy", Rule{EntityType: "player_game", IdentityKey: []string{"entity_id"}, Strategies: map[string]Strategy{"points": "sum"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine([]Rule{tt.rule}, registry, testLogger)
			assert.Error(t, err)
		})
	}
}
