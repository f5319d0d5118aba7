package schema

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func ptr(f float64) *float64 { return &f }

func gameStatsSchema(profile Profile) Schema {
	return Schema{
		EntityType: "player_game",
		Version:    "v1",
		Profile:    profile,
		Fields: []FieldDef{
			{Name: "entity_id", Type: models.FieldTypeInteger, Required: true, Min: ptr(1)},
			{Name: "game_date", Type: models.FieldTypeDate, Required: true, Earliest: "1946-11-01"},
			{Name: "first_name", Type: models.FieldTypeString},
			{Name: "last_name", Type: models.FieldTypeString},
			{Name: "full_name", Type: models.FieldTypeString},
			{Name: "points", Type: models.FieldTypeInteger, Min: ptr(0)},
			{Name: "fg_pct", Type: models.FieldTypeRatio},
			{Name: "plus_minus", Type: models.FieldTypeRatio, Min: ptr(-100), Max: ptr(100)},
			{Name: "position", Type: models.FieldTypeCategory, Enum: []string{"G", "F", "C"}, Default: "G"},
			{Name: "starter", Type: models.FieldTypeBoolean},
		},
		CrossFieldChecks: []CrossFieldCheck{
			{Kind: CheckConcat, Field: "full_name", Parts: []string{"first_name", "last_name"}, Separator: " "},
		},
	}
}

func newValidator(t *testing.T, s Schema) *Validator {
	t.Helper()
	v, err := NewValidator(s, time.UTC)
	require.NoError(t, err)
	return v
}

func raw(data map[string]any) *models.RawRecord {
	return &models.RawRecord{
		ID:         "landing/2024-01-15/rec-1.json",
		EntityType: "player_game",
		Data:       models.MustFromMap(data),
		Arrival:    models.ArrivalMetadata{Source: "stats-api", BatchID: "b1"},
	}
}

func TestValidator_Coercion(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileStrict))

	rec, qe := v.Validate(context.Background(), raw(map[string]any{
		"entity_id":  "42",
		"game_date":  "2024-01-15",
		"points":     25.0,
		"fg_pct":     "0.5",
		"plus_minus": -12,
		"position":   "g",
		"starter":    "yes",
	}))
	require.Nil(t, qe)
	require.NotNil(t, rec)

	assert.Equal(t, int64(42), rec.Fields["entity_id"])
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), rec.Fields["game_date"])
	assert.Equal(t, int64(25), rec.Fields["points"])
	assert.Equal(t, 0.5, rec.Fields["fg_pct"])
	assert.Equal(t, -12.0, rec.Fields["plus_minus"])
	assert.Equal(t, "G", rec.Fields["position"])
	assert.Equal(t, true, rec.Fields["starter"])
	assert.Nil(t, rec.Fields["first_name"])
	assert.Equal(t, "v1", rec.SchemaVersion)
}

func TestValidator_MissingRequired(t *testing.T) {
	t.Run("no default is unrecoverable", func(t *testing.T) {
		v := newValidator(t, gameStatsSchema(ProfileStrict))
		rec, qe := v.Validate(context.Background(), raw(map[string]any{"game_date": "2024-01-15"}))

		assert.Nil(t, rec)
		require.NotNil(t, qe)
		assert.Equal(t, models.CategorySchemaValidation, qe.Category)
		assert.Equal(t, models.SeverityHigh, qe.Severity)
		assert.False(t, qe.Recoverable)
		assert.Equal(t, "entity_id", qe.Field)
	})

	t.Run("default injection makes it recoverable", func(t *testing.T) {
		s := gameStatsSchema(ProfileStrict)
		s.Fields[0].Default = 1
		v := newValidator(t, s)
		_, qe := v.Validate(context.Background(), raw(map[string]any{"game_date": "2024-01-15"}))

		require.NotNil(t, qe)
		assert.Equal(t, models.SeverityHigh, qe.Severity)
		assert.True(t, qe.Recoverable)
		assert.Contains(t, qe.SuggestedFix, "inject default 1")
	})

	t.Run("blank string counts as missing", func(t *testing.T) {
		v := newValidator(t, gameStatsSchema(ProfileStrict))
		_, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": "  ", "game_date": "2024-01-15"}))
		require.NotNil(t, qe)
		assert.Equal(t, RuleRequired, qe.Violations[0].Rule)
	})
}

func TestValidator_StrictCollectsAllViolations(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileStrict))

	_, qe := v.Validate(context.Background(), raw(map[string]any{
		"entity_id": 42,
		"game_date": "2024-01-15",
		"fg_pct":    1.5,
		"points":    -3,
		"position":  "PG",
	}))
	require.NotNil(t, qe)
	assert.Equal(t, models.SeverityMedium, qe.Severity)
	assert.Len(t, qe.Violations, 3)
	assert.False(t, qe.Recoverable)
	assert.Contains(t, qe.Message, "3 field violations")
}

func TestValidator_FormattedValuesAreRecoverable(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileStrict))

	_, qe := v.Validate(context.Background(), raw(map[string]any{
		"entity_id": "1,042",
		"game_date": "01/15/2024",
		"fg_pct":    "45%",
	}))
	require.NotNil(t, qe)
	assert.True(t, qe.Recoverable)
	assert.Equal(t, models.SeverityMedium, qe.Severity)

	fixes := map[string]string{}
	for _, violation := range qe.Violations {
		assert.Equal(t, RuleFormat, violation.Rule)
		fixes[violation.Field] = violation.SuggestedFix
	}
	assert.Equal(t, "use 1042", fixes["entity_id"])
	assert.Equal(t, "use 2024-01-15", fixes["game_date"])
	assert.Equal(t, "use 0.45", fixes["fg_pct"])
}

func TestValidator_LenientDefaultsOptionalFailures(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileLenient))

	rec, qe := v.Validate(context.Background(), raw(map[string]any{
		"entity_id": 42,
		"game_date": "2024-01-15",
		"position":  "PG",
		"fg_pct":    2,
		"points":    30,
		"extra":     "x",
	}))
	require.Nil(t, qe)
	assert.Equal(t, "G", rec.Fields["position"])
	assert.Nil(t, rec.Fields["fg_pct"])
	assert.Len(t, rec.Warnings, 3)
	assert.Contains(t, rec.Warnings[2], "extra")
	assert.InDelta(t, 1.0/8.0, rec.DataQualityScore, 1e-9)
}

func TestValidator_LenientStillRejectsRequired(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileLenient))
	_, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": 0, "game_date": "2024-01-15"}))
	require.NotNil(t, qe)
	assert.Equal(t, RuleRange, qe.Violations[0].Rule)
}

func TestValidator_DateDomain(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileStrict))
	_, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": 1, "game_date": "1900-01-01"}))
	require.NotNil(t, qe)
	assert.Equal(t, RuleRange, qe.Violations[0].Rule)
}

func TestValidator_CrossFieldConcat(t *testing.T) {
	base := map[string]any{
		"entity_id":  1,
		"game_date":  "2024-01-15",
		"first_name": "Luka",
		"last_name":  "Dončić",
	}

	t.Run("matching full name passes", func(t *testing.T) {
		v := newValidator(t, gameStatsSchema(ProfileStrict))
		data := map[string]any{"full_name": "luka doncic"}
		for k, val := range base {
			data[k] = val
		}
		_, qe := v.Validate(context.Background(), raw(data))
		assert.Nil(t, qe)
	})

	t.Run("mismatch rejects in strict mode", func(t *testing.T) {
		v := newValidator(t, gameStatsSchema(ProfileStrict))
		data := map[string]any{"full_name": "Kyrie Irving"}
		for k, val := range base {
			data[k] = val
		}
		_, qe := v.Validate(context.Background(), raw(data))
		require.NotNil(t, qe)
		assert.Equal(t, CheckConcat, qe.Violations[0].Rule)
		assert.Equal(t, `use "Luka Dončić"`, qe.Violations[0].SuggestedFix)
	})

	t.Run("mismatch is a warning in lenient mode", func(t *testing.T) {
		v := newValidator(t, gameStatsSchema(ProfileLenient))
		data := map[string]any{"full_name": "Kyrie Irving"}
		for k, val := range base {
			data[k] = val
		}
		rec, qe := v.Validate(context.Background(), raw(data))
		require.Nil(t, qe)
		assert.Nil(t, rec.Fields["full_name"])
		assert.Len(t, rec.Warnings, 1)
	})
}

func TestValidator_QualityScore(t *testing.T) {
	s := Schema{
		EntityType: "team",
		Version:    "v1",
		Fields:     []FieldDef{{Name: "id", Type: models.FieldTypeString, Required: true}},
	}
	v := newValidator(t, s)
	rec, qe := v.Validate(context.Background(), &models.RawRecord{ID: "r", Data: models.MustFromMap(map[string]any{"id": "x"})})
	require.Nil(t, qe)
	assert.Equal(t, 1.0, rec.DataQualityScore)
}

func TestNewValidator_InvalidSchemas(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
	}{
		{"bad pattern", Schema{EntityType: "x", Fields: []FieldDef{{Name: "a", Type: models.FieldTypeString, Pattern: "("}}}},
		{"duplicate field", Schema{EntityType: "x", Fields: []FieldDef{{Name: "a", Type: models.FieldTypeString}, {Name: "a", Type: models.FieldTypeString}}}},
		{"default outside domain", Schema{EntityType: "x", Fields: []FieldDef{{Name: "a", Type: models.FieldTypeRatio, Default: 3}}}},
		{"unknown cross field", Schema{EntityType: "x", Fields: []FieldDef{{Name: "a", Type: models.FieldTypeString}}, CrossFieldChecks: []CrossFieldCheck{{Kind: CheckLessOrEqual, Field: "a", Other: "b"}}}},
		{"bad profile", Schema{EntityType: "x", Profile: "loose", Fields: []FieldDef{{Name: "a", Type: models.FieldTypeString}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidator(tt.schema, time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestRegistry(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	r, err := NewRegistry([]Schema{gameStatsSchema(ProfileStrict)}, time.UTC, logger)
	require.NoError(t, err)

	assert.Equal(t, []string{"player_game"}, r.EntityTypes())
	assert.Equal(t, map[string]string{"player_game": "v1"}, r.Versions())

	v1, err := r.Validator("player_game")
	require.NoError(t, err)
	v2, err := r.Validator("player_game")
	require.NoError(t, err)
	assert.Same(t, v1, v2)

	unknown := raw(map[string]any{"entity_id": 1})
	unknown.EntityType = "coach"
	_, qe := r.Validate(context.Background(), unknown)
	require.NotNil(t, qe)
	assert.Equal(t, models.SeverityHigh, qe.Severity)
	assert.False(t, qe.Recoverable)

	_, err = NewRegistry([]Schema{gameStatsSchema(ProfileStrict), gameStatsSchema(ProfileLenient)}, time.UTC, logger)
	assert.Error(t, err)
}

func TestValidator_IntegersParseExactly(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    int64
		invalid bool
	}{
		{name: "beyond float precision", input: json.Number("9007199254740993"), want: 9007199254740993},
		{name: "max int64 as text", input: "9223372036854775807", want: math.MaxInt64},
		{name: "integral decimal", input: 3.0, want: 3},
		{name: "overflow", input: json.Number("9223372036854775808"), invalid: true},
		{name: "float rounded to 2^63", input: float64(math.MaxInt64), invalid: true},
		{name: "fraction", input: 2.5, invalid: true},
	}

	v := newValidator(t, gameStatsSchema(ProfileStrict))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": tt.input, "game_date": "2024-01-15"}))
			if tt.invalid {
				require.NotNil(t, qe)
				assert.Equal(t, "entity_id", qe.Field)
				assert.Equal(t, RuleType, qe.Violations[0].Rule)
				return
			}
			require.Nil(t, qe)
			assert.Equal(t, tt.want, rec.Fields["entity_id"])
		})
	}
}

func TestValidator_DeferredFormats(t *testing.T) {
	v, err := NewValidator(gameStatsSchema(ProfileStrict), time.UTC,
		DeferFormats("points"), DeferFormats("fg_pct"), DeferFormats("game_date", "02.01.2006"))
	require.NoError(t, err)

	rec, qe := v.Validate(context.Background(), raw(map[string]any{
		"entity_id": 42,
		"game_date": "15.01.2024",
		"points":    "1,042",
		"fg_pct":    " 45% ",
	}))
	require.Nil(t, qe)
	assert.Equal(t, "15.01.2024", rec.Fields["game_date"])
	assert.Equal(t, "1,042", rec.Fields["points"])
	assert.Equal(t, "45%", rec.Fields["fg_pct"])
	assert.Equal(t, []string{"game_date", "points", "fg_pct"}, rec.PendingFormat)

	t.Run("unparseable text is still rejected", func(t *testing.T) {
		_, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": 42, "game_date": "2024-01-15", "points": "lots"}))
		require.NotNil(t, qe)
		assert.Equal(t, RuleType, qe.Violations[0].Rule)
	})

	t.Run("dates outside the layouts are not deferred", func(t *testing.T) {
		_, qe := v.Validate(context.Background(), raw(map[string]any{"entity_id": 42, "game_date": "01/15/2024"}))
		require.NotNil(t, qe)
		assert.Equal(t, RuleFormat, qe.Violations[0].Rule)
	})

	t.Run("without deferral formatted numbers stay recoverable failures", func(t *testing.T) {
		plain := newValidator(t, gameStatsSchema(ProfileStrict))
		_, qe := plain.Validate(context.Background(), raw(map[string]any{"entity_id": 42, "game_date": "2024-01-15", "points": "1,042"}))
		require.NotNil(t, qe)
		assert.True(t, qe.Recoverable)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := NewValidator(gameStatsSchema(ProfileStrict), time.UTC, DeferFormats("height"))
		assert.Error(t, err)
	})
}

func TestValidator_CrossCheck(t *testing.T) {
	v := newValidator(t, gameStatsSchema(ProfileStrict))
	fields := map[string]any{"first_name": "Luka", "last_name": "Doncic", "full_name": "Luka Dončić Jr"}

	violations := v.CrossCheck(fields, []string{"last_name"})
	require.Len(t, violations, 1)
	assert.Equal(t, "full_name", violations[0].Field)
	assert.Equal(t, CheckConcat, violations[0].Rule)

	assert.Empty(t, v.CrossCheck(fields, nil))
	assert.Empty(t, v.CrossCheck(fields, []string{"points"}))
}

func TestLessOrEqual_Int64(t *testing.T) {
	assert.True(t, lessOrEqual(int64(9007199254740992), int64(9007199254740993)))
	assert.False(t, lessOrEqual(int64(9007199254740993), int64(9007199254740992)))
	assert.True(t, lessOrEqual(int64(3), 3.5))
}
