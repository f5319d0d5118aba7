package schema_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/cleaning"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
)

func ptr(f float64) *float64 { return &f }

func contractSchema() schema.Schema {
	return schema.Schema{
		EntityType: "contract",
		Version:    "v1",
		Fields: []schema.FieldDef{
			{Name: "entity_id", Type: models.FieldTypeInteger, Required: true, Min: ptr(1)},
			{Name: "salary", Type: models.FieldTypeDecimal, Min: ptr(0)},
			{Name: "bonus", Type: models.FieldTypeInteger},
			{Name: "fg_pct", Type: models.FieldTypeRatio},
			{Name: "signed_on", Type: models.FieldTypeDate, Earliest: "1946-01-01"},
			{Name: "team", Type: models.FieldTypeString, MaxLength: 40},
			{Name: "position", Type: models.FieldTypeCategory, Enum: []string{"G", "F", "C"}},
		},
		CrossFieldChecks: []schema.CrossFieldCheck{
			{Kind: schema.CheckLessOrEqual, Field: "bonus", Other: "salary"},
		},
	}
}

// FuzzValidateClean checks that whatever survives validation and cleaning
// holds the schema's Go type in every field and passes the domain re-check.
func FuzzValidateClean(f *testing.F) {
	f.Add(int64(42), "$1,042", "1,000", 0.45, "15.01.2024", "Lakers", "g")
	f.Add(int64(9007199254740993), "(12.50)", "9223372036854775807", 1.5, "2024-01-15", "", "PG")
	f.Add(int64(-1), "lots", "2.5", -0.1, "sometime", "  ", "")
	f.Add(int64(7), "45%", "$1,000.50", 0.0, "01/15/2024", "Boston Celtics", "c")

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	rules := []cleaning.RuleSet{{
		EntityType: "contract",
		Fields: map[string]cleaning.FieldRule{
			"salary":    {Numeric: &cleaning.NumericRule{}},
			"bonus":     {Numeric: &cleaning.NumericRule{}},
			"fg_pct":    {Numeric: &cleaning.NumericRule{Percent: true}},
			"signed_on": {Date: &cleaning.DateRule{Formats: []string{"02.01.2006", "2006-01-02"}}},
			"team":      {Normalize: []string{"trim"}},
		},
	}}
	registry, err := schema.NewRegistry([]schema.Schema{contractSchema()}, time.UTC, logger, cleaning.Deferrals(rules)...)
	require.NoError(f, err)
	engine, err := cleaning.NewEngine(rules, registry, time.UTC, logger)
	require.NoError(f, err)
	engine = engine.At(time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC))
	validator, err := registry.Validator("contract")
	require.NoError(f, err)

	f.Fuzz(func(t *testing.T, id int64, salary, bonus string, pct float64, signed, team, position string) {
		ctx := context.Background()
		rec, qe := registry.Validate(ctx, &models.RawRecord{
			ID:         "landing/2024-01-15/fuzz.json",
			EntityType: "contract",
			Data: map[string]models.Value{
				"entity_id": models.Int(id),
				"salary":    models.String(salary),
				"bonus":     models.String(bonus),
				"fg_pct":    models.Number(pct),
				"signed_on": models.String(signed),
				"team":      models.String(team),
				"position":  models.String(position),
			},
		})
		if qe != nil {
			return
		}
		out, qe := engine.Clean(ctx, rec)
		if qe != nil {
			return
		}

		assert.Empty(t, validator.Recheck(out.Fields))
		assert.Empty(t, out.PendingFormat)
		for _, def := range contractSchema().Fields {
			value := out.Fields[def.Name]
			if value == nil {
				continue
			}
			switch def.Type {
			case models.FieldTypeInteger:
				assert.IsType(t, int64(0), value, def.Name)
			case models.FieldTypeDecimal, models.FieldTypeRatio:
				assert.IsType(t, float64(0), value, def.Name)
			case models.FieldTypeDate:
				assert.IsType(t, time.Time{}, value, def.Name)
			default:
				assert.IsType(t, "", value, def.Name)
			}
		}
	})
}
