package recovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// applyFixes rewrites a copy of the failed payload with every suggested fix.
// It returns a reason instead when any violation has no usable fix.
func applyFixes(rec *models.ErrorRecord, validator *schema.Validator) (*models.RawRecord, string) {
	if len(rec.Violations) == 0 {
		return nil, "no violations to fix"
	}

	raw := clonePayload(rec.Payload)
	s := validator.Schema()
	for _, v := range rec.Violations {
		def, ok := s.Field(v.Field)
		if !ok {
			return nil, fmt.Sprintf("%s is not declared by %s %s", v.Field, s.EntityType, s.Version)
		}

		switch {
		case strings.HasPrefix(v.SuggestedFix, models.FixInjectDefault):
			value, ok := validator.Default(v.Field)
			if !ok {
				return nil, fmt.Sprintf("%s has no default to inject", v.Field)
			}
			raw.Data[v.Field] = schema.ToValue(value, def.Type == models.FieldTypeDate)
		case strings.HasPrefix(v.SuggestedFix, models.FixUse):
			value, err := replacement(strings.TrimPrefix(v.SuggestedFix, models.FixUse), def.Type)
			if err != nil {
				return nil, fmt.Sprintf("%s: %v", v.Field, err)
			}
			raw.Data[v.Field] = value
		default:
			return nil, fmt.Sprintf("no known fix for %s (%s)", v.Field, v.Rule)
		}
	}
	return raw, ""
}

// replacement turns the text of a "use" fix into a raw value of the
// field's type.
func replacement(text string, fieldType models.FieldType) (models.Value, error) {
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	if fieldType.IsNumeric() {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return models.Int(i), nil
		}
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return models.Null(), fmt.Errorf("fix %q is not a number", text)
		}
		return models.Number(n), nil
	}
	return models.String(text), nil
}

func clonePayload(p *models.RawRecord) *models.RawRecord {
	out := *p
	out.Data = make(map[string]models.Value, len(p.Data))
	for k, v := range p.Data {
		out.Data[k] = v
	}
	return &out
}
