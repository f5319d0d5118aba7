package cleaning

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/schema"
)

func (c *cleaner) normalizeFormat(cf *compiledField) {
	value := c.out.Fields[cf.name]
	if value == nil {
		return
	}
	if cf.Numeric != nil {
		c.normalizeNumber(cf, value)
	}
	if cf.Date != nil {
		c.normalizeDate(cf, c.out.Fields[cf.name])
	}
}

func (c *cleaner) normalizeNumber(cf *compiledField, value any) {
	rule := cf.Numeric
	switch v := value.(type) {
	case float64:
		if rule.Places != nil {
			if rounded := coerce.Round(v, *rule.Places); rounded != v {
				c.set(cf.name, rounded, "numeric", fmt.Sprintf("rounded to %d places", *rule.Places))
			}
		}
	case string:
		fieldType := c.fieldType(cf.name)
		if fieldType == models.FieldTypeInteger {
			i, err := coerce.StripInteger(v)
			if err != nil {
				c.fail(cf.name, v, "", "%q is not an integer", v)
				return
			}
			c.set(cf.name, i, "numeric", fmt.Sprintf("%q -> %d", v, i))
			return
		}
		n, percent, err := coerce.StripNumber(v)
		if err != nil {
			c.fail(cf.name, v, "", "cannot parse %q as a number", v)
			return
		}
		if percent && (rule.Percent || fieldType == models.FieldTypeRatio) {
			n /= 100
		}
		if rule.Places != nil {
			n = coerce.Round(n, *rule.Places)
		}

		if !fieldType.IsNumeric() {
			if text := strconv.FormatFloat(n, 'f', -1, 64); text != v {
				c.set(cf.name, text, "numeric", fmt.Sprintf("%q -> %q", v, text))
			}
			return
		}
		c.set(cf.name, n, "numeric", fmt.Sprintf("%q -> %v", v, n))
	}
}

func (c *cleaner) normalizeDate(cf *compiledField, value any) {
	rule := cf.Date
	dateOnly := rule.DateOnly || c.fieldType(cf.name) == models.FieldTypeDate

	var t time.Time
	text, isText := value.(string)
	switch v := value.(type) {
	case time.Time:
		t = v
	case string:
		formats := rule.Formats
		if len(formats) == 0 {
			formats = coerce.ExtendedDateFormats
		}
		parsed, err := coerce.ParseDate(v, formats, c.engine.loc)
		if err != nil {
			fix := ""
			if alt, altErr := coerce.ParseDate(v, coerce.ExtendedDateFormats, c.engine.loc); altErr == nil {
				fix = models.FixUse + schema.FormatTime(coerce.Canonical(alt, dateOnly, c.engine.loc), dateOnly)
			}
			c.fail(cf.name, v, fix, "%q matches no accepted date format", v)
			return
		}
		t = parsed
	default:
		return
	}

	t = coerce.Canonical(t, dateOnly, c.engine.loc)
	if !cf.earliest.IsZero() && t.Before(cf.earliest) {
		c.fail(cf.name, value, "", "%s is before %s", schema.FormatTime(t, dateOnly), rule.Earliest)
		return
	}
	if !c.engine.asOf.IsZero() {
		limit := c.engine.asOf.Add(rule.FutureTolerance)
		if t.After(limit) {
			c.fail(cf.name, value, "", "%s is in the future beyond %s", schema.FormatTime(t, dateOnly), rule.FutureTolerance)
			return
		}
	}

	if isText && c.fieldType(cf.name).IsTemporal() {
		c.set(cf.name, t, "date", fmt.Sprintf("%q -> %s", text, schema.FormatTime(t, dateOnly)))
		return
	}
	if isText {
		if canonical := schema.FormatTime(t, dateOnly); canonical != text {
			c.set(cf.name, canonical, "date", fmt.Sprintf("%q -> %q", text, canonical))
		}
		return
	}
	if prev := value.(time.Time); !prev.Equal(t) || prev.Location() != t.Location() {
		c.set(cf.name, t, "date", "canonical zone "+c.engine.loc.String())
	}
}

// standardize applies the normalizer chain and then maps the value onto the
// canonical vocabulary: exact synonym match first, fuzzy match second,
// otherwise a whitespace and case cleaned pass-through with a warning.
func (c *cleaner) standardize(cf *compiledField) {
	value, ok := c.out.Fields[cf.name].(string)
	if !ok {
		return
	}

	if len(cf.Normalize) > 0 {
		if normalized := normalizers.ApplyChain(value, cf.Normalize...); normalized != value {
			c.set(cf.name, normalized, "normalize", fmt.Sprintf("%q -> %q", value, normalized))
			value = normalized
		}
	}

	s := cf.Standardize
	if s == nil {
		return
	}

	if canonical, ok := cf.table[normalizers.Key(value)]; ok {
		if canonical != value {
			c.set(cf.name, canonical, "standardize:exact", fmt.Sprintf("%q -> %q", value, canonical))
		}
		return
	}

	if match, ok := c.engine.scorer.BestMatch(value, cf.vocabulary, cf.threshold); ok {
		c.set(cf.name, match.Value, "standardize:fuzzy", fmt.Sprintf("%q -> %q (%.3f)", value, match.Value, match.Score))
		return
	}

	passthrough := applyCase(normalizers.CollapseWhitespace(value), s.Case)
	if passthrough != value {
		c.set(cf.name, passthrough, "standardize:passthrough", fmt.Sprintf("%q -> %q", value, passthrough))
	}
	c.warn(cf.name, "no standard value for %q", passthrough)
}

func applyCase(s, mode string) string {
	switch mode {
	case CaseLower:
		return normalizers.Lowercase(s)
	case CaseUpper:
		return normalizers.Uppercase(s)
	case CaseTitle:
		return normalizers.Title(s)
	}
	return s
}
