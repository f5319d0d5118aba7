package schema

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Violation rules
const (
	RuleRequired = "required"
	RuleType     = "type"
	RuleFormat   = "format"
	RuleRange    = "range"
	RuleEnum     = "enum"
	RulePattern  = "pattern"
	RuleLength   = "length"
)

// fieldFailure is a violation plus whether recovery knows how to fix it
type fieldFailure struct {
	models.Violation
	fixable bool
}

func failure(f compiledField, rule string, value any, format string, args ...any) *fieldFailure {
	return &fieldFailure{Violation: models.Violation{
		Field:    f.Name,
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
		Value:    value,
		Required: f.Required,
	}}
}

func (ff *fieldFailure) withFix(fix string) *fieldFailure {
	ff.SuggestedFix = fix
	ff.fixable = true
	return ff
}

// check coerces a raw value into the field's Go type and applies the domain
// constraints.
func (f compiledField) check(raw models.Value, loc *time.Location) (any, *fieldFailure) {
	switch {
	case f.Type == models.FieldTypeString || f.Type == models.FieldTypeCategory:
		return f.checkText(raw)
	case f.Type.IsNumeric():
		return f.checkNumber(raw)
	case f.Type == models.FieldTypeBoolean:
		return f.checkBool(raw)
	case f.Type.IsTemporal():
		return f.checkTime(raw, loc)
	}
	return nil, failure(f, RuleType, raw.Interface(), "unsupported field type %s", f.Type)
}

func (f compiledField) checkText(raw models.Value) (any, *fieldFailure) {
	var s string
	switch raw.Kind() {
	case models.KindString, models.KindNumber, models.KindBool:
		s = raw.Text()
	default:
		return nil, failure(f, RuleType, raw.Interface(), "expected %s, got %s", f.Type, raw.Kind())
	}

	if len(f.Enum) > 0 {
		key := normalizers.Key(s)
		matched := ""
		for _, allowed := range f.Enum {
			if normalizers.Key(allowed) == key {
				matched = allowed
				break
			}
		}
		if matched == "" {
			return nil, failure(f, RuleEnum, s, "value %q is not one of %v", s, f.Enum)
		}
		s = matched
	}

	length := utf8.RuneCountInString(s)
	if f.MinLength > 0 && length < f.MinLength {
		return nil, failure(f, RuleLength, s, "length %d is shorter than %d", length, f.MinLength)
	}
	if f.MaxLength > 0 && length > f.MaxLength {
		return nil, failure(f, RuleLength, s, "length %d is longer than %d", length, f.MaxLength)
	}
	if f.pattern != nil && !f.pattern.MatchString(s) {
		return nil, failure(f, RulePattern, s, "value %q does not match %s", s, f.Pattern)
	}
	return s, nil
}

func (f compiledField) checkNumber(raw models.Value) (any, *fieldFailure) {
	var text string
	switch raw.Kind() {
	case models.KindNumber:
		text = raw.Text()
	case models.KindString:
		text, _ = raw.AsString()
		if _, err := coerce.ParseNumber(text); err == nil {
			break
		}
		stripped, percent, stripErr := coerce.StripNumber(text)
		if stripErr != nil {
			return nil, failure(f, RuleType, text, "expected %s, got %q", f.Type, text)
		}
		if percent && f.Type == models.FieldTypeRatio {
			stripped /= 100
		}
		return nil, failure(f, RuleFormat, text, "formatted number %q", text).
			withFix(fmt.Sprintf("%s%v", models.FixUse, stripped))
	default:
		return nil, failure(f, RuleType, raw.Interface(), "expected %s, got %s", f.Type, raw.Kind())
	}

	n, err := coerce.ParseNumber(text)
	if err != nil {
		return nil, failure(f, RuleType, raw.Interface(), "expected %s, got %s", f.Type, text)
	}
	lo, hi := f.bounds()
	if (lo != nil && n < *lo) || (hi != nil && n > *hi) {
		return nil, failure(f, RuleRange, n, "value %v outside %s", n, describeRange(lo, hi))
	}

	if f.Type == models.FieldTypeInteger {
		// parsed from the text so integers beyond 2^53 stay exact
		i, err := coerce.ParseInteger(text)
		if err != nil {
			return nil, failure(f, RuleType, raw.Interface(), "expected integer, got %s", text)
		}
		return i, nil
	}
	return n, nil
}

func (f compiledField) checkBool(raw models.Value) (any, *fieldFailure) {
	switch raw.Kind() {
	case models.KindBool:
		b, _ := raw.AsBool()
		return b, nil
	case models.KindString:
		text, _ := raw.AsString()
		b, err := coerce.ParseBool(text)
		if err != nil {
			return nil, failure(f, RuleType, text, "expected boolean, got %q", text)
		}
		return b, nil
	case models.KindNumber:
		n, _ := raw.AsNumber()
		switch n {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return nil, failure(f, RuleType, raw.Interface(), "expected boolean, got %s", raw.Text())
}

func (f compiledField) checkTime(raw models.Value, loc *time.Location) (any, *fieldFailure) {
	text, ok := raw.AsString()
	if !ok {
		return nil, failure(f, RuleType, raw.Interface(), "expected %s string, got %s", f.Type, raw.Kind())
	}

	dateOnly := f.Type == models.FieldTypeDate
	t, err := coerce.ParseDate(text, coerce.CanonicalDateFormats, loc)
	if err != nil {
		alt, altErr := coerce.ParseDate(text, coerce.ExtendedDateFormats, loc)
		if altErr != nil {
			return nil, failure(f, RuleType, text, "unrecognized %s %q", f.Type, text)
		}
		return nil, failure(f, RuleFormat, text, "non-canonical %s %q", f.Type, text).
			withFix(models.FixUse + FormatTime(coerce.Canonical(alt, dateOnly, loc), dateOnly))
	}
	t = coerce.Canonical(t, dateOnly, loc)

	if !f.earliest.IsZero() && t.Before(f.earliest) {
		return nil, failure(f, RuleRange, text, "%s is before %s", text, f.Earliest)
	}
	if !f.latest.IsZero() && t.After(f.latest) {
		return nil, failure(f, RuleRange, text, "%s is after %s", text, f.Latest)
	}
	return t, nil
}

// FormatTime renders a typed time in its canonical text form
func FormatTime(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

func describeRange(lo, hi *float64) string {
	switch {
	case lo != nil && hi != nil:
		return fmt.Sprintf("[%v, %v]", *lo, *hi)
	case lo != nil:
		return fmt.Sprintf(">= %v", *lo)
	default:
		return fmt.Sprintf("<= %v", *hi)
	}
}
