package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Validator turns raw records into validated records for one schema version
type Validator struct {
	schema   Schema
	fields   []compiledField
	byName   map[string]compiledField
	loc      *time.Location
	deferred map[string][]string
}

// Option configures a Validator
type Option func(*Validator)

// DeferFormats lets formatted text in a numeric or temporal field through
// validation untyped. The field is listed in PendingFormat and cleaning
// parses it. layouts are extra date layouts the text may use.
func DeferFormats(field string, layouts ...string) Option {
	return func(v *Validator) {
		if v.deferred == nil {
			v.deferred = map[string][]string{}
		}
		v.deferred[field] = append(v.deferred[field], layouts...)
	}
}

// NewValidator compiles a schema. Times without a zone are read in loc.
func NewValidator(s Schema, loc *time.Location, opts ...Option) (*Validator, error) {
	if loc == nil {
		loc = time.UTC
	}
	if s.Profile == "" {
		s.Profile = ProfileStrict
	}
	if s.Profile != ProfileStrict && s.Profile != ProfileLenient {
		return nil, fmt.Errorf("schema %s: unknown profile %q", s.EntityType, s.Profile)
	}

	v := &Validator{schema: s, loc: loc, byName: make(map[string]compiledField, len(s.Fields))}
	for _, f := range s.Fields {
		if _, dup := v.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %s", s.EntityType, f.Name)
		}
		cf, err := compileField(f, loc)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", s.EntityType, err)
		}
		v.fields = append(v.fields, cf)
		v.byName[f.Name] = cf
	}
	for _, opt := range opts {
		opt(v)
	}
	for name := range v.deferred {
		if _, ok := v.byName[name]; !ok {
			return nil, fmt.Errorf("schema %s: deferred format on unknown field %s", s.EntityType, name)
		}
	}

	for _, c := range s.CrossFieldChecks {
		refs := append([]string{c.Field}, c.Parts...)
		if c.Other != "" {
			refs = append(refs, c.Other)
		}
		for _, ref := range refs {
			if _, ok := v.byName[ref]; !ok {
				return nil, fmt.Errorf("schema %s: %s check references unknown field %s", s.EntityType, c.Kind, ref)
			}
		}
		if c.Kind == CheckLessOrEqual && c.Other == "" {
			return nil, fmt.Errorf("schema %s: less_or_equal check on %s needs other", s.EntityType, c.Field)
		}
		if c.Kind == CheckConcat && len(c.Parts) == 0 {
			return nil, fmt.Errorf("schema %s: concat check on %s needs parts", s.EntityType, c.Field)
		}
	}
	return v, nil
}

// Schema returns the schema the validator was compiled from
func (v *Validator) Schema() Schema {
	return v.schema
}

// Default returns the typed default for a field
func (v *Validator) Default(field string) (any, bool) {
	f, ok := v.byName[field]
	if !ok || !f.hasDef {
		return nil, false
	}
	return f.def, true
}

// Validate checks a raw record. In strict mode any failure rejects the
// record with every violation attached. In lenient mode only required fields
// reject; failing optional fields fall back to their default with a warning.
func (v *Validator) Validate(ctx context.Context, raw *models.RawRecord) (*models.ValidatedRecord, *errors.QualityError) {
	_, span := tracing.StartSpan(ctx, "schema.Validator.Validate")
	defer span.End()

	lenient := v.schema.Profile == ProfileLenient
	fields := make(map[string]any, len(v.fields))
	passed := make(map[string]bool, len(v.fields))
	var failures []*fieldFailure
	var warnings, pending []string
	validOptional := 0

	for _, f := range v.fields {
		value, present := raw.Data[f.Name]
		if !present || value.IsBlank() {
			fields[f.Name] = nil
			if f.Required {
				ff := failure(f, RuleRequired, nil, "required field is missing")
				if f.hasDef {
					ff.withFix(fmt.Sprintf("%s%v", models.FixInjectDefault, f.def))
				}
				failures = append(failures, ff)
			}
			continue
		}

		typed, ff := f.check(value, v.loc)
		if ff == nil {
			fields[f.Name] = typed
			passed[f.Name] = true
			if !f.Required {
				validOptional++
			}
			continue
		}
		if text, ok := v.deferrable(f, value, ff); ok {
			fields[f.Name] = text
			pending = append(pending, f.Name)
			if !f.Required {
				validOptional++
			}
			continue
		}

		if lenient && !f.Required {
			fields[f.Name] = f.def
			warnings = append(warnings, fmt.Sprintf("%s: %s; replaced with default", f.Name, ff.Message))
			continue
		}
		fields[f.Name] = nil
		failures = append(failures, ff)
	}

	unknown := make([]string, 0)
	for name := range raw.Data {
		if _, ok := v.byName[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		warnings = append(warnings, fmt.Sprintf("%s: undeclared field dropped", name))
	}

	for _, c := range v.schema.CrossFieldChecks {
		ff := v.crossCheck(c, fields, passed)
		if ff == nil {
			continue
		}
		if lenient && !ff.Required {
			if passed[c.Field] && !v.byName[c.Field].Required {
				validOptional--
			}
			fields[c.Field] = v.byName[c.Field].def
			passed[c.Field] = false
			warnings = append(warnings, fmt.Sprintf("%s: %s; replaced with default", c.Field, ff.Message))
			continue
		}
		failures = append(failures, ff)
	}

	if len(failures) > 0 {
		return nil, v.reject(failures)
	}

	score := 1.0
	if optional := v.schema.OptionalCount(); optional > 0 {
		score = min(max(float64(validOptional)/float64(optional), 0), 1)
	}

	return &models.ValidatedRecord{
		RecordID:         raw.ID,
		EntityType:       v.schema.EntityType,
		SchemaVersion:    v.schema.Version,
		Fields:           fields,
		DataQualityScore: score,
		Warnings:         warnings,
		PendingFormat:    pending,
		Arrival:          raw.Arrival,
	}, nil
}

// deferrable reports whether a failing value is text that cleaning can turn
// into the field's type.
func (v *Validator) deferrable(f compiledField, raw models.Value, ff *fieldFailure) (string, bool) {
	layouts, ok := v.deferred[f.Name]
	text, isText := raw.AsString()
	if !ok || !isText {
		return "", false
	}
	text = strings.TrimSpace(text)
	switch {
	case f.Type.IsTemporal() && len(layouts) > 0:
		if ff.Rule != RuleFormat && ff.Rule != RuleType {
			return "", false
		}
		_, err := coerce.ParseDate(text, layouts, v.loc)
		return text, err == nil
	case ff.Rule == RuleFormat:
		return text, true
	}
	return "", false
}

// CrossCheck runs the cross-field checks that reference any of the given
// fields. Every non-nil field is treated as typed.
func (v *Validator) CrossCheck(fields map[string]any, touching []string) []models.Violation {
	if len(touching) == 0 {
		return nil
	}
	passed := make(map[string]bool, len(fields))
	for name, value := range fields {
		passed[name] = value != nil
	}

	var violations []models.Violation
	for _, c := range v.schema.CrossFieldChecks {
		refs := append([]string{c.Field, c.Other}, c.Parts...)
		if len(ectolinq.Intersect(refs, touching)) == 0 {
			continue
		}
		if ff := v.crossCheck(c, fields, passed); ff != nil {
			violations = append(violations, ff.Violation)
		}
	}
	return violations
}

func (v *Validator) crossCheck(c CrossFieldCheck, fields map[string]any, passed map[string]bool) *fieldFailure {
	target := v.byName[c.Field]
	if !passed[c.Field] {
		return nil
	}

	switch c.Kind {
	case CheckConcat:
		parts := make([]string, 0, len(c.Parts))
		for _, p := range c.Parts {
			if !passed[p] {
				return nil
			}
			parts = append(parts, textOf(fields[p]))
		}
		expected := strings.Join(parts, c.Separator)
		if normalizers.Key(textOf(fields[c.Field])) == normalizers.Key(expected) {
			return nil
		}
		ff := failure(target, CheckConcat, fields[c.Field], "%s must equal %s", c.Field, strings.Join(c.Parts, " + "))
		ff.SuggestedFix = fmt.Sprintf("%s%q", models.FixUse, expected)
		return ff
	case CheckLessOrEqual:
		if !passed[c.Other] {
			return nil
		}
		if lessOrEqual(fields[c.Field], fields[c.Other]) {
			return nil
		}
		return failure(target, CheckLessOrEqual, fields[c.Field], "%s must not exceed %s", c.Field, c.Other)
	}
	return nil
}

func (v *Validator) reject(failures []*fieldFailure) *errors.QualityError {
	severity := models.SeverityMedium
	recoverable := true
	var fixes []string
	for _, ff := range failures {
		if ff.Rule == RuleRequired {
			severity = models.SeverityHigh
		}
		if !ff.fixable {
			recoverable = false
		}
		if ff.SuggestedFix != "" {
			fixes = append(fixes, ff.Field+": "+ff.SuggestedFix)
		}
	}

	first := failures[0]
	msg := first.Message
	if len(failures) > 1 {
		names := ectolinq.Map(failures, func(ff *fieldFailure) string { return ff.Field })
		msg = fmt.Sprintf("%d field violations: %s", len(failures), strings.Join(names, ", "))
	}

	violations := ectolinq.Map(failures, func(ff *fieldFailure) models.Violation { return ff.Violation })
	return errors.New(models.CategorySchemaValidation, severity, msg).
		AddStage(models.StageValidation).
		AddField(first.Field, first.Value).
		AddViolations(violations...).
		AddSuggestedFix(strings.Join(fixes, "; ")).
		AddRecoverable(recoverable)
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func lessOrEqual(a, b any) bool {
	if ia, ok := a.(int64); ok {
		if ib, ok := b.(int64); ok {
			return ia <= ib
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return !ta.After(tb)
		}
	}
	fa, okA := coerce.ToFloat(a)
	fb, okB := coerce.ToFloat(b)
	if okA && okB {
		return fa <= fb
	}
	return textOf(a) <= textOf(b)
}

// Coerce converts a raw value for one field exactly as Validate would
func (v *Validator) Coerce(field string, raw models.Value) (any, *models.Violation) {
	f, ok := v.byName[field]
	if !ok {
		return nil, &models.Violation{Field: field, Rule: RuleType, Message: "undeclared field"}
	}
	if raw.IsBlank() {
		if f.Required {
			return nil, &failure(f, RuleRequired, nil, "required field is missing").Violation
		}
		return nil, nil
	}
	typed, ff := f.check(raw, v.loc)
	if ff != nil {
		return nil, &ff.Violation
	}
	return typed, nil
}

// Recheck re-applies the field domain checks to already typed values and
// returns every violation.
func (v *Validator) Recheck(fields map[string]any) []models.Violation {
	var violations []models.Violation
	for _, f := range v.fields {
		value := fields[f.Name]
		if value == nil {
			if f.Required {
				violations = append(violations, failure(f, RuleRequired, nil, "required field is missing").Violation)
			}
			continue
		}
		if _, violation := v.Coerce(f.Name, ToValue(value, f.Type == models.FieldTypeDate)); violation != nil {
			violations = append(violations, *violation)
		}
	}
	return violations
}

// ToValue converts a typed field value back into its raw form
func ToValue(value any, dateOnly bool) models.Value {
	if t, ok := value.(time.Time); ok {
		if dateOnly {
			return models.String(t.Format(time.DateOnly))
		}
		return models.String(t.Format(time.RFC3339Nano))
	}
	raw, err := models.FromAny(value)
	if err != nil {
		return models.String(fmt.Sprint(value))
	}
	return raw
}
