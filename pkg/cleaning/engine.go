// Package cleaning applies deterministic cleaning and conforming rules to
// validated records.
package cleaning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Engine cleans validated records. It holds no mutable state, so one engine
// may clean records from many goroutines.
type Engine struct {
	rules    map[string]*compiledRuleSet
	registry *schema.Registry
	loc      *time.Location
	asOf     time.Time
	scorer   *matching.Scorer
	logger   ectologger.Logger
}

// NewEngine compiles the rule sets against the registered schemas
func NewEngine(rules []RuleSet, registry *schema.Registry, loc *time.Location, logger ectologger.Logger) (*Engine, error) {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		rules:    make(map[string]*compiledRuleSet, len(rules)),
		registry: registry,
		loc:      loc,
		scorer:   matching.NewScorer(),
		logger:   logger,
	}

	for _, rs := range rules {
		if _, dup := e.rules[rs.EntityType]; dup {
			return nil, fmt.Errorf("cleaning rules for %q declared twice", rs.EntityType)
		}
		validator, err := registry.Validator(rs.EntityType)
		if err != nil {
			return nil, fmt.Errorf("cleaning rules: %w", err)
		}

		enums := map[string][]string{}
		for _, f := range validator.Schema().Fields {
			if f.Type == models.FieldTypeCategory {
				enums[f.Name] = f.Enum
			}
		}
		compiled, err := compileRuleSet(rs, loc, enums)
		if err != nil {
			return nil, err
		}
		if err := checkAgainstSchema(compiled, validator); err != nil {
			return nil, fmt.Errorf("rules for %s: %w", rs.EntityType, err)
		}
		e.rules[rs.EntityType] = compiled
	}
	return e, nil
}

func checkAgainstSchema(rs *compiledRuleSet, validator *schema.Validator) error {
	s := validator.Schema()
	for _, name := range rs.order {
		cf := rs.fields[name]
		def, ok := s.Field(name)
		if !ok {
			return fmt.Errorf("field %s is not declared by schema %s", name, s.Version)
		}
		text := def.Type == models.FieldTypeString || def.Type == models.FieldTypeCategory
		if cf.Numeric != nil && !text && !def.Type.IsNumeric() {
			return fmt.Errorf("field %s: numeric rule on %s field", name, def.Type)
		}
		if cf.Date != nil && !text && !def.Type.IsTemporal() {
			return fmt.Errorf("field %s: date rule on %s field", name, def.Type)
		}
		if (cf.Standardize != nil || len(cf.Normalize) > 0) && !text {
			return fmt.Errorf("field %s: text rules on %s field", name, def.Type)
		}
		if cf.Default != nil {
			raw, err := models.FromAny(cf.Default)
			if err != nil {
				return fmt.Errorf("field %s: invalid default: %w", name, err)
			}
			if _, violation := validator.Coerce(name, raw); violation != nil {
				return fmt.Errorf("field %s: default %v: %s", name, cf.Default, violation.Message)
			}
		}
	}
	return nil
}

// At returns an engine that measures date plausibility against asOf, the
// batch reference time. A zero asOf disables the future check.
func (e *Engine) At(asOf time.Time) *Engine {
	cp := *e
	cp.asOf = asOf
	return &cp
}

// Clean applies, in order: null handling, type and format normalization,
// text standardization and a final domain re-check.
func (e *Engine) Clean(ctx context.Context, rec *models.ValidatedRecord) (*models.CleanedRecord, *errors.QualityError) {
	ctx, span := tracing.StartSpan(ctx, "cleaning.Engine.Clean")
	defer span.End()

	validator, err := e.registry.Validator(rec.EntityType)
	if err != nil {
		return nil, errors.Newf(models.CategorySystemError, models.SeverityCritical, "%w", err).
			AddStage(models.StageCleaning)
	}

	c := &cleaner{
		engine:    e,
		validator: validator,
		schema:    validator.Schema(),
		out:       &models.CleanedRecord{ValidatedRecord: rec.Clone()},
	}

	if rs, ok := e.rules[rec.EntityType]; ok {
		for _, name := range rs.order {
			c.fillNull(rs.fields[name])
		}
		for _, name := range rs.order {
			c.normalizeFormat(rs.fields[name])
		}
		for _, name := range rs.order {
			c.standardize(rs.fields[name])
		}
	}

	for _, v := range validator.Recheck(c.out.Fields) {
		v.Message = "cleaned value out of domain: " + v.Message
		c.failures = append(c.failures, failure{Violation: v})
	}
	for _, v := range validator.CrossCheck(c.out.Fields, rec.PendingFormat) {
		c.failures = append(c.failures, failure{Violation: v})
	}
	c.out.PendingFormat = nil

	if len(c.failures) > 0 {
		qe := c.reject()
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"record_id":   rec.RecordID,
			"entity_type": rec.EntityType,
			"violations":  len(c.failures),
		}).Debug("record failed cleaning")
		return nil, qe
	}
	return c.out, nil
}

type failure struct {
	models.Violation
	fixable bool
}

// cleaner carries the state of one Clean call
type cleaner struct {
	engine    *Engine
	validator *schema.Validator
	schema    schema.Schema
	out       *models.CleanedRecord
	failures  []failure
}

func (c *cleaner) set(field string, value any, rule, detail string) {
	c.out.Fields[field] = value
	c.out.Lineage = append(c.out.Lineage, models.LineageEntry{Rule: rule, Field: field, Detail: detail})
}

func (c *cleaner) warn(field, format string, args ...any) {
	c.out.Warnings = append(c.out.Warnings, field+": "+fmt.Sprintf(format, args...))
}

func (c *cleaner) fail(field string, value any, fix string, format string, args ...any) {
	c.failures = append(c.failures, failure{
		Violation: models.Violation{
			Field:        field,
			Rule:         "cleaning",
			Message:      fmt.Sprintf(format, args...),
			Value:        value,
			SuggestedFix: fix,
		},
		fixable: fix != "",
	})
}

func (c *cleaner) fieldType(field string) models.FieldType {
	def, _ := c.schema.Field(field)
	return def.Type
}

func (c *cleaner) reject() *errors.QualityError {
	first := c.failures[0]
	msg := first.Message
	if len(c.failures) > 1 {
		names := ectolinq.Map(c.failures, func(f failure) string { return f.Field })
		msg = fmt.Sprintf("%d cleaning failures: %s", len(c.failures), strings.Join(names, ", "))
	}

	recoverable := true
	var fixes []string
	for _, f := range c.failures {
		if !f.fixable {
			recoverable = false
		}
		if f.SuggestedFix != "" {
			fixes = append(fixes, f.Field+": "+f.SuggestedFix)
		}
	}

	return errors.New(models.CategoryDataQuality, models.SeverityMedium, msg).
		AddStage(models.StageCleaning).
		AddField(first.Field, first.Value).
		AddViolations(ectolinq.Map(c.failures, func(f failure) models.Violation { return f.Violation })...).
		AddSuggestedFix(strings.Join(fixes, "; ")).
		AddRecoverable(recoverable)
}
