package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Registry resolves entity types to their current schema and caches the
// compiled validators.
type Registry struct {
	schemas map[string]Schema
	options map[string][]Option
	loc     *time.Location
	logger  ectologger.Logger
	cache   sync.Map // map[entityType:version]*Validator
}

// Deferral defers format normalization of one typed field to cleaning
type Deferral struct {
	EntityType string
	Field      string
	Layouts    []string
}

// NewRegistry compiles every schema up front so configuration errors
// surface at startup.
func NewRegistry(schemas []Schema, loc *time.Location, logger ectologger.Logger, deferrals ...Deferral) (*Registry, error) {
	r := &Registry{
		schemas: make(map[string]Schema, len(schemas)),
		options: map[string][]Option{},
		loc:     loc,
		logger:  logger,
	}
	for _, d := range deferrals {
		r.options[d.EntityType] = append(r.options[d.EntityType], DeferFormats(d.Field, d.Layouts...))
	}
	for _, s := range schemas {
		if _, dup := r.schemas[s.EntityType]; dup {
			return nil, fmt.Errorf("entity type %q declared twice", s.EntityType)
		}
		r.schemas[s.EntityType] = s
		if _, err := r.Validator(s.EntityType); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Validator returns the validator for the current schema of an entity type
func (r *Registry) Validator(entityType string) (*Validator, error) {
	s, ok := r.schemas[entityType]
	if !ok {
		return nil, fmt.Errorf("no schema registered for entity type %q", entityType)
	}

	cacheKey := fmt.Sprintf("%s:%s", s.EntityType, s.Version)
	if cached, ok := r.cache.Load(cacheKey); ok {
		return cached.(*Validator), nil
	}

	validator, err := NewValidator(s, r.loc, r.options[entityType]...)
	if err != nil {
		return nil, err
	}
	actual, _ := r.cache.LoadOrStore(cacheKey, validator)
	return actual.(*Validator), nil
}

// Schema returns the current schema of an entity type
func (r *Registry) Schema(entityType string) (Schema, bool) {
	s, ok := r.schemas[entityType]
	return s, ok
}

// EntityTypes lists the registered entity types in name order
func (r *Registry) EntityTypes() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Versions maps every entity type to its current schema version
func (r *Registry) Versions() map[string]string {
	versions := make(map[string]string, len(r.schemas))
	for t, s := range r.schemas {
		versions[t] = s.Version
	}
	return versions
}

// Validate resolves the record's schema and validates it. Records of an
// unknown entity type are rejected as unrecoverable.
func (r *Registry) Validate(ctx context.Context, raw *models.RawRecord) (*models.ValidatedRecord, *errors.QualityError) {
	ctx, span := tracing.StartSpan(ctx, "schema.Registry.Validate")
	defer span.End()

	validator, err := r.Validator(raw.EntityType)
	if err != nil {
		return nil, errors.Newf(models.CategorySchemaValidation, models.SeverityHigh, "%w", err).
			AddStage(models.StageValidation).
			AddField("entity_type", raw.EntityType).
			AddViolations(models.Violation{Field: "entity_type", Rule: RuleEnum, Message: err.Error(), Value: raw.EntityType})
	}

	record, qe := validator.Validate(ctx, raw)
	if qe != nil {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"record_id":   raw.ID,
			"entity_type": raw.EntityType,
			"violations":  len(qe.Violations),
			"severity":    qe.Severity,
		}).Debug("record failed schema validation")
	}
	return record, qe
}
