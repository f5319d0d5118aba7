package dedup

import (
	"fmt"
	"sort"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// DefaultFuzzyThreshold is the minimum pairwise similarity for a group of
// differing records to be merged as fuzzy duplicates.
const DefaultFuzzyThreshold = 0.95

// Strategy picks a field value when merging records
type Strategy string

const (
	// StrategyPriority takes the first non-null value in merge priority order:
	// highest quality score, then most recent ingestion, then lowest record id.
	StrategyPriority       Strategy = "priority"
	StrategyMostRecent     Strategy = "most_recent"
	StrategyHighestQuality Strategy = "highest_quality"
	StrategyMax            Strategy = "max"
	StrategyMin            Strategy = "min"
	StrategyPreferNonEmpty Strategy = "prefer_non_empty"
)

// Rule configures deduplication for one entity type
type Rule struct {
	EntityType     string                         `yaml:"entity_type" json:"entity_type" validate:"required"`
	IdentityKey    []string                       `yaml:"identity_key" json:"identity_key" validate:"required,min=1"`
	FuzzyThreshold float64                        `yaml:"fuzzy_threshold,omitempty" json:"fuzzy_threshold,omitempty" validate:"gte=0,lte=1"`
	Comparators    map[string]matching.Comparator `yaml:"comparators,omitempty" json:"comparators,omitempty"`
	Weights        map[string]float64             `yaml:"weights,omitempty" json:"weights,omitempty"`
	MaterialFields []string                       `yaml:"material_fields,omitempty" json:"material_fields,omitempty"`
	Strategies     map[string]Strategy            `yaml:"strategies,omitempty" json:"strategies,omitempty"`
}

type compiledRule struct {
	Rule
	compared []string
	material map[string]bool
}

func compileRule(r Rule, s schema.Schema) (*compiledRule, error) {
	if len(r.IdentityKey) == 0 {
		return nil, fmt.Errorf("dedup rule for %s: identity key is empty", r.EntityType)
	}
	if r.FuzzyThreshold == 0 {
		r.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if r.FuzzyThreshold < 0 || r.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("dedup rule for %s: fuzzy threshold %v outside [0,1]", r.EntityType, r.FuzzyThreshold)
	}

	declared := ectolinq.Map(s.Fields, func(f schema.FieldDef) string { return f.Name })
	for _, k := range r.IdentityKey {
		if !ectolinq.Contains(declared, k) {
			return nil, fmt.Errorf("dedup rule for %s: identity key field %s is not declared", r.EntityType, k)
		}
	}
	for field, c := range r.Comparators {
		if !ectolinq.Contains(declared, field) {
			return nil, fmt.Errorf("dedup rule for %s: comparator for undeclared field %s", r.EntityType, field)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("dedup rule for %s: field %s: %w", r.EntityType, field, err)
		}
	}
	for field, st := range r.Strategies {
		switch st {
		case StrategyPriority, StrategyMostRecent, StrategyHighestQuality, StrategyMax, StrategyMin, StrategyPreferNonEmpty:
		default:
			return nil, fmt.Errorf("dedup rule for %s: field %s: unknown strategy %q", r.EntityType, field, st)
		}
	}

	c := &compiledRule{Rule: r, material: map[string]bool{}}
	for _, f := range s.Fields {
		if ectolinq.Contains(r.IdentityKey, f.Name) {
			continue
		}
		c.compared = append(c.compared, f.Name)
		if len(r.MaterialFields) == 0 && (f.Type == models.FieldTypeString || f.Type == models.FieldTypeCategory) {
			c.material[f.Name] = true
		}
	}
	for _, m := range r.MaterialFields {
		if !ectolinq.Contains(declared, m) {
			return nil, fmt.Errorf("dedup rule for %s: material field %s is not declared", r.EntityType, m)
		}
		c.material[m] = true
	}
	sort.Strings(c.compared)
	return c, nil
}

func (r *compiledRule) strategy(field string) Strategy {
	if st, ok := r.Strategies[field]; ok {
		return st
	}
	return StrategyPriority
}
