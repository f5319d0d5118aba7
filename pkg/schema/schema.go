package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Profile selects how a validator reacts to optional field failures
type Profile string

const (
	ProfileStrict  Profile = "strict"
	ProfileLenient Profile = "lenient"
)

// Cross-field check kinds
const (
	CheckConcat      = "concat"
	CheckLessOrEqual = "less_or_equal"
)

// Schema is one version of an entity type definition
type Schema struct {
	EntityType       string            `yaml:"entity_type" json:"entity_type" validate:"required"`
	Version          string            `yaml:"version" json:"version" validate:"required"`
	Profile          Profile           `yaml:"profile" json:"profile" validate:"omitempty,oneof=strict lenient"`
	Fields           []FieldDef        `yaml:"fields" json:"fields" validate:"required,min=1,dive"`
	CrossFieldChecks []CrossFieldCheck `yaml:"cross_field_checks,omitempty" json:"cross_field_checks,omitempty" validate:"dive"`
}

// FieldDef declares one field and its domain
type FieldDef struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Type      models.FieldType `yaml:"type" json:"type" validate:"required,oneof=string integer decimal ratio boolean date datetime category"`
	Required  bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Min       *float64         `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64         `yaml:"max,omitempty" json:"max,omitempty"`
	Enum      []string         `yaml:"enum,omitempty" json:"enum,omitempty"`
	Pattern   string           `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MinLength int              `yaml:"min_length,omitempty" json:"min_length,omitempty" validate:"gte=0"`
	MaxLength int              `yaml:"max_length,omitempty" json:"max_length,omitempty" validate:"gte=0"`
	Earliest  string           `yaml:"earliest,omitempty" json:"earliest,omitempty"`
	Latest    string           `yaml:"latest,omitempty" json:"latest,omitempty"`
	// Default replaces a failing optional field in lenient mode. On a
	// required field it is only used by recovery to fill a missing value.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`
}

// CrossFieldCheck relates fields to each other. concat requires Field to
// equal Parts joined by Separator; less_or_equal requires Field <= Other.
type CrossFieldCheck struct {
	Kind      string   `yaml:"kind" json:"kind" validate:"required,oneof=concat less_or_equal"`
	Field     string   `yaml:"field" json:"field" validate:"required"`
	Parts     []string `yaml:"parts,omitempty" json:"parts,omitempty"`
	Separator string   `yaml:"separator,omitempty" json:"separator,omitempty"`
	Other     string   `yaml:"other,omitempty" json:"other,omitempty"`
}

// Field looks up a field definition by name
func (s Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// OptionalCount is the number of declared optional fields
func (s Schema) OptionalCount() int {
	n := 0
	for _, f := range s.Fields {
		if !f.Required {
			n++
		}
	}
	return n
}

// compiledField is a FieldDef with its pattern, bounds and default resolved
type compiledField struct {
	FieldDef
	pattern  *regexp.Regexp
	earliest time.Time
	latest   time.Time
	def      any
	hasDef   bool
}

func compileField(f FieldDef, loc *time.Location) (compiledField, error) {
	cf := compiledField{FieldDef: f}

	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return cf, fmt.Errorf("field %s: invalid pattern: %w", f.Name, err)
		}
		cf.pattern = re
	}
	if f.Earliest != "" {
		t, err := coerce.ParseDate(f.Earliest, coerce.CanonicalDateFormats, loc)
		if err != nil {
			return cf, fmt.Errorf("field %s: invalid earliest: %w", f.Name, err)
		}
		cf.earliest = t
	}
	if f.Latest != "" {
		t, err := coerce.ParseDate(f.Latest, coerce.CanonicalDateFormats, loc)
		if err != nil {
			return cf, fmt.Errorf("field %s: invalid latest: %w", f.Name, err)
		}
		cf.latest = t
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return cf, fmt.Errorf("field %s: min %v is greater than max %v", f.Name, *f.Min, *f.Max)
	}
	if f.Default != nil {
		var raw models.Value
		if t, ok := f.Default.(time.Time); ok {
			raw = models.String(t.Format(time.RFC3339Nano))
		} else {
			v, err := models.FromAny(f.Default)
			if err != nil {
				return cf, fmt.Errorf("field %s: invalid default: %w", f.Name, err)
			}
			raw = v
		}
		typed, violation := cf.check(raw, loc)
		if violation != nil {
			return cf, fmt.Errorf("field %s: default does not satisfy the field domain: %s", f.Name, violation.Message)
		}
		cf.def = typed
		cf.hasDef = true
	}
	return cf, nil
}

// bounds returns the numeric domain. Ratios default to [0,1].
func (f compiledField) bounds() (lo, hi *float64) {
	lo, hi = f.Min, f.Max
	if f.Type == models.FieldTypeRatio {
		zero, one := 0.0, 1.0
		if lo == nil {
			lo = &zero
		}
		if hi == nil {
			hi = &one
		}
	}
	return lo, hi
}
