package cleaning

import (
	"fmt"
	"sort"
	"text/template"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// DefaultStandardizationThreshold is the minimum Jaro-Winkler similarity a
// fuzzy vocabulary match needs to be accepted.
const DefaultStandardizationThreshold = 0.85

// Derivation kinds
const (
	DeriveConcat   = "concat"
	DeriveCoalesce = "coalesce"
	DeriveTemplate = "template"
	DeriveJMESPath = "jmespath"
)

// Case options applied to values that pass through standardization
const (
	CaseNone  = ""
	CaseLower = "lower"
	CaseUpper = "upper"
	CaseTitle = "title"
)

// RuleSet holds the cleaning rules for one entity type
type RuleSet struct {
	EntityType string               `yaml:"entity_type" json:"entity_type" validate:"required"`
	Version    string               `yaml:"version" json:"version"`
	Fields     map[string]FieldRule `yaml:"fields" json:"fields" validate:"dive"`
}

// FieldRule lists the rules for one field. Any combination may be set.
type FieldRule struct {
	Default     any              `yaml:"default,omitempty" json:"default,omitempty"`
	Derive      *Derivation      `yaml:"derive,omitempty" json:"derive,omitempty"`
	Numeric     *NumericRule     `yaml:"numeric,omitempty" json:"numeric,omitempty"`
	Date        *DateRule        `yaml:"date,omitempty" json:"date,omitempty"`
	Normalize   []string         `yaml:"normalize,omitempty" json:"normalize,omitempty"`
	Standardize *Standardization `yaml:"standardize,omitempty" json:"standardize,omitempty"`
}

// Derivation computes a missing optional field from other fields
type Derivation struct {
	Kind       string   `yaml:"kind" json:"kind" validate:"required,oneof=concat coalesce template jmespath"`
	Parts      []string `yaml:"parts,omitempty" json:"parts,omitempty"`
	Separator  string   `yaml:"separator,omitempty" json:"separator,omitempty"`
	Template   string   `yaml:"template,omitempty" json:"template,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// NumericRule normalizes numbers. Places rounds typed numbers; Percent
// divides a percent-formatted value by 100.
type NumericRule struct {
	Places  *int `yaml:"places,omitempty" json:"places,omitempty"`
	Percent bool `yaml:"percent_as_fraction,omitempty" json:"percent_as_fraction,omitempty"`
}

// DateRule normalizes dates. Formats are tried in order; values outside
// [Earliest, as-of + FutureTolerance] are rejected.
type DateRule struct {
	Formats         []string      `yaml:"formats,omitempty" json:"formats,omitempty"`
	DateOnly        bool          `yaml:"date_only,omitempty" json:"date_only,omitempty"`
	Earliest        string        `yaml:"earliest,omitempty" json:"earliest,omitempty"`
	FutureTolerance time.Duration `yaml:"future_tolerance,omitempty" json:"future_tolerance,omitempty"`
}

// Standardization maps values onto a canonical vocabulary. Table keys are
// synonyms; Vocabulary lists canonical values for fuzzy matching.
type Standardization struct {
	Table      map[string]string `yaml:"table,omitempty" json:"table,omitempty"`
	Vocabulary []string          `yaml:"vocabulary,omitempty" json:"vocabulary,omitempty"`
	Threshold  float64           `yaml:"threshold,omitempty" json:"threshold,omitempty" validate:"gte=0,lte=1"`
	Case       string            `yaml:"case,omitempty" json:"case,omitempty" validate:"omitempty,oneof=lower upper title"`
}

// Deferrals lists the fields whose numeric or date rules parse formatted
// text, so validation lets that text through for the engine to type.
func Deferrals(rules []RuleSet) []schema.Deferral {
	var out []schema.Deferral
	for _, rs := range rules {
		names := make([]string, 0, len(rs.Fields))
		for name := range rs.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rule := rs.Fields[name]
			switch {
			case rule.Date != nil:
				out = append(out, schema.Deferral{EntityType: rs.EntityType, Field: name, Layouts: rule.Date.Formats})
			case rule.Numeric != nil:
				out = append(out, schema.Deferral{EntityType: rs.EntityType, Field: name})
			}
		}
	}
	return out
}

type compiledRuleSet struct {
	RuleSet
	order  []string
	fields map[string]*compiledField
}

type compiledField struct {
	FieldRule
	name       string
	tmpl       *template.Template
	expr       *jmespath.JMESPath
	earliest   time.Time
	table      map[string]string
	vocabulary []string
	threshold  float64
}

// compileRuleSet resolves a rule set. enums supplies the schema domain of
// category fields, used as the vocabulary when a standardization lists none.
func compileRuleSet(rs RuleSet, loc *time.Location, enums map[string][]string) (*compiledRuleSet, error) {
	c := &compiledRuleSet{RuleSet: rs, fields: make(map[string]*compiledField, len(rs.Fields))}
	for name, rule := range rs.Fields {
		cf, err := compileFieldRule(name, rule, loc, enums[name])
		if err != nil {
			return nil, fmt.Errorf("rules for %s: %w", rs.EntityType, err)
		}
		c.fields[name] = cf
		c.order = append(c.order, name)
	}
	sort.Strings(c.order)
	return c, nil
}

func compileFieldRule(name string, rule FieldRule, loc *time.Location, enum []string) (*compiledField, error) {
	cf := &compiledField{FieldRule: rule, name: name}

	if d := rule.Derive; d != nil {
		switch d.Kind {
		case DeriveConcat, DeriveCoalesce:
			if len(d.Parts) == 0 {
				return nil, fmt.Errorf("field %s: %s derivation needs parts", name, d.Kind)
			}
		case DeriveTemplate:
			tmpl, err := template.New(name).Option("missingkey=error").Parse(d.Template)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid template: %w", name, err)
			}
			cf.tmpl = tmpl
		case DeriveJMESPath:
			expr, err := jmespath.Compile(d.Expression)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid expression %q: %w", name, d.Expression, err)
			}
			cf.expr = expr
		default:
			return nil, fmt.Errorf("field %s: unknown derivation %q", name, d.Kind)
		}
	}

	if d := rule.Date; d != nil && d.Earliest != "" {
		t, err := coerce.ParseDate(d.Earliest, coerce.CanonicalDateFormats, loc)
		if err != nil {
			return nil, fmt.Errorf("field %s: invalid earliest: %w", name, err)
		}
		cf.earliest = t
	}

	for _, n := range rule.Normalize {
		if _, ok := normalizers.Get(n); !ok {
			return nil, fmt.Errorf("field %s: unknown normalizer %q", name, n)
		}
	}

	if s := rule.Standardize; s != nil {
		cf.threshold = s.Threshold
		if cf.threshold == 0 {
			cf.threshold = DefaultStandardizationThreshold
		}
		cf.table = make(map[string]string, len(s.Table)+len(s.Vocabulary))
		vocabulary := s.Vocabulary
		if len(vocabulary) == 0 {
			vocabulary = enum
		}
		seen := map[string]bool{}
		for _, canonical := range vocabulary {
			cf.table[normalizers.Key(canonical)] = canonical
			if !seen[canonical] {
				seen[canonical] = true
				cf.vocabulary = append(cf.vocabulary, canonical)
			}
		}
		synonyms := make([]string, 0, len(s.Table))
		for synonym := range s.Table {
			synonyms = append(synonyms, synonym)
		}
		sort.Strings(synonyms)
		for _, synonym := range synonyms {
			canonical := s.Table[synonym]
			key := normalizers.Key(synonym)
			if existing, ok := cf.table[key]; ok && existing != canonical {
				return nil, fmt.Errorf("field %s: synonym %q maps to both %q and %q", name, synonym, existing, canonical)
			}
			cf.table[key] = canonical
			if !seen[canonical] {
				seen[canonical] = true
				cf.vocabulary = append(cf.vocabulary, canonical)
			}
			if _, ok := cf.table[normalizers.Key(canonical)]; !ok {
				cf.table[normalizers.Key(canonical)] = canonical
			}
		}
		sort.Strings(cf.vocabulary)
	}
	return cf, nil
}
