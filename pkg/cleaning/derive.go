package cleaning

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/schema"
)

// fillNull gives a null optional field its derived value, or failing that
// its static default. A failed derivation leaves a warning, never an error.
func (c *cleaner) fillNull(cf *compiledField) {
	if c.out.Fields[cf.name] != nil {
		return
	}
	if def, ok := c.schema.Field(cf.name); ok && def.Required {
		return
	}

	if cf.Derive != nil {
		derived, err := c.derive(cf)
		if err == nil {
			typed, violation := c.validator.Coerce(cf.name, schema.ToValue(derived, false))
			if violation != nil {
				err = fmt.Errorf("%s", violation.Message)
			} else if typed == nil {
				err = fmt.Errorf("derived an empty value")
			} else {
				c.set(cf.name, typed, "derive:"+cf.Derive.Kind, "")
				return
			}
		}
		c.warn(cf.name, "%s derivation failed: %v", cf.Derive.Kind, err)
	}

	if cf.Default != nil {
		raw, _ := models.FromAny(cf.Default)
		typed, violation := c.validator.Coerce(cf.name, raw)
		if violation == nil && typed != nil {
			c.set(cf.name, typed, "default", "")
		}
	}
}

func (c *cleaner) derive(cf *compiledField) (any, error) {
	d := cf.Derive
	switch d.Kind {
	case DeriveConcat:
		parts := make([]string, 0, len(d.Parts))
		for _, p := range d.Parts {
			v := c.out.Fields[p]
			if v == nil {
				return nil, fmt.Errorf("missing input %s", p)
			}
			parts = append(parts, c.text(p, v))
		}
		return strings.Join(parts, d.Separator), nil
	case DeriveCoalesce:
		for _, p := range d.Parts {
			if v := c.out.Fields[p]; v != nil {
				return v, nil
			}
		}
		return nil, fmt.Errorf("all inputs are null: %s", strings.Join(d.Parts, ", "))
	case DeriveTemplate:
		var buf bytes.Buffer
		if err := cf.tmpl.Execute(&buf, c.view()); err != nil {
			return nil, err
		}
		out := strings.TrimSpace(buf.String())
		if out == "" || strings.Contains(out, "<no value>") {
			return nil, fmt.Errorf("template referenced a null field")
		}
		return out, nil
	case DeriveJMESPath:
		result, err := cf.expr.Search(c.view())
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate expression %q: %w", d.Expression, err)
		}
		if result == nil {
			return nil, fmt.Errorf("expression %q returned null", d.Expression)
		}
		return result, nil
	}
	return nil, fmt.Errorf("unknown derivation %q", d.Kind)
}

// view renders the record as plain JSON-shaped data for templates and
// expressions: numbers as float64 and times as canonical text.
func (c *cleaner) view() map[string]any {
	out := make(map[string]any, len(c.out.Fields))
	for k, v := range c.out.Fields {
		switch t := v.(type) {
		case int64:
			out[k] = float64(t)
		case time.Time:
			out[k] = c.text(k, t)
		default:
			out[k] = v
		}
	}
	return out
}

func (c *cleaner) text(field string, v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return schema.FormatTime(t, c.fieldType(field) == models.FieldTypeDate)
	default:
		return fmt.Sprint(v)
	}
}
