package coerce

import (
	"fmt"
	"strings"
	"time"
)

// Common date format aliases
var formatAliases = map[string]string{
	"iso8601":   time.RFC3339,
	"rfc3339":   time.RFC3339,
	"rfc822":    time.RFC822,
	"rfc850":    time.RFC850,
	"rfc1123":   time.RFC1123,
	"unix":      time.UnixDate,
	"date":      time.DateOnly,
	"datetime":  time.DateTime,
	"timestamp": "2006-01-02T15:04:05Z07:00",
	"us":        "01/02/2006",
	"compact":   "20060102",
}

// CanonicalDateFormats are accepted by type coercion during validation
var CanonicalDateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateTime,
	time.DateOnly,
}

// ExtendedDateFormats are tried by the cleaning rules and by recovery after
// the canonical formats failed, in order.
var ExtendedDateFormats = append(append([]string{}, CanonicalDateFormats...),
	time.RFC1123,
	time.RFC1123Z,
	time.RFC822,
	time.RFC850,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"20060102",
)

// ResolveFormat maps a format alias to its layout
func ResolveFormat(format string) string {
	if alias, ok := formatAliases[strings.ToLower(format)]; ok {
		return alias
	}
	return format
}

// ParseDate tries each format in order. Layouts without a zone are read in
// loc; a nil loc means UTC.
func ParseDate(value string, formats []string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if len(formats) == 0 {
		formats = CanonicalDateFormats
	}

	for _, format := range formats {
		parsed, err := time.ParseInLocation(ResolveFormat(format), value, loc)
		if err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", value)
}

// Canonical converts t into loc. Dates are truncated to midnight in loc.
func Canonical(t time.Time, dateOnly bool, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	if dateOnly {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return t
}
