package coerce

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var currencySymbols = []string{"$", "€", "£", "¥", "₹", "USD", "EUR", "GBP"}

// ParseNumber parses a plain numeric string. No formatting is tolerated.
func ParseNumber(text string) (float64, error) {
	result, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", text)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("not a finite number: %q", text)
	}
	return result, nil
}

// StripNumber removes currency symbols, thousands separators and percent
// signs, then parses what is left. Accounting negatives "(12.50)" are
// honored. percent is true when a percent sign was removed; the value is
// returned as written (50% parses as 50).
func StripNumber(text string) (value float64, percent bool, err error) {
	s, negative, percent, err := stripFormatting(text)
	if err != nil {
		return 0, false, err
	}
	value, err = ParseNumber(s)
	if err != nil {
		return 0, false, fmt.Errorf("not a number after removing formatting: %q", text)
	}
	if negative {
		value = -value
	}
	return value, percent, nil
}

// StripInteger is StripNumber for integer fields. The digits are parsed
// exactly, so "9,007,199,254,740,993" keeps its last digit.
func StripInteger(text string) (int64, error) {
	s, negative, percent, err := stripFormatting(text)
	if err != nil {
		return 0, err
	}
	if percent {
		return 0, fmt.Errorf("not an integer: %q", text)
	}
	if negative {
		s = "-" + s
	}
	i, err := ParseInteger(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer after removing formatting: %q", text)
	}
	return i, nil
}

func stripFormatting(text string) (s string, negative, percent bool, err error) {
	s = strings.TrimSpace(text)
	if s == "" {
		return "", false, false, fmt.Errorf("empty number")
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSuffix(s, "%")
	}
	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.NewReplacer(",", "", "_", "", " ", "", "'", "", "\u00a0", "").Replace(s)
	return s, negative, percent, nil
}

// ToFloat converts the numeric Go types a record may hold
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ToInteger accepts integral floats only; 3.0 is an integer, 3.5 is not.
// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
func ToInteger(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	if f >= 1<<63 || f < -1<<63 {
		return 0, false
	}
	return int64(f), true
}

// ParseInteger parses integer text exactly. Integral decimal spellings such
// as "3.0" or "1e3" are accepted; anything outside int64 is an error.
func ParseInteger(text string) (int64, error) {
	text = strings.TrimSpace(text)
	i, err := strconv.ParseInt(text, 10, 64)
	if err == nil {
		return i, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("integer %s is outside the int64 range", text)
	}
	f, err := ParseNumber(text)
	if err != nil {
		return 0, err
	}
	i, ok := ToInteger(f)
	if !ok {
		return 0, fmt.Errorf("not an integer: %q", text)
	}
	return i, nil
}

// Round rounds half away from zero to the given number of decimal places
func Round(value float64, places int) float64 {
	if places < 0 {
		return value
	}
	pow := math.Pow(10, float64(places))
	return math.Round(value*pow) / pow
}

// ParseBool accepts the spellings people actually type
func ParseBool(text string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", text)
}
