// Package normalizers provides string normalization functions for cleaning rules
package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers. It is only written during init.
var registry = make(map[string]Normalizer)

func init() {
	register("lowercase", Lowercase)
	register("uppercase", Uppercase)
	register("title", Title)
	register("trim", Trim)
	register("collapse_whitespace", CollapseWhitespace)
	register("strip_diacritics", StripDiacritics)
	register("remove_punctuation", RemovePunctuation)
	register("nphone", NormalizePhone)
	register("nemail", NormalizeEmail)
	register("digits_only", DigitsOnly)
	register("alphanumeric", Alphanumeric)
	register("key", Key)
}

func register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names lists the registered normalizers
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return cases.Lower(language.Und).String(s)
}

// Uppercase converts string to uppercase
func Uppercase(s string) string {
	return cases.Upper(language.Und).String(s)
}

// Title capitalizes each word
func Title(s string) string {
	return cases.Title(language.Und).String(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// CollapseWhitespace trims and reduces every whitespace run to one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripDiacritics decomposes the string and drops combining marks, so
// "Doncić" becomes "Doncic".
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// RemovePunctuation drops punctuation and symbols, keeping letters, digits
// and spaces
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// NormalizePhone removes all non-digit characters from a phone number
func NormalizePhone(s string) string {
	return DigitsOnly(s)
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DigitsOnly keeps only digits
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only letters and digits
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Key is the comparison form used by standardization tables: diacritics
// stripped, case folded, punctuation removed, whitespace collapsed.
// "  L.A.  Lakers " and "la lakers" share a key.
func Key(s string) string {
	s = StripDiacritics(s)
	s = cases.Fold().String(s)
	s = RemovePunctuation(s)
	return CollapseWhitespace(s)
}
