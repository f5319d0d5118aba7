package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/coerce"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Algorithm names a field comparison algorithm
type Algorithm string

const (
	AlgorithmExact       Algorithm = "exact"
	AlgorithmJaroWinkler Algorithm = "jaro_winkler"
	AlgorithmLevenshtein Algorithm = "levenshtein"
	AlgorithmSoundex     Algorithm = "soundex"
	AlgorithmNumeric     Algorithm = "numeric"
	AlgorithmDate        Algorithm = "date"
)

// Comparator scores two field values. Tolerance is the absolute difference
// at which numeric scores reach zero; MaxDays does the same for dates.
type Comparator struct {
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
	Tolerance float64   `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	MaxDays   int       `yaml:"max_days,omitempty" json:"max_days,omitempty"`
}

// DefaultComparator picks an algorithm from the value shapes
func DefaultComparator(a, b any) Comparator {
	if _, ok := coerce.ToFloat(a); ok {
		if _, ok := coerce.ToFloat(b); ok {
			return Comparator{Algorithm: AlgorithmNumeric}
		}
	}
	if _, ok := a.(time.Time); ok {
		if _, ok := b.(time.Time); ok {
			return Comparator{Algorithm: AlgorithmDate, MaxDays: 1}
		}
	}
	if _, ok := a.(string); ok {
		return Comparator{Algorithm: AlgorithmJaroWinkler}
	}
	return Comparator{Algorithm: AlgorithmExact}
}

// Validate reports configuration problems
func (c Comparator) Validate() error {
	switch c.Algorithm {
	case AlgorithmExact, AlgorithmJaroWinkler, AlgorithmLevenshtein, AlgorithmSoundex, AlgorithmDate:
	case AlgorithmNumeric:
		if c.Tolerance < 0 {
			return fmt.Errorf("numeric tolerance must not be negative")
		}
	default:
		return fmt.Errorf("unknown comparison algorithm %q", c.Algorithm)
	}
	if c.MaxDays < 0 {
		return fmt.Errorf("max_days must not be negative")
	}
	return nil
}

// Compare scores a pair of values in [0, 1]. ok is false when either side is
// null; such pairs carry no evidence and are skipped by callers.
func (s *Scorer) Compare(c Comparator, a, b any) (score float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}

	switch c.Algorithm {
	case AlgorithmNumeric:
		fa, okA := coerce.ToFloat(a)
		fb, okB := coerce.ToFloat(b)
		if !okA || !okB {
			return s.ExactMatch(text(a), text(b), true), true
		}
		return s.NumericProximity(fa, fb, c.Tolerance), true
	case AlgorithmDate:
		ta, okA := a.(time.Time)
		tb, okB := b.(time.Time)
		if !okA || !okB {
			return s.ExactMatch(text(a), text(b), true), true
		}
		return s.DateProximity(ta, tb, c.MaxDays), true
	case AlgorithmJaroWinkler:
		return s.JaroWinkler(normalizers.Key(text(a)), normalizers.Key(text(b))), true
	case AlgorithmLevenshtein:
		return s.Levenshtein(normalizers.Key(text(a)), normalizers.Key(text(b))), true
	case AlgorithmSoundex:
		return s.SoundexMatch(text(a), text(b)), true
	default:
		return s.ExactMatch(text(a), text(b), true), true
	}
}

// Match is the result of a vocabulary lookup
type Match struct {
	Value string
	Score float64
}

// BestMatch finds the vocabulary entry most similar to value by Jaro-Winkler
// over normalized keys. Ties go to the lexicographically smaller entry.
// ok is false when nothing reaches threshold.
func (s *Scorer) BestMatch(value string, vocabulary []string, threshold float64) (Match, bool) {
	key := normalizers.Key(value)
	candidates := append([]string(nil), vocabulary...)
	sort.Strings(candidates)

	var best Match
	found := false
	for _, candidate := range candidates {
		score := s.JaroWinkler(key, normalizers.Key(candidate))
		if score < threshold {
			continue
		}
		if !found || score > best.Score {
			best = Match{Value: candidate, Score: score}
			found = true
		}
	}
	return best, found
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
