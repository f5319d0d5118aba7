package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScorer_JaroWinkler(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "martha", "martha", 1.0, 1.0},
		{"classic transposition", "martha", "marhta", 0.96, 0.962},
		{"unrelated", "abc", "xyz", 0.0, 0.0},
		{"empty vs value", "", "abc", 0.0, 0.0},
		{"multibyte runes", "jokić", "jokic", 0.9, 0.95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := s.JaroWinkler(tt.a, tt.b)
			assert.GreaterOrEqual(t, score, tt.min)
			assert.LessOrEqual(t, score, tt.max)
		})
	}
}

func TestScorer_Levenshtein(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 1, s.LevenshteinDistance("dončić", "doncić"))
	assert.Equal(t, 1.0, s.Levenshtein("", ""))
	assert.InDelta(t, 0.75, s.Levenshtein("abcd", "abce"), 1e-9)
}

func TestScorer_Soundex(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, "R163", s.Soundex("Robert"))
	assert.Equal(t, "R163", s.Soundex("Rupert"))
	assert.Equal(t, 1.0, s.SoundexMatch("Robert", "Rupert"))
	assert.Equal(t, "", s.Soundex("123"))
}

func TestScorer_Proximity(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.NumericProximity(10, 10, 0))
	assert.Equal(t, 0.0, s.NumericProximity(10, 11, 0))
	assert.InDelta(t, 0.5, s.NumericProximity(10, 11, 2), 1e-9)

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, s.DateProximity(day, day, 0))
	assert.InDelta(t, 0.5, s.DateProximity(day, day.AddDate(0, 0, 1), 2), 1e-9)
	assert.Equal(t, 0.0, s.DateProximity(day, day.AddDate(0, 0, 3), 2))
}

func TestScorer_WeightedScore(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 0.0, s.WeightedScore(nil, nil))
	score := s.WeightedScore(
		map[string]float64{"name": 1.0, "team": 0.5},
		map[string]float64{"name": 3},
	)
	assert.InDelta(t, 0.875, score, 1e-9)
}

func TestScorer_Compare(t *testing.T) {
	s := NewScorer()

	t.Run("null is skipped", func(t *testing.T) {
		_, ok := s.Compare(Comparator{Algorithm: AlgorithmExact}, nil, "x")
		assert.False(t, ok)
	})

	t.Run("jaro winkler normalizes", func(t *testing.T) {
		score, ok := s.Compare(Comparator{Algorithm: AlgorithmJaroWinkler}, "L.A. Lakers", "la lakers")
		assert.True(t, ok)
		assert.Equal(t, 1.0, score)
	})

	t.Run("numeric across types", func(t *testing.T) {
		score, ok := s.Compare(Comparator{Algorithm: AlgorithmNumeric, Tolerance: 1}, int64(30), 30.0)
		assert.True(t, ok)
		assert.Equal(t, 1.0, score)
	})

	t.Run("exact", func(t *testing.T) {
		score, _ := s.Compare(Comparator{Algorithm: AlgorithmExact}, true, false)
		assert.Equal(t, 0.0, score)
	})
}

func TestDefaultComparator(t *testing.T) {
	assert.Equal(t, AlgorithmNumeric, DefaultComparator(int64(1), 2.0).Algorithm)
	assert.Equal(t, AlgorithmDate, DefaultComparator(time.Now(), time.Now()).Algorithm)
	assert.Equal(t, AlgorithmJaroWinkler, DefaultComparator("a", "b").Algorithm)
	assert.Equal(t, AlgorithmExact, DefaultComparator(true, false).Algorithm)
}

func TestComparator_Validate(t *testing.T) {
	assert.NoError(t, Comparator{Algorithm: AlgorithmLevenshtein}.Validate())
	assert.Error(t, Comparator{Algorithm: "cosine"}.Validate())
	assert.Error(t, Comparator{Algorithm: AlgorithmNumeric, Tolerance: -1}.Validate())
}

func TestScorer_BestMatch(t *testing.T) {
	s := NewScorer()
	vocab := []string{"Los Angeles Lakers", "Boston Celtics", "Los Angeles Clippers"}

	match, ok := s.BestMatch("los angeles lakerz", vocab, 0.85)
	assert.True(t, ok)
	assert.Equal(t, "Los Angeles Lakers", match.Value)

	_, ok = s.BestMatch("Chicago Bulls", vocab, 0.85)
	assert.False(t, ok)
}
