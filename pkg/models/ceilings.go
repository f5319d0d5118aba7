package models

import "fmt"

// Ceilings is the highest tolerated share of a batch per severity, in [0,1]
type Ceilings map[Severity]float64

// DefaultCeilings tolerates 10% low, 5% medium, 2% high and no critical
// failures.
func DefaultCeilings() Ceilings {
	return Ceilings{
		SeverityLow:      0.10,
		SeverityMedium:   0.05,
		SeverityHigh:     0.02,
		SeverityCritical: 0,
	}
}

// Breach is a severity whose error rate went over its ceiling
type Breach struct {
	Severity Severity
	Count    int
	Rate     float64
	Ceiling  float64
}

func (b Breach) String() string {
	return fmt.Sprintf("%s errors affect %.2f%% of records (%d), ceiling is %.2f%%",
		b.Severity, b.Rate*100, b.Count, b.Ceiling*100)
}

// Check returns the most severe breach for the given per-severity counts out
// of total input records. A severity without a ceiling is not limited. Any
// count against a zero ceiling is a breach even when total is zero.
func (c Ceilings) Check(counts map[Severity]int, total int) (Breach, bool) {
	for i := len(Severities) - 1; i >= 0; i-- {
		sev := Severities[i]
		ceiling, ok := c[sev]
		n := counts[sev]
		if !ok || n == 0 {
			continue
		}
		rate := 1.0
		if total > 0 {
			rate = float64(n) / float64(total)
		}
		if rate > ceiling {
			return Breach{Severity: sev, Count: n, Rate: rate, Ceiling: ceiling}, true
		}
	}
	return Breach{}, false
}

// Rates turns per-severity counts into shares of total
func Rates(counts map[Severity]int, total int) map[Severity]float64 {
	rates := make(map[Severity]float64, len(Severities))
	for _, sev := range Severities {
		if total > 0 {
			rates[sev] = float64(counts[sev]) / float64(total)
		} else {
			rates[sev] = 0
		}
	}
	return rates
}
