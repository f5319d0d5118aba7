// Package dedup resolves exact and fuzzy duplicates among cleaned records
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Conflict is a duplicate group that could not be merged safely. Every
// candidate is withheld from output.
type Conflict struct {
	Err        *errors.QualityError
	RecordID   string
	Candidates []models.CleanedRecord
}

// Result is the outcome of one Resolve call
type Result struct {
	Resolved  []models.ResolvedRecord
	Conflicts []Conflict
	// ExactDiscarded counts records dropped as exact duplicates of a survivor
	ExactDiscarded int
	// FuzzyMerged counts records absorbed into a merge beyond the survivor
	FuzzyMerged int
}

// Engine deduplicates cleaned records by identity key
type Engine struct {
	rules  map[string]*compiledRule
	scorer *matching.Scorer
	logger ectologger.Logger
}

// NewEngine compiles the dedup rules against the registered schemas
func NewEngine(rules []Rule, registry *schema.Registry, logger ectologger.Logger) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]*compiledRule, len(rules)),
		scorer: matching.NewScorer(),
		logger: logger,
	}
	for _, r := range rules {
		if _, dup := e.rules[r.EntityType]; dup {
			return nil, fmt.Errorf("dedup rule for %q declared twice", r.EntityType)
		}
		s, ok := registry.Schema(r.EntityType)
		if !ok {
			return nil, fmt.Errorf("dedup rule for %q: no schema registered", r.EntityType)
		}
		compiled, err := compileRule(r, s)
		if err != nil {
			return nil, err
		}
		e.rules[r.EntityType] = compiled
	}
	return e, nil
}

type group struct {
	key     string
	display []string
	rule    *compiledRule
	members []models.CleanedRecord
}

// Resolve partitions records into resolved records and conflicts. The result
// does not depend on input order.
func (e *Engine) Resolve(ctx context.Context, records []models.CleanedRecord) Result {
	ctx, span := tracing.StartSpan(ctx, "dedup.Engine.Resolve")
	defer span.End()

	groups := map[string]*group{}
	for _, rec := range records {
		key, display, rule := e.identity(rec)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, display: display, rule: rule}
			groups[key] = g
		}
		g.members = append(g.members, rec)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result Result
	for _, k := range keys {
		g := groups[k]
		sort.Slice(g.members, func(i, j int) bool { return g.members[i].RecordID < g.members[j].RecordID })
		e.resolveGroup(ctx, g, &result)
	}
	return result
}

// identity returns the grouping key of a record. Records without a rule or
// with a null key component are keyed by their own id and stay singletons.
func (e *Engine) identity(rec models.CleanedRecord) (string, []string, *compiledRule) {
	rule, ok := e.rules[rec.EntityType]
	if !ok {
		return fingerprint.Key(rec.EntityType, "record", rec.RecordID), nil, nil
	}
	parts := make([]string, 0, len(rule.IdentityKey)+1)
	parts = append(parts, rec.EntityType)
	for _, field := range rule.IdentityKey {
		v := rec.Fields[field]
		if v == nil {
			return fingerprint.Key(rec.EntityType, "record", rec.RecordID), nil, rule
		}
		parts = append(parts, keyText(v))
	}
	return fingerprint.Key(parts...), parts[1:], rule
}

func (e *Engine) resolveGroup(ctx context.Context, g *group, result *Result) {
	if len(g.members) == 1 || g.rule == nil {
		for _, m := range g.members {
			result.Resolved = append(result.Resolved, e.build(m, []models.CleanedRecord{m}, nil, models.ResolutionUnique))
		}
		return
	}

	variants, discarded := collapseExact(g.members)
	result.ExactDiscarded += len(discarded)
	if len(discarded) > 0 {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"identity_key": strings.Join(g.display, "|"),
			"discarded":    len(discarded),
			"kept":         len(variants),
		}).Debug("discarded exact duplicates")
	}

	if len(variants) == 1 {
		result.Resolved = append(result.Resolved, e.build(variants[0], g.members, discarded, models.ResolutionExact))
		return
	}

	if !e.isFuzzyCluster(g.rule, variants) {
		if field, values, ok := materialDisagreement(g.rule, variants); ok {
			result.Conflicts = append(result.Conflicts, e.conflict(g, variants, field, values))
			return
		}
	}

	result.FuzzyMerged += len(variants) - 1
	result.Resolved = append(result.Resolved, e.merge(g.rule, variants, g.members, discarded))
}

// collapseExact keeps, per distinct field content, the most recently
// ingested record. Members must be sorted by record id.
func collapseExact(members []models.CleanedRecord) (variants []models.CleanedRecord, discarded []string) {
	byPrint := map[string]int{}
	for _, m := range members {
		fp := fingerprint.Fields(m.Fields)
		idx, ok := byPrint[fp]
		if !ok {
			byPrint[fp] = len(variants)
			variants = append(variants, m)
			continue
		}
		kept := variants[idx]
		if m.Arrival.IngestedAt.After(kept.Arrival.IngestedAt) {
			discarded = append(discarded, kept.RecordID)
			variants[idx] = m
		} else {
			discarded = append(discarded, m.RecordID)
		}
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].RecordID < variants[j].RecordID })
	sort.Strings(discarded)
	return variants, discarded
}

// isFuzzyCluster requires every pair to reach the threshold
func (e *Engine) isFuzzyCluster(rule *compiledRule, variants []models.CleanedRecord) bool {
	for i := 0; i < len(variants); i++ {
		for j := i + 1; j < len(variants); j++ {
			if e.similarity(rule, variants[i], variants[j]) < rule.FuzzyThreshold {
				return false
			}
		}
	}
	return true
}

// similarity is the weighted similarity of two records over their non-key
// fields. Fields null on either side are skipped; with nothing comparable
// the records do not contradict each other and score 1.
func (e *Engine) similarity(rule *compiledRule, a, b models.CleanedRecord) float64 {
	scores := map[string]float64{}
	for _, field := range rule.compared {
		va, vb := a.Fields[field], b.Fields[field]
		comparator, ok := rule.Comparators[field]
		if !ok {
			comparator = matching.DefaultComparator(va, vb)
		}
		if score, ok := e.scorer.Compare(comparator, va, vb); ok {
			scores[field] = score
		}
	}
	if len(scores) == 0 {
		return 1.0
	}
	return e.scorer.WeightedScore(scores, rule.Weights)
}

// materialDisagreement finds the first material field on which two variants
// hold different non-null values.
func materialDisagreement(rule *compiledRule, variants []models.CleanedRecord) (string, []any, bool) {
	for _, field := range rule.compared {
		if !rule.material[field] {
			continue
		}
		seen := map[string]bool{}
		var values []any
		for _, v := range variants {
			value := v.Fields[field]
			if value == nil {
				continue
			}
			k := normalizers.Key(keyText(value))
			if !seen[k] {
				seen[k] = true
				values = append(values, value)
			}
		}
		if len(values) > 1 {
			return field, values, true
		}
	}
	return "", nil, false
}

func (e *Engine) conflict(g *group, variants []models.CleanedRecord, field string, values []any) Conflict {
	msg := fmt.Sprintf("%d records share identity key (%s) but disagree on %s",
		len(variants), strings.Join(g.display, ", "), field)
	qe := errors.New(models.CategoryBusinessRule, models.SeverityHigh, msg).
		AddStage(models.StageDedup).
		AddField(field, values).
		AddSuggestedFix("choose the correct record and submit it as a correction").
		AddRecoverable(false)
	return Conflict{Err: qe, RecordID: variants[0].RecordID, Candidates: variants}
}

func keyText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}
