package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// build resolves a group to a single surviving record. sources are every
// group member, discarded ones included.
func (e *Engine) build(survivor models.CleanedRecord, sources []models.CleanedRecord, discarded []string, resolution models.Resolution) models.ResolvedRecord {
	fields := make(map[string]any, len(survivor.Fields))
	fieldSources := make(map[string]string, len(survivor.Fields))
	for k, v := range survivor.Fields {
		fields[k] = v
		if v != nil {
			fieldSources[k] = survivor.RecordID
		}
	}
	return models.ResolvedRecord{
		RecordID:         survivor.RecordID,
		EntityType:       survivor.EntityType,
		SchemaVersion:    survivor.SchemaVersion,
		Fields:           fields,
		DataQualityScore: survivor.DataQualityScore,
		DedupMetadata:    metadata(sources, discarded, fieldSources, resolution),
	}
}

// merge combines fuzzy variants field by field. Variants are ranked by
// quality score, then ingestion time, then record id; a null never
// replaces a value.
func (e *Engine) merge(rule *compiledRule, variants, sources []models.CleanedRecord, discarded []string) models.ResolvedRecord {
	ranked := append([]models.CleanedRecord(nil), variants...)
	sort.SliceStable(ranked, func(i, j int) bool { return outranks(ranked[i], ranked[j]) })

	names := map[string]bool{}
	for _, v := range ranked {
		for k := range v.Fields {
			names[k] = true
		}
	}

	fields := make(map[string]any, len(names))
	fieldSources := make(map[string]string, len(names))
	quality := 0.0
	for _, v := range ranked {
		if v.DataQualityScore > quality {
			quality = v.DataQualityScore
		}
	}

	for name := range names {
		var candidates []candidate
		for _, v := range ranked {
			if value := v.Fields[name]; value != nil {
				candidates = append(candidates, candidate{value: value, record: v})
			}
		}
		if len(candidates) == 0 {
			fields[name] = nil
			continue
		}
		chosen := pick(rule.strategy(name), candidates)
		fields[name] = chosen.value
		fieldSources[name] = chosen.record.RecordID
	}

	top := ranked[0]
	return models.ResolvedRecord{
		RecordID:         top.RecordID,
		EntityType:       top.EntityType,
		SchemaVersion:    top.SchemaVersion,
		Fields:           fields,
		DataQualityScore: quality,
		DedupMetadata:    metadata(sources, discarded, fieldSources, models.ResolutionFuzzy),
	}
}

func outranks(a, b models.CleanedRecord) bool {
	if a.DataQualityScore != b.DataQualityScore {
		return a.DataQualityScore > b.DataQualityScore
	}
	if !a.Arrival.IngestedAt.Equal(b.Arrival.IngestedAt) {
		return a.Arrival.IngestedAt.After(b.Arrival.IngestedAt)
	}
	return a.RecordID < b.RecordID
}

func metadata(sources []models.CleanedRecord, discarded []string, fieldSources map[string]string, resolution models.Resolution) models.DedupMetadata {
	ordered := append([]models.CleanedRecord(nil), sources...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RecordID < ordered[j].RecordID })

	md := models.DedupMetadata{
		Resolution:         resolution,
		MergedCount:        len(ordered),
		SourceRecordIDs:    make([]string, 0, len(ordered)),
		SourceTimestamps:   make([]time.Time, 0, len(ordered)),
		DiscardedRecordIDs: discarded,
		FieldSources:       fieldSources,
	}
	for _, s := range ordered {
		md.SourceRecordIDs = append(md.SourceRecordIDs, s.RecordID)
		md.SourceTimestamps = append(md.SourceTimestamps, s.Arrival.IngestedAt)
		if s.Arrival.IngestedAt.After(md.MergedAt) {
			md.MergedAt = s.Arrival.IngestedAt
		}
	}
	return md
}

type candidate struct {
	value  any
	record models.CleanedRecord
}

// pick chooses a value among non-null candidates given in priority order.
// Every strategy falls back to priority order on ties.
func pick(strategy Strategy, candidates []candidate) candidate {
	switch strategy {
	case StrategyMostRecent:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.record.Arrival.IngestedAt.After(best.record.Arrival.IngestedAt) {
				best = c
			}
		}
		return best
	case StrategyHighestQuality:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.record.DataQualityScore > best.record.DataQualityScore {
				best = c
			}
		}
		return best
	case StrategyMax, StrategyMin:
		best := candidates[0]
		for _, c := range candidates[1:] {
			cmp, ok := compareValues(c.value, best.value)
			if !ok {
				continue
			}
			if (strategy == StrategyMax && cmp > 0) || (strategy == StrategyMin && cmp < 0) {
				best = c
			}
		}
		return best
	case StrategyPreferNonEmpty:
		for _, c := range candidates {
			if !isEmpty(c.value) {
				return c
			}
		}
	}
	return candidates[0]
}

// compareValues orders two values of the same kind
func compareValues(a, b any) (int, bool) {
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			switch {
			case na < nb:
				return -1, true
			case na > nb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	switch va := a.(type) {
	case time.Time:
		vb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return va.Compare(vb), true
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	}
	return 0, false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
