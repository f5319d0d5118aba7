package dedup

import (
	"hash/fnv"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Partition routes records into n stripes by identity key so every member
// of a duplicate group lands in the same stripe and stripes can be resolved
// independently.
func (e *Engine) Partition(records []models.CleanedRecord, n int) [][]models.CleanedRecord {
	if n < 1 {
		n = 1
	}
	stripes := make([][]models.CleanedRecord, n)
	for _, rec := range records {
		key, _, _ := e.identity(rec)
		stripes[stripe(key, n)] = append(stripes[stripe(key, n)], rec)
	}
	return stripes
}

// Merge concatenates per-stripe results in stripe order
func Merge(results ...Result) Result {
	var out Result
	for _, r := range results {
		out.Resolved = append(out.Resolved, r.Resolved...)
		out.Conflicts = append(out.Conflicts, r.Conflicts...)
		out.ExactDiscarded += r.ExactDiscarded
		out.FuzzyMerged += r.FuzzyMerged
	}
	return out
}

func stripe(key string, n int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
