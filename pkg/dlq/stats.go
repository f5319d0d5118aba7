package dlq

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Stats counts the live records of the store
type Stats struct {
	Total      int                      `json:"total"`
	Escalated  int                      `json:"escalated"`
	ByCategory map[models.Category]int  `json:"by_category"`
	ByQueue    map[models.QueueType]int `json:"by_queue"`
	BySeverity map[models.Severity]int  `json:"by_severity"`
	ByDate     map[string]int           `json:"by_date"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "dlq.Store.Stats")
	defer span.End()

	recs, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByCategory: map[models.Category]int{},
		ByQueue:    map[models.QueueType]int{},
		BySeverity: map[models.Severity]int{},
		ByDate:     map[string]int{},
	}
	for _, rec := range recs {
		stats.Total++
		stats.ByCategory[rec.Category]++
		stats.ByQueue[rec.QueueType]++
		stats.BySeverity[rec.Severity]++
		stats.ByDate[rec.PartitionDate]++
		if rec.Escalated {
			stats.Escalated++
		}
	}
	return stats, nil
}
