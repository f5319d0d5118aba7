package orchestrator

import (
	"context"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Replayer runs dead-letter records back through the pipeline as recovery
// batches against one snapshot.
type Replayer struct {
	orchestrator *Orchestrator
	snap         *config.Compiled
}

func (o *Orchestrator) Replayer(snap *config.Compiled) *Replayer {
	return &Replayer{orchestrator: o, snap: snap}
}

// Replay judges dates against the current time, the same reference the
// recovery precheck uses.
func (r *Replayer) Replay(ctx context.Context, batchID string, records []*models.RawRecord) (*models.BatchManifest, error) {
	return r.orchestrator.Run(ctx, r.snap, Batch{
		ID:       batchID,
		AsOf:     r.orchestrator.now().UTC(),
		Records:  records,
		Recovery: true,
	})
}
