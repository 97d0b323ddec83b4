package assignment

import (
	"context"

	"github.com/oasisprotocol/blobmanager/blob/api"
)

// WorkerPool is the assignment engine's view of the worker directory
// (spec.md §4.4, §4.6): enough to pick a least-loaded worker, track load,
// and dial a client for dispatch. blob/worker.Directory implements this.
type WorkerPool interface {
	// LeastLoaded returns the alive worker with the fewest assigned
	// granules, breaking ties uniformly at random (spec.md §4.4). ok is
	// false if no workers are alive.
	LeastLoaded() (worker api.UID, ok bool)
	// WaitForWorkers blocks until at least one worker is alive, or ctx
	// is done (spec.md §4.4: "wait on a workers available condition").
	WaitForWorkers(ctx context.Context) error
	// IncrementGranules and DecrementGranules adjust a worker's assigned
	// granule counter, the sole load signal this design uses (spec.md
	// §4.4, §9 open question).
	IncrementGranules(worker api.UID)
	DecrementGranules(worker api.UID)
	// Client dials (or returns a cached) client for worker. ok is false
	// if the worker is no longer known.
	Client(worker api.UID) (api.WorkerClient, bool)
}
