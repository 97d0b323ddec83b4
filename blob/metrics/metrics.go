// Package metrics exposes the handful of Prometheus series an operator
// would actually page on, at the same density oasis-core's worker
// subsystems instrument themselves with. Metrics are external ambient
// infrastructure (spec.md §1); this package never gates control flow.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AssignQueueDepth is the current length of the assignment engine's
	// pending queue.
	AssignQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "blobmanager",
		Subsystem: "assignment",
		Name:      "queue_depth",
		Help:      "Number of pending range assignments awaiting dispatch.",
	})

	// GranulesPerWorker tracks assigned-granule counts by worker ID, the
	// only load signal this design uses (spec.md §4.4, §9 open question).
	GranulesPerWorker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blobmanager",
		Subsystem: "assignment",
		Name:      "granules_per_worker",
		Help:      "Number of granules currently assigned to each worker.",
	}, []string{"worker"})

	// SplitsStarted counts split evaluations that go on to split into more
	// than one child; evaluations that do not split count in SplitsSkipped.
	SplitsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "split",
		Name:      "started_total",
		Help:      "Number of split evaluations that produced more than one child.",
	})

	// SplitsSkipped counts split evaluations that decided not to split.
	SplitsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "split",
		Name:      "skipped_total",
		Help:      "Number of split evaluations that produced a single (no-op) child.",
	})

	// GCFullDeletes counts full granule deletions.
	GCFullDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "gc",
		Name:      "full_deletes_total",
		Help:      "Number of granules fully deleted by GC.",
	})

	// GCPartialDeletes counts partial granule file deletions.
	GCPartialDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "gc",
		Name:      "partial_deletes_total",
		Help:      "Number of granules that had obsolete files partially reclaimed.",
	})

	// WorkersRecruited counts successful recruitments.
	WorkersRecruited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "worker",
		Name:      "recruited_total",
		Help:      "Number of blob workers successfully recruited.",
	})

	// WorkersKilled counts worker failure/eviction events.
	WorkersKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "blobmanager",
		Subsystem: "worker",
		Name:      "killed_total",
		Help:      "Number of blob workers removed from the directory.",
	})
)

func init() {
	prometheus.MustRegister(
		AssignQueueDepth,
		GranulesPerWorker,
		SplitsStarted,
		SplitsSkipped,
		GCFullDeletes,
		GCPartialDeletes,
		WorkersRecruited,
		WorkersKilled,
	)
}
