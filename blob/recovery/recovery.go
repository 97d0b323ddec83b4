// Package recovery implements the eight-phase recovery coordinator
// (spec.md §4.8): it runs once per epoch, before normal work starts,
// reconciling whatever the previous manager (or workers themselves) left
// behind into a single consistent WorkerAssignment.
package recovery

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
	"github.com/oasisprotocol/blobmanager/blob/worker"
)

var logger = logging.GetLogger("blobmanager/recovery")

// assignVal is the recovery coordinator's working value: a candidate
// owner plus the (epoch, seq) claim backing it (spec.md §4.8 phase 5).
type assignVal struct {
	Owner api.UID
	api.EpochSeq
}

var zeroAssign = assignVal{}

type outOfDateEntry struct {
	Range  api.KeyRange
	Worker api.UID
}

// Coordinator runs recovery for one manager epoch.
type Coordinator struct {
	store     api.Store
	factory   api.WorkerClientFactory
	directory *worker.Directory
	engine    *assignment.Engine
	epoch     api.Epoch
	locality  api.Locality
	cfg       config.Config
	normal    api.KeyRange
}

// New creates a Coordinator.
func New(store api.Store, factory api.WorkerClientFactory, directory *worker.Directory, engine *assignment.Engine, epoch api.Epoch, locality api.Locality, cfg config.Config, normal api.KeyRange) *Coordinator {
	return &Coordinator{
		store:     store,
		factory:   factory,
		directory: directory,
		engine:    engine,
		epoch:     epoch,
		locality:  locality,
		cfg:       cfg,
		normal:    normal,
	}
}

// Run executes recovery. Must be called before the assignment engine's
// Run loop starts consuming (spec.md §4.8: "before normal work starts").
func (c *Coordinator) Run(ctx context.Context) error {
	if c.epoch == 1 {
		// Nothing to recover on the first-ever incarnation (spec.md §9).
		// Every phase is skipped, phase 1's worker discovery included.
		logger.Info("epoch 1: skipping recovery phases 1-8")
		return nil
	}

	starting, err := c.phase1DiscoverWorkers(ctx)
	if err != nil {
		return err
	}

	inProgress, err := c.phase2CollectInProgressSplits(ctx)
	if err != nil {
		return err
	}

	final := rangemap.New(c.normal, zeroAssign)
	var outOfDate []outOfDateEntry

	fromWorkers, workerErr := c.phase3GatherWorkerAssignments(ctx, starting)
	if workerErr != nil {
		logger.Warn("some workers failed to report assignments during recovery", "err", workerErr)
	}
	for _, e := range fromWorkers {
		addAssignment(final, e.Range, e.Worker, e.EpochSeq, false, &outOfDate)
	}

	fromStore, err := c.phase4FillGapsFromStore(ctx)
	if err != nil {
		return err
	}
	for _, e := range fromStore {
		addAssignment(final, e.Range, e.Worker, e.EpochSeq, true, &outOfDate)
	}

	// Phase 6: apply in-progress splits on top.
	for _, e := range inProgress.Ranges() {
		if e.Value.EpochSeq == (api.EpochSeq{}) {
			continue
		}
		addAssignment(final, e.Range, e.Value.Owner, e.Value.EpochSeq, false, &outOfDate)
	}

	if err := c.phase7RecheckLock(ctx); err != nil {
		return err
	}

	c.phase8Reconcile(final, outOfDate)

	logger.Info("recovery complete", "epoch", c.epoch)
	return nil
}

// addAssignment enforces (epoch, seq) dominance when merging a candidate
// (range, worker, es) into final (spec.md §4.8 phase 5), following the
// original's two-pass structure (`addAssignment`,
// original_source/fdbserver/BlobManager.actor.cpp): collect every
// overlapping entry the candidate does not dominate into a "dominant
// fragments" set while scanning, and if the candidate dominates at least
// one overlap, insert it wholesale and then re-insert the dominant
// fragments back on top so a sub-range the candidate does not actually
// supersede is never clobbered by the wholesale insert.
func addAssignment(final *rangemap.Map[assignVal], r api.KeyRange, w api.UID, es api.EpochSeq, isMappingFallback bool, outOfDate *[]outOfDateEntry) {
	overlap := final.Intersecting(r)

	type dominantFragment struct {
		Range api.KeyRange
		Value assignVal
	}
	var dominant []dominantFragment
	allDominant := len(overlap) > 0

	for _, e := range overlap {
		if es.Less(e.Value.EpochSeq) {
			dominant = append(dominant, dominantFragment{Range: e.Range, Value: e.Value})
			continue
		}
		allDominant = false
	}

	if allDominant {
		if isMappingFallback && len(overlap) == 1 && overlap[0].Range.Equal(r) && overlap[0].Value.Owner != w {
			final.Insert(r, assignVal{Owner: api.NilUID, EpochSeq: overlap[0].Value.EpochSeq})
		}
		return
	}

	for _, e := range overlap {
		if es.Less(e.Value.EpochSeq) {
			// Already captured in dominant above; restored after the
			// wholesale insert below.
			continue
		}
		if es == e.Value.EpochSeq {
			if !e.Value.Owner.IsNil() && !w.IsNil() && e.Value.Owner != w {
				logger.Error("recovery invariant violation: two workers share (epoch,seq)", "range", r.String(), "a", e.Value.Owner.String(), "b", w.String())
			}
			continue
		}
		if !e.Value.Owner.IsNil() {
			*outOfDate = append(*outOfDate, outOfDateEntry{Range: e.Range, Worker: e.Value.Owner})
		}
	}

	final.Insert(r, assignVal{Owner: w, EpochSeq: es})

	for _, f := range dominant {
		final.Insert(f.Range, f.Value)
	}
}

// phase1DiscoverWorkers reads the persisted worker list, filters to this
// data center, dedupes by address, and starts monitoring each.
func (c *Coordinator) phase1DiscoverWorkers(ctx context.Context) ([]api.BlobWorker, error) {
	begin, end := api.WorkerListSubspace()
	var rows []api.KeyValue
	err := c.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		rows, err = tx.GetRange(ctx, begin, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	seenAddr := make(map[string]struct{})
	var starting []api.BlobWorker
	for _, row := range rows {
		var w api.BlobWorker
		if err := api.UnmarshalCBOR(row.Value, &w); err != nil {
			logger.Warn("skipping malformed worker-list row during recovery", "err", err)
			continue
		}
		if w.Locality.DataCenter != c.locality.DataCenter {
			continue
		}
		if _, dup := seenAddr[w.Address]; dup {
			continue
		}
		seenAddr[w.Address] = struct{}{}

		client, err := c.factory.Dial(w)
		if err != nil {
			logger.Warn("failed to dial worker found during recovery", "address", w.Address, "err", err)
			continue
		}
		c.directory.AddExisting(ctx, w, client)
		starting = append(starting, w)
	}
	return starting, nil
}

// phase2CollectInProgressSplits scans the split-boundary key subspace and
// registers every consecutive child-range pair.
func (c *Coordinator) phase2CollectInProgressSplits(ctx context.Context) (*rangemap.Map[assignVal], error) {
	inProgress := rangemap.New(c.normal, zeroAssign)

	begin, end := api.AllSplitBoundariesSubspace()
	var rows []api.KeyValue
	err := c.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		rows, err = tx.GetRange(ctx, begin, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	type group struct {
		sentinel   api.SplitBoundarySentinel
		haveSent   bool
		boundaries []api.Key
	}
	groups := make(map[string]*group)
	var order []string

	for _, row := range rows {
		if len(row.Key) < 17 {
			continue
		}
		parentID := string(row.Key[1:17])
		boundary := api.Key(row.Key[17:])

		g, ok := groups[parentID]
		if !ok {
			g = &group{}
			groups[parentID] = g
			order = append(order, parentID)
		}

		if boundary.Equal(api.SplitBoundarySentinelKey) {
			if err := api.UnmarshalCBOR(row.Value, &g.sentinel); err != nil {
				logger.Warn("skipping malformed split sentinel during recovery", "err", err)
				continue
			}
			g.haveSent = true
			continue
		}
		g.boundaries = append(g.boundaries, boundary.Clone())
	}

	for _, parentID := range order {
		g := groups[parentID]
		if !g.haveSent || len(g.boundaries) < 2 {
			continue
		}
		sort.Slice(g.boundaries, func(i, j int) bool { return g.boundaries[i].Compare(g.boundaries[j]) < 0 })
		for i := 0; i+1 < len(g.boundaries); i++ {
			childRange := api.NewKeyRange(g.boundaries[i], g.boundaries[i+1])
			inProgress.Insert(childRange, assignVal{
				Owner:    api.NilUID,
				EpochSeq: api.EpochSeq{Epoch: g.sentinel.SplitEpoch, Seq: g.sentinel.SplitSeq},
			})
		}
	}

	return inProgress, nil
}

type reportedAssignment struct {
	Range api.KeyRange
	Worker api.UID
	api.EpochSeq
}

// phase3GatherWorkerAssignments fans out granule-assignment requests to
// every starting worker with a per-worker timeout, aggregating errors
// without letting one worker's failure abort the others.
func (c *Coordinator) phase3GatherWorkerAssignments(ctx context.Context, starting []api.BlobWorker) ([]reportedAssignment, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		out    []reportedAssignment
		errAgg *multierror.Error
	)

	for _, w := range starting {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()

			client, ok := c.directory.Client(w.ID)
			if !ok {
				return
			}
			rctx, cancel := context.WithTimeout(ctx, c.cfg.WorkerTimeout)
			defer cancel()

			entries, err := client.GranuleAssignments(rctx, c.epoch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errAgg = multierror.Append(errAgg, err)
				return
			}
			for _, e := range entries {
				out = append(out, reportedAssignment{Range: e.Range, Worker: w.ID, EpochSeq: api.EpochSeq{Epoch: e.AssignEpoch, Seq: e.AssignSeq}})
			}
		}()
	}
	wg.Wait()

	if errAgg != nil {
		return out, errAgg.ErrorOrNil()
	}
	return out, nil
}

// phase4FillGapsFromStore range-scans the granule-mapping subspace,
// deriving each row's range from consecutive keys (the subspace tiles
// the normal range, spec.md §3), and returns them stamped with the
// mapping sentinel (epoch=0, seq=1).
func (c *Coordinator) phase4FillGapsFromStore(ctx context.Context) ([]reportedAssignment, error) {
	begin, end := api.GranuleMappingKeyRange(c.normal.Begin, c.normal.End)
	var rows []api.KeyValue
	err := c.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		rows, err = tx.GetRange(ctx, begin, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []reportedAssignment
	for i, row := range rows {
		if len(row.Key) < 1 {
			continue
		}
		rowBegin := api.Key(row.Key[1:]).Clone()
		rowEnd := c.normal.End
		if i+1 < len(rows) {
			rowEnd = api.Key(rows[i+1].Key[1:]).Clone()
		}

		var owner api.UID
		if err := api.UnmarshalCBOR(row.Value, &owner); err != nil {
			logger.Warn("skipping malformed granule-mapping row during recovery", "err", err)
			continue
		}

		out = append(out, reportedAssignment{
			Range:    api.NewKeyRange(rowBegin, rowEnd),
			Worker:   owner,
			EpochSeq: api.EpochSeq{Epoch: 0, Seq: 1},
		})
	}
	return out, nil
}

// phase7RecheckLock confirms the current epoch still equals this
// manager's epoch.
func (c *Coordinator) phase7RecheckLock(ctx context.Context) error {
	return c.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		raw, err := tx.Get(ctx, api.EpochKey())
		if err != nil {
			return err
		}
		var stored api.Epoch
		if raw != nil {
			if err := api.UnmarshalCBOR(raw, &stored); err != nil {
				return err
			}
			if stored != c.epoch {
				return api.ErrReplaced
			}
		}
		tx.AddReadConflictKey(api.EpochKey())
		return nil
	})
}

// phase8Reconcile applies final and outOfDate into the live assignment
// map and queue.
func (c *Coordinator) phase8Reconcile(final *rangemap.Map[assignVal], outOfDate []outOfDateEntry) {
	for _, e := range final.Ranges() {
		if e.Value.EpochSeq == (api.EpochSeq{}) {
			continue
		}

		if e.Value.Owner.IsNil() || e.Value.Epoch == 0 || !c.directory.IsLive(e.Value.Owner) {
			c.engine.Enqueue(api.RangeAssignment{IsAssign: true, Range: e.Range})
			continue
		}

		c.engine.Assignment().Insert(e.Range, e.Value.Owner)
	}

	for _, e := range outOfDate {
		w := e.Worker
		c.engine.Enqueue(api.RangeAssignment{
			IsAssign:     false,
			Range:        e.Range,
			Worker:       &w,
			RevokeDetail: &api.RevokeDetail{Dispose: false},
		})
	}
}
