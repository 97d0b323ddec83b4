// Package gc implements the prune (garbage collection) engine
// (spec.md §4.9): walks the history DAG from every active granule inside
// a pruned range back through its ancestors, deleting fully-reclaimable
// granules sequentially and partially-reclaimable snapshot/delta files in
// parallel.
package gc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gammazero/deque"
	"github.com/hashicorp/go-multierror"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/metrics"
)

var logger = logging.GetLogger("blobmanager/gc")

const infVersion = api.Version(math.MaxUint64)

// Engine runs prune sweeps against the store and object storage.
type Engine struct {
	store    api.Store
	objStore api.ObjectStore
	engine   *assignment.Engine
	normal   api.KeyRange
}

// New creates a prune Engine.
func New(store api.Store, objStore api.ObjectStore, assignEngine *assignment.Engine, normal api.KeyRange) *Engine {
	return &Engine{store: store, objStore: objStore, engine: assignEngine, normal: normal}
}

type bfsItem struct {
	Range api.KeyRange
	StartV api.Version
	EndV   api.Version
}

type fullDeleteJob struct {
	GranuleID  api.UID
	HistoryKey api.Key
}

// Sweep reads every prune intent in the normal range and acts on it.
// Errors are collected and returned but never propagated as fatal
// (spec.md §4.9: "GC must not kill the manager").
func (e *Engine) Sweep(ctx context.Context) error {
	begin, end := api.PruneSubspace()
	var rows []api.KeyValue
	if err := e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		rows, err = tx.GetRange(ctx, begin, end)
		return err
	}); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, row := range rows {
		var intent api.PruneIntent
		if err := api.UnmarshalCBOR(row.Value, &intent); err != nil {
			logger.Warn("skipping malformed prune intent", "err", err)
			continue
		}
		if err := e.processIntent(ctx, intent); err != nil {
			logger.Error("prune intent failed", "range", intent.Range.String(), "err", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// ForcePrune writes a forced prune intent for r, equivalent to the
// original's manual bgm_purge trigger: the next sweep fully deletes every
// granule in r regardless of version, ignoring the usual last-snapshot
// retention rule.
func (e *Engine) ForcePrune(ctx context.Context, r api.KeyRange) error {
	intent := api.PruneIntent{Range: r, PruneVersion: infVersion, Force: true}
	return e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		tx.Set(api.PruneKeyFor(r), api.MarshalCBOR(intent))
		return nil
	})
}

func (e *Engine) processIntent(ctx context.Context, intent api.PruneIntent) error {
	seeds := e.seedActiveGranules(intent.Range)

	q := deque.New()
	visited := make(map[string]bool)
	for _, r := range seeds {
		startV, err := e.latestHistoryVersion(ctx, r)
		if err != nil {
			logger.Warn("no history entry for active granule; skipping", "range", r.String(), "err", err)
			continue
		}
		visited[visitKey(r, startV)] = true
		q.PushBack(bfsItem{Range: r, StartV: startV, EndV: infVersion})
	}

	var fullDeletes []fullDeleteJob
	var partialGranules []api.UID

	for q.Len() > 0 {
		itemAny := q.PopFront()
		item := itemAny.(bfsItem)

		raw, err := e.get(ctx, api.HistoryKeyFor(item.Range, item.StartV))
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		var hist api.HistoryEntry
		if err := api.UnmarshalCBOR(raw, &hist); err != nil {
			return err
		}

		switch {
		case intent.Force || item.EndV <= intent.PruneVersion:
			fullDeletes = append(fullDeletes, fullDeleteJob{
				GranuleID:  hist.GranuleID,
				HistoryKey: api.HistoryKeyFor(item.Range, item.StartV),
			})
		case item.StartV < intent.PruneVersion:
			partialGranules = append(partialGranules, hist.GranuleID)
		}

		for _, parent := range hist.Parents {
			key := visitKey(parent.Range, parent.StartVersion)
			if visited[key] {
				continue
			}
			visited[key] = true
			q.PushBack(bfsItem{Range: parent.Range, StartV: parent.StartVersion, EndV: item.StartV})
		}
	}

	// Sequential, oldest-parent-first: BFS discovers children before
	// parents, so reversing the collected order visits parents first
	// (spec.md §4.9 step 3).
	for i := len(fullDeletes) - 1; i >= 0; i-- {
		if err := e.executeFullDelete(ctx, fullDeletes[i]); err != nil {
			logger.Error("full delete failed", "granule", fullDeletes[i].GranuleID.String(), "err", err)
		}
	}

	e.executePartialDeletes(ctx, partialGranules, intent.PruneVersion)

	return e.clearIntentIfUnchanged(ctx, intent)
}

func (e *Engine) seedActiveGranules(pruneRange api.KeyRange) []api.KeyRange {
	var seeds []api.KeyRange
	e.engine.RunSync(func() {
		for _, entry := range e.engine.Assignment().Ranges() {
			if entry.Value.IsNil() {
				continue
			}
			if !entry.Range.Intersects(pruneRange) {
				continue
			}
			if entry.Range.Begin.Compare(pruneRange.Begin) < 0 || entry.Range.End.Compare(pruneRange.End) > 0 {
				// Misaligned with prune boundaries; skip silently
				// (spec.md §4.9 step 1, §9 open question).
				continue
			}
			seeds = append(seeds, entry.Range)
		}
	})
	return seeds
}

func (e *Engine) latestHistoryVersion(ctx context.Context, r api.KeyRange) (api.Version, error) {
	begin, end := api.HistorySubspaceForRange(r.Begin)
	var rows []api.KeyValue
	err := e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		rows, err = tx.GetRange(ctx, begin, end)
		return err
	})
	if err != nil {
		return 0, err
	}
	var latest *api.HistoryEntry
	for _, row := range rows {
		var h api.HistoryEntry
		if err := api.UnmarshalCBOR(row.Value, &h); err != nil {
			continue
		}
		if latest == nil || h.EndVersion > latest.EndVersion {
			hCopy := h
			latest = &hCopy
		}
	}
	if latest == nil {
		return 0, errNoHistory
	}
	return latest.EndVersion, nil
}

var errNoHistory = errors.New("gc: no history entry for range")

func (e *Engine) get(ctx context.Context, key api.Key) ([]byte, error) {
	var raw []byte
	err := e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		var err error
		raw, err = tx.Get(ctx, key)
		return err
	})
	return raw, err
}

func (e *Engine) loadFiles(ctx context.Context, granuleID api.UID) (api.GranuleFiles, error) {
	begin, end := api.GranuleFileKeyRangeFor(granuleID)
	var files api.GranuleFiles
	err := e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		rows, err := tx.GetRange(ctx, begin, end)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var f api.GranuleFiles
			if err := api.UnmarshalCBOR(row.Value, &f); err != nil {
				continue
			}
			files.Snapshots = append(files.Snapshots, f.Snapshots...)
			files.Deltas = append(files.Deltas, f.Deltas...)
		}
		return nil
	})
	return files, err
}

func (e *Engine) executeFullDelete(ctx context.Context, job fullDeleteJob) error {
	files, err := e.loadFiles(ctx, job.GranuleID)
	if err != nil {
		return err
	}
	for _, s := range files.Snapshots {
		if err := e.objStore.DeleteFile(ctx, s.Path); err != nil {
			logger.Warn("failed to delete snapshot blob", "path", s.Path, "err", err)
		}
	}
	for _, d := range files.Deltas {
		if err := e.objStore.DeleteFile(ctx, d.Path); err != nil {
			logger.Warn("failed to delete delta blob", "path", d.Path, "err", err)
		}
	}

	err = e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		tx.Clear(job.HistoryKey)
		begin, end := api.GranuleFileKeyRangeFor(job.GranuleID)
		tx.ClearRange(begin, end)
		return nil
	})
	if err != nil {
		return err
	}
	metrics.GCFullDeletes.Inc()
	return nil
}

func (e *Engine) executePartialDeletes(ctx context.Context, granules []api.UID, pruneVersion api.Version) {
	var wg sync.WaitGroup
	for _, id := range granules {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.executePartialDelete(ctx, id, pruneVersion); err != nil {
				logger.Error("partial delete failed", "granule", id.String(), "err", err)
			}
		}()
	}
	wg.Wait()
}

func (e *Engine) executePartialDelete(ctx context.Context, granuleID api.UID, pruneVersion api.Version) error {
	files, err := e.loadFiles(ctx, granuleID)
	if err != nil {
		return err
	}

	var youngest *api.SnapshotFile
	for i := range files.Snapshots {
		s := files.Snapshots[i]
		if s.Version <= pruneVersion && (youngest == nil || s.Version > youngest.Version) {
			youngest = &files.Snapshots[i]
		}
	}
	if youngest == nil {
		// No snapshot at or before pruneVersion to anchor on; never delete
		// the last remaining snapshot (spec.md §4.9 step 4).
		return nil
	}

	var keepSnapshots []api.SnapshotFile
	var keepDeltas []api.DeltaFile
	var deleteSnapshots []api.SnapshotFile
	var deleteDeltas []api.DeltaFile

	for _, s := range files.Snapshots {
		if s.Version < youngest.Version {
			deleteSnapshots = append(deleteSnapshots, s)
		} else {
			keepSnapshots = append(keepSnapshots, s)
		}
	}
	for _, d := range files.Deltas {
		if d.Version <= youngest.Version {
			deleteDeltas = append(deleteDeltas, d)
		} else {
			keepDeltas = append(keepDeltas, d)
		}
	}

	if len(deleteSnapshots) == 0 && len(deleteDeltas) == 0 {
		return nil
	}

	for _, s := range deleteSnapshots {
		if err := e.objStore.DeleteFile(ctx, s.Path); err != nil {
			logger.Warn("failed to delete snapshot blob", "path", s.Path, "err", err)
		}
	}
	for _, d := range deleteDeltas {
		if err := e.objStore.DeleteFile(ctx, d.Path); err != nil {
			logger.Warn("failed to delete delta blob", "path", d.Path, "err", err)
		}
	}

	begin, end := api.GranuleFileKeyRangeFor(granuleID)
	err = e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		tx.ClearRange(begin, end)
		tx.Set(begin, api.MarshalCBOR(api.GranuleFiles{Snapshots: keepSnapshots, Deltas: keepDeltas}))
		return nil
	})
	if err != nil {
		return err
	}
	metrics.GCPartialDeletes.Inc()
	return nil
}

func (e *Engine) clearIntentIfUnchanged(ctx context.Context, intent api.PruneIntent) error {
	return e.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		raw, err := tx.Get(ctx, api.PruneKeyFor(intent.Range))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var cur api.PruneIntent
		if err := api.UnmarshalCBOR(raw, &cur); err != nil {
			return err
		}
		if cur.PruneVersion == intent.PruneVersion && cur.Force == intent.Force {
			tx.Clear(api.PruneKeyFor(intent.Range))
		}
		return nil
	})
}

func visitKey(r api.KeyRange, v api.Version) string {
	return fmt.Sprintf("%s|%d", r.Begin, uint64(v))
}
