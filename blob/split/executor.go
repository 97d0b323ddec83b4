// Package split implements the split executor (spec.md §4.7): computes
// new boundaries for an over-large or write-hot granule, deterministically
// pre-generates child UIDs so a transaction retry stays idempotent, and
// persists the split atomically before handing the new ranges to the
// assignment engine.
package split

import (
	"context"
	"fmt"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/metrics"
	"github.com/oasisprotocol/blobmanager/blob/seqno"
	"github.com/oasisprotocol/blobmanager/blob/splitter"
)

var logger = logging.GetLogger("blobmanager/split")

// splitNamespace is the fixed namespace UID that seeds every child-UID
// derivation (spec.md §9): deterministic across retries requires a
// namespace that is itself a pure function of the request, not of wall
// time or a random source.
var splitNamespace = api.UID{0xb1, 0x0b, 0x53, 0x91, 0x17, 0x00, 0x40, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

// Request is the split executor's input (spec.md §4.7).
type Request struct {
	CurrentWorker api.UID
	Range         api.KeyRange
	GranuleID     api.UID
	StartVersion  api.Version
	LatestVersion api.Version
	WriteHot      bool
}

// Executor runs split evaluations to completion.
type Executor struct {
	store    api.Store
	splitter *splitter.Splitter
	seq      *seqno.Sequencer
	engine   *assignment.Engine
	epoch    api.Epoch

	// onReplaced fires "I am replaced" if a stale epoch is observed
	// mid-transaction.
	onReplaced func()
	// checkLock re-verifies the manager still holds the epoch lock,
	// shared with the lock-check task.
	checkLock func(ctx context.Context, tx api.Transaction) error
}

// New creates an Executor.
func New(store api.Store, cfg config.Config, seq *seqno.Sequencer, engine *assignment.Engine, epoch api.Epoch, onReplaced func(), checkLock func(ctx context.Context, tx api.Transaction) error) *Executor {
	return &Executor{
		store:      store,
		splitter:   splitter.New(store, cfg),
		seq:        seq,
		engine:     engine,
		epoch:      epoch,
		onReplaced: onReplaced,
		checkLock:  checkLock,
	}
}

// Run executes one split evaluation (spec.md §4.7).
func (e *Executor) Run(ctx context.Context, req Request) error {
	boundaries, err := e.splitter.Split(ctx, req.Range, req.WriteHot)
	if err != nil {
		return err
	}

	if len(boundaries) == 2 {
		// No split decided: re-affirm the existing assignment so the
		// worker re-snapshots without moving the granule (spec.md §4.7
		// step 1).
		metrics.SplitsSkipped.Inc()
		w := req.CurrentWorker
		e.engine.Enqueue(api.RangeAssignment{
			IsAssign:     true,
			Range:        req.Range,
			Worker:       &w,
			AssignDetail: &api.AssignDetail{Type: api.AssignContinue},
		})
		return nil
	}

	metrics.SplitsStarted.Inc()
	nChildren := len(boundaries) - 1
	childIDs := make([]api.UID, nChildren)
	for i := range childIDs {
		childIDs[i] = api.DeterministicUID(splitNamespace, fmt.Sprintf("%s:%s:child:%d", req.GranuleID.String(), req.Range.String(), i))
	}

	splitSeqno := e.seq.Next()

	var (
		firstAttempt   = true
		newLockSeqno   api.Seq
		existingOwner  api.UID
		parentEpochSeq api.EpochSeq
	)

	op := func(ctx context.Context, tx api.Transaction) error {
		if e.checkLock != nil {
			if err := e.checkLock(ctx, tx); err != nil {
				return err
			}
		}

		lockRaw, err := tx.Get(ctx, api.GranuleLockKeyFor(req.Range))
		if err != nil {
			return err
		}
		var lock api.GranuleLock
		if lockRaw != nil {
			if err := api.UnmarshalCBOR(lockRaw, &lock); err != nil {
				return err
			}
			if lock.Epoch > e.epoch {
				if e.onReplaced != nil {
					e.onReplaced()
				}
				return api.ErrReplaced
			}
			existingOwner = lock.OwnerGranuleID
			parentEpochSeq = lock.EpochSeq
		} else {
			existingOwner = req.GranuleID
			parentEpochSeq = api.EpochSeq{Epoch: e.epoch, Seq: 0}
		}

		isFirstInvocation := firstAttempt
		if firstAttempt {
			newLockSeqno = e.seq.Next()
			firstAttempt = false
		}

		newES := api.EpochSeq{Epoch: e.epoch, Seq: newLockSeqno}
		// Strictly greater on the first invocation of op; a retry may
		// observe its own prior (unknown-result) commit already applied,
		// so a retry accepts equality instead of spuriously failing
		// (spec.md §4.7 step 4c, §5 "Ordering guarantees").
		if isFirstInvocation {
			if newES.LessOrEqual(parentEpochSeq) {
				return api.ErrAssignmentConflict
			}
		} else if newES.Less(parentEpochSeq) {
			return api.ErrAssignmentConflict
		}

		tx.AddReadConflictKey(api.EpochKey())
		tx.Set(api.GranuleLockKeyFor(req.Range), api.MarshalCBOR(api.GranuleLock{
			EpochSeq:       newES,
			OwnerGranuleID: existingOwner,
		}))

		for _, b := range boundaries {
			tx.Set(api.SplitBoundaryKeyFor(req.GranuleID, b), nil)
		}
		tx.Set(api.SplitBoundaryKeyFor(req.GranuleID, api.SplitBoundarySentinelKey), api.MarshalCBOR(api.SplitBoundarySentinel{
			SplitEpoch: e.epoch,
			SplitSeq:   splitSeqno,
		}))

		for i := 0; i < nChildren; i++ {
			childID := childIDs[i]
			tx.SetVersionstamped(api.SplitStateKeyFor(req.GranuleID, childID), api.MarshalCBOR(api.SplitInitialized))

			childRange := api.NewKeyRange(boundaries[i], boundaries[i+1])
			hist := api.HistoryEntry{
				Range:      childRange,
				EndVersion: req.LatestVersion,
				GranuleID:  childID,
				Parents: []api.AncestorRef{{
					Range:        req.Range,
					StartVersion: req.StartVersion,
				}},
			}
			tx.Set(api.HistoryKeyFor(childRange, req.LatestVersion), api.MarshalCBOR(hist))
		}

		return nil
	}

	if err := e.store.Transact(ctx, op); err != nil {
		logger.Error("split commit failed", "range", req.Range.String(), "err", err)
		return err
	}

	w := req.CurrentWorker
	e.engine.Enqueue(api.RangeAssignment{
		IsAssign:     false,
		Range:        req.Range,
		Worker:       &w,
		RevokeDetail: &api.RevokeDetail{Dispose: false},
	})
	for i := 0; i < nChildren; i++ {
		e.engine.Enqueue(api.RangeAssignment{
			IsAssign: true,
			Range:    api.NewKeyRange(boundaries[i], boundaries[i+1]),
		})
	}
	return nil
}
