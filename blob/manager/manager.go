// Package manager implements the blob manager orchestrator (spec.md
// §4.10): the task tree rooted at process start that wires every other
// package together, fans out the long-running background tasks, and tears
// the whole tree down on replacement, an explicit halt, or any child task
// exiting unexpectedly.
package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/gc"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
	"github.com/oasisprotocol/blobmanager/blob/reconciler"
	"github.com/oasisprotocol/blobmanager/blob/recovery"
	"github.com/oasisprotocol/blobmanager/blob/split"
	"github.com/oasisprotocol/blobmanager/blob/status"
	"github.com/oasisprotocol/blobmanager/blob/worker"
)

var logger = logging.GetLogger("blobmanager/manager")

// Config bundles every external collaborator and static parameter the
// orchestrator needs to stand up one manager incarnation.
type Config struct {
	Store      api.Store
	ObjStore   api.ObjectStore
	Controller api.ClusterController
	Factory    api.WorkerClientFactory
	Locality   api.Locality
	Normal     api.KeyRange
	Cfg        config.Config
}

// replacedSignal is the single, manager-wide "I am replaced" barrier
// (spec.md §9): any component fires it at most effectively once, and every
// task tree in the manager watches its Done channel.
type replacedSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newReplacedSignal() *replacedSignal {
	return &replacedSignal{ch: make(chan struct{})}
}

func (r *replacedSignal) Fire() {
	r.once.Do(func() { close(r.ch) })
}

func (r *replacedSignal) Done() <-chan struct{} {
	return r.ch
}

func (r *replacedSignal) Fired() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// Manager is one blob manager incarnation, bound to one epoch for its
// entire lifetime; a replaced manager is expected to exit rather than
// reacquire (spec.md §5, §9).
type Manager struct {
	cfg   Config
	epoch api.Epoch

	replaced    *replacedSignal
	lockCheckCh chan struct{}

	reconciler *reconciler.Reconciler
	engine     *assignment.Engine
	directory  *worker.Directory
	splitExec  *split.Executor
	gcEngine   *gc.Engine

	failOnce sync.Once
	firstErr error
}

// New creates a Manager. It performs no I/O; call Run to acquire an epoch
// and start work.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:         cfg,
		replaced:    newReplacedSignal(),
		lockCheckCh: make(chan struct{}, 1),
	}
}

// Run acquires a fresh epoch, recovers prior state, and fans out the
// background task tree (spec.md §4.10). It blocks until the manager is
// replaced, a child task fails fatally, or ctx is cancelled, returning nil
// only on replacement or parent cancellation.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.replaced.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	epoch, err := m.acquireEpoch(ctx)
	if err != nil {
		return fmt.Errorf("acquire epoch: %w", err)
	}
	m.epoch = epoch
	logger.Info("acquired epoch", "epoch", uint64(epoch))

	m.reconciler = reconciler.New(m.cfg.Normal)
	assignMap := rangemap.New(m.cfg.Normal, api.NilUID)

	m.engine = assignment.New(assignment.Config{
		Normal:     m.cfg.Normal,
		Assignment: assignMap,
		Epoch:      epoch,
		OnReplaced: m.replaced.Fire,
		OnConflict: m.signalLockCheck,
		OnFatal:    func(err error) { m.fail(cancel, fmt.Errorf("assignment engine: %w", err)) },
	})

	m.directory = worker.New(worker.Config{
		Factory:    m.cfg.Factory,
		Controller: m.cfg.Controller,
		Store:      m.cfg.Store,
		Engine:     m.engine,
		Epoch:      epoch,
		Locality:   m.cfg.Locality,
		Cfg:        m.cfg.Cfg,
		OnReplaced: m.replaced.Fire,
		OnSplit:    m.handleSplit,
	})
	m.engine.SetPool(m.directory)

	m.splitExec = split.New(m.cfg.Store, m.cfg.Cfg, m.engine.Seq(), m.engine, epoch, m.replaced.Fire, m.checkLock)
	m.gcEngine = gc.New(m.cfg.Store, m.cfg.ObjStore, m.engine, m.cfg.Normal)

	recoveryCoord := recovery.New(m.cfg.Store, m.cfg.Factory, m.directory, m.engine, epoch, m.cfg.Locality, m.cfg.Cfg, m.cfg.Normal)
	if err := recoveryCoord.Run(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if ctx.Err() != nil {
				// Expected shutdown: cancellation must never be swallowed
				// as a generic failure (spec.md §5), but it also isn't a
				// fatal task exit worth tearing the tree down over again.
				return
			}
			if err == nil {
				err = fmt.Errorf("task exited without error")
			}
			m.fail(cancel, fmt.Errorf("%s: %w", name, err))
		}()
	}

	spawn("assignment-engine", m.engine.Run)
	spawn("recruiter", m.directory.RecruitLoop)
	spawn("lock-check", m.doLockChecks)
	spawn("client-ranges", m.monitorClientRanges)
	spawn("prune", m.monitorPruneKeys)
	if m.cfg.Cfg.ChaosRangeMoverEnabled {
		spawn("chaos-range-mover", m.chaosRangeMover)
	}

	<-ctx.Done()
	wg.Wait()

	if m.replaced.Fired() {
		logger.Info("replaced by a newer manager, exiting")
		return nil
	}
	if m.firstErr != nil {
		return m.firstErr
	}
	return nil
}

func (m *Manager) fail(cancel context.CancelFunc, err error) {
	m.failOnce.Do(func() {
		logger.Error("fatal task exit, tearing down manager", "err", err)
		m.firstErr = err
		cancel()
	})
}

func (m *Manager) signalLockCheck() {
	select {
	case m.lockCheckCh <- struct{}{}:
	default:
	}
}

// checkLock re-reads the epoch key inside an already-open transaction,
// shared by the split executor and the lock-check task (spec.md §4.7 step
// 4a, §4.10). The recovery coordinator runs the same check through its own
// phase7RecheckLock (§4.8 phase 7), not through this method.
func (m *Manager) checkLock(ctx context.Context, tx api.Transaction) error {
	raw, err := tx.Get(ctx, api.EpochKey())
	if err != nil {
		return err
	}
	var stored api.Epoch
	if raw != nil {
		if err := api.UnmarshalCBOR(raw, &stored); err != nil {
			return err
		}
		if stored != m.epoch {
			return api.ErrReplaced
		}
	}
	tx.AddReadConflictKey(api.EpochKey())
	return nil
}

// acquireEpoch bumps the store's epoch counter and returns the new value,
// fencing out any manager still running under the old one (spec.md §4.10,
// §5).
func (m *Manager) acquireEpoch(ctx context.Context) (api.Epoch, error) {
	var newEpoch api.Epoch
	err := m.cfg.Store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		raw, err := tx.Get(ctx, api.EpochKey())
		if err != nil {
			return err
		}
		var cur api.Epoch
		if raw != nil {
			if err := api.UnmarshalCBOR(raw, &cur); err != nil {
				return err
			}
		}
		newEpoch = cur + 1
		tx.AddReadConflictKey(api.EpochKey())
		tx.Set(api.EpochKey(), api.MarshalCBOR(newEpoch))
		return nil
	})
	return newEpoch, err
}

// doLockChecks implements the lock-check task (spec.md §4.10): wakes on a
// one-shot signal fired by any component that suspects it has lost the
// epoch lock, re-verifies against the store, and signals replacement if a
// higher epoch is observed.
func (m *Manager) doLockChecks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.lockCheckCh:
		}

		err := m.cfg.Store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
			return m.checkLock(ctx, tx)
		})
		if err != nil {
			if err == api.ErrReplaced {
				m.replaced.Fire()
				return nil
			}
			logger.Warn("lock check transaction failed", "err", err)
		}
	}
}

// monitorClientRanges implements the client-range monitor (spec.md §4.2,
// §4.10): reconciles the store's declared ranges against KnownBlobRange on
// every change and turns the diff into engine enqueues. The assignment
// engine's own Run loop is the "rangeAssigner" consumer of those enqueues
// (spec.md §5's rangesToAssign queue).
func (m *Manager) monitorClientRanges(ctx context.Context) error {
	for {
		snapshot, err := m.loadRangeSnapshot(ctx)
		if err != nil {
			return err
		}

		toAdd, toRemove := m.reconciler.Reconcile(snapshot)
		for _, r := range toAdd {
			m.engine.Enqueue(api.RangeAssignment{
				IsAssign:     true,
				Range:        r,
				AssignDetail: &api.AssignDetail{Type: api.AssignNormal},
			})
		}
		for _, r := range toRemove {
			m.engine.Enqueue(api.RangeAssignment{
				IsAssign:     false,
				Range:        r,
				RevokeDetail: &api.RevokeDetail{Dispose: true},
			})
		}

		if err := m.cfg.Store.Watch(ctx, api.BlobRangeChangeKey()); err != nil {
			return err
		}
	}
}

func (m *Manager) loadRangeSnapshot(ctx context.Context) ([]reconciler.Boundary, error) {
	begin, end := api.BlobRangeSubspace()
	var out []reconciler.Boundary
	err := m.cfg.Store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		rows, err := tx.GetRange(ctx, begin, end)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, row := range rows {
			out = append(out, reconciler.Boundary{
				Key:    api.BlobRangeKeyBoundary(row.Key),
				Active: string(row.Value) == "1",
			})
		}
		return nil
	})
	return out, err
}

// monitorPruneKeys implements the prune monitor (spec.md §4.9, §4.10):
// sweeps on every prune-intent change and, as a backstop, at least once
// per BG_PRUNE_TIMEOUT even without a signalled change. GC errors are
// logged and suppressed (spec.md §7): they must never end the manager.
func (m *Manager) monitorPruneKeys(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Cfg.PruneTimeout)
	defer ticker.Stop()

	for {
		if err := m.gcEngine.Sweep(ctx); err != nil {
			logger.Error("gc sweep failed", "err", err)
		}

		watchErr := make(chan error, 1)
		go func() { watchErr <- m.cfg.Store.Watch(ctx, api.PruneChangeKey()) }()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case err := <-watchErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// handleSplit is wired as the worker directory's OnSplit callback
// (spec.md §4.5, §4.7): it runs off the status watcher's goroutine so a
// slow split transaction never stalls status consumption for other
// granules, which is safe because splits are rare relative to status
// reports (spec.md §4.4's load-tracking rationale applies equally here).
func (m *Manager) handleSplit(req status.SplitRequest) {
	go func() {
		sreq := split.Request{
			CurrentWorker: req.Worker,
			Range:         req.Range,
			GranuleID:     req.GranuleID,
			StartVersion:  req.StartVersion,
			LatestVersion: req.LatestVersion,
			WriteHot:      req.WriteHot,
		}
		if err := m.splitExec.Run(context.Background(), sreq); err != nil {
			logger.Error("split execution failed", "range", req.Range.String(), "err", err)
		}
	}()
}

// chaosRangeMover is a fault-injection task (enabled via
// blobmanager.chaos.range_mover_enabled): it periodically forces one
// randomly-chosen owned range through a revoke/reassign cycle, exercising
// the same code paths a real worker failure or split would, to shake out
// ordering bugs under CI without needing to actually kill a process.
func (m *Manager) chaosRangeMover(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	rnd := rand.New(rand.NewSource(1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var owned []api.KeyRange
		m.engine.RunSync(func() {
			for _, e := range m.engine.Assignment().Ranges() {
				if !e.Value.IsNil() {
					owned = append(owned, e.Range)
				}
			}
		})
		if len(owned) == 0 {
			continue
		}
		r := owned[rnd.Intn(len(owned))]
		logger.Info("chaos: forcing range churn", "range", r.String())
		m.engine.Enqueue(api.RangeAssignment{
			IsAssign:     false,
			Range:        r,
			RevokeDetail: &api.RevokeDetail{Dispose: false},
		})
		m.engine.Enqueue(api.RangeAssignment{
			IsAssign:     true,
			Range:        r,
			AssignDetail: &api.AssignDetail{Type: api.AssignNormal},
		})
	}
}
