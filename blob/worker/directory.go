// Package worker implements the blob worker directory, recruiter, and
// failure detector (spec.md §4.6): the assignment engine's WorkerPool,
// plus the recruitment loop and killBlobWorker teardown sequence.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/metrics"
	"github.com/oasisprotocol/blobmanager/blob/status"
)

var logger = logging.GetLogger("blobmanager/worker")

// Config bundles the collaborators the directory needs.
type Config struct {
	Factory    api.WorkerClientFactory
	Controller api.ClusterController
	Store      api.Store
	Engine     *assignment.Engine
	Epoch      api.Epoch
	Locality   api.Locality
	Cfg        config.Config

	// OnReplaced fires the manager-wide "I am replaced" signal.
	OnReplaced func()
	// OnSplit is invoked when a live worker reports a fresh doSplit
	// condition (spec.md §4.5); typically wired to the split executor.
	OnSplit func(status.SplitRequest)
}

// Directory is the blob-worker directory, recruiter, and failure detector
// (spec.md §4.6). It also implements assignment.WorkerPool.
type Directory struct {
	mu sync.Mutex

	workers  map[api.UID]api.BlobWorker
	clients  map[api.UID]api.WorkerClient
	load     map[api.UID]int
	live     map[string]struct{} // stable addresses of live workers
	recruit  map[string]struct{} // addresses currently being recruited
	dead     map[api.UID]struct{}
	waiters  []chan struct{}
	pending  bool // debounce guard for TriggerRecruit
	rnd      *rand.Rand
	cancelFn map[api.UID]context.CancelFunc

	factory    api.WorkerClientFactory
	controller api.ClusterController
	store      api.Store
	engine     *assignment.Engine
	epoch      api.Epoch
	locality   api.Locality
	cfg        config.Config

	onReplaced func()
	onSplit    func(status.SplitRequest)

	restartCh chan struct{}
}

// New creates an empty directory.
func New(cfg Config) *Directory {
	return &Directory{
		workers:    make(map[api.UID]api.BlobWorker),
		clients:    make(map[api.UID]api.WorkerClient),
		load:       make(map[api.UID]int),
		live:       make(map[string]struct{}),
		recruit:    make(map[string]struct{}),
		dead:       make(map[api.UID]struct{}),
		cancelFn:   make(map[api.UID]context.CancelFunc),
		rnd:        rand.New(rand.NewSource(1)),
		factory:    cfg.Factory,
		controller: cfg.Controller,
		store:      cfg.Store,
		engine:     cfg.Engine,
		epoch:      cfg.Epoch,
		locality:   cfg.Locality,
		cfg:        cfg.Cfg,
		onReplaced: cfg.OnReplaced,
		onSplit:    cfg.OnSplit,
		restartCh:  make(chan struct{}, 1),
	}
}

// --- assignment.WorkerPool ---

// LeastLoaded implements assignment.WorkerPool.
func (d *Directory) LeastLoaded() (api.UID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.workers) == 0 {
		return api.NilUID, false
	}
	ids := make([]api.UID, 0, len(d.workers))
	for id := range d.workers {
		ids = append(ids, id)
	}
	return assignment.PickLeastLoaded(d.rnd, ids, func(u api.UID) int { return d.load[u] })
}

// WaitForWorkers implements assignment.WorkerPool.
func (d *Directory) WaitForWorkers(ctx context.Context) error {
	d.mu.Lock()
	if len(d.workers) > 0 {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IncrementGranules implements assignment.WorkerPool.
func (d *Directory) IncrementGranules(w api.UID) {
	d.mu.Lock()
	d.load[w]++
	d.mu.Unlock()
	metrics.GranulesPerWorker.WithLabelValues(w.String()).Set(float64(d.load[w]))
}

// DecrementGranules implements assignment.WorkerPool.
func (d *Directory) DecrementGranules(w api.UID) {
	d.mu.Lock()
	if d.load[w] > 0 {
		d.load[w]--
	}
	v := d.load[w]
	d.mu.Unlock()
	metrics.GranulesPerWorker.WithLabelValues(w.String()).Set(float64(v))
}

// Client implements assignment.WorkerPool.
func (d *Directory) Client(w api.UID) (api.WorkerClient, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[w]
	return c, ok
}

func (d *Directory) wakeWaiters() {
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = nil
}

// --- directory maintenance ---

// AddExisting registers an already-live worker (typically dialed during
// recovery, spec.md §4.8 phase 1) and begins monitoring it.
func (d *Directory) AddExisting(ctx context.Context, w api.BlobWorker, client api.WorkerClient) {
	d.mu.Lock()
	d.workers[w.ID] = w
	d.clients[w.ID] = client
	d.live[w.Address] = struct{}{}
	d.wakeWaiters()
	d.mu.Unlock()

	d.startMonitoring(ctx, w, client)
}

func (d *Directory) startMonitoring(ctx context.Context, w api.BlobWorker, client api.WorkerClient) {
	mctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelFn[w.ID] = cancel
	d.mu.Unlock()
	go d.monitor(mctx, w, client)
}

// monitor pairs the status stream watcher with the store's failure
// detector (spec.md §4.6): whichever completes first (other than a
// replacement signal) triggers killBlobWorker.
func (d *Directory) monitor(ctx context.Context, w api.BlobWorker, client api.WorkerClient) {
	watcher := status.New(w.ID, client, d.epoch, d.engine.Assignment(), d.onReplaced, d.onSplit)

	errCh := make(chan error, 2)
	go func() { errCh <- watcher.Run(ctx) }()
	go func() { errCh <- client.WaitFailure(ctx) }()

	err := <-errCh

	if ctx.Err() != nil {
		return // shutting down; not a failure
	}
	if err == nil {
		// watcher.Run only returns nil when it published "I am replaced".
		return
	}

	d.killBlobWorker(context.Background(), w.ID, true)
}

// killBlobWorker implements spec.md §4.6's 6-step teardown.
func (d *Directory) killBlobWorker(ctx context.Context, id api.UID, registered bool) {
	var addr string
	var client api.WorkerClient

	if registered {
		d.mu.Lock()
		w, ok := d.workers[id]
		if ok {
			addr = w.Address
			client = d.clients[id]
			delete(d.workers, id)
			delete(d.clients, id)
			delete(d.load, id)
			delete(d.live, addr)
		}
		d.dead[id] = struct{}{}
		if cancel, ok := d.cancelFn[id]; ok {
			cancel()
			delete(d.cancelFn, id)
		}
		d.mu.Unlock()
	}

	// Step 2: persistent deregistration, fenced on the manager's epoch.
	err := d.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		raw, err := tx.Get(ctx, api.EpochKey())
		if err != nil {
			return err
		}
		var stored api.Epoch
		if raw != nil {
			if err := api.UnmarshalCBOR(raw, &stored); err != nil {
				return err
			}
			if stored != d.epoch {
				return api.ErrReplaced
			}
		}
		tx.AddReadConflictKey(api.EpochKey())
		tx.Clear(api.WorkerListKeyFor(id))
		return nil
	})
	if err != nil {
		if errors.Is(err, api.ErrReplaced) {
			if d.onReplaced != nil {
				d.onReplaced()
			}
			return
		}
		logger.Warn("failed to deregister dead worker", "worker", id.String(), "err", err)
	}

	// Step 3: snapshot ranges owned by this worker and re-queue them,
	// read on the engine's owning goroutine (spec.md §5).
	var owned []api.KeyRange
	d.engine.RunSync(func() {
		for _, entry := range d.engine.Assignment().Ranges() {
			if entry.Value == id {
				owned = append(owned, entry.Range)
			}
		}
	})
	for _, r := range owned {
		w := id
		d.engine.Enqueue(api.RangeAssignment{
			IsAssign:     false,
			Range:        r,
			Worker:       &w,
			RevokeDetail: &api.RevokeDetail{Dispose: false},
		})
		d.engine.Enqueue(api.RangeAssignment{
			IsAssign:     true,
			Range:        r,
			AssignDetail: &api.AssignDetail{Type: api.AssignNormal},
		})
	}

	// Step 4: best-effort halt.
	if client != nil {
		hctx, cancel := context.WithTimeout(ctx, d.cfg.WorkerTimeout)
		_ = client.HaltBlobWorker(hctx, d.epoch, api.NilUID)
		cancel()
	}

	// Step 5: await drainage, then clear the dead marker.
	d.engine.WaitQueueEmpty()
	d.mu.Lock()
	delete(d.dead, id)
	d.mu.Unlock()

	metrics.WorkersKilled.Inc()

	// Step 6: wake the recruiter.
	d.TriggerRecruit()
}

// TriggerRecruit debounces a wakeup of the recruitment loop, per
// spec.md §4.6's restartRecruiting.
func (d *Directory) TriggerRecruit() {
	d.mu.Lock()
	if d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = true
	delay := d.cfg.DebounceRecruitingDelay
	d.mu.Unlock()

	time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		select {
		case d.restartCh <- struct{}{}:
		default:
		}
	})
}

func (d *Directory) excludeSet() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]struct{}, len(d.live)+len(d.recruit))
	for a := range d.live {
		out[a] = struct{}{}
	}
	for a := range d.recruit {
		out[a] = struct{}{}
	}
	return out
}

// RecruitLoop runs the recruitment loop (spec.md §4.6). It blocks until
// ctx is done, or a fatal (non-retryable) recruiter error occurs.
func (d *Directory) RecruitLoop(ctx context.Context) error {
	d.TriggerRecruit()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.restartCh:
		}

		exclude := d.excludeSet()
		cand, err := d.controller.RecruitBlobWorker(ctx, exclude)
		if err != nil {
			if errors.Is(err, api.ErrRecruitmentFailed) || errors.Is(err, api.ErrRequestMaybeDelivered) {
				select {
				case <-time.After(d.cfg.StorageRecruitmentDelay):
					d.TriggerRecruit()
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		d.mu.Lock()
		d.recruit[cand.Address] = struct{}{}
		d.mu.Unlock()

		go d.initialize(ctx, cand)
	}
}

// initialize dials a candidate process and, on success, admits it into
// the directory. There is no separate "initialize" RPC in this design's
// worker transport (spec.md §6 exposes no such call); a successful dial
// stands in for it, and monitoring begins immediately after.
func (d *Directory) initialize(ctx context.Context, cand api.CandidateProcess) {
	defer func() {
		d.mu.Lock()
		delete(d.recruit, cand.Address)
		d.mu.Unlock()
	}()

	w := api.BlobWorker{ID: api.NewUID(), Address: cand.Address, Locality: cand.Locality}
	client, err := d.factory.Dial(w)
	if err != nil {
		logger.Warn("failed to initialize recruited worker", "address", cand.Address, "err", err)
		select {
		case <-time.After(d.cfg.StorageRecruitmentDelay):
			d.TriggerRecruit()
		case <-ctx.Done():
		}
		return
	}

	// Persist the registration so a future recovery (spec.md §4.8 phase 1)
	// can rediscover this worker, fenced on the manager's epoch like every
	// other ownership-affecting write (spec.md §5).
	err = d.store.Transact(ctx, func(ctx context.Context, tx api.Transaction) error {
		raw, err := tx.Get(ctx, api.EpochKey())
		if err != nil {
			return err
		}
		var stored api.Epoch
		if raw != nil {
			if err := api.UnmarshalCBOR(raw, &stored); err != nil {
				return err
			}
			if stored != d.epoch {
				return api.ErrReplaced
			}
		}
		tx.AddReadConflictKey(api.EpochKey())
		tx.Set(api.WorkerListKeyFor(w.ID), api.MarshalCBOR(w))
		return nil
	})
	if err != nil {
		if errors.Is(err, api.ErrReplaced) {
			if d.onReplaced != nil {
				d.onReplaced()
			}
			return
		}
		logger.Warn("failed to persist recruited worker registration", "address", cand.Address, "err", err)
		select {
		case <-time.After(d.cfg.StorageRecruitmentDelay):
			d.TriggerRecruit()
		case <-ctx.Done():
		}
		return
	}

	d.mu.Lock()
	d.workers[w.ID] = w
	d.clients[w.ID] = client
	d.live[w.Address] = struct{}{}
	d.wakeWaiters()
	d.mu.Unlock()

	metrics.WorkersRecruited.Inc()
	d.startMonitoring(ctx, w, client)
}

// Workers returns a snapshot of the currently-live workers.
func (d *Directory) Workers() []api.BlobWorker {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]api.BlobWorker, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	return out
}

// IsLive reports whether id is currently a live, non-dead worker.
func (d *Directory) IsLive(id api.UID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, dead := d.dead[id]
	_, live := d.workers[id]
	return live && !dead
}
