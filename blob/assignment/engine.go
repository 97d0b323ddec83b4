// Package assignment implements the assignment engine (spec.md §4.4): a
// single-consumer queue of assign/revoke decisions, seq-stamped and
// dispatched to blob workers, with per-request error handling and a
// least-loaded worker placement policy.
package assignment

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/metrics"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
	"github.com/oasisprotocol/blobmanager/blob/seqno"
)

var logger = logging.GetLogger("blobmanager/assignment")

// Engine owns the WorkerAssignment map and the single logical worker that
// serializes assign/revoke decisions (spec.md §4.4, §5). All in-memory
// mutation happens on Run's goroutine; Enqueue, RunSync, QueueDepth and
// WaitQueueEmpty are the methods safe to call from elsewhere.
type Engine struct {
	normal     api.KeyRange
	assignment *rangemap.Map[api.UID]
	pool       WorkerPool
	epoch      api.Epoch
	seq        *seqno.Sequencer

	queue *unboundedQueue

	onReplaced func()
	onConflict func()
	onFatal    func(error)

	// inProgress tracks outstanding cancellable assign dispatches keyed
	// by exact range, so a revoke can cancel a stale in-flight assign
	// (spec.md §9's "range-keyed futures" note). Only ever touched from
	// Run's goroutine.
	inProgress map[string]context.CancelFunc

	assignResultCh chan assignResult
	revokeResultCh chan revokeResult
	syncCh         chan syncReq

	rnd *rand.Rand
}

// syncReq lets other goroutines run a closure on Run's goroutine, the
// only place the assignment map is safe to read or mutate directly
// (spec.md §5). Modeled on the actor pattern the store itself is built
// on: work submitted to, and drained from, a single owning loop.
type syncReq struct {
	fn   func()
	done chan struct{}
}

// Config bundles the callbacks the engine needs from its owner.
type Config struct {
	Normal     api.KeyRange
	Assignment *rangemap.Map[api.UID] // pre-populated WorkerAssignment, e.g. from recovery
	Pool       WorkerPool
	Epoch      api.Epoch
	// Seq is the manager-wide sequence counter, shared with the split
	// executor (spec.md §3). A fresh Sequencer
	// is created if nil.
	Seq *seqno.Sequencer
	// OnReplaced fires the one-shot "I am replaced" signal (spec.md §7).
	OnReplaced func()
	// OnConflict triggers the lock-check task (spec.md §7).
	OnConflict func()
	// OnFatal reports an internal invariant violation; the orchestrator
	// tears down the manager on this (spec.md §5).
	OnFatal func(error)
	// Rand, if non-nil, is the source of pseudo-randomness for
	// least-loaded tie-breaking (spec.md §9: deterministic under
	// fault-injection, uniform in production).
	Rand *rand.Rand
}

// New creates an assignment engine. Call Run to start processing.
func New(cfg Config) *Engine {
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	seq := cfg.Seq
	if seq == nil {
		seq = &seqno.Sequencer{}
	}
	return &Engine{
		normal:         cfg.Normal,
		assignment:     cfg.Assignment,
		pool:           cfg.Pool,
		epoch:          cfg.Epoch,
		seq:            seq,
		queue:          newUnboundedQueue(),
		onReplaced:     cfg.OnReplaced,
		onConflict:     cfg.OnConflict,
		onFatal:        cfg.OnFatal,
		inProgress:     make(map[string]context.CancelFunc),
		assignResultCh: make(chan assignResult, 64),
		revokeResultCh: make(chan revokeResult, 64),
		syncCh:         make(chan syncReq),
		rnd:            r,
	}
}

// RunSync executes fn on Run's goroutine and blocks until it returns.
// Callers use this to read or mutate the assignment map safely from
// outside (e.g. killBlobWorker's range snapshot, spec.md §4.6 step 3).
// Must not be called after ctx passed to Run is done.
func (e *Engine) RunSync(fn func()) {
	req := syncReq{fn: fn, done: make(chan struct{})}
	e.syncCh <- req
	<-req.done
}

// SetPool wires the worker pool after construction, breaking the
// construction cycle between the engine and blob/worker.Directory (the
// directory's Config takes the engine it will later be installed into as
// that engine's pool). Must be called before Run starts processing
// assigns.
func (e *Engine) SetPool(pool WorkerPool) {
	e.pool = pool
}

// Assignment exposes the live WorkerAssignment map for read access by
// other components (status consumer, recovery).
func (e *Engine) Assignment() *rangemap.Map[api.UID] {
	return e.assignment
}

// QueueDepth reports the current queue length, for metrics/tests.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// WaitQueueEmpty blocks until the queue has drained (spec.md §4.6 step 5).
func (e *Engine) WaitQueueEmpty() {
	e.queue.WaitEmpty()
}

// Enqueue adds an item to the assignment queue. Safe to call from any
// goroutine (spec.md §5).
func (e *Engine) Enqueue(item api.RangeAssignment) {
	e.queue.Push(item)
	metrics.AssignQueueDepth.Set(float64(e.queue.Len()))
}

type assignResult struct {
	r      api.KeyRange
	worker api.UID
	epoch  api.Epoch
	seq    api.Seq
	kind   api.AssignType
	err    error
}

type revokeResult struct {
	r       api.KeyRange
	worker  api.UID
	epoch   api.Epoch
	seq     api.Seq
	dispose bool
	err     error
}

// Run processes the queue until ctx is done or a fatal error occurs. It
// is the assignment engine's single consumer (spec.md §4.4, §5).
func (e *Engine) Run(ctx context.Context) error {
	itemsCh := make(chan api.RangeAssignment)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			item, ok := e.queue.Pop()
			if !ok {
				return
			}
			select {
			case itemsCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		e.queue.Close()
		<-pumpDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-itemsCh:
			metrics.AssignQueueDepth.Set(float64(e.queue.Len()))
			seq := e.nextSeq()
			if item.IsAssign {
				e.handleAssign(ctx, item, seq)
			} else {
				e.handleRevoke(ctx, item, seq)
			}
		case res := <-e.assignResultCh:
			e.handleAssignResult(ctx, res)
		case res := <-e.revokeResultCh:
			e.handleRevokeResult(ctx, res)
		case req := <-e.syncCh:
			req.fn()
			close(req.done)
		}
	}
}

func (e *Engine) nextSeq() api.Seq {
	return e.seq.Next()
}

// Seq exposes the shared sequencer, so other components stamping actions
// against the same manager epoch (the split executor) draw from the same
// monotone counter (spec.md §3).
func (e *Engine) Seq() *seqno.Sequencer {
	return e.seq
}

func (e *Engine) handleAssign(ctx context.Context, item api.RangeAssignment, seq api.Seq) {
	intersecting := e.assignment.Intersecting(item.Range)
	if len(intersecting) != 1 {
		e.fatal(fmt.Errorf("assignment engine: assign range %s crosses %d existing assignments", item.Range, len(intersecting)))
		return
	}
	cur := intersecting[0]

	isContinue := item.AssignDetail != nil && item.AssignDetail.Type == api.AssignContinue
	if isContinue {
		pinned := api.NilUID
		if item.Worker != nil {
			pinned = *item.Worker
		}
		if !cur.Range.Equal(item.Range) || cur.Value != pinned {
			// The assignment changed while an external process
			// (typically a split evaluation) was in flight; skip
			// silently (spec.md §4.4).
			logger.Debug("skipping stale continue assign", "range", item.Range.String())
			return
		}
	}

	var (
		worker api.UID
		kind   = api.AssignNormal
	)
	if item.AssignDetail != nil {
		kind = item.AssignDetail.Type
	}

	if item.Worker != nil {
		worker = *item.Worker
	} else {
		w, ok := e.pool.LeastLoaded()
		if !ok {
			// No worker is currently alive. Blocking here on
			// pool.WaitForWorkers would stall Run's single select loop —
			// including its syncCh case — for as long as the cluster has
			// zero live workers, deadlocking any concurrent RunSync
			// caller (killBlobWorker's range snapshot, the chaos range
			// mover). Wait off Run's goroutine instead and re-enqueue the
			// item once a worker appears, so Run keeps servicing syncCh
			// and the result channels in the meantime.
			go func() {
				if err := e.pool.WaitForWorkers(ctx); err != nil {
					return
				}
				e.Enqueue(item)
			}()
			return
		}
		worker = w
	}

	e.assignment.Insert(item.Range, worker)
	if kind != api.AssignContinue {
		e.pool.IncrementGranules(worker)
	}
	e.dispatchAssign(ctx, item.Range, worker, seq, kind)
}

func (e *Engine) dispatchAssign(ctx context.Context, r api.KeyRange, worker api.UID, seq api.Seq, kind api.AssignType) {
	client, ok := e.pool.Client(worker)
	if !ok {
		e.assignResultCh <- assignResult{r: r, worker: worker, epoch: e.epoch, seq: seq, kind: kind, err: api.ErrConnectionFailed}
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	e.inProgress[r.String()] = cancel

	go func() {
		_, err := client.AssignBlobRange(reqCtx, r, e.epoch, seq, kind)
		select {
		case e.assignResultCh <- assignResult{r: r, worker: worker, epoch: e.epoch, seq: seq, kind: kind, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleAssignResult(ctx context.Context, res assignResult) {
	if cancel, ok := e.inProgress[res.r.String()]; ok {
		cancel()
		delete(e.inProgress, res.r.String())
	}

	switch {
	case res.err == nil:
		return
	case res.err == api.ErrReplaced:
		if e.onReplaced != nil {
			e.onReplaced()
		}
	case res.err == api.ErrAssignmentConflict:
		if e.onConflict != nil {
			e.onConflict()
		}
	default:
		// Any other error: enqueue a revoke of the same range to the
		// attempted worker to avoid stranded state, then re-enqueue the
		// original assign with the worker hint cleared (spec.md §4.4).
		w := res.worker
		e.Enqueue(api.RangeAssignment{
			IsAssign:     false,
			Range:        res.r,
			Worker:       &w,
			RevokeDetail: &api.RevokeDetail{Dispose: false},
		})
		e.Enqueue(api.RangeAssignment{
			IsAssign:     true,
			Range:        res.r,
			AssignDetail: &api.AssignDetail{Type: api.AssignNormal},
		})
	}
}

func (e *Engine) handleRevoke(ctx context.Context, item api.RangeAssignment, seq api.Seq) {
	dispose := item.RevokeDetail != nil && item.RevokeDetail.Dispose

	if item.Worker != nil {
		w := *item.Worker
		e.pool.DecrementGranules(w)
		e.cancelInProgress(item.Range)
		e.dispatchRevoke(ctx, item.Range, w, seq, dispose)
		return
	}

	for _, entry := range e.assignment.Intersecting(item.Range) {
		if entry.Value.IsNil() {
			continue
		}
		e.pool.DecrementGranules(entry.Value)
		e.cancelInProgress(entry.Range)
		e.dispatchRevoke(ctx, entry.Range, entry.Value, seq, dispose)
	}
	e.assignment.Insert(item.Range, api.NilUID)
}

func (e *Engine) cancelInProgress(r api.KeyRange) {
	if cancel, ok := e.inProgress[r.String()]; ok {
		cancel()
		delete(e.inProgress, r.String())
	}
}

func (e *Engine) dispatchRevoke(ctx context.Context, r api.KeyRange, worker api.UID, seq api.Seq, dispose bool) {
	client, ok := e.pool.Client(worker)
	if !ok {
		// Worker is already gone; nothing to do (best-effort revoke).
		return
	}

	go func() {
		err := client.RevokeBlobRange(ctx, r, e.epoch, seq, dispose)
		select {
		case e.revokeResultCh <- revokeResult{r: r, worker: worker, epoch: e.epoch, seq: seq, dispose: dispose, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) handleRevokeResult(ctx context.Context, res revokeResult) {
	if res.err == nil {
		return
	}
	if res.err == api.ErrReplaced {
		if e.onReplaced != nil {
			e.onReplaced()
		}
		return
	}
	// Any other error on a revoke: re-enqueue unchanged if dispose was
	// requested, otherwise drop it — the goal was best-effort
	// (spec.md §4.4).
	if res.dispose {
		e.Enqueue(api.RangeAssignment{
			IsAssign: false,
			Range:    res.r,
			Worker:   &res.worker,
			RevokeDetail: &api.RevokeDetail{
				Dispose: true,
			},
		})
	}
}

func (e *Engine) fatal(err error) {
	logger.Error("assignment engine invariant violation", "err", err)
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// PickLeastLoaded implements the per-worker least-loaded tie-break
// (spec.md §4.4): workers with strictly fewer assigned granules replace
// the candidate list; equal workers append; one is chosen uniformly at
// random. Exposed standalone for use by blob/worker's directory, which
// owns the actual load counters.
func PickLeastLoaded(rnd *rand.Rand, workers []api.UID, load func(api.UID) int) (api.UID, bool) {
	if len(workers) == 0 {
		return api.NilUID, false
	}
	best := load(workers[0])
	candidates := []api.UID{workers[0]}
	for _, w := range workers[1:] {
		l := load(w)
		switch {
		case l < best:
			best = l
			candidates = candidates[:0]
			candidates = append(candidates, w)
		case l == best:
			candidates = append(candidates, w)
		}
	}
	return candidates[rnd.Intn(len(candidates))], true
}
