package gc

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

type memTx struct {
	mu   *sync.Mutex
	data map[string][]byte
}

func (t *memTx) Get(ctx context.Context, key api.Key) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[string(key)], nil
}
func (t *memTx) GetRange(ctx context.Context, begin, end api.Key) ([]api.KeyValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []api.KeyValue
	for k, v := range t.data {
		kb := api.Key(k)
		if kb.Compare(begin) >= 0 && kb.Compare(end) < 0 {
			out = append(out, api.KeyValue{Key: kb, Value: v})
		}
	}
	return out, nil
}
func (t *memTx) Set(key api.Key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[string(key)] = value
}
func (t *memTx) Clear(key api.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.data, string(key))
}
func (t *memTx) ClearRange(begin, end api.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.data {
		kb := api.Key(k)
		if kb.Compare(begin) >= 0 && kb.Compare(end) < 0 {
			delete(t.data, k)
		}
	}
}
func (t *memTx) AddReadConflictKey(key api.Key) {}
func (t *memTx) SetVersionstamped(key api.Key, value []byte) api.VersionstampFuture {
	t.Set(key, value)
	return nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Transact(ctx context.Context, fn func(ctx context.Context, tx api.Transaction) error) error {
	return fn(ctx, &memTx{mu: &s.mu, data: s.data})
}
func (s *memStore) Watch(ctx context.Context, key api.Key) error { <-ctx.Done(); return ctx.Err() }
func (s *memStore) EstimateRangeSizeBytes(ctx context.Context, r api.KeyRange) (int64, error) {
	return 0, nil
}
func (s *memStore) SplitRangeMetrics(ctx context.Context, r api.KeyRange, targetBytes int64, writeHot bool, bytesPerKSec int64) ([]api.Key, error) {
	return nil, nil
}

type fakeObjStore struct {
	mu      sync.Mutex
	deleted []string
}

func (o *fakeObjStore) DeleteFile(ctx context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, path)
	return nil
}

func universe() api.KeyRange { return api.NewKeyRange(api.Key(""), api.Key{0xff}) }

type stubPool struct{ worker api.UID }

func (p *stubPool) LeastLoaded() (api.UID, bool)              { return p.worker, true }
func (p *stubPool) WaitForWorkers(ctx context.Context) error  { return nil }
func (p *stubPool) IncrementGranules(api.UID)                 {}
func (p *stubPool) DecrementGranules(api.UID)                 {}
func (p *stubPool) Client(w api.UID) (api.WorkerClient, bool) { return nil, false }

func newTestEngine(owner api.UID, r api.KeyRange) *assignment.Engine {
	m := rangemap.New(universe(), api.NilUID)
	m.Insert(r, owner)
	pool := &stubPool{worker: owner}
	return assignment.New(assignment.Config{Normal: universe(), Assignment: m, Pool: pool, Epoch: 1})
}

// TestSweepFullyDeletesSupersededAncestor builds a two-generation lineage:
// a parent granule that was split at version 20 (superseded by the still-
// active child), and prunes at version 25 - past the parent's entire
// lifetime, so the parent qualifies for a full delete while the still-live
// child only ever sees the (no-op here) partial-delete path.
func TestSweepFullyDeletesSupersededAncestor(t *testing.T) {
	store := newMemStore()
	objStore := &fakeObjStore{}
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	owner := api.NewUID()

	childID := api.NewUID()
	parentID := api.NewUID()

	childHist := api.HistoryEntry{
		Range:      r,
		EndVersion: 20,
		GranuleID:  childID,
		Parents:    []api.AncestorRef{{Range: r, StartVersion: 5}},
	}
	store.data[string(api.HistoryKeyFor(r, 20))] = api.MarshalCBOR(childHist)

	parentHist := api.HistoryEntry{Range: r, EndVersion: 5, GranuleID: parentID}
	store.data[string(api.HistoryKeyFor(r, 5))] = api.MarshalCBOR(parentHist)

	parentFiles := api.GranuleFiles{
		Snapshots: []api.SnapshotFile{{Version: 3, Path: "parent-snap-3"}},
		Deltas:    []api.DeltaFile{{Version: 4, Path: "parent-delta-4"}},
	}
	begin, _ := api.GranuleFileKeyRangeFor(parentID)
	store.data[string(begin)] = api.MarshalCBOR(parentFiles)

	intent := api.PruneIntent{Range: r, PruneVersion: 25}
	store.data[string(api.PruneKeyFor(r))] = api.MarshalCBOR(intent)

	engine := newTestEngine(owner, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	engine.WaitQueueEmpty()

	g := New(store, objStore, engine, universe())
	require.NoError(t, g.Sweep(ctx))

	require.ElementsMatch(t, []string{"parent-snap-3", "parent-delta-4"}, objStore.deleted)
	_, ok := store.data[string(api.HistoryKeyFor(r, 5))]
	require.False(t, ok, "the fully superseded parent's history entry should be cleared")
	_, ok = store.data[string(api.HistoryKeyFor(r, 20))]
	require.True(t, ok, "the still-active child's history entry must survive")
	_, ok = store.data[string(api.PruneKeyFor(r))]
	require.False(t, ok, "prune intent should be cleared once processed")
}

func TestSweepPartialDeleteKeepsYoungestSnapshot(t *testing.T) {
	store := newMemStore()
	objStore := &fakeObjStore{}
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	owner := api.NewUID()
	granuleID := api.NewUID()

	// The active granule itself started well before the prune horizon, so
	// its own older files are partial-delete candidates.
	hist := api.HistoryEntry{Range: r, EndVersion: 1, GranuleID: granuleID}
	store.data[string(api.HistoryKeyFor(r, 1))] = api.MarshalCBOR(hist)

	files := api.GranuleFiles{
		Snapshots: []api.SnapshotFile{
			{Version: 5, Path: "snap-5"},
			{Version: 15, Path: "snap-15"},
		},
		Deltas: []api.DeltaFile{
			{Version: 8, Path: "delta-8"},
			{Version: 18, Path: "delta-18"},
		},
	}
	begin, _ := api.GranuleFileKeyRangeFor(granuleID)
	store.data[string(begin)] = api.MarshalCBOR(files)

	intent := api.PruneIntent{Range: r, PruneVersion: 20}
	store.data[string(api.PruneKeyFor(r))] = api.MarshalCBOR(intent)

	engine := newTestEngine(owner, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	engine.WaitQueueEmpty()

	g := New(store, objStore, engine, universe())
	require.NoError(t, g.Sweep(ctx))

	require.ElementsMatch(t, []string{"snap-5", "delta-8"}, objStore.deleted)

	raw := store.data[string(begin)]
	var remaining api.GranuleFiles
	require.NoError(t, api.UnmarshalCBOR(raw, &remaining))
	require.Len(t, remaining.Snapshots, 1)
	require.Equal(t, "snap-15", remaining.Snapshots[0].Path)
	require.Len(t, remaining.Deltas, 1)
	require.Equal(t, "delta-18", remaining.Deltas[0].Path)
}

func TestForcePruneWritesForcedIntent(t *testing.T) {
	store := newMemStore()
	objStore := &fakeObjStore{}
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	owner := api.NewUID()

	engine := newTestEngine(owner, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	engine.WaitQueueEmpty()

	g := New(store, objStore, engine, universe())
	require.NoError(t, g.ForcePrune(ctx, r))

	raw, ok := store.data[string(api.PruneKeyFor(r))]
	require.True(t, ok)
	var intent api.PruneIntent
	require.NoError(t, api.UnmarshalCBOR(raw, &intent))
	require.True(t, intent.Force)
	require.Equal(t, r, intent.Range)
}

func TestSweepSkipsMisalignedActiveGranule(t *testing.T) {
	store := newMemStore()
	objStore := &fakeObjStore{}
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	owner := api.NewUID()

	pruneRange := api.NewKeyRange(api.Key("c"), api.Key("z")) // overlaps but isn't fully contained in r
	intent := api.PruneIntent{Range: pruneRange, PruneVersion: 100}
	store.data[string(api.PruneKeyFor(pruneRange))] = api.MarshalCBOR(intent)

	engine := newTestEngine(owner, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	engine.WaitQueueEmpty()

	g := New(store, objStore, engine, universe())
	require.NoError(t, g.Sweep(ctx))

	require.Empty(t, objStore.deleted)
}
