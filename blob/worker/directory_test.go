package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/assignment"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

type memTx struct {
	store *memStore
}

func (t *memTx) Get(ctx context.Context, key api.Key) ([]byte, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.data[string(key)], nil
}
func (t *memTx) GetRange(ctx context.Context, begin, end api.Key) ([]api.KeyValue, error) {
	return nil, nil
}
func (t *memTx) Set(key api.Key, value []byte) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.data[string(key)] = value
}
func (t *memTx) Clear(key api.Key) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.data, string(key))
}
func (t *memTx) ClearRange(begin, end api.Key) {}
func (t *memTx) AddReadConflictKey(key api.Key) {}
func (t *memTx) SetVersionstamped(key api.Key, value []byte) api.VersionstampFuture {
	return nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Transact(ctx context.Context, fn func(ctx context.Context, tx api.Transaction) error) error {
	return fn(ctx, &memTx{store: s})
}
func (s *memStore) Watch(ctx context.Context, key api.Key) error { <-ctx.Done(); return ctx.Err() }
func (s *memStore) EstimateRangeSizeBytes(ctx context.Context, r api.KeyRange) (int64, error) {
	return 0, nil
}
func (s *memStore) SplitRangeMetrics(ctx context.Context, r api.KeyRange, targetBytes int64, writeHot bool, bytesPerKSec int64) ([]api.Key, error) {
	return nil, nil
}

type fakeWClient struct {
	haltCalled  chan struct{}
	failureCh   chan error
	streamCalls int
}

func newFakeWClient() *fakeWClient {
	return &fakeWClient{haltCalled: make(chan struct{}, 1), failureCh: make(chan error, 1)}
}

func (c *fakeWClient) AssignBlobRange(ctx context.Context, r api.KeyRange, epoch api.Epoch, seq api.Seq, kind api.AssignType) (api.AssignAck, error) {
	return api.AssignAck{}, nil
}
func (c *fakeWClient) RevokeBlobRange(ctx context.Context, r api.KeyRange, epoch api.Epoch, seq api.Seq, dispose bool) error {
	return nil
}
func (c *fakeWClient) GranuleStatusStream(ctx context.Context, epoch api.Epoch) (api.StatusStream, error) {
	return &blockingStream{}, nil
}
func (c *fakeWClient) GranuleAssignments(ctx context.Context, epoch api.Epoch) ([]api.GranuleOwnership, error) {
	return nil, nil
}
func (c *fakeWClient) HaltBlobWorker(ctx context.Context, epoch api.Epoch, managerID api.UID) error {
	select {
	case c.haltCalled <- struct{}{}:
	default:
	}
	return nil
}
func (c *fakeWClient) WaitFailure(ctx context.Context) error {
	select {
	case err := <-c.failureCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type blockingStream struct{}

func (s *blockingStream) Recv(ctx context.Context) (api.WorkerStatusReport, error) {
	<-ctx.Done()
	return api.WorkerStatusReport{}, ctx.Err()
}
func (s *blockingStream) Close() {}

type fakeFactory struct{ client api.WorkerClient }

func (f *fakeFactory) Dial(w api.BlobWorker) (api.WorkerClient, error) { return f.client, nil }

func newDirectory(t *testing.T, engine *assignment.Engine) (*Directory, *fakeWClient) {
	client := newFakeWClient()
	d := New(Config{
		Factory: &fakeFactory{client: client},
		Store:   newMemStore(),
		Engine:  engine,
		Epoch:   1,
		Cfg:     config.Default(),
	})
	return d, client
}

func testUniverse() api.KeyRange {
	return api.NewKeyRange(api.Key(""), api.Key{0xff})
}

func TestDirectoryLeastLoadedAndWaitForWorkers(t *testing.T) {
	m := rangemap.New(testUniverse(), api.NilUID)
	e := assignment.New(assignment.Config{Normal: testUniverse(), Assignment: m, Epoch: 1})
	d, client := newDirectory(t, e)
	_ = client

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := d.WaitForWorkers(ctx)
	require.Error(t, err)

	w := api.BlobWorker{ID: api.NewUID(), Address: "1.2.3.4:1"}
	d.AddExisting(context.Background(), w, client)

	got, ok := d.LeastLoaded()
	require.True(t, ok)
	require.Equal(t, w.ID, got)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, d.WaitForWorkers(ctx2))
}

func TestKillBlobWorkerRequeuesOwnedRanges(t *testing.T) {
	worker := api.NewUID()
	m := rangemap.New(testUniverse(), api.NilUID)
	m.Insert(api.NewKeyRange(api.Key("a"), api.Key("z")), worker)

	// The re-assign after revoke needs a worker to pick, so wire another
	// live worker into the pool.
	other := api.NewUID()
	pool := &poolStub{workers: []api.UID{other}, clients: map[api.UID]api.WorkerClient{other: newFakeWClient()}}
	e := assignment.New(assignment.Config{Normal: testUniverse(), Assignment: m, Epoch: 1, Pool: pool})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	d, _ := newDirectory(t, e)
	d.killBlobWorker(context.Background(), worker, false)

	require.Eventually(t, func() bool {
		entries := m.Intersecting(api.NewKeyRange(api.Key("a"), api.Key("z")))
		return len(entries) == 1 && entries[0].Value == other
	}, time.Second, 5*time.Millisecond)
}

type poolStub struct {
	workers []api.UID
	clients map[api.UID]api.WorkerClient
}

func (p *poolStub) LeastLoaded() (api.UID, bool) {
	if len(p.workers) == 0 {
		return api.NilUID, false
	}
	return p.workers[0], true
}
func (p *poolStub) WaitForWorkers(ctx context.Context) error { return nil }
func (p *poolStub) IncrementGranules(api.UID)                {}
func (p *poolStub) DecrementGranules(api.UID)                {}
func (p *poolStub) Client(w api.UID) (api.WorkerClient, bool) {
	c, ok := p.clients[w]
	return c, ok
}
