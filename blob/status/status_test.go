package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

type fakeStream struct {
	reports chan api.WorkerStatusReport
	errs    chan error
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{reports: make(chan api.WorkerStatusReport, 8), errs: make(chan error, 1)}
}

func (s *fakeStream) Recv(ctx context.Context) (api.WorkerStatusReport, error) {
	select {
	case r := <-s.reports:
		return r, nil
	case err := <-s.errs:
		return api.WorkerStatusReport{}, err
	case <-ctx.Done():
		return api.WorkerStatusReport{}, ctx.Err()
	}
}

func (s *fakeStream) Close() { s.closed = true }

type fakeStatusClient struct {
	api.WorkerClient
	stream *fakeStream
}

func (c *fakeStatusClient) GranuleStatusStream(ctx context.Context, epoch api.Epoch) (api.StatusStream, error) {
	return c.stream, nil
}

func universeMap(worker api.UID, r api.KeyRange) *rangemap.Map[api.UID] {
	m := rangemap.New(api.NewKeyRange(api.Key(""), api.Key{0xff}), api.NilUID)
	m.Insert(r, worker)
	return m
}

func TestWatcherSplitsOnFreshDoSplitReport(t *testing.T) {
	worker := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	m := universeMap(worker, r)

	stream := newFakeStream()
	client := &fakeStatusClient{stream: stream}

	splits := make(chan SplitRequest, 4)
	w := New(worker, client, 1, m, nil, func(req SplitRequest) { splits <- req })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	stream.reports <- api.WorkerStatusReport{
		GranuleID: api.NewUID(), Range: r, Epoch: 1, Seq: 1,
		StartVersion: 1, LatestVersion: 2, DoSplit: true,
	}
	// Duplicate: same (range, epoch, seq), must not re-fire.
	stream.reports <- api.WorkerStatusReport{
		GranuleID: api.NewUID(), Range: r, Epoch: 1, Seq: 1,
		StartVersion: 1, LatestVersion: 2, DoSplit: true,
	}

	select {
	case req := <-splits:
		require.Equal(t, worker, req.Worker)
		require.True(t, req.Range.Equal(r))
	case <-time.After(time.Second):
		t.Fatal("expected a split request")
	}

	select {
	case <-splits:
		t.Fatal("duplicate report must not re-fire onSplit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherIgnoresMismatchedOwner(t *testing.T) {
	worker := api.NewUID()
	other := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	m := universeMap(other, r) // owned by a different worker now

	stream := newFakeStream()
	client := &fakeStatusClient{stream: stream}
	splits := make(chan SplitRequest, 1)
	w := New(worker, client, 1, m, nil, func(req SplitRequest) { splits <- req })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	stream.reports <- api.WorkerStatusReport{Range: r, Epoch: 1, Seq: 1, DoSplit: true}

	select {
	case <-splits:
		t.Fatal("must not act on a report from a non-owning worker")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherPublishesReplacedOnHigherEpoch(t *testing.T) {
	worker := api.NewUID()
	r := api.NewKeyRange(api.Key("a"), api.Key("m"))
	m := universeMap(worker, r)

	stream := newFakeStream()
	client := &fakeStatusClient{stream: stream}

	replaced := make(chan struct{}, 1)
	w := New(worker, client, 1, m, func() { replaced <- struct{}{} }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	stream.reports <- api.WorkerStatusReport{Range: r, Epoch: 2, Seq: 1}

	select {
	case <-replaced:
	case <-time.After(time.Second):
		t.Fatal("expected onReplaced to fire")
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after replacement")
	}
}
