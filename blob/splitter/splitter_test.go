package splitter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/config"
)

type fakeStore struct {
	api.Store
	size       int64
	boundaries []api.Key
}

func (f *fakeStore) EstimateRangeSizeBytes(ctx context.Context, r api.KeyRange) (int64, error) {
	return f.size, nil
}

func (f *fakeStore) SplitRangeMetrics(ctx context.Context, r api.KeyRange, targetBytes int64, writeHot bool, bytesPerKSec int64) ([]api.Key, error) {
	return f.boundaries, nil
}

func kr(b, e string) api.KeyRange { return api.NewKeyRange(api.Key(b), api.Key(e)) }

func TestSplitBelowTargetNotWriteHotReturnsNoSplit(t *testing.T) {
	cfg := config.Default()
	store := &fakeStore{size: cfg.SnapshotFileTargetBytes - 1}
	s := New(store, cfg)

	got, err := s.Split(context.Background(), kr("a", "z"), false)
	require.NoError(t, err)
	require.Equal(t, []api.Key{api.Key("a"), api.Key("z")}, got)
}

func TestSplitReturnsStoreBoundaries(t *testing.T) {
	cfg := config.Default()
	store := &fakeStore{
		size:       cfg.SnapshotFileTargetBytes + 1,
		boundaries: []api.Key{api.Key("f"), api.Key("m")},
	}
	s := New(store, cfg)

	got, err := s.Split(context.Background(), kr("a", "z"), false)
	require.NoError(t, err)
	require.Equal(t, []api.Key{api.Key("a"), api.Key("f"), api.Key("m"), api.Key("z")}, got)
}

func TestSplitFewerThanTwoBoundariesReturnsSingleSegment(t *testing.T) {
	cfg := config.Default()
	store := &fakeStore{
		size:       cfg.SnapshotFileTargetBytes + 1,
		boundaries: []api.Key{api.Key("m")},
	}
	s := New(store, cfg)

	got, err := s.Split(context.Background(), kr("a", "z"), false)
	require.NoError(t, err)
	require.Equal(t, []api.Key{api.Key("a"), api.Key("z")}, got)
}

func TestSplitFanoutCapDownsamples(t *testing.T) {
	cfg := config.Default()
	cfg.MaxFanout = 3

	var bs []api.Key
	for _, k := range []string{"b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		bs = append(bs, api.Key(k))
	}
	store := &fakeStore{size: cfg.SnapshotFileTargetBytes + 1, boundaries: bs}
	s := New(store, cfg)

	got, err := s.Split(context.Background(), kr("a", "z"), false)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got)-1, cfg.MaxFanout)
	require.Equal(t, api.Key("a"), got[0])
	require.Equal(t, api.Key("z"), got[len(got)-1])
}

func TestDownsamplePreservesEndpoints(t *testing.T) {
	bs := []api.Key{api.Key("a"), api.Key("b"), api.Key("c"), api.Key("d"), api.Key("e"), api.Key("f"), api.Key("g")}
	got := Downsample(bs, 4)
	require.Len(t, got, 4)
	require.Equal(t, api.Key("a"), got[0])
	require.Equal(t, api.Key("g"), got[len(got)-1])
}
