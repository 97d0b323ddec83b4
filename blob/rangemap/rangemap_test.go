package rangemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/blobmanager/blob/api"
)

func kr(begin, end string) api.KeyRange {
	return api.NewKeyRange(api.Key(begin), api.Key(end))
}

func TestNewTilesUniverse(t *testing.T) {
	m := New(kr("a", "z"), false)
	require.Equal(t, 1, m.Len())
	require.Equal(t, []Entry[bool]{{Range: kr("a", "z"), Value: false}}, m.Ranges())
}

func TestInsertSplitsAndOverwrites(t *testing.T) {
	m := New(kr("a", "z"), false)
	m.Insert(kr("f", "m"), true)

	require.Equal(t, []Entry[bool]{
		{Range: kr("a", "f"), Value: false},
		{Range: kr("f", "m"), Value: true},
		{Range: kr("m", "z"), Value: false},
	}, m.Ranges())

	// Overlapping insert re-splits the neighbors again.
	m.Insert(kr("h", "p"), true)
	require.Equal(t, []Entry[bool]{
		{Range: kr("a", "f"), Value: false},
		{Range: kr("f", "h"), Value: true},
		{Range: kr("h", "p"), Value: true},
		{Range: kr("p", "z"), Value: false},
	}, m.Ranges())
}

func TestIntersectingClips(t *testing.T) {
	m := New(kr("a", "z"), false)
	m.Insert(kr("f", "m"), true)

	got := m.Intersecting(kr("c", "h"))
	require.Equal(t, []Entry[bool]{
		{Range: kr("c", "f"), Value: false},
		{Range: kr("f", "h"), Value: true},
	}, got)
}

func TestContaining(t *testing.T) {
	m := New(kr("a", "z"), false)
	m.Insert(kr("f", "m"), true)

	require.Equal(t, Entry[bool]{Range: kr("f", "m"), Value: true}, m.Containing(api.Key("j")))
	require.Equal(t, Entry[bool]{Range: kr("a", "f"), Value: false}, m.Containing(api.Key("a")))
}

func TestCoalesceMergesEqualNeighbors(t *testing.T) {
	m := New(kr("a", "z"), false)
	m.Insert(kr("f", "h"), true)
	m.Insert(kr("h", "m"), true)
	require.Equal(t, 4, m.Len())

	m.Coalesce(kr("a", "z"))
	require.Equal(t, []Entry[bool]{
		{Range: kr("a", "f"), Value: false},
		{Range: kr("f", "m"), Value: true},
		{Range: kr("m", "z"), Value: false},
	}, m.Ranges())
}
