// Package rangemap implements a generic data structure mapping disjoint
// half-open key ranges to values (spec.md §4.1). It is the substrate every
// other blob-manager component builds its in-memory state on:
// WorkerAssignment, KnownBlobRange, and the recovery coordinator's
// inProgressSplits map are all a Map[V] for different V.
//
// The operation semantics (insert overwrites/splits overlapping ranges,
// intersecting yields clipped overlaps, coalesce merges equal neighbors)
// are grounded on handleClientBlobRange/updateClientBlobRanges in
// FoundationDB's BlobManager.actor.cpp, which the original implements over
// a KeyRangeMap<V>. This port backs the same operations with a
// google/btree ordered tree for O(log n) insert/intersect, per spec.md's
// complexity requirement.
package rangemap

import (
	"github.com/google/btree"

	"github.com/oasisprotocol/blobmanager/blob/api"
)

const btreeDegree = 32

// Entry is one (range, value) pair, as returned by Intersecting and
// Ranges.
type Entry[V comparable] struct {
	Range api.KeyRange
	Value V
}

// Map is a range-interval map over half-open key ranges. The zero value is
// not usable; construct with New. Not safe for concurrent use, matching
// spec.md §5: all in-memory state is owned by one cooperative-scheduling
// goroutine.
type Map[V comparable] struct {
	tree     *btree.BTree
	universe api.KeyRange
}

type item[V comparable] struct {
	r api.KeyRange
	v V
}

func (i *item[V]) Less(than btree.Item) bool {
	return i.r.Begin.Compare(than.(*item[V]).r.Begin) < 0
}

// New creates a Map whose entire universe initially maps to defaultValue
// (spec.md §4.1: "a default value is supplied at construction").
func New[V comparable](universe api.KeyRange, defaultValue V) *Map[V] {
	m := &Map[V]{
		tree:     btree.New(btreeDegree),
		universe: universe,
	}
	m.tree.ReplaceOrInsert(&item[V]{r: universe, v: defaultValue})
	return m
}

// Universe returns the fixed range this map tiles.
func (m *Map[V]) Universe() api.KeyRange {
	return m.universe
}

// overlapping returns every stored item intersecting r, in range order.
func (m *Map[V]) overlapping(r api.KeyRange) []*item[V] {
	var out []*item[V]

	// Start scanning at the entry immediately at-or-before r.Begin: an
	// entry can begin before r.Begin and still overlap it.
	var startProbe *item[V]
	m.tree.DescendLessOrEqual(&item[V]{r: api.KeyRange{Begin: r.Begin}}, func(i btree.Item) bool {
		startProbe = i.(*item[V])
		return false
	})

	visit := func(i btree.Item) bool {
		it := i.(*item[V])
		if it.r.Begin.Compare(r.End) >= 0 {
			return false
		}
		if it.r.Intersects(r) {
			out = append(out, it)
		}
		return true
	}

	from := r
	if startProbe != nil {
		from = api.KeyRange{Begin: startProbe.r.Begin}
	}
	m.tree.AscendGreaterOrEqual(&item[V]{r: api.KeyRange{Begin: from.Begin}}, visit)
	return out
}

// Insert overwrites [r.Begin, r.End) with value, splitting any partially
// overlapping neighbor so the map stays a tiling of the universe
// (spec.md §4.1).
func (m *Map[V]) Insert(r api.KeyRange, value V) {
	if r.Empty() {
		return
	}
	overlap := m.overlapping(r)
	for _, it := range overlap {
		m.tree.Delete(it)
		if it.r.Begin.Compare(r.Begin) < 0 {
			m.tree.ReplaceOrInsert(&item[V]{r: api.KeyRange{Begin: it.r.Begin, End: r.Begin}, v: it.v})
		}
		if it.r.End.Compare(r.End) > 0 {
			m.tree.ReplaceOrInsert(&item[V]{r: api.KeyRange{Begin: r.End, End: it.r.End}, v: it.v})
		}
	}
	m.tree.ReplaceOrInsert(&item[V]{r: r, v: value})
}

// Intersecting yields the entries overlapping r, clipped to r, in range
// order (spec.md §4.1).
func (m *Map[V]) Intersecting(r api.KeyRange) []Entry[V] {
	overlap := m.overlapping(r)
	out := make([]Entry[V], 0, len(overlap))
	for _, it := range overlap {
		out = append(out, Entry[V]{Range: it.r.Intersection(r), Value: it.v})
	}
	return out
}

// Ranges returns every entry in range order.
func (m *Map[V]) Ranges() []Entry[V] {
	out := make([]Entry[V], 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item[V])
		out = append(out, Entry[V]{Range: it.r, Value: it.v})
		return true
	})
	return out
}

// Containing returns the entry whose range contains key. Panics if key is
// outside the universe, since every universe key must always resolve to
// exactly one entry (spec.md §4.1).
func (m *Map[V]) Containing(key api.Key) Entry[V] {
	var found *item[V]
	m.tree.DescendLessOrEqual(&item[V]{r: api.KeyRange{Begin: key}}, func(i btree.Item) bool {
		found = i.(*item[V])
		return false
	})
	if found == nil || !found.r.Contains(key) {
		panic("rangemap: key outside universe")
	}
	return Entry[V]{Range: found.r, Value: found.v}
}

// Coalesce merges neighboring entries with equal values back into single
// ranges, restricted to the given universe (spec.md §4.1, §4.2's
// post-reconcile invariant).
func (m *Map[V]) Coalesce(universe api.KeyRange) {
	entries := m.Intersecting(universe)
	if len(entries) == 0 {
		return
	}

	merged := make([]Entry[V], 0, len(entries))
	cur := entries[0]
	for _, e := range entries[1:] {
		if cur.Value == e.Value && cur.Range.End.Equal(e.Range.Begin) {
			cur.Range.End = e.Range.End
			continue
		}
		merged = append(merged, cur)
		cur = e
	}
	merged = append(merged, cur)

	for _, e := range m.overlapping(universe) {
		m.tree.Delete(e)
	}
	for _, e := range merged {
		m.tree.ReplaceOrInsert(&item[V]{r: e.Range, v: e.Value})
	}
}

// Len returns the number of stored entries.
func (m *Map[V]) Len() int {
	return m.tree.Len()
}
