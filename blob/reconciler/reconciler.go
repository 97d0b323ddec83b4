// Package reconciler implements the client-range reconciler (spec.md
// §4.2): diffing the store's user-declared blob ranges against the
// manager's in-memory KnownBlobRange map and emitting add/remove deltas.
//
// The diff algorithm is ported behavior-for-behavior from
// updateClientBlobRanges/handleClientBlobRange in
// original_source/fdbserver/BlobManager.actor.cpp, expressed over
// blob/rangemap instead of FoundationDB's KeyRangeMap.
package reconciler

import (
	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

// Boundary is one (key, active) marker from the store's user-declared
// range set (spec.md §4.2, §6's blobRangeKeys encoding): the declared
// state runs from this key up to (but not including) the next boundary's
// key.
type Boundary struct {
	Key    api.Key
	Active bool
}

// Reconciler owns the KnownBlobRange map (spec.md §3) and diffs it
// against store snapshots.
type Reconciler struct {
	normal api.KeyRange
	known  *rangemap.Map[bool]
}

// New creates a reconciler whose KnownBlobRange map starts as the entire
// normal range mapped to inactive (spec.md §8 scenario 1).
func New(normal api.KeyRange) *Reconciler {
	return &Reconciler{
		normal: normal,
		known:  rangemap.New(normal, false),
	}
}

// Known exposes the current KnownBlobRange map, e.g. for the assignment
// engine to read which ranges are declared active.
func (r *Reconciler) Known() *rangemap.Map[bool] {
	return r.known
}

// Reconcile diffs snapshot (sorted by Key) against the current
// KnownBlobRange map, mutates the map in place, and returns the
// newly-active and newly-inactive ranges. toAdd and toRemove are always
// disjoint (spec.md §4.2).
func (r *Reconciler) Reconcile(snapshot []Boundary) (toAdd, toRemove []api.KeyRange) {
	apply := func(begin, end api.Key, active bool) {
		if begin.Compare(end) >= 0 {
			return
		}
		want := api.KeyRange{Begin: begin, End: end}
		for _, e := range r.known.Intersecting(want) {
			if e.Value != active {
				if active {
					toAdd = append(toAdd, e.Range)
				} else {
					toRemove = append(toRemove, e.Range)
				}
			}
		}
		r.known.Insert(want, active)
	}

	if len(snapshot) == 0 {
		// Empty snapshot: the entire normal range becomes inactive
		// (spec.md §4.2, §8 scenario 3).
		apply(r.normal.Begin, r.normal.End, false)
	} else {
		if snapshot[0].Key.Compare(r.normal.Begin) > 0 {
			apply(r.normal.Begin, snapshot[0].Key, false)
		}

		for i := 0; i < len(snapshot)-1; i++ {
			if snapshot[i].Key.Compare(r.normal.End) >= 0 {
				// Ranges outside the normal range are truncated
				// (spec.md §4.2); anything from here on is invalid.
				break
			}
			end := snapshot[i+1].Key
			if end.Compare(r.normal.End) > 0 {
				end = r.normal.End
			}
			apply(snapshot[i].Key, end, snapshot[i].Active)
		}

		last := snapshot[len(snapshot)-1]
		if last.Key.Compare(r.normal.End) < 0 {
			apply(last.Key, r.normal.End, false)
		}
	}

	// After the operation, the KnownBlobRange map is coalesced
	// (spec.md §4.2).
	r.known.Coalesce(r.normal)

	return toAdd, toRemove
}
