package api

import (
	"encoding/binary"
)

// Key subspace prefixes, one byte each to keep encoded keys short; real
// deployments would use a longer, versioned prefix, but the shape here is
// exactly the set spec.md §6 names.
var (
	prefixEpoch          = []byte{0x01}
	prefixBlobRange      = []byte{0x02}
	prefixRangeChange    = []byte{0x03}
	prefixGranuleMapping = []byte{0x04}
	prefixGranuleLock    = []byte{0x05}
	prefixSplitBoundary  = []byte{0x06}
	prefixSplitState     = []byte{0x07}
	prefixHistory        = []byte{0x08}
	prefixGranuleFiles   = []byte{0x09}
	prefixPrune          = []byte{0x0a}
	prefixPruneChange    = []byte{0x0b}
	prefixWorkerList     = []byte{0x0c}
)

// SplitBoundarySentinelKey is the reserved sentinel boundary value that
// must not collide with any real boundary (spec.md §6): chosen, as in the
// original, to sort after any realistic user key.
var SplitBoundarySentinelKey = Key{0xff, 0xff, 0xff}

// EpochKey is the single key holding the current max epoch.
func EpochKey() Key { return Key(prefixEpoch) }

// BlobRangeKey encodes one boundary row of the user-declared range set.
func BlobRangeKey(k Key) Key {
	return concat(prefixBlobRange, k)
}

// BlobRangeChangeKey is the change-counter watched by the reconciler.
func BlobRangeChangeKey() Key { return Key(prefixRangeChange) }

// BlobRangeSubspace returns the [begin, end) range covering every
// user-declared range boundary, for the orchestrator's client-range
// monitor (spec.md §4.10, §6).
func BlobRangeSubspace() (Key, Key) {
	return Key(prefixBlobRange), Key{prefixBlobRange[0] + 1}
}

// BlobRangeKeyBoundary strips the subspace prefix off a row key returned
// from a BlobRangeSubspace scan, recovering the original declared key.
func BlobRangeKeyBoundary(k Key) Key {
	return k[len(prefixBlobRange):]
}

// GranuleMappingKey encodes the range-mapped owner UID subspace, keyed by
// range begin.
func GranuleMappingKey(begin Key) Key {
	return concat(prefixGranuleMapping, begin)
}

// GranuleMappingKeyRange returns the [begin,end) sub-range of the mapping
// subspace covering [rBegin, rEnd).
func GranuleMappingKeyRange(rBegin, rEnd Key) (Key, Key) {
	return GranuleMappingKey(rBegin), GranuleMappingKey(rEnd)
}

// GranuleLockKeyFor is the per-range lock key.
func GranuleLockKeyFor(r KeyRange) Key {
	return concat(prefixGranuleLock, r.Begin)
}

// SplitBoundaryKeyFor encodes one child boundary row for an in-progress
// split, keyed by (parentID, boundary).
func SplitBoundaryKeyFor(parentID UID, boundary Key) Key {
	return concat(prefixSplitBoundary, uidBytes(parentID), boundary)
}

// SplitBoundarySubspace returns the [begin, end) range covering every
// boundary row for parentID, including its sentinel.
func SplitBoundarySubspace(parentID UID) (Key, Key) {
	base := concat(prefixSplitBoundary, uidBytes(parentID))
	return append(append(Key{}, base...), 0x00), append(append(Key{}, base...), 0xff, 0xff, 0xff, 0xff)
}

// AllSplitBoundariesSubspace returns the [begin, end) range covering every
// parent's boundary rows, for the recovery coordinator's scan (spec.md §4.8
// phase 2).
func AllSplitBoundariesSubspace() (Key, Key) {
	return Key(prefixSplitBoundary), Key{prefixSplitBoundary[0] + 1}
}

// SplitStateKeyFor encodes the per-child split-state row (parentID, childID).
func SplitStateKeyFor(parentID, childID UID) Key {
	return concat(prefixSplitState, uidBytes(parentID), uidBytes(childID))
}

// HistoryKeyFor encodes a history entry key (range, endVersion).
func HistoryKeyFor(r KeyRange, endVersion Version) Key {
	return concat(prefixHistory, r.Begin, versionBytes(endVersion))
}

// HistorySubspaceForRange returns the [begin, end) range of all history
// entries whose range begins with rBegin, for "latest history entry"
// lookups (spec.md §4.9 step 1).
func HistorySubspaceForRange(rBegin Key) (Key, Key) {
	base := concat(prefixHistory, rBegin)
	return append(append(Key{}, base...), 0x00), append(append(Key{}, base...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
}

// GranuleFileKeyRangeFor returns the [begin, end) file-inventory subspace
// for one granule (spec.md §6).
func GranuleFileKeyRangeFor(granuleID UID) (Key, Key) {
	base := concat(prefixGranuleFiles, uidBytes(granuleID))
	return append(append(Key{}, base...), 0x00), append(append(Key{}, base...), 0xff)
}

// PruneKeyFor encodes one prune-intent row, keyed by range begin.
func PruneKeyFor(r KeyRange) Key {
	return concat(prefixPrune, r.Begin)
}

// PruneSubspace returns the [begin, end) range covering every prune intent.
func PruneSubspace() (Key, Key) {
	return Key(prefixPrune), Key{prefixPrune[0] + 1}
}

// PruneChangeKey is the watched change-counter for prune intents.
func PruneChangeKey() Key { return Key(prefixPruneChange) }

// WorkerListKeyFor encodes one worker registration row.
func WorkerListKeyFor(workerID UID) Key {
	return concat(prefixWorkerList, uidBytes(workerID))
}

// WorkerListSubspace returns the [begin, end) range covering the whole
// worker list (spec.md §4.8 phase 1).
func WorkerListSubspace() (Key, Key) {
	return Key(prefixWorkerList), Key{prefixWorkerList[0] + 1}
}

func concat(parts ...[]byte) Key {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(Key, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uidBytes(u UID) []byte {
	return u[:]
}

func versionBytes(v Version) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
