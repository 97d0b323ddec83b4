// Package api defines the data model and external-collaborator contracts
// for the blob manager: the shapes described in spec.md's DATA MODEL and
// EXTERNAL INTERFACES sections. It has no logic of its own; every other
// package in this module imports it.
package api

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// UID is a 128-bit opaque identifier for granules and blob workers.
// The zero value is the well-known "unassigned" sentinel used throughout
// WorkerAssignment.
type UID uuid.UUID

// NilUID is the zero UID, meaning "declared but not yet placed on any
// worker" when used as a WorkerAssignment value.
var NilUID = UID{}

// IsNil reports whether the UID is the zero value.
func (u UID) IsNil() bool {
	return u == NilUID
}

// String returns the canonical hyphenated hex representation.
func (u UID) String() string {
	return uuid.UUID(u).String()
}

// UnmarshalBinary fills u from the 16-byte string the CBOR encoder writes
// for a UID, so store values holding a UID decode back (codec.go).
func (u *UID) UnmarshalBinary(data []byte) error {
	if len(data) != len(u) {
		return fmt.Errorf("blobmanager/api: UID must be %d bytes, got %d", len(u), len(data))
	}
	copy(u[:], data)
	return nil
}

// NewUID generates a fresh random UID.
func NewUID() UID {
	return UID(uuid.New())
}

// DeterministicUID derives a UID that is a pure function of its inputs, so
// that regenerating it across a transaction retry (spec.md §4.7, §9)
// produces the identical value. namespace should be unique per call site.
func DeterministicUID(namespace UID, name string) UID {
	return UID(uuid.NewSHA1(uuid.UUID(namespace), []byte(name)))
}

// Key is an opaque byte-string key in the underlying store's keyspace.
type Key []byte

// Clone returns an independent copy of the key.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Compare orders keys lexicographically.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Equal reports byte-for-byte equality.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// KeyRange is a half-open [Begin, End) range over the key space. An empty
// End means "no upper bound" is never used by this package; callers always
// supply an explicit End (the normal range's end, at minimum).
type KeyRange struct {
	Begin Key
	End   Key
}

// NewKeyRange builds a range, cloning both bounds.
func NewKeyRange(begin, end Key) KeyRange {
	return KeyRange{Begin: begin.Clone(), End: end.Clone()}
}

// Empty reports whether the range contains no keys.
func (r KeyRange) Empty() bool {
	return r.Begin.Compare(r.End) >= 0
}

// Contains reports whether key falls within [Begin, End).
func (r KeyRange) Contains(key Key) bool {
	return key.Compare(r.Begin) >= 0 && key.Compare(r.End) < 0
}

// Intersects reports whether the two ranges share any keys.
func (r KeyRange) Intersects(other KeyRange) bool {
	return r.Begin.Compare(other.End) < 0 && other.Begin.Compare(r.End) < 0
}

// Intersection returns the overlap of r and other. Callers must check
// Intersects first; if the ranges don't overlap the result is a
// zero-length range whose bounds are not meaningful.
func (r KeyRange) Intersection(other KeyRange) KeyRange {
	begin := r.Begin
	if other.Begin.Compare(begin) > 0 {
		begin = other.Begin
	}
	end := r.End
	if other.End.Compare(end) < 0 {
		end = other.End
	}
	return KeyRange{Begin: begin, End: end}
}

// Equal reports whether both bounds match exactly.
func (r KeyRange) Equal(other KeyRange) bool {
	return r.Begin.Equal(other.Begin) && r.End.Equal(other.End)
}

func (r KeyRange) String() string {
	return string(r.Begin) + ".." + string(r.End)
}

// Epoch is a monotone integer identifying a blob manager incarnation.
type Epoch uint64

// Seq is monotone within one epoch; (Epoch, Seq) totally orders every
// action a manager takes (spec.md §3).
type Seq uint64

// EpochSeq is the (epoch, seq) pair used for lock and assignment fencing.
type EpochSeq struct {
	Epoch Epoch
	Seq   Seq
}

// Less orders lexicographically by (Epoch, Seq).
func (a EpochSeq) Less(b EpochSeq) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Seq < b.Seq
}

// LessOrEqual is Less(a,b) || a == b.
func (a EpochSeq) LessOrEqual(b EpochSeq) bool {
	return a == b || a.Less(b)
}

// Locality describes where a blob worker process runs, including its
// data-center identifier (spec.md's single-DC pin, §1 Non-goals).
type Locality struct {
	DataCenter string
	Zone       string
}

// BlobWorker is a blob worker's identity as seen by the manager (spec.md §3).
type BlobWorker struct {
	ID       UID
	Address  string // stable network address; unique among live workers
	Locality Locality
}

// AssignType distinguishes a fresh assignment from a Continue assignment
// issued after a no-op split evaluation (spec.md §4.4).
type AssignType int

const (
	// AssignNormal is a plain assign: bump the worker's granule counter.
	AssignNormal AssignType = iota
	// AssignContinue re-affirms an existing assignment without changing
	// load accounting; used when a split evaluation decided not to split.
	AssignContinue
)

// AssignDetail carries assign-path-specific parameters.
type AssignDetail struct {
	Type AssignType
}

// RevokeDetail carries revoke-path-specific parameters.
type RevokeDetail struct {
	// Dispose, if true, means the revoked worker should discard granule
	// state entirely rather than keep it around for a possible re-assign.
	Dispose bool
}

// RangeAssignment is one item on the assignment engine's queue (spec.md §4.4).
type RangeAssignment struct {
	IsAssign bool
	Range    KeyRange
	// Worker, if non-nil, pins the operation to a specific worker.
	Worker *UID

	AssignDetail *AssignDetail
	RevokeDetail *RevokeDetail
}

// Granule identifies a contiguous key range owned by one worker at a time.
type Granule struct {
	ID           UID
	Range        KeyRange
	StartVersion Version
	Ancestors    []AncestorRef
}

// AncestorRef points at the granule (by range + start version) whose split
// produced this granule.
type AncestorRef struct {
	Range        KeyRange
	StartVersion Version
}

// Version is the store's monotonic 64-bit commit version.
type Version uint64

// HistoryEntry is the immutable DAG node keyed by (range, endVersion)
// (spec.md §3).
type HistoryEntry struct {
	Range      KeyRange
	EndVersion Version
	GranuleID  UID
	Parents    []AncestorRef
}

// SnapshotFile records one materialized full-granule snapshot.
type SnapshotFile struct {
	Version Version
	Path    string
	Bytes   int64
}

// DeltaFile records one delta log segment, stamped with its inclusive
// upper version.
type DeltaFile struct {
	Version Version
	Path    string
	Bytes   int64
}

// GranuleFiles is the two file lists persisted per granule (spec.md §3).
type GranuleFiles struct {
	Snapshots []SnapshotFile
	Deltas    []DeltaFile
}

// GranuleLock is the per-range store value fencing granule ownership
// (spec.md §3): "(epoch, seq, ownerGranuleID)".
type GranuleLock struct {
	EpochSeq
	OwnerGranuleID UID
}

// SplitBoundarySentinel is the value stored at the reserved sentinel
// boundary key for an in-progress split (spec.md §4.7 step 4e, §6).
type SplitBoundarySentinel struct {
	SplitEpoch Epoch
	SplitSeq   Seq
}

// SplitState is the per-child value written at (parentID, childID) during
// a split (spec.md §4.7 step 4f).
type SplitState int

const (
	// SplitInitialized marks a child whose split-time metadata has been
	// committed but which the assignment engine has not yet placed.
	SplitInitialized SplitState = iota
	// SplitDone marks a child whose split has completed. The split
	// executor only ever writes SplitInitialized; no component in this
	// module currently sets, reads or clears SplitDone.
	SplitDone
)

// PruneIntent is a store entry requesting reclamation of files below a
// version (spec.md §3, §4.9).
type PruneIntent struct {
	Range        KeyRange
	PruneVersion Version
	Force        bool
}

// WorkerStatusReport is one status update received from a blob worker's
// status stream (spec.md §4.5).
type WorkerStatusReport struct {
	GranuleID     UID
	Range         KeyRange
	Epoch         Epoch
	Seq           Seq
	StartVersion  Version
	LatestVersion Version
	DoSplit       bool
	WriteHotSplit bool
}

// WorkerAssignmentEntry is one row of the reconciled recovery map
// (spec.md §4.8 phase 5): a range's current best-known owner and the
// (epoch, seq) that claim backs it.
type WorkerAssignmentEntry struct {
	Range  KeyRange
	Worker UID
	EpochSeq
}
