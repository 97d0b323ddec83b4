package api

import "context"

// KeyValue is one row from a range read.
type KeyValue struct {
	Key   Key
	Value []byte
}

// Transaction is the narrow slice of a transactional key-value store's
// interface the blob manager actually uses (spec.md §6): read, range-read,
// write, clear, range-clear, read-conflict registration, and a
// versionstamped write whose committed version is recoverable after
// commit. There is no atomic-op method. Every store mutation the manager performs runs
// inside one of these, and every persisting path pre-reads the epoch key
// with a read-conflict range so a stale manager's commit aborts (spec.md §5).
type Transaction interface {
	// Get fetches a single value, or (nil, nil) if absent.
	Get(ctx context.Context, key Key) ([]byte, error)
	// GetRange fetches all rows in [begin, end) in key order.
	GetRange(ctx context.Context, begin, end Key) ([]KeyValue, error)
	// Set writes a key unconditionally within the transaction.
	Set(key Key, value []byte)
	// Clear removes a single key.
	Clear(key Key)
	// ClearRange removes every key in [begin, end).
	ClearRange(begin, end Key)
	// AddReadConflictKey establishes that a concurrent writer of key
	// aborts this transaction. Used to fence every ownership-affecting
	// mutation on the epoch key (spec.md §5).
	AddReadConflictKey(key Key)
	// SetVersionstamped writes value under a key whose trailing bytes are
	// filled in by the store with the transaction's commit version once
	// known (spec.md §4.7 step 4f). The returned VersionstampFuture
	// resolves to that version after a successful commit.
	SetVersionstamped(key Key, value []byte) VersionstampFuture
}

// VersionstampFuture resolves to the commit version once the owning
// transaction has committed.
type VersionstampFuture interface {
	Version() (Version, error)
}

// Store is the transactional key-value store collaborator (spec.md §6),
// external to this module's scope: the manager only consumes it through
// this interface. Transact retries the given function per the store's
// standard OnError backoff contract (spec.md §4.3, §7) until it commits,
// hits a non-retryable error, or ctx is done.
type Store interface {
	// Transact runs fn inside a fresh transaction, retrying on transient
	// errors per the store's own backoff policy. fn must be idempotent:
	// it may be invoked more than once.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// Watch blocks until the value at key changes (or ctx is done), used
	// to wake the client-range reconciler and the GC engine (spec.md
	// §4.2, §4.9).
	Watch(ctx context.Context, key Key) error

	// EstimateRangeSizeBytes returns the store's byte-sampled estimate of
	// a range's size, consumed by the splitter (spec.md §4.3).
	EstimateRangeSizeBytes(ctx context.Context, r KeyRange) (int64, error)

	// SplitRangeMetrics streams candidate split boundaries for a range
	// such that each resulting segment is approximately targetBytes,
	// consumed by the splitter (spec.md §4.3). writeHot requests
	// additional bandwidth-based slicing at bytesPerKSec.
	SplitRangeMetrics(ctx context.Context, r KeyRange, targetBytes int64, writeHot bool, bytesPerKSec int64) ([]Key, error)
}

// ObjectStore is the object-storage collaborator (spec.md §6): the manager
// never reads file contents, only deletes them once GC has decided a file
// is unreachable.
type ObjectStore interface {
	DeleteFile(ctx context.Context, path string) error
}

// CandidateProcess is a process the cluster controller offers up for
// recruitment into a blob worker (spec.md §6).
type CandidateProcess struct {
	Address  string
	Locality Locality
}

// ClusterController is the recruitment collaborator (spec.md §6).
type ClusterController interface {
	// RecruitBlobWorker asks for a candidate process, excluding any
	// address in exclude (already-live or already-being-recruited).
	RecruitBlobWorker(ctx context.Context, exclude map[string]struct{}) (CandidateProcess, error)
}

// AssignAck is the successful result of an assignBlobRange call.
type AssignAck struct{}

// GranuleOwnership is one entry in a granuleAssignments reply (spec.md §6).
type GranuleOwnership struct {
	Range       KeyRange
	AssignEpoch Epoch
	AssignSeq   Seq
}

// StatusStream is a live per-worker status report stream (spec.md §4.5, §6).
type StatusStream interface {
	// Recv blocks for the next report. Returns ErrConnectionFailed,
	// ErrRequestMaybeDelivered, ErrBrokenPromise, or io.EOF-equivalent on
	// stream end.
	Recv(ctx context.Context) (WorkerStatusReport, error)
	Close()
}

// WorkerClient is the blob worker RPC surface the manager calls out on
// (spec.md §6). One WorkerClient is bound to one BlobWorker for its
// lifetime.
type WorkerClient interface {
	AssignBlobRange(ctx context.Context, r KeyRange, epoch Epoch, seq Seq, kind AssignType) (AssignAck, error)
	RevokeBlobRange(ctx context.Context, r KeyRange, epoch Epoch, seq Seq, dispose bool) error
	GranuleStatusStream(ctx context.Context, epoch Epoch) (StatusStream, error)
	GranuleAssignments(ctx context.Context, epoch Epoch) ([]GranuleOwnership, error)
	HaltBlobWorker(ctx context.Context, epoch Epoch, managerID UID) error
	// WaitFailure blocks until the store's own failure-detection
	// mechanism observes this worker as dead, or ctx is done.
	WaitFailure(ctx context.Context) error
}

// WorkerClientFactory dials a WorkerClient for a given blob worker,
// letting the directory (spec.md §4.6) and recovery coordinator (§4.8)
// remain agnostic to the transport.
type WorkerClientFactory interface {
	Dial(worker BlobWorker) (WorkerClient, error)
}
