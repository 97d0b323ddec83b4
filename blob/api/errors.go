package api

import "errors"

// Sentinel errors recognized by identity, not by string match, per
// spec.md §7's error taxonomy.
var (
	// ErrReplaced means this manager's epoch has been superseded by a
	// newer incarnation. Every component that can observe this must
	// signal "I am replaced" and stop rather than retry.
	ErrReplaced = errors.New("blobmanager: replaced by a newer epoch")

	// ErrAssignmentConflict means a worker rejected an assign because it
	// believes a different owner or a higher epoch already holds the
	// range. The assignment engine must trigger a lock-check and drop
	// the assign rather than retry it.
	ErrAssignmentConflict = errors.New("blobmanager: assignment conflict")

	// ErrRequestMaybeDelivered means a worker RPC failed after the
	// request may already have taken effect; callers must not assume
	// either outcome.
	ErrRequestMaybeDelivered = errors.New("blobmanager: request maybe delivered")

	// ErrConnectionFailed means a transient network failure occurred
	// talking to a worker; callers should reconnect with backoff.
	ErrConnectionFailed = errors.New("blobmanager: connection failed")

	// ErrBrokenPromise means a worker's response channel was torn down
	// out from under an in-flight request; treated as worker failure.
	ErrBrokenPromise = errors.New("blobmanager: broken promise")

	// ErrRecruitmentFailed means the cluster controller could not
	// recruit a candidate process into a blob worker.
	ErrRecruitmentFailed = errors.New("blobmanager: recruitment failed")

	// ErrCommitUnknownResult means a transaction commit's outcome is
	// unknown (it may or may not have applied). Retry paths that see
	// this must be idempotent (spec.md §4.7, §9).
	ErrCommitUnknownResult = errors.New("blobmanager: commit result unknown")

	// ErrCancelled names cancellation of the owning task tree (spec.md
	// §5). No code in this module returns it: long-running operations
	// report cancellation as ctx.Err() instead.
	ErrCancelled = errors.New("blobmanager: cancelled")
)
