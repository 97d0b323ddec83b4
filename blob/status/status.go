// Package status implements the per-worker status stream consumer
// (spec.md §4.5): it opens an epoch-stamped stream to a blob worker,
// de-duplicates reports, and spawns the split executor on fresh
// doSplit reports.
package status

import (
	"context"
	"errors"
	"time"

	backoffpkg "github.com/cenkalti/backoff/v4"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/logging"
	"github.com/oasisprotocol/blobmanager/blob/rangemap"
)

var logger = logging.GetLogger("blobmanager/status")

// SplitRequest is the payload handed to the split executor when a worker
// reports a fresh doSplit condition (spec.md §4.5, §4.7).
type SplitRequest struct {
	Worker        api.UID
	Range         api.KeyRange
	GranuleID     api.UID
	StartVersion  api.Version
	LatestVersion api.Version
	WriteHot      bool
}

// Watcher consumes one worker's status stream for the lifetime of a
// manager epoch.
type Watcher struct {
	worker     api.UID
	client     api.WorkerClient
	epoch      api.Epoch
	assignment *rangemap.Map[api.UID]

	onReplaced func()
	onSplit    func(SplitRequest)

	lastSeen map[string]api.EpochSeq
}

// New creates a Watcher for one worker. onSplit is invoked synchronously
// from Run's goroutine; callers that need concurrency should hand off to
// their own worker pool inside the callback.
func New(worker api.UID, client api.WorkerClient, epoch api.Epoch, assignment *rangemap.Map[api.UID], onReplaced func(), onSplit func(SplitRequest)) *Watcher {
	return &Watcher{
		worker:     worker,
		client:     client,
		epoch:      epoch,
		assignment: assignment,
		onReplaced: onReplaced,
		onSplit:    onSplit,
		lastSeen:   make(map[string]api.EpochSeq),
	}
}

// Run blocks until ctx is done, the worker signals replacement (in which
// case Run returns nil after invoking onReplaced), or a non-retryable
// stream error occurs (Run returns that error, and the caller should
// treat it as a failure-detector trip per spec.md §4.6).
func (w *Watcher) Run(ctx context.Context) error {
	eb := backoffpkg.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.Multiplier = 1.5
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := w.client.GranuleStatusStream(ctx, w.epoch)
		if err != nil {
			if isTransient(err) {
				if !sleepBackoff(ctx, eb) {
					return ctx.Err()
				}
				continue
			}
			return err
		}
		eb.Reset()

		replaced, err := w.consume(ctx, stream)
		stream.Close()
		if replaced {
			return nil
		}
		if err == nil {
			return nil
		}
		if isTransient(err) {
			if !sleepBackoff(ctx, eb) {
				return ctx.Err()
			}
			continue
		}
		return err
	}
}

func (w *Watcher) consume(ctx context.Context, stream api.StatusStream) (replaced bool, err error) {
	for {
		report, err := stream.Recv(ctx)
		if err != nil {
			return false, err
		}

		if report.Epoch > w.epoch {
			if w.onReplaced != nil {
				w.onReplaced()
			}
			return true, nil
		}

		entry := w.assignment.Containing(report.Range.Begin)
		if !entry.Range.Equal(report.Range) || entry.Value != w.worker {
			// A revoke may already be in flight for this range; ignore
			// (spec.md §4.5).
			continue
		}

		key := report.Range.String()
		seen, ok := w.lastSeen[key]
		cur := api.EpochSeq{Epoch: report.Epoch, Seq: report.Seq}
		if ok && seen == cur {
			continue
		}
		w.lastSeen[key] = cur

		if !report.DoSplit {
			continue
		}

		if w.onSplit != nil {
			w.onSplit(SplitRequest{
				Worker:        w.worker,
				Range:         report.Range,
				GranuleID:     report.GranuleID,
				StartVersion:  report.StartVersion,
				LatestVersion: report.LatestVersion,
				WriteHot:      report.WriteHotSplit,
			})
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, api.ErrConnectionFailed) || errors.Is(err, api.ErrRequestMaybeDelivered)
}

func sleepBackoff(ctx context.Context, eb *backoffpkg.ExponentialBackOff) bool {
	select {
	case <-time.After(eb.NextBackOff()):
		return true
	case <-ctx.Done():
		return false
	}
}
