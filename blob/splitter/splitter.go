// Package splitter implements the range splitter (spec.md §4.3): consults
// the store's byte-sampled metrics to decide whether, and where, to split
// a range, downsampling to the fanout cap when the store proposes too many
// boundaries.
package splitter

import (
	"context"

	backoffpkg "github.com/cenkalti/backoff/v4"

	"github.com/oasisprotocol/blobmanager/blob/api"
	"github.com/oasisprotocol/blobmanager/blob/config"
	"github.com/oasisprotocol/blobmanager/blob/logging"
)

var logger = logging.GetLogger("blobmanager/splitter")

// Splitter computes split boundaries for a range using the store's
// storage-metrics facility.
type Splitter struct {
	store  api.Store
	cfg    config.Config
	maxFan int
}

// New creates a Splitter reading the target sizes and fanout cap from cfg.
func New(store api.Store, cfg config.Config) *Splitter {
	maxFan := cfg.MaxFanout
	if maxFan <= 0 {
		maxFan = 10
	}
	return &Splitter{store: store, cfg: cfg, maxFan: maxFan}
}

// Split decides whether r should be split, per spec.md §4.3's policy:
// below the snapshot target and not write-hot means "no split"
// ([begin, end]); otherwise stream boundaries from the store, apply
// write-hot bandwidth slicing, and downsample to MAX_FANOUT.
//
// Transient store errors are retried with the store's standard backoff
// contract (spec.md §4.3, §7); the retry is expressed with an
// ExponentialBackOff, grounded on common/backoff.NewExponentialBackOff.
func (s *Splitter) Split(ctx context.Context, r api.KeyRange, writeHot bool) ([]api.Key, error) {
	var boundaries []api.Key

	op := func() error {
		size, err := s.store.EstimateRangeSizeBytes(ctx, r)
		if err != nil {
			return err
		}

		if size <= s.cfg.SnapshotFileTargetBytes && !writeHot {
			boundaries = []api.Key{r.Begin, r.End}
			return nil
		}

		bytesPerKSec := int64(0)
		if writeHot {
			bytesPerKSec = s.cfg.SplitBytesPerKSec / 2
			if bytesPerKSec < s.cfg.MinBytesPerKSec {
				bytesPerKSec = s.cfg.MinBytesPerKSec
			}
		}

		bs, err := s.store.SplitRangeMetrics(ctx, r, s.cfg.SnapshotFileTargetBytes, writeHot, bytesPerKSec)
		if err != nil {
			return err
		}

		if len(bs) < 2 {
			// Store produced fewer than two boundaries: return the whole
			// range as a single segment (spec.md §4.3).
			boundaries = []api.Key{r.Begin, r.End}
			return nil
		}

		boundaries = normalizeBoundaries(r, bs)
		return nil
	}

	eb := backoffpkg.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	if err := backoffpkg.Retry(op, backoffpkg.WithContext(eb, ctx)); err != nil {
		return nil, err
	}

	if len(boundaries) > s.maxFan+1 {
		logger.Debug("downsampling split boundaries", "range", r.String(), "from", len(boundaries)-1, "to", s.maxFan)
		boundaries = Downsample(boundaries, s.maxFan+1)
	}

	return boundaries, nil
}

// normalizeBoundaries ensures the boundary list always starts at r.Begin
// and ends at r.End (spec.md §4.3), regardless of what the store returned.
func normalizeBoundaries(r api.KeyRange, bs []api.Key) []api.Key {
	out := make([]api.Key, 0, len(bs)+2)
	out = append(out, r.Begin)
	for _, b := range bs {
		if b.Compare(r.Begin) > 0 && b.Compare(r.End) < 0 {
			out = append(out, b)
		}
	}
	out = append(out, r.End)
	return out
}

// Downsample reduces a boundary list (n-1 segments, n points, first ==
// original begin, last == original end) to exactly target points by
// recursive middle-splitting: repeatedly bisect the widest remaining
// index span and keep the boundary closest to its midpoint, so segments
// stay roughly balanced (spec.md §4.3's fanout cap).
func Downsample(boundaries []api.Key, target int) []api.Key {
	if target < 2 {
		target = 2
	}
	n := len(boundaries)
	if n <= target {
		return boundaries
	}

	type span struct{ lo, hi int }
	spans := []span{{0, n - 1}}
	need := target - 2

	for need > 0 {
		widest := 0
		for i, s := range spans {
			if s.hi-s.lo > spans[widest].hi-spans[widest].lo {
				widest = i
			}
		}
		s := spans[widest]
		if s.hi-s.lo <= 1 {
			break
		}
		mid := s.lo + (s.hi-s.lo)/2
		spans[widest] = span{s.lo, mid}
		spans = append(spans, span{mid, s.hi})
		need--
	}

	kept := make([]bool, n)
	for _, s := range spans {
		kept[s.lo] = true
		kept[s.hi] = true
	}

	out := make([]api.Key, 0, target)
	for i, k := range kept {
		if k {
			out = append(out, boundaries[i])
		}
	}
	return out
}
