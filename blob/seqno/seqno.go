// Package seqno provides the single monotone sequence counter shared by
// every component that stamps actions with (epoch, seq) — the assignment
// engine and the split executor (spec.md §3, §4.4, §4.7). The original single-threaded actor scheduler needs no
// synchronization for this; this port runs those components on separate
// goroutines, so the counter is atomic instead. No third-party library
// fits a single monotone counter better than sync/atomic.
package seqno

import (
	"sync/atomic"

	"github.com/oasisprotocol/blobmanager/blob/api"
)

// Sequencer hands out a strictly increasing sequence of api.Seq values.
// The zero value is ready to use, starting at 1.
type Sequencer struct {
	n uint64
}

// Next returns the next value in the sequence.
func (s *Sequencer) Next() api.Seq {
	return api.Seq(atomic.AddUint64(&s.n, 1))
}

// Current returns the most recently issued value without advancing the
// counter (0 if Next has never been called).
func (s *Sequencer) Current() api.Seq {
	return api.Seq(atomic.LoadUint64(&s.n))
}
