// Package transcription runs the chunk transcription worker pool that
// turns recorded audio chunks into segment events.
package transcription

import "sync/atomic"

// Sequence allocates chunk sequence ids for one session. Ids are handed
// out at enqueue time, before any worker touches the chunk, so sequence
// order always matches chunk order even when workers finish out of order.
type Sequence struct {
	counter uint64
}

// NewSequence returns an allocator starting at 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next sequence id.
func (s *Sequence) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// Current returns the highest id allocated so far, 0 if none.
func (s *Sequence) Current() uint64 {
	return atomic.LoadUint64(&s.counter)
}
