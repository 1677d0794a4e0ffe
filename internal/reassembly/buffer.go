package reassembly

import (
	"time"

	"transcript-assembly-service/internal/models"
)

// InsertResult describes the outcome of inserting a segment.
type InsertResult int

const (
	// InsertBuffered - segment was accepted. It is either buffered awaiting
	// contiguity or already released by the evaluation pass the insert
	// triggered; callers do not need to distinguish the two.
	InsertBuffered InsertResult = iota
	// InsertDuplicate - the sequence id is already buffered or was already
	// released into the canonical transcript.
	InsertDuplicate
	// InsertRejected - the stream is closed; accompanied by ErrStreamClosed.
	InsertRejected
)

// String returns the string representation of the result.
func (r InsertResult) String() string {
	switch r {
	case InsertBuffered:
		return "BUFFERED"
	case InsertDuplicate:
		return "DUPLICATE"
	case InsertRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Buffer holds not-yet-released segments keyed by sequence id.
// It is not goroutine-safe on its own; the engine serializes all access
// under its single write lock.
type Buffer struct {
	entries map[uint64]models.SegmentEvent
}

// NewBuffer creates an empty sequence buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[uint64]models.SegmentEvent)}
}

// Contains reports whether a sequence id is currently buffered.
func (b *Buffer) Contains(sequenceID uint64) bool {
	_, ok := b.entries[sequenceID]
	return ok
}

// Put stores a segment. The caller has already checked for duplicates
// against both the buffer and the released-id set.
func (b *Buffer) Put(ev models.SegmentEvent) {
	b.entries[ev.SequenceID] = ev
}

// Len returns the number of buffered segments.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// TakeContiguous removes and returns the unbroken run of segments starting
// at from, stopping at the first gap. Segments that arrive in order pass
// through here with zero buffering latency.
func (b *Buffer) TakeContiguous(from uint64) []models.SegmentEvent {
	var run []models.SegmentEvent
	for seq := from; ; seq++ {
		ev, ok := b.entries[seq]
		if !ok {
			break
		}
		delete(b.entries, seq)
		run = append(run, ev)
	}
	return run
}

// TakeAged removes and returns every remaining segment that has waited at
// least threshold since arrival. This is the safety net for segments stuck
// behind a gap: past the threshold, displaying them slightly out of strict
// order beats holding the transcript back any longer.
func (b *Buffer) TakeAged(now time.Time, threshold time.Duration) []models.SegmentEvent {
	var aged []models.SegmentEvent
	for seq, ev := range b.entries {
		if now.Sub(ev.ArrivalTime) >= threshold {
			delete(b.entries, seq)
			aged = append(aged, ev)
		}
	}
	return aged
}

// TakeAll drains the entire buffer unconditionally. Used only by
// force-flush at stream end.
func (b *Buffer) TakeAll() []models.SegmentEvent {
	all := make([]models.SegmentEvent, 0, len(b.entries))
	for seq, ev := range b.entries {
		delete(b.entries, seq)
		all = append(all, ev)
	}
	return all
}
