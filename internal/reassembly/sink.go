package reassembly

import (
	"sort"
	"sync/atomic"
	"time"

	"transcript-assembly-service/internal/models"
)

// MergeResult reports what a merge pass changed.
type MergeResult struct {
	// Added holds the newly released records in final canonical order.
	// Downstream consumers are notified exactly once per added record.
	Added []models.Transcript
	// DuplicatesSkipped counts batch entries whose sequence id was already
	// in the canonical transcript.
	DuplicatesSkipped int
}

// Sink merges released segments into the canonical transcript. It keeps the
// transcript sorted by (chunkStartTime, sequenceId), skips sequence ids it
// has already merged, and publishes the result as an atomically swapped
// immutable snapshot so readers never see a partially sorted intermediate
// state.
//
// Merge must be called under the engine's write lock. Snapshot is lock-free
// and safe from any goroutine.
type Sink struct {
	released map[uint64]struct{}
	records  []models.Transcript
	snapshot atomic.Pointer[[]models.Transcript]
}

// NewSink creates an empty sink with a published empty snapshot.
func NewSink() *Sink {
	s := &Sink{released: make(map[uint64]struct{})}
	empty := []models.Transcript{}
	s.snapshot.Store(&empty)
	return s
}

// Released reports whether a sequence id is already part of the canonical
// transcript.
func (s *Sink) Released(sequenceID uint64) bool {
	_, ok := s.released[sequenceID]
	return ok
}

// Size returns the number of canonical records.
func (s *Sink) Size() int {
	return len(s.records)
}

// Merge folds a batch of released segments into the canonical transcript.
// It never fails: duplicates are skipped and counted, everything else is
// appended and the combined transcript is re-sorted. Re-sorting the whole
// transcript matters because an aged segment can be released after segments
// that belong later in recording time.
func (s *Sink) Merge(batch []models.SegmentEvent, releasedAt time.Time) MergeResult {
	res := MergeResult{}

	for _, ev := range batch {
		if _, dup := s.released[ev.SequenceID]; dup {
			res.DuplicatesSkipped++
			continue
		}
		s.released[ev.SequenceID] = struct{}{}
		res.Added = append(res.Added, models.NewTranscript(ev, releasedAt))
	}

	if len(res.Added) == 0 {
		return res
	}

	sort.Slice(res.Added, func(i, j int) bool {
		return res.Added[i].Less(res.Added[j])
	})

	s.records = append(s.records, res.Added...)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Less(s.records[j])
	})

	s.publish()
	return res
}

// Snapshot returns the most recently published canonical transcript.
// The returned slice is immutable by contract; callers must not modify it.
func (s *Sink) Snapshot() []models.Transcript {
	return *s.snapshot.Load()
}

func (s *Sink) publish() {
	snap := make([]models.Transcript, len(s.records))
	copy(snap, s.records)
	s.snapshot.Store(&snap)
}
