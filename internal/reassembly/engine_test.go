package reassembly

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"transcript-assembly-service/internal/models"
)

func event(seq uint64) models.SegmentEvent {
	return models.SegmentEvent{
		SequenceID:     seq,
		Text:           fmt.Sprintf("segment %d", seq),
		ChunkStartTime: float64(seq),
		AudioStartTime: float64(seq) * 3,
		AudioEndTime:   float64(seq)*3 + 3,
		Duration:       3,
	}
}

// noTimers keeps both policies out of the way so only the contiguous fast
// path can release.
func noTimers() Config {
	return Config{StaleThreshold: time.Hour, DebounceInterval: time.Hour}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func isCanonicalOrder(records []models.Transcript) bool {
	for i := 1; i < len(records); i++ {
		if records[i].Less(records[i-1]) {
			return false
		}
	}
	return true
}

// captureSubscriber records every notified batch.
type captureSubscriber struct {
	mu      sync.Mutex
	batches [][]models.Transcript
}

func (c *captureSubscriber) receive(added []models.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]models.Transcript, len(added))
	copy(cp, added)
	c.batches = append(c.batches, cp)
}

func (c *captureSubscriber) all() []models.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	var flat []models.Transcript
	for _, b := range c.batches {
		flat = append(flat, b...)
	}
	return flat
}

func TestEngine_InOrderFastPath(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	for seq := uint64(1); seq <= 3; seq++ {
		res, err := e.Insert(event(seq))
		if err != nil {
			t.Fatalf("insert %d: unexpected error: %v", seq, err)
		}
		if res != InsertBuffered {
			t.Fatalf("insert %d: expected BUFFERED, got %v", seq, res)
		}

		// In-order segments release synchronously within the same insert,
		// with no dependency on the debounce timer.
		snap := e.Snapshot()
		if len(snap) != int(seq) {
			t.Fatalf("after insert %d: expected %d records, got %d", seq, seq, len(snap))
		}
		if snap[len(snap)-1].SequenceID != seq {
			t.Fatalf("after insert %d: last record is seq %d", seq, snap[len(snap)-1].SequenceID)
		}
	}

	stats := e.Stats()
	if stats.BufferDepth != 0 {
		t.Errorf("expected empty buffer, got depth %d", stats.BufferDepth)
	}
	if stats.LastReleasedSequence != 3 {
		t.Errorf("expected lastReleased 3, got %d", stats.LastReleasedSequence)
	}

	e.FlushAndClose()
}

func TestEngine_GapBuffersThenReleasesInOrder(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	e.Insert(event(2))

	if len(e.Snapshot()) != 0 {
		t.Fatal("seq 2 should buffer behind the gap at 1")
	}
	if e.Stats().BufferDepth != 1 {
		t.Fatalf("expected buffer depth 1, got %d", e.Stats().BufferDepth)
	}

	e.Insert(event(1))

	snap := e.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected both segments released, got %d", len(snap))
	}
	if snap[0].SequenceID != 1 || snap[1].SequenceID != 2 {
		t.Errorf("expected order [1 2], got [%d %d]", snap[0].SequenceID, snap[1].SequenceID)
	}

	e.FlushAndClose()
}

func TestEngine_AgedReleaseWithoutFurtherArrivals(t *testing.T) {
	e := NewEngine("test-session", Config{
		StaleThreshold:   50 * time.Millisecond,
		DebounceInterval: 20 * time.Millisecond,
	})

	e.Insert(event(5))

	waitUntil(t, time.Second, func() bool { return len(e.Snapshot()) == 1 })

	snap := e.Snapshot()
	if snap[0].SequenceID != 5 {
		t.Errorf("expected seq 5 released, got %d", snap[0].SequenceID)
	}
	// The aged path never advances the contiguous bookkeeping.
	if got := e.Stats().LastReleasedSequence; got != 0 {
		t.Errorf("expected lastReleased 0 after aged release, got %d", got)
	}

	e.FlushAndClose()
}

func TestEngine_StalenessBound(t *testing.T) {
	stale := 60 * time.Millisecond
	debounce := 25 * time.Millisecond
	e := NewEngine("test-session", Config{StaleThreshold: stale, DebounceInterval: debounce})

	start := time.Now()
	e.Insert(event(10))

	waitUntil(t, time.Second, func() bool { return len(e.Snapshot()) == 1 })
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("segment released before the stale threshold: %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("segment released later than stale+debounce allows: %v", elapsed)
	}

	e.FlushAndClose()
}

func TestEngine_DuplicateInsert(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	// Duplicate of a released segment
	e.Insert(event(1))
	res, err := e.Insert(event(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != InsertDuplicate {
		t.Errorf("expected DUPLICATE for released seq, got %v", res)
	}

	// Duplicate of a still-buffered segment
	e.Insert(event(5))
	res, _ = e.Insert(event(5))
	if res != InsertDuplicate {
		t.Errorf("expected DUPLICATE for buffered seq, got %v", res)
	}

	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].SequenceID != 1 {
		t.Errorf("canonical transcript should hold exactly one record for seq 1")
	}
	if got := e.Stats().DuplicatesRejected; got != 2 {
		t.Errorf("expected 2 duplicates counted, got %d", got)
	}

	e.FlushAndClose()
}

func TestEngine_FlushReleasesGappedSegments(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	e.Insert(event(1))
	e.Insert(event(3)) // gap at 2, stays buffered

	final := e.FlushAndClose()

	if len(final) != 2 {
		t.Fatalf("expected 2 records after flush, got %d", len(final))
	}
	if final[0].SequenceID != 1 || final[1].SequenceID != 3 {
		t.Errorf("expected order [1 3], got [%d %d]", final[0].SequenceID, final[1].SequenceID)
	}
	if e.Stats().BufferDepth != 0 {
		t.Errorf("buffer should be empty after flush, depth %d", e.Stats().BufferDepth)
	}
}

func TestEngine_InsertAfterCloseRejected(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	e.Insert(event(1))
	e.FlushAndClose()

	res, err := e.Insert(event(2))

	if err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if res != InsertRejected {
		t.Errorf("expected REJECTED result, got %v", res)
	}
	if len(e.Snapshot()) != 1 {
		t.Errorf("canonical transcript must be unchanged after rejected insert")
	}
}

func TestEngine_FlushIdempotent(t *testing.T) {
	e := NewEngine("test-session", noTimers())

	e.Insert(event(1))
	e.Insert(event(2))

	first := e.FlushAndClose()
	second := e.FlushAndClose()

	if len(first) != 2 || len(second) != 2 {
		t.Errorf("both flush calls should return the final transcript, got %d and %d", len(first), len(second))
	}
	if e.Stats().State != "CLOSED" {
		t.Errorf("expected CLOSED state, got %s", e.Stats().State)
	}
}

func TestEngine_SubscriberExactlyOnce(t *testing.T) {
	e := NewEngine("test-session", noTimers())
	capture := &captureSubscriber{}
	e.Subscribe(capture.receive)

	for seq := uint64(1); seq <= 3; seq++ {
		e.Insert(event(seq))
	}

	// FlushAndClose waits for all pending notifications to drain.
	final := e.FlushAndClose()

	notified := capture.all()
	if len(notified) != len(final) {
		t.Fatalf("notified %d records, final transcript has %d", len(notified), len(final))
	}
	for i := range final {
		if notified[i].SequenceID != final[i].SequenceID {
			t.Errorf("notification order diverges at %d: got seq %d, want %d",
				i, notified[i].SequenceID, final[i].SequenceID)
		}
	}
}

func TestEngine_SubscriberGetsForcedBatch(t *testing.T) {
	e := NewEngine("test-session", noTimers())
	capture := &captureSubscriber{}
	e.Subscribe(capture.receive)

	e.Insert(event(2)) // buffers behind the gap at 1

	e.FlushAndClose()

	notified := capture.all()
	if len(notified) != 1 || notified[0].SequenceID != 2 {
		t.Errorf("expected forced batch [2] notified, got %d records", len(notified))
	}
}

func TestEngine_NoLossUnderReorderingAndDuplicates(t *testing.T) {
	const n = 50
	e := NewEngine("test-session", Config{
		StaleThreshold:   30 * time.Millisecond,
		DebounceInterval: 10 * time.Millisecond,
	})

	duplicates := 0
	for i := 0; i < n; i++ {
		seq := uint64((i*7)%n) + 1 // deterministic shuffle, 7 coprime with 50
		e.Insert(event(seq))
		if res, _ := e.Insert(event(seq)); res == InsertDuplicate {
			duplicates++
		}
	}

	final := e.FlushAndClose()

	if len(final) != n {
		t.Errorf("expected %d unique records, got %d", n, len(final))
	}
	if duplicates != n {
		t.Errorf("expected %d duplicate rejections, got %d", n, duplicates)
	}
	seen := map[uint64]bool{}
	for _, rec := range final {
		if seen[rec.SequenceID] {
			t.Fatalf("seq %d appears twice in canonical transcript", rec.SequenceID)
		}
		seen[rec.SequenceID] = true
	}
	if !isCanonicalOrder(final) {
		t.Error("final transcript violates (chunkStartTime, sequenceId) order")
	}
}

func TestEngine_OrderInvariantHeldThroughout(t *testing.T) {
	const n = 30
	e := NewEngine("test-session", Config{
		StaleThreshold:   15 * time.Millisecond,
		DebounceInterval: 5 * time.Millisecond,
	})

	for i := 0; i < n; i++ {
		seq := uint64((i*11)%n) + 1
		e.Insert(event(seq))
		if !isCanonicalOrder(e.Snapshot()) {
			t.Fatalf("order invariant broken after inserting seq %d", seq)
		}
		time.Sleep(2 * time.Millisecond)
	}

	final := e.FlushAndClose()
	if len(final) != n {
		t.Errorf("expected %d records, got %d", n, len(final))
	}
	if !isCanonicalOrder(final) {
		t.Error("final transcript out of order")
	}
}

func TestEngine_ConcurrentProducers(t *testing.T) {
	const producers = 4
	const perProducer = 25
	e := NewEngine("test-session", Config{
		StaleThreshold:   20 * time.Millisecond,
		DebounceInterval: 10 * time.Millisecond,
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq := uint64(i*producers+p) + 1
				if _, err := e.Insert(event(seq)); err != nil {
					t.Errorf("producer %d: insert seq %d failed: %v", p, seq, err)
				}
			}
		}(p)
	}
	wg.Wait()

	final := e.FlushAndClose()

	if len(final) != producers*perProducer {
		t.Errorf("expected %d records, got %d", producers*perProducer, len(final))
	}
	if !isCanonicalOrder(final) {
		t.Error("final transcript out of order")
	}
}

func TestEngine_ZeroStaleThresholdReleasesImmediately(t *testing.T) {
	e := NewEngine("test-session", Config{
		StaleThreshold:   0,
		DebounceInterval: 10 * time.Millisecond,
	})

	// Out of order, but a zero threshold releases on every insert.
	e.Insert(event(5))
	if len(e.Snapshot()) != 1 {
		t.Errorf("expected immediate release with zero threshold, got %d records", len(e.Snapshot()))
	}
	e.Insert(event(2))
	if len(e.Snapshot()) != 2 {
		t.Errorf("expected 2 records, got %d", len(e.Snapshot()))
	}
	if !isCanonicalOrder(e.Snapshot()) {
		t.Error("transcript out of canonical order")
	}

	e.FlushAndClose()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.StaleThreshold != 3*time.Second {
		t.Errorf("expected 3s stale threshold, got %v", cfg.StaleThreshold)
	}
	if cfg.DebounceInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms debounce, got %v", cfg.DebounceInterval)
	}
}
