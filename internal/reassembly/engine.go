// Package reassembly implements the transcript stream reassembly engine.
// It consumes an unordered, possibly duplicated, possibly delayed stream of
// transcript segments and maintains a single ordered, deduplicated canonical
// transcript per recording session, releasing segments the moment they are
// contiguous and no later than a staleness bound when they are not.
package reassembly

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/logging"
	"transcript-assembly-service/internal/observability/metrics"
)

// Config holds the two tunables of the release policy.
type Config struct {
	// StaleThreshold is the age at which a buffered segment is released
	// even though it is not contiguous. Zero releases every segment on the
	// insert that delivered it, in arrival order.
	StaleThreshold time.Duration
	// DebounceInterval is the minimum spacing between timer-driven
	// evaluation passes while segments sit behind a gap. It also coalesces
	// bursts of near-simultaneous arrivals into one release batch.
	DebounceInterval time.Duration
}

// DefaultConfig returns the release policy defaults. The stale threshold is
// sized for a small local worker pool; deployments calibrate both values
// against their own worker skew.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:   3 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
	}
}

// Subscriber receives newly released records, in final canonical order,
// exactly once per merge. Subscribers run on the engine's dispatch
// goroutine: they may call Insert or Snapshot, but they should hand off
// slow work instead of doing it inline.
type Subscriber func(added []models.Transcript)

type notifyJob struct {
	batch []models.Transcript
	subs  []Subscriber
}

// Engine owns all reassembly state for one recording session: the sequence
// buffer, the release bookkeeping, the debounce timer and the canonical
// transcript sink. Insert is the single serialization point; every buffer
// and sink mutation happens under one write lock, no matter how many
// producer goroutines call in. Snapshot reads bypass the lock entirely via
// the sink's atomic snapshot.
type Engine struct {
	cfg       Config
	sessionID string

	mu           sync.Mutex
	buffer       *Buffer
	sink         *Sink
	lifecycle    *Lifecycle
	lastReleased uint64
	timer        *time.Timer
	subscribers  []Subscriber
	inserted     uint64
	duplicates   uint64

	notifyMu     sync.Mutex
	notifyCond   *sync.Cond
	pending      []notifyJob
	notifying    bool
	notifyClosed bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an engine for one recording session and starts its
// notification dispatcher. Negative durations are treated as zero.
func NewEngine(sessionID string, cfg Config) *Engine {
	if cfg.StaleThreshold < 0 {
		cfg.StaleThreshold = 0
	}
	if cfg.DebounceInterval < 0 {
		cfg.DebounceInterval = 0
	}

	e := &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		buffer:    NewBuffer(),
		sink:      NewSink(),
		lifecycle: NewLifecycle(),
		logger:    logging.WithSession(sessionID).With().Str("component", "reassembly").Logger(),
		metrics:   metrics.DefaultMetrics,
	}
	e.notifyCond = sync.NewCond(&e.notifyMu)
	go e.dispatchLoop()

	e.logger.Info().
		Dur("staleThreshold", cfg.StaleThreshold).
		Dur("debounceInterval", cfg.DebounceInterval).
		Msg("Reassembly engine started")
	return e
}

// SessionID returns the owning session's id.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Subscribe registers a consumer of newly released records. A subscriber
// added mid-session receives only batches merged after registration; no
// batch is ever re-delivered.
func (e *Engine) Subscribe(fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Insert accepts one segment event. It is safe to call concurrently from
// any number of producers and never blocks on I/O; the triggered release
// evaluation runs inline, subscriber fan-out is handed to the dispatcher.
//
// Returns InsertDuplicate when the sequence id was seen before, and
// ErrStreamClosed (with InsertRejected) after flush-and-close.
func (e *Engine) Insert(ev models.SegmentEvent) (InsertResult, error) {
	now := time.Now()

	e.mu.Lock()
	if err := e.lifecycle.CheckInsert(); err != nil {
		e.mu.Unlock()
		e.metrics.RecordInsertAfterClose()
		e.logger.Warn().
			Uint64("sequenceId", ev.SequenceID).
			Msg("Segment rejected, stream already closed")
		return InsertRejected, err
	}

	if e.buffer.Contains(ev.SequenceID) || e.sink.Released(ev.SequenceID) {
		e.duplicates++
		e.mu.Unlock()
		e.metrics.RecordSegmentDuplicate()
		e.logger.Debug().
			Uint64("sequenceId", ev.SequenceID).
			Msg("Duplicate segment ignored")
		return InsertDuplicate, nil
	}

	ev.ArrivalTime = now
	e.buffer.Put(ev)
	e.inserted++
	e.metrics.RecordSegmentInserted()
	e.metrics.RecordSegmentBuffered()

	e.releaseLocked(now)
	e.mu.Unlock()

	return InsertBuffered, nil
}

// releaseLocked runs one evaluation pass: contiguous fast path first, aged
// safety net second, then timer housekeeping. Caller holds e.mu.
func (e *Engine) releaseLocked(now time.Time) {
	var contiguous []models.SegmentEvent
	for {
		run := e.buffer.TakeContiguous(e.lastReleased + 1)
		if len(run) > 0 {
			e.lastReleased += uint64(len(run))
			contiguous = append(contiguous, run...)
		}
		// Skip over ids that were already released via the aged path so a
		// contiguous run does not stall on a hole that no longer exists.
		if e.sink.Released(e.lastReleased + 1) {
			e.lastReleased++
			continue
		}
		break
	}

	aged := e.buffer.TakeAged(now, e.cfg.StaleThreshold)

	if len(contiguous)+len(aged) > 0 {
		e.mergeLocked(contiguous, aged, now)
	}

	// The timer stays armed whenever anything is still buffered, so a
	// segment stuck behind a gap crosses the stale threshold and gets
	// released even if no further segments ever arrive.
	if e.buffer.Len() > 0 {
		e.armTimerLocked()
	} else {
		e.cancelTimerLocked()
	}
}

// mergeLocked merges one release batch into the sink and queues the
// subscriber notification. Caller holds e.mu.
func (e *Engine) mergeLocked(contiguous, aged []models.SegmentEvent, now time.Time) {
	for _, ev := range contiguous {
		e.metrics.RecordBufferWait("contiguous", now.Sub(ev.ArrivalTime).Seconds())
	}
	for _, ev := range aged {
		e.metrics.RecordBufferWait("aged", now.Sub(ev.ArrivalTime).Seconds())
	}
	if len(contiguous) > 0 {
		e.metrics.RecordSegmentsReleased("contiguous", len(contiguous))
	}
	if len(aged) > 0 {
		e.metrics.RecordSegmentsReleased("aged", len(aged))
	}

	batch := append(contiguous, aged...)
	res := e.sink.Merge(batch, now)

	if res.DuplicatesSkipped > 0 {
		// The insert path already rejects duplicates, so the sink's own
		// check firing means two release paths raced over the same id.
		e.metrics.RecordMergeDuplicates(res.DuplicatesSkipped)
		e.logger.Warn().
			Int("duplicatesSkipped", res.DuplicatesSkipped).
			Msg("Merge skipped already-released segments")
	}

	e.logger.Debug().
		Int("contiguous", len(contiguous)).
		Int("aged", len(aged)).
		Uint64("lastReleasedSequence", e.lastReleased).
		Int("bufferDepth", e.buffer.Len()).
		Msg("Release batch merged")

	if len(res.Added) > 0 {
		e.enqueueNotifyLocked(res.Added)
	}
}

// FlushAndClose drains every buffered segment into the canonical
// transcript, closes the stream and returns the final transcript. It is
// synchronous: when it returns, all subscriber notifications for this
// session have been delivered. Calling it again returns the same final
// transcript without doing any work.
func (e *Engine) FlushAndClose() []models.Transcript {
	start := time.Now()

	e.mu.Lock()
	if !e.lifecycle.BeginFlush() {
		snap := e.sink.Snapshot()
		e.mu.Unlock()
		e.logger.Debug().Msg("Flush already completed, returning current snapshot")
		return snap
	}

	e.cancelTimerLocked()
	drained := e.buffer.TakeAll()
	if len(drained) > 0 {
		for _, ev := range drained {
			e.metrics.RecordBufferWait("forced", start.Sub(ev.ArrivalTime).Seconds())
		}
		e.metrics.RecordSegmentsReleased("forced", len(drained))
		res := e.sink.Merge(drained, start)
		if res.Added != nil {
			e.enqueueNotifyLocked(res.Added)
		}
	}
	e.lastReleased = 0
	e.lifecycle.FinishFlush()
	snap := e.sink.Snapshot()
	e.mu.Unlock()

	e.waitNotifyIdle()
	e.closeDispatcher()

	e.metrics.RecordFlush(time.Since(start).Seconds())
	e.logger.Info().
		Int("drained", len(drained)).
		Int("totalRecords", len(snap)).
		Dur("duration", time.Since(start)).
		Msg("Stream flushed and closed")
	return snap
}

// OnStreamClosed handles the producer-side stream termination signal.
func (e *Engine) OnStreamClosed() {
	e.FlushAndClose()
}

// Snapshot returns the current canonical transcript. Safe to call at any
// time, including during an active merge; it never observes a partially
// sorted state.
func (e *Engine) Snapshot() []models.Transcript {
	return e.sink.Snapshot()
}

// Stats describes the engine's current position for status endpoints.
type Stats struct {
	State                string `json:"state"`
	BufferDepth          int    `json:"bufferDepth"`
	LastReleasedSequence uint64 `json:"lastReleasedSequence"`
	SegmentsInserted     uint64 `json:"segmentsInserted"`
	DuplicatesRejected   uint64 `json:"duplicatesRejected"`
	SegmentsReleased     int    `json:"segmentsReleased"`
}

// Stats returns a consistent view of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:                e.lifecycle.State().String(),
		BufferDepth:          e.buffer.Len(),
		LastReleasedSequence: e.lastReleased,
		SegmentsInserted:     e.inserted,
		DuplicatesRejected:   e.duplicates,
		SegmentsReleased:     e.sink.Size(),
	}
}

// --- debounce timer ---

func (e *Engine) armTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	interval := e.cfg.DebounceInterval
	if interval <= 0 {
		// A zero interval would spin the timer; one millisecond keeps the
		// degenerate configuration responsive without a hot loop.
		interval = time.Millisecond
	}
	e.timer = time.AfterFunc(interval, e.onDebounce)
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onDebounce() {
	now := time.Now()
	e.mu.Lock()
	if e.lifecycle.IsClosed() {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.metrics.RecordDebounceWakeup()
	e.releaseLocked(now)
	e.mu.Unlock()
}

// --- notification dispatch ---

// enqueueNotifyLocked appends a batch to the dispatch queue. Caller holds
// e.mu, which is what keeps queue order identical to merge order.
func (e *Engine) enqueueNotifyLocked(batch []models.Transcript) {
	subs := make([]Subscriber, len(e.subscribers))
	copy(subs, e.subscribers)

	e.notifyMu.Lock()
	e.pending = append(e.pending, notifyJob{batch: batch, subs: subs})
	e.notifyCond.Broadcast()
	e.notifyMu.Unlock()
}

func (e *Engine) dispatchLoop() {
	for {
		e.notifyMu.Lock()
		for len(e.pending) == 0 && !e.notifyClosed {
			e.notifyCond.Wait()
		}
		if len(e.pending) == 0 && e.notifyClosed {
			e.notifyMu.Unlock()
			return
		}
		job := e.pending[0]
		e.pending = e.pending[1:]
		e.notifying = true
		e.notifyMu.Unlock()

		for _, fn := range job.subs {
			fn(job.batch)
		}

		e.notifyMu.Lock()
		e.notifying = false
		e.notifyCond.Broadcast()
		e.notifyMu.Unlock()
	}
}

func (e *Engine) waitNotifyIdle() {
	e.notifyMu.Lock()
	for len(e.pending) > 0 || e.notifying {
		e.notifyCond.Wait()
	}
	e.notifyMu.Unlock()
}

func (e *Engine) closeDispatcher() {
	e.notifyMu.Lock()
	e.notifyClosed = true
	e.notifyCond.Broadcast()
	e.notifyMu.Unlock()
}
