package transcription

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/logging"
	"transcript-assembly-service/internal/observability/metrics"
	"transcript-assembly-service/internal/schema"
	"transcript-assembly-service/internal/service/stt"
)

// Chunk is one recorded audio chunk queued for transcription. SequenceID
// is assigned by Enqueue before the chunk enters the queue.
type Chunk struct {
	SequenceID uint64
	Data       []byte
	StartTime  float64 // seconds from recording start
	Duration   float64 // seconds
	Source     string
}

// Config tunes the worker pool.
type Config struct {
	Provider      string
	Workers       int
	QueueCapacity int
	MinConfidence float64
	ChunkTimeout  time.Duration
}

// DefaultConfig returns pool settings for local development.
func DefaultConfig() Config {
	return Config{
		Provider:      "mock",
		Workers:       2,
		QueueCapacity: 64,
		MinConfidence: 0,
		ChunkTimeout:  30 * time.Second,
	}
}

// InsertFunc delivers a finished segment event to the session's engine.
type InsertFunc func(models.SegmentEvent)

// listener is implemented by adapters that need a receive loop running
// alongside the send side (the Google adapter).
type listener interface {
	Listen()
}

// Pool transcribes audio chunks with N workers over a bounded queue. Each
// worker opens one STT adapter session per chunk, so chunks complete in
// whatever order the provider answers; the sequence ids assigned at
// enqueue let the reassembly engine restore chunk order downstream.
type Pool struct {
	cfg        Config
	sessionID  string
	newAdapter stt.Factory
	insert     InsertFunc
	onSpeech   func()

	queue     chan Chunk
	seq       *Sequence
	validator *schema.Validator
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool

	chunksQueued    uint64
	chunksCompleted uint64
	chunksDropped   uint64
	speechSeen      uint32

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Stats is a point-in-time view of the pool's chunk counters.
type Stats struct {
	Queued    uint64
	Completed uint64
	Dropped   uint64
}

// NewPool starts the workers and returns the pool. onSpeech, if non-nil,
// fires once per session on the first non-empty transcript.
func NewPool(sessionID string, cfg Config, factory stt.Factory, insert InsertFunc, onSpeech func()) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:        cfg,
		sessionID:  sessionID,
		newAdapter: factory,
		insert:     insert,
		onSpeech:   onSpeech,
		queue:      make(chan Chunk, cfg.QueueCapacity),
		seq:        NewSequence(),
		validator:  schema.New(),
		logger:     logging.WithSession(sessionID),
		metrics:    metrics.DefaultMetrics,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info().
		Int("workers", cfg.Workers).
		Int("queueCapacity", cfg.QueueCapacity).
		Str("provider", cfg.Provider).
		Msg("Transcription pool started")

	return p
}

// Enqueue assigns the chunk its sequence id and queues it for
// transcription without blocking. When the queue is full or the pool has
// been drained the chunk is dropped and its id becomes a permanent gap
// that the engine's staleness release skips past. The assigned id is
// returned either way.
func (p *Pool) Enqueue(data []byte, startTime, duration float64, source string) (uint64, bool) {
	seq := p.seq.Next()
	chunk := Chunk{
		SequenceID: seq,
		Data:       data,
		StartTime:  startTime,
		Duration:   duration,
		Source:     source,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		atomic.AddUint64(&p.chunksDropped, 1)
		p.metrics.RecordChunkDropped("pool_stopped")
		p.logger.Warn().Uint64("sequenceId", seq).Msg("Chunk dropped, pool stopped")
		return seq, false
	}

	select {
	case p.queue <- chunk:
		atomic.AddUint64(&p.chunksQueued, 1)
		p.metrics.RecordChunkQueued()
		return seq, true
	default:
		atomic.AddUint64(&p.chunksDropped, 1)
		p.metrics.RecordChunkDropped("queue_full")
		p.logger.Warn().
			Uint64("sequenceId", seq).
			Float64("startTime", startTime).
			Msg("Chunk dropped, queue full")
		return seq, false
	}
}

// Drain stops intake and waits for queued chunks to finish. If the context
// expires first the remaining chunks are abandoned. Returns the number of
// chunks that were queued but never completed.
func (p *Pool) Drain(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.lost()
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Drain aborted before all chunks completed")
	}

	lost := p.lost()
	if lost > 0 {
		p.logger.Error().
			Int("chunksLost", lost).
			Uint64("queued", atomic.LoadUint64(&p.chunksQueued)).
			Uint64("completed", atomic.LoadUint64(&p.chunksCompleted)).
			Msg("Chunks lost at session stop")
		p.metrics.RecordChunkLoss(lost)
	}
	return lost
}

func (p *Pool) lost() int {
	queued := atomic.LoadUint64(&p.chunksQueued)
	completed := atomic.LoadUint64(&p.chunksCompleted)
	if queued <= completed {
		return 0
	}
	return int(queued - completed)
}

// Stats returns the pool's chunk counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    atomic.LoadUint64(&p.chunksQueued),
		Completed: atomic.LoadUint64(&p.chunksCompleted),
		Dropped:   atomic.LoadUint64(&p.chunksDropped),
	}
}

// NextSequence exposes the allocator for producers that bypass the pool
// (external segment ingestion shares the id space with chunk events).
func (p *Pool) NextSequence() uint64 {
	return p.seq.Next()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for chunk := range p.queue {
		p.transcribe(id, chunk)
		atomic.AddUint64(&p.chunksCompleted, 1)
	}
}

// transcribe runs one adapter session for the chunk and inserts the
// resulting event. Failed chunks produce no event: a sequence gap is
// preferable to fabricated text.
func (p *Pool) transcribe(workerID int, chunk Chunk) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ChunkTimeout)
	defer cancel()

	logger := p.logger.With().
		Int("worker", workerID).
		Uint64("sequenceId", chunk.SequenceID).
		Logger()

	adapter, err := p.newAdapter(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create STT session")
		p.metrics.RecordSTTError(p.cfg.Provider, "session_create")
		return
	}

	collector := newResultCollector()
	if err := adapter.Start(ctx, collector); err != nil {
		logger.Error().Err(err).Msg("Failed to start STT session")
		p.metrics.RecordSTTError(p.cfg.Provider, "session_start")
		adapter.Close()
		return
	}
	if l, ok := adapter.(listener); ok {
		go l.Listen()
	}

	if err := adapter.SendAudio(ctx, chunk.Data); err != nil {
		logger.Warn().Err(err).Msg("Failed to send chunk audio")
		p.metrics.RecordSTTError(p.cfg.Provider, "send_audio")
		adapter.Close()
		return
	}
	if err := adapter.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing STT session")
	}

	if err := collector.wait(ctx); err != nil {
		logger.Warn().Err(err).Msg("Timed out waiting for transcript")
		p.metrics.RecordSTTError(p.cfg.Provider, "timeout")
		return
	}

	text, confidence, isPartial, sttErr := collector.result()
	if sttErr != nil {
		logger.Warn().Err(sttErr).Msg("Chunk transcription failed, skipping")
		return
	}
	if strings.TrimSpace(text) == "" {
		logger.Debug().Msg("Empty transcript, skipping chunk")
		return
	}
	if confidence < p.cfg.MinConfidence {
		logger.Debug().
			Float64("confidence", confidence).
			Float64("minConfidence", p.cfg.MinConfidence).
			Msg("Below confidence threshold, skipping chunk")
		return
	}

	if atomic.CompareAndSwapUint32(&p.speechSeen, 0, 1) && p.onSpeech != nil {
		p.onSpeech()
	}

	conf := confidence
	ev := models.SegmentEvent{
		SequenceID:     chunk.SequenceID,
		Text:           text,
		IsPartial:      isPartial,
		ChunkStartTime: chunk.StartTime,
		AudioStartTime: chunk.StartTime,
		AudioEndTime:   chunk.StartTime + chunk.Duration,
		Duration:       chunk.Duration,
		Confidence:     &conf,
		Source:         chunk.Source,
	}

	normalized, fixes := p.validator.Normalize(ev)
	if len(fixes) > 0 {
		logger.Warn().Strs("fixes", fixes).Msg("Normalized segment event")
	}

	p.metrics.RecordChunkCompleted(p.cfg.Provider, time.Since(start).Seconds())
	logger.Debug().
		Str("text", normalized.Text).
		Bool("isPartial", normalized.IsPartial).
		Dur("elapsed", time.Since(start)).
		Msg("Chunk transcribed")

	p.insert(normalized)
}
