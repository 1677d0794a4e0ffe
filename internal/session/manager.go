// Package session owns the per-recording lifecycle: each session gets its
// own reassembly engine and transcription pool, wired at start to the live
// feed, the Kafka publisher, the repository and the snapshot writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transcript-assembly-service/internal/events"
	"transcript-assembly-service/internal/livefeed"
	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/logging"
	"transcript-assembly-service/internal/observability/metrics"
	"transcript-assembly-service/internal/reassembly"
	"transcript-assembly-service/internal/repository"
	"transcript-assembly-service/internal/service/stt"
	"transcript-assembly-service/internal/service/transcription"
	"transcript-assembly-service/internal/source/spool"
)

var (
	// ErrSessionNotFound is returned for unknown ids and for sessions that
	// are already stopping.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownProvider is returned when a start request names an STT
	// provider that is not configured.
	ErrUnknownProvider = errors.New("unknown transcription provider")
)

// persistTimeout bounds each downstream write on the release path.
const persistTimeout = 10 * time.Second

// Publisher is the slice of the Kafka publisher the manager uses.
type Publisher interface {
	PublishSegmentsReleased(ctx context.Context, event events.SegmentsReleasedEvent) error
	PublishSessionCompleted(ctx context.Context, event events.SessionCompletedEvent) error
}

// SnapshotWriter persists the canonical transcript to disk.
type SnapshotWriter interface {
	Write(sessionID string, segments []models.Transcript) error
}

// Feed pushes frames to connected display clients.
type Feed interface {
	Broadcast(ev livefeed.FeedEvent)
}

// Deps carries the manager's collaborators and per-session defaults. Any
// of Publisher, Repository, Snapshots and Feed may be nil; the matching
// step is skipped.
type Deps struct {
	Reassembly    reassembly.Config
	Transcription transcription.Config
	Factories     map[string]stt.Factory
	SpoolEnabled  bool
	SpoolDir      string

	Publisher  Publisher
	Repository repository.Repository
	Snapshots  SnapshotWriter
	Feed       Feed
}

// StartOptions tunes one session. Zero values fall back to the manager's
// configured defaults.
type StartOptions struct {
	Source   string
	Provider string
}

type persistJob struct {
	batch      []models.Transcript
	releasedAt time.Time
}

// Session is one live recording: an engine, a transcription pool and, when
// spooling is on, a chunk-file watcher feeding that pool.
type Session struct {
	id        string
	source    string
	provider  string
	startedAt time.Time

	engine  *reassembly.Engine
	pool    *transcription.Pool
	watcher *spool.Watcher

	persist     chan persistJob
	persistDone chan struct{}

	stopping bool // guarded by Manager.mu
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Insert feeds one externally produced segment into the session's engine.
// Events without a sequence id get one from the pool's allocator so
// external producers share the id space with chunk events. The event
// returned is the one actually inserted.
func (s *Session) Insert(ev models.SegmentEvent) (models.SegmentEvent, reassembly.InsertResult, error) {
	if ev.SequenceID == 0 {
		ev.SequenceID = s.pool.NextSequence()
	}
	res, err := s.engine.Insert(ev)
	return ev, res, err
}

// EnqueueChunk queues one audio chunk for transcription.
func (s *Session) EnqueueChunk(data []byte, startTime, duration float64, source string) (uint64, bool) {
	return s.pool.Enqueue(data, startTime, duration, source)
}

// Snapshot returns the session's canonical transcript so far.
func (s *Session) Snapshot() []models.Transcript {
	return s.engine.Snapshot()
}

// Status describes one session for the control API.
type Status struct {
	ID                   string    `json:"id"`
	Source               string    `json:"source,omitempty"`
	Provider             string    `json:"provider"`
	StartedAt            time.Time `json:"startedAt"`
	State                string    `json:"state"`
	BufferDepth          int       `json:"bufferDepth"`
	LastReleasedSequence uint64    `json:"lastReleasedSequence"`
	SegmentsInserted     uint64    `json:"segmentsInserted"`
	DuplicatesRejected   uint64    `json:"duplicatesRejected"`
	SegmentsReleased     int       `json:"segmentsReleased"`
	ChunksQueued         uint64    `json:"chunksQueued"`
	ChunksCompleted      uint64    `json:"chunksCompleted"`
	ChunksDropped        uint64    `json:"chunksDropped"`
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() Status {
	es := s.engine.Stats()
	ps := s.pool.Stats()
	return Status{
		ID:                   s.id,
		Source:               s.source,
		Provider:             s.provider,
		StartedAt:            s.startedAt,
		State:                es.State,
		BufferDepth:          es.BufferDepth,
		LastReleasedSequence: es.LastReleasedSequence,
		SegmentsInserted:     es.SegmentsInserted,
		DuplicatesRejected:   es.DuplicatesRejected,
		SegmentsReleased:     es.SegmentsReleased,
		ChunksQueued:         ps.Queued,
		ChunksCompleted:      ps.Completed,
		ChunksDropped:        ps.Dropped,
	}
}

// Manager tracks live sessions by id.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates an empty session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*Session),
		logger:   logging.WithComponent("session"),
		metrics:  metrics.DefaultMetrics,
	}
}

// Start creates a session and wires its release path. The returned session
// is live: its pool accepts chunks and its engine accepts segments.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	provider := opts.Provider
	if provider == "" {
		provider = m.deps.Transcription.Provider
	}
	factory, ok := m.deps.Factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	s := &Session{
		id:          uuid.New().String(),
		source:      opts.Source,
		provider:    provider,
		startedAt:   time.Now().UTC(),
		persist:     make(chan persistJob, 64),
		persistDone: make(chan struct{}),
	}

	s.engine = reassembly.NewEngine(s.id, m.deps.Reassembly)
	go m.persistLoop(s)

	s.engine.Subscribe(func(added []models.Transcript) {
		m.broadcast(livefeed.NewSegmentsAdded(s.id, added))
		s.persist <- persistJob{batch: added, releasedAt: time.Now().UTC()}
	})

	poolCfg := m.deps.Transcription
	poolCfg.Provider = provider
	s.pool = transcription.NewPool(s.id, poolCfg, factory, func(ev models.SegmentEvent) {
		s.engine.Insert(ev)
	}, func() {
		m.broadcast(livefeed.NewSpeechDetected(s.id))
	})

	if m.deps.SpoolEnabled {
		watcher, err := spool.New(s.id, filepath.Join(m.deps.SpoolDir, s.id), s.pool)
		if err != nil {
			s.pool.Drain(ctx)
			s.engine.FlushAndClose()
			close(s.persist)
			<-s.persistDone
			return nil, fmt.Errorf("starting spool watcher: %w", err)
		}
		s.watcher = watcher
	}

	if m.deps.Repository != nil {
		if err := m.deps.Repository.CreateSession(ctx, s.id, s.startedAt); err != nil {
			m.logger.Error().Err(err).Str("sessionId", s.id).Msg("Failed to record session start")
		}
	}
	if m.deps.Snapshots != nil {
		if err := m.deps.Snapshots.Write(s.id, nil); err != nil {
			m.logger.Error().Err(err).Str("sessionId", s.id).Msg("Failed to write initial snapshot")
		}
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionStart()
	m.broadcast(livefeed.NewSessionStarted(s.id))
	m.logger.Info().
		Str("sessionId", s.id).
		Str("provider", provider).
		Str("source", opts.Source).
		Int("activeSessions", active).
		Msg("Session started")
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the live sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// Stop drains the session's producers, force flushes its transcript and
// runs final persistence. It is synchronous and returns the final
// canonical transcript. Exactly one caller wins; later callers get
// ErrSessionNotFound.
func (m *Manager) Stop(ctx context.Context, id string) ([]models.Transcript, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.stopping {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.stopping = true
	m.mu.Unlock()

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			m.logger.Warn().Err(err).Str("sessionId", id).Msg("Spool watcher close failed")
		}
	}

	lost := s.pool.Drain(ctx)
	final := s.engine.FlushAndClose()

	// All release notifications are delivered once FlushAndClose returns,
	// so the persist queue can be closed and drained.
	close(s.persist)
	select {
	case <-s.persistDone:
	case <-ctx.Done():
		m.logger.Warn().Str("sessionId", id).Msg("Timed out waiting for release persistence")
	}

	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	endedAt := time.Now().UTC()

	if m.deps.Snapshots != nil {
		if err := m.deps.Snapshots.Write(id, final); err != nil {
			m.logger.Error().Err(err).Str("sessionId", id).Msg("Failed to write final snapshot")
		}
	}
	if m.deps.Repository != nil {
		if err := m.deps.Repository.CompleteSession(pctx, id, endedAt, len(final), lost); err != nil {
			m.logger.Error().Err(err).Str("sessionId", id).Msg("Failed to record session completion")
		}
	}
	if m.deps.Publisher != nil {
		err := m.deps.Publisher.PublishSessionCompleted(pctx, events.SessionCompletedEvent{
			SessionID:    id,
			Transcript:   final,
			SegmentCount: len(final),
			ChunksLost:   lost,
			CompletedAt:  endedAt,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("sessionId", id).Msg("Failed to publish session completion")
		}
	}
	m.broadcast(livefeed.NewSessionCompleted(id, final))

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	duration := endedAt.Sub(s.startedAt)
	m.metrics.RecordSessionEnd(duration.Seconds())
	m.logger.Info().
		Str("sessionId", id).
		Int("segments", len(final)).
		Int("chunksLost", lost).
		Dur("duration", duration).
		Msg("Session stopped")
	return final, nil
}

// StopAll stops every live session. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Error().Err(err).Str("sessionId", id).Msg("Failed to stop session")
		}
	}
}

// persistLoop writes released batches downstream in release order, off the
// engine's dispatch goroutine. Failures are logged and skipped; the
// canonical transcript lives in the engine regardless.
func (m *Manager) persistLoop(s *Session) {
	defer close(s.persistDone)
	for job := range s.persist {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if m.deps.Snapshots != nil {
			if err := m.deps.Snapshots.Write(s.id, s.engine.Snapshot()); err != nil {
				m.logger.Error().Err(err).Str("sessionId", s.id).Msg("Failed to write snapshot")
			}
		}
		if m.deps.Repository != nil {
			if err := m.deps.Repository.SaveSegments(ctx, s.id, job.batch); err != nil {
				m.logger.Error().Err(err).Str("sessionId", s.id).Msg("Failed to save released segments")
			}
		}
		if m.deps.Publisher != nil {
			err := m.deps.Publisher.PublishSegmentsReleased(ctx, events.SegmentsReleasedEvent{
				SessionID:  s.id,
				Segments:   job.batch,
				ReleasedAt: job.releasedAt,
			})
			if err != nil {
				m.logger.Error().Err(err).Str("sessionId", s.id).Msg("Failed to publish released segments")
			}
		}
		cancel()
	}
}

func (m *Manager) broadcast(ev livefeed.FeedEvent) {
	if m.deps.Feed != nil {
		m.deps.Feed.Broadcast(ev)
	}
}
