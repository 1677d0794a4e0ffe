// Package livefeed streams transcript updates to display clients over
// WebSocket. The hub fans released batches out to every connected client;
// slow or broken clients are dropped rather than ever blocking a release.
package livefeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/metrics"
)

// Feed event types.
const (
	EventSessionStarted   = "session.started"
	EventSegmentsAdded    = "transcript.segments.added"
	EventSpeechDetected   = "speech.detected"
	EventSessionCompleted = "session.completed"
)

// FeedEvent is one frame on the live feed.
type FeedEvent struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId"`
	Segments  []models.Transcript `json:"segments,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// NewSessionStarted builds the frame announcing a new session.
func NewSessionStarted(sessionID string) FeedEvent {
	return FeedEvent{Type: EventSessionStarted, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// NewSegmentsAdded builds the frame for a released batch.
func NewSegmentsAdded(sessionID string, segments []models.Transcript) FeedEvent {
	return FeedEvent{Type: EventSegmentsAdded, SessionID: sessionID, Segments: segments, Timestamp: time.Now().UTC()}
}

// NewSpeechDetected builds the frame for the first speech in a session.
func NewSpeechDetected(sessionID string) FeedEvent {
	return FeedEvent{Type: EventSpeechDetected, SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// NewSessionCompleted builds the frame carrying the final transcript.
func NewSessionCompleted(sessionID string, transcript []models.Transcript) FeedEvent {
	return FeedEvent{Type: EventSessionCompleted, SessionID: sessionID, Segments: transcript, Timestamp: time.Now().UTC()}
}

const writeTimeout = 5 * time.Second

// Hub manages WebSocket connections.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FeedEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub returns a hub ready for Run.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FeedEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "livefeed").Logger(),
		metrics:    metrics.DefaultMetrics,
	}
}

// Run processes registration and broadcast traffic until the context is
// canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordFeedConnect()
			h.logger.Info().Int("clients", count).Msg("Feed client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

// Broadcast queues a frame for delivery. It never blocks; if the hub is
// backed up the frame is dropped with a warning.
func (h *Hub) Broadcast(ev FeedEvent) {
	select {
	case h.broadcast <- ev:
		h.metrics.RecordFeedBroadcast()
	default:
		h.logger.Warn().
			Str("type", ev.Type).
			Str("sessionId", ev.SessionID).
			Msg("Feed backlog full, dropping frame")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(ev FeedEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.metrics.RecordFeedClientError()
			h.logger.Warn().Err(err).Msg("Feed write failed, dropping client")
			h.drop(conn)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, known := h.clients[conn]
	if known {
		delete(h.clients, conn)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if known {
		conn.Close()
		h.metrics.RecordFeedDisconnect()
		h.logger.Info().Int("clients", count).Msg("Feed client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
		h.metrics.RecordFeedDisconnect()
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // display clients connect from any origin
	},
}

// ServeWS upgrades the request and attaches the client to the hub. The
// read side only watches for disconnects; the feed is one-way.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
