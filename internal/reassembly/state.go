package reassembly

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a session's segment stream.
type State int

const (
	// StateOpen - stream is accepting segments.
	StateOpen State = iota
	// StateFlushing - force-flush is draining the buffer.
	StateFlushing
	// StateClosed - stream is closed, no further segments are accepted.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFlushing:
		return "FLUSHING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the stream has been closed.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// ErrStreamClosed is returned when a segment is inserted after
// flush-and-close. A producer that keeps emitting after signalling stream
// end has a bug, and the caller needs to know about it.
var ErrStreamClosed = errors.New("stream is closed")

// Lifecycle manages the state machine for one session's segment stream.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	OPEN → FLUSHING → CLOSED
//	  │        │
//	  │        └── BeginFlush() ──→ only once
//	  │
//	  └── inserts accepted only here
//
// Rules:
//   - OPEN: inserts accepted, force-flush allowed (once)
//   - FLUSHING: inserts rejected while the buffer drains
//   - CLOSED: inserts rejected, repeated flushes are no-ops
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a new stream lifecycle in OPEN state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateOpen}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// CheckInsert returns nil if the stream is accepting segments,
// ErrStreamClosed otherwise.
func (l *Lifecycle) CheckInsert() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateOpen {
		return ErrStreamClosed
	}
	return nil
}

// BeginFlush transitions OPEN to FLUSHING.
// Returns false if a flush already ran or is in progress, which makes
// force-flush idempotent for callers.
func (l *Lifecycle) BeginFlush() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return false
	}
	l.state = StateFlushing
	return true
}

// FinishFlush transitions FLUSHING to CLOSED.
func (l *Lifecycle) FinishFlush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}

// IsClosed reports whether the stream no longer accepts segments.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state != StateOpen
}
