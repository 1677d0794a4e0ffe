// Package repository persists sessions and released transcript segments.
package repository

import (
	"context"
	"time"

	"transcript-assembly-service/internal/models"
)

// Repository stores sessions and their released segments. Writes happen on
// the release path, so implementations must tolerate retried batches:
// saving the same segment twice must not produce duplicate rows.
type Repository interface {
	CreateSession(ctx context.Context, sessionID string, startedAt time.Time) error
	SaveSegments(ctx context.Context, sessionID string, segments []models.Transcript) error
	CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, segmentCount, chunksLost int) error
	Ping(ctx context.Context) error
	Close()
}

// Noop is the disabled-mode repository. Every operation succeeds without
// touching storage.
type Noop struct{}

// NewNoop returns a repository that drops all writes.
func NewNoop() *Noop {
	return &Noop{}
}

func (*Noop) CreateSession(context.Context, string, time.Time) error { return nil }

func (*Noop) SaveSegments(context.Context, string, []models.Transcript) error { return nil }

func (*Noop) CompleteSession(context.Context, string, time.Time, int, int) error { return nil }

func (*Noop) Ping(context.Context) error { return nil }

func (*Noop) Close() {}
