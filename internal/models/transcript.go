// Package models defines the data structures for transcript segments.
package models

import (
	"fmt"
	"time"
)

// SegmentEvent is one unit of recognized text emitted by a transcription
// producer. SequenceID is assigned by the producer in chunk order and is
// unique within a recording session; because workers complete out of order,
// events may arrive in any order and may be delivered more than once.
type SegmentEvent struct {
	SequenceID     uint64   `json:"sequenceId"`
	Text           string   `json:"text"`
	IsPartial      bool     `json:"isPartial"`
	ChunkStartTime float64  `json:"chunkStartTime"`
	AudioStartTime float64  `json:"audioStartTime"`
	AudioEndTime   float64  `json:"audioEndTime"`
	Duration       float64  `json:"duration"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Source         string   `json:"source,omitempty"`

	// ArrivalTime is stamped when the engine accepts the event.
	// It is not part of the wire payload.
	ArrivalTime time.Time `json:"-"`
}

// Transcript is one canonical record of the reassembled transcript,
// produced when a segment is released. The canonical transcript is sorted
// by (ChunkStartTime, SequenceID) ascending and never contains two records
// with the same SequenceID.
type Transcript struct {
	ID             string    `json:"id"`
	SequenceID     uint64    `json:"sequenceId"`
	Text           string    `json:"text"`
	IsPartial      bool      `json:"isPartial"`
	ChunkStartTime float64   `json:"chunkStartTime"`
	AudioStartTime float64   `json:"audioStartTime"`
	AudioEndTime   float64   `json:"audioEndTime"`
	Duration       float64   `json:"duration"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Source         string    `json:"source,omitempty"`
	DisplayTime    string    `json:"displayTime"`
	ReleasedAt     time.Time `json:"releasedAt"`
}

// NewTranscript builds the canonical record for a released segment.
func NewTranscript(ev SegmentEvent, releasedAt time.Time) Transcript {
	return Transcript{
		ID:             fmt.Sprintf("seg_%d", ev.SequenceID),
		SequenceID:     ev.SequenceID,
		Text:           ev.Text,
		IsPartial:      ev.IsPartial,
		ChunkStartTime: ev.ChunkStartTime,
		AudioStartTime: ev.AudioStartTime,
		AudioEndTime:   ev.AudioEndTime,
		Duration:       ev.Duration,
		Confidence:     ev.Confidence,
		Source:         ev.Source,
		DisplayTime:    FormatDisplayTime(ev.AudioStartTime),
		ReleasedAt:     releasedAt,
	}
}

// Less reports whether t sorts before other in canonical transcript order.
// ChunkStartTime is the primary key; ties break by SequenceID ascending.
func (t Transcript) Less(other Transcript) bool {
	if t.ChunkStartTime != other.ChunkStartTime {
		return t.ChunkStartTime < other.ChunkStartTime
	}
	return t.SequenceID < other.SequenceID
}

// FormatDisplayTime renders a recording-relative offset in seconds as the
// "[MM:SS]" label shown next to each transcript line.
func FormatDisplayTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("[%02d:%02d]", total/60, total%60)
}
