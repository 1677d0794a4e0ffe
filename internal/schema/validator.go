// Package schema validates and normalizes segment events at the ingestion
// boundary, so the reassembly core only ever sees well-formed timing fields.
package schema

import (
	"fmt"
	"math"

	"transcript-assembly-service/internal/models"
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Normalize clamps malformed timing fields to safe values and returns the
// list of applied fixes. A segment is never rejected for malformed timing;
// losing transcript text is worse than slightly misplacing it.
func (v *Validator) Normalize(ev models.SegmentEvent) (models.SegmentEvent, []string) {
	var fixes []string

	ev.ChunkStartTime, fixes = clamp(ev.ChunkStartTime, "chunkStartTime", fixes)
	ev.AudioStartTime, fixes = clamp(ev.AudioStartTime, "audioStartTime", fixes)
	ev.AudioEndTime, fixes = clamp(ev.AudioEndTime, "audioEndTime", fixes)
	ev.Duration, fixes = clamp(ev.Duration, "duration", fixes)

	if ev.AudioEndTime < ev.AudioStartTime {
		fixes = append(fixes, fmt.Sprintf("audioEndTime %.3f before audioStartTime %.3f, collapsed window", ev.AudioEndTime, ev.AudioStartTime))
		ev.AudioEndTime = ev.AudioStartTime
	}

	if ev.Confidence != nil {
		c := *ev.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			fixes = append(fixes, fmt.Sprintf("confidence %v out of range, dropped", c))
			ev.Confidence = nil
		}
	}

	return ev, fixes
}

func clamp(val float64, field string, fixes []string) (float64, []string) {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, append(fixes, field+" not a finite number, reset to 0")
	}
	if val < 0 {
		return 0, append(fixes, fmt.Sprintf("%s %.3f negative, reset to 0", field, val))
	}
	return val, fixes
}
