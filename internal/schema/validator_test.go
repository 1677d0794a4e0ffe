package schema

import (
	"math"
	"testing"

	"transcript-assembly-service/internal/models"
)

func TestNormalize_ValidEventUntouched(t *testing.T) {
	v := New()
	conf := 0.91
	ev := models.SegmentEvent{
		SequenceID:     1,
		Text:           "hello",
		ChunkStartTime: 1.5,
		AudioStartTime: 10.0,
		AudioEndTime:   13.0,
		Duration:       3.0,
		Confidence:     &conf,
	}

	got, fixes := v.Normalize(ev)

	if len(fixes) != 0 {
		t.Errorf("expected no fixes, got %v", fixes)
	}
	if got.ChunkStartTime != 1.5 || got.AudioEndTime != 13.0 {
		t.Errorf("valid fields were modified: %+v", got)
	}
	if got.Confidence == nil || *got.Confidence != 0.91 {
		t.Errorf("confidence was modified: %v", got.Confidence)
	}
}

func TestNormalize_ClampsNegativeTimes(t *testing.T) {
	v := New()
	ev := models.SegmentEvent{
		SequenceID:     2,
		Text:           "negative",
		ChunkStartTime: -4.2,
		AudioStartTime: -1.0,
		Duration:       -0.5,
	}

	got, fixes := v.Normalize(ev)

	if got.ChunkStartTime != 0 || got.AudioStartTime != 0 || got.Duration != 0 {
		t.Errorf("negative times not clamped: %+v", got)
	}
	if len(fixes) != 3 {
		t.Errorf("expected 3 fixes, got %d: %v", len(fixes), fixes)
	}
}

func TestNormalize_ResetsNaNAndInf(t *testing.T) {
	v := New()
	ev := models.SegmentEvent{
		SequenceID:     3,
		ChunkStartTime: math.NaN(),
		AudioEndTime:   math.Inf(1),
	}

	got, fixes := v.Normalize(ev)

	if got.ChunkStartTime != 0 {
		t.Errorf("NaN chunkStartTime not reset: %v", got.ChunkStartTime)
	}
	if got.AudioEndTime != 0 {
		t.Errorf("Inf audioEndTime not reset: %v", got.AudioEndTime)
	}
	if len(fixes) == 0 {
		t.Error("expected fixes to be reported")
	}
}

func TestNormalize_CollapsesInvertedWindow(t *testing.T) {
	v := New()
	ev := models.SegmentEvent{
		SequenceID:     4,
		AudioStartTime: 20.0,
		AudioEndTime:   5.0,
	}

	got, _ := v.Normalize(ev)

	if got.AudioEndTime != got.AudioStartTime {
		t.Errorf("inverted window not collapsed: start=%v end=%v", got.AudioStartTime, got.AudioEndTime)
	}
}

func TestNormalize_DropsOutOfRangeConfidence(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"above one", 1.7},
		{"negative", -0.2},
		{"nan", math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			c := tt.value
			got, fixes := v.Normalize(models.SegmentEvent{SequenceID: 5, Confidence: &c})

			if got.Confidence != nil {
				t.Errorf("expected confidence dropped, got %v", *got.Confidence)
			}
			if len(fixes) != 1 {
				t.Errorf("expected 1 fix, got %v", fixes)
			}
		})
	}
}
