package events

import (
	"context"
	"testing"
	"time"

	"transcript-assembly-service/internal/models"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"nil brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerReleased != nil {
				t.Error("expected nil released writer when disabled")
			}
			if p.writerCompleted != nil {
				t.Error("expected nil completed writer when disabled")
			}
		})
	}
}

func TestNew_NilConfig(t *testing.T) {
	p := New(nil)
	if p == nil {
		t.Fatal("expected non-nil publisher")
	}
	if p.enabled {
		t.Error("expected publisher to be disabled with nil config")
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		TopicReleased:  "test.released",
		TopicCompleted: "test.completed",
		Principal:      "test-principal",
	}

	p := New(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicReleased != "test.released" {
		t.Errorf("expected released topic 'test.released', got %s", p.topicReleased)
	}
	if p.topicCompleted != "test.completed" {
		t.Errorf("expected completed topic 'test.completed', got %s", p.topicCompleted)
	}
}

func TestPublisher_PublishSegmentsReleased_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := SegmentsReleasedEvent{
		SessionID: "sess-123",
		Segments: []models.Transcript{
			{ID: "seg_1", SequenceID: 1, Text: "hello"},
		},
		ReleasedAt: time.Now(),
	}

	if err := p.PublishSegmentsReleased(context.Background(), event); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishSessionCompleted_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := SessionCompletedEvent{
		SessionID:    "sess-123",
		SegmentCount: 2,
		Transcript: []models.Transcript{
			{ID: "seg_1", SequenceID: 1, Text: "hello"},
			{ID: "seg_2", SequenceID: 2, Text: "world"},
		},
		CompletedAt: time.Now(),
	}

	if err := p.PublishSessionCompleted(context.Background(), event); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_publish_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Channels cannot be marshaled to JSON.
	event := make(chan int)
	err := p.publish(context.Background(), nil, "test.topic", "released", "key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_Close_NilWriters(t *testing.T) {
	p := &Publisher{
		writerReleased:  nil,
		writerCompleted: nil,
	}

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}
