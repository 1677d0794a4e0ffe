// Package events publishes transcript lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability/metrics"
)

// SegmentsReleasedEvent is emitted each time the reassembly engine releases
// a batch of segments into a session's canonical transcript.
type SegmentsReleasedEvent struct {
	SessionID  string              `json:"sessionId"`
	Segments   []models.Transcript `json:"segments"`
	ReleasedAt time.Time           `json:"releasedAt"`
}

// SessionCompletedEvent is emitted once per session when it is stopped and
// its transcript has been force flushed.
type SessionCompletedEvent struct {
	SessionID    string              `json:"sessionId"`
	Transcript   []models.Transcript `json:"transcript"`
	SegmentCount int                 `json:"segmentCount"`
	ChunksLost   int                 `json:"chunksLost"`
	CompletedAt  time.Time           `json:"completedAt"`
}

// Publisher publishes transcript events to separate Kafka topics.
type Publisher struct {
	writerReleased  *kafka.Writer
	writerCompleted *kafka.Writer
	principal       string
	topicReleased   string
	topicCompleted  string
	enabled         bool
	metrics         *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string
	TopicReleased  string
	TopicCompleted string
	Principal      string
	Enabled        bool
}

// New creates a Kafka event publisher with separate topics for released
// batches and completed sessions. With a nil or disabled config the
// publisher runs in log-only mode.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:      cfg.Principal,
			topicReleased:  cfg.TopicReleased,
			topicCompleted: cfg.TopicCompleted,
			enabled:        false,
			metrics:        m,
		}
	}

	// Custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writerReleased := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicReleased,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	writerCompleted := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TopicCompleted,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicReleased", cfg.TopicReleased).
		Str("topicCompleted", cfg.TopicCompleted).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerReleased:  writerReleased,
		writerCompleted: writerCompleted,
		principal:       cfg.Principal,
		topicReleased:   cfg.TopicReleased,
		topicCompleted:  cfg.TopicCompleted,
		enabled:         true,
		metrics:         m,
	}
}

// PublishSegmentsReleased publishes a released batch, keyed by session so
// consumers see one session's batches in order.
func (p *Publisher) PublishSegmentsReleased(ctx context.Context, event SegmentsReleasedEvent) error {
	return p.publish(ctx, p.writerReleased, p.topicReleased, "released", event.SessionID, event)
}

// PublishSessionCompleted publishes the final transcript for a session.
func (p *Publisher) PublishSessionCompleted(ctx context.Context, event SessionCompletedEvent) error {
	return p.publish(ctx, p.writerCompleted, p.topicCompleted, "completed", event.SessionID, event)
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerReleased != nil {
		if e := p.writerReleased.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing released writer")
			err = e
		}
	}
	if p.writerCompleted != nil {
		if e := p.writerCompleted.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing completed writer")
			err = e
		}
	}
	return err
}
