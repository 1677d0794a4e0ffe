// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration for the transcript assembly service,
// grouped by concern. Every field has a default so the service starts with
// no environment at all; invalid values fail Load rather than being
// silently replaced.
type Config struct {
	Service       ServiceConfig
	Reassembly    ReassemblyConfig
	Transcription TranscriptionConfig
	Spool         SpoolConfig
	Kafka         KafkaConfig
	Database      DatabaseConfig
	Snapshot      SnapshotConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service and its listen addresses.
type ServiceConfig struct {
	Principal       string        `env:"SERVICE_PRINCIPAL" envDefault:"svc-transcript-assembly"`
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	MetricsPort     string        `env:"METRICS_PORT" envDefault:"9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// ReassemblyConfig tunes the per-session reassembly engine.
type ReassemblyConfig struct {
	// StaleThreshold is how long a buffered segment may wait behind a gap
	// before it is released out of order.
	StaleThreshold time.Duration `env:"REASSEMBLY_STALE_THRESHOLD" envDefault:"3s"`
	// DebounceInterval is how often the engine re-checks the buffer for
	// stale segments while a gap is outstanding.
	DebounceInterval time.Duration `env:"REASSEMBLY_DEBOUNCE_INTERVAL" envDefault:"250ms"`
}

// TranscriptionConfig controls the chunk transcription pool and the
// speech-to-text provider behind it.
type TranscriptionConfig struct {
	Provider       string        `env:"STT_PROVIDER" envDefault:"mock"`
	LanguageCode   string        `env:"STT_LANGUAGE_CODE" envDefault:"en-US"`
	SampleRateHz   int           `env:"STT_SAMPLE_RATE_HZ" envDefault:"16000"`
	InterimResults bool          `env:"STT_INTERIM_RESULTS" envDefault:"true"`
	AudioEncoding  string        `env:"STT_AUDIO_ENCODING" envDefault:"LINEAR16"`
	Workers        int           `env:"TRANSCRIPTION_WORKERS" envDefault:"2"`
	QueueCapacity  int           `env:"TRANSCRIPTION_QUEUE_CAPACITY" envDefault:"64"`
	MinConfidence  float64       `env:"TRANSCRIPTION_MIN_CONFIDENCE" envDefault:"0"`
	ChunkTimeout   time.Duration `env:"TRANSCRIPTION_CHUNK_TIMEOUT" envDefault:"30s"`
}

// SpoolConfig controls the audio chunk spool watcher.
type SpoolConfig struct {
	Enabled bool   `env:"SPOOL_ENABLED" envDefault:"false"`
	Dir     string `env:"SPOOL_DIR" envDefault:"./spool"`
}

// KafkaConfig controls event publishing. When disabled the publisher logs
// events instead of writing them to a broker.
type KafkaConfig struct {
	Enabled        bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers        []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	TopicReleased  string   `env:"KAFKA_TOPIC_RELEASED" envDefault:"transcript.segments.released"`
	TopicCompleted string   `env:"KAFKA_TOPIC_COMPLETED" envDefault:"transcript.session.completed"`
	Principal      string   `env:"KAFKA_PRINCIPAL"`
}

// DatabaseConfig controls transcript persistence in Postgres. When disabled
// the repository is a no-op.
type DatabaseConfig struct {
	Enabled bool   `env:"DATABASE_ENABLED" envDefault:"false"`
	URL     string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/transcripts"`
}

// SnapshotConfig controls JSON transcript snapshots written to disk.
type SnapshotConfig struct {
	Enabled bool   `env:"SNAPSHOT_ENABLED" envDefault:"true"`
	Dir     string `env:"SNAPSHOT_DIR" envDefault:"./transcripts"`
}

// ObservabilityConfig controls logging output.
type ObservabilityConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// The Kafka principal defaults to the service principal so a single
	// identity covers both unless overridden.
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that tag defaults cannot express.
func (c *Config) Validate() error {
	if c.Reassembly.StaleThreshold < 0 {
		return fmt.Errorf("REASSEMBLY_STALE_THRESHOLD must not be negative, got %v", c.Reassembly.StaleThreshold)
	}
	if c.Reassembly.DebounceInterval <= 0 {
		return fmt.Errorf("REASSEMBLY_DEBOUNCE_INTERVAL must be positive, got %v", c.Reassembly.DebounceInterval)
	}
	if c.Transcription.Workers < 1 {
		return fmt.Errorf("TRANSCRIPTION_WORKERS must be at least 1, got %d", c.Transcription.Workers)
	}
	if c.Transcription.QueueCapacity < 1 {
		return fmt.Errorf("TRANSCRIPTION_QUEUE_CAPACITY must be at least 1, got %d", c.Transcription.QueueCapacity)
	}
	if c.Transcription.MinConfidence < 0 || c.Transcription.MinConfidence > 1 {
		return fmt.Errorf("TRANSCRIPTION_MIN_CONFIDENCE must be in [0, 1], got %v", c.Transcription.MinConfidence)
	}
	if c.Transcription.ChunkTimeout <= 0 {
		return fmt.Errorf("TRANSCRIPTION_CHUNK_TIMEOUT must be positive, got %v", c.Transcription.ChunkTimeout)
	}
	switch c.Transcription.Provider {
	case "mock", "google":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.Transcription.Provider)
	}
	if c.Spool.Enabled && c.Spool.Dir == "" {
		return fmt.Errorf("SPOOL_DIR must be set when the spool is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must be set when Kafka is enabled")
	}
	if c.Database.Enabled && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL must be set when the database is enabled")
	}
	if c.Snapshot.Enabled && c.Snapshot.Dir == "" {
		return fmt.Errorf("SNAPSHOT_DIR must be set when snapshots are enabled")
	}
	return nil
}
