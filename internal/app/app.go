// Package app wires configuration, downstream consumers, the session
// manager and both HTTP servers into one runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transcript-assembly-service/internal/config"
	"transcript-assembly-service/internal/events"
	apihttp "transcript-assembly-service/internal/http"
	"transcript-assembly-service/internal/livefeed"
	"transcript-assembly-service/internal/observability"
	"transcript-assembly-service/internal/reassembly"
	"transcript-assembly-service/internal/repository"
	"transcript-assembly-service/internal/service/stt"
	"transcript-assembly-service/internal/service/stt/google"
	"transcript-assembly-service/internal/service/stt/mock"
	"transcript-assembly-service/internal/service/transcription"
	"transcript-assembly-service/internal/session"
	"transcript-assembly-service/internal/transcript"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Cfg         *config.Config

	Manager *session.Manager
	Hub     *livefeed.Hub

	publisher *events.Publisher
	repo      repository.Repository
	google    *google.Provider

	apiServer *http.Server
	obsServer *observability.Server
	hubCancel context.CancelFunc

	ready  atomic.Bool
	logger zerolog.Logger
}

// New constructs the application from the provided configuration. It
// connects to Postgres and dials the Speech API as configured; a failure
// in either aborts startup.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:    cfg,
		logger: log.With().Str("component", "app").Logger(),
	}

	a.publisher = events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicReleased:  cfg.Kafka.TopicReleased,
		TopicCompleted: cfg.Kafka.TopicCompleted,
		Principal:      cfg.Kafka.Principal,
	})

	if cfg.Database.Enabled {
		pg, err := repository.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.repo = pg
	} else {
		a.repo = repository.NewNoop()
	}

	factories := map[string]stt.Factory{
		"mock": func(context.Context) (stt.Adapter, error) { return mock.New(), nil },
	}
	// The Google factory is only wired when configured as the default
	// provider, so a service running on the mock never needs credentials.
	if cfg.Transcription.Provider == "google" {
		provider, err := google.NewProvider(ctx, google.Config{
			LanguageCode:   cfg.Transcription.LanguageCode,
			SampleRateHz:   cfg.Transcription.SampleRateHz,
			InterimResults: cfg.Transcription.InterimResults,
			AudioEncoding:  cfg.Transcription.AudioEncoding,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing speech api: %w", err)
		}
		a.google = provider
		factories["google"] = provider.NewSession
	}

	a.Hub = livefeed.NewHub()

	deps := session.Deps{
		Reassembly: reassembly.Config{
			StaleThreshold:   cfg.Reassembly.StaleThreshold,
			DebounceInterval: cfg.Reassembly.DebounceInterval,
		},
		Transcription: transcription.Config{
			Provider:      cfg.Transcription.Provider,
			Workers:       cfg.Transcription.Workers,
			QueueCapacity: cfg.Transcription.QueueCapacity,
			MinConfidence: cfg.Transcription.MinConfidence,
			ChunkTimeout:  cfg.Transcription.ChunkTimeout,
		},
		Factories:    factories,
		SpoolEnabled: cfg.Spool.Enabled,
		SpoolDir:     cfg.Spool.Dir,
		Publisher:    a.publisher,
		Repository:   a.repo,
		Feed:         a.Hub,
	}
	if cfg.Snapshot.Enabled {
		deps.Snapshots = transcript.NewWriter(cfg.Snapshot.Dir)
	}
	a.Manager = session.NewManager(deps)

	// The API server carries no read/write timeouts: the feed endpoint
	// holds its connections open.
	a.apiServer = &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: apihttp.NewRouter(apihttp.Deps{
			Manager: a.Manager,
			Feed:    a.Hub,
			Ready:   a.Ready,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.obsServer = observability.NewServer(":"+cfg.Service.MetricsPort, a.Ready)

	a.logger.Info().Msg("Transcript assembly service application created")
	return a, nil
}

// Start brings up the live feed hub and both HTTP listeners, then marks
// the service ready.
func (a *Application) Start() {
	a.StartupTime = time.Now().UTC()

	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	go a.Hub.Run(hubCtx)

	a.obsServer.Start()

	go func() {
		a.logger.Info().Str("addr", a.apiServer.Addr).Msg("Starting API server")
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal().Err(err).Msg("API server failed")
		}
	}()

	a.ready.Store(true)
	a.logger.Info().
		Time("startupTime", a.StartupTime).
		Str("provider", a.Cfg.Transcription.Provider).
		Bool("kafka", a.Cfg.Kafka.Enabled).
		Bool("database", a.Cfg.Database.Enabled).
		Bool("spool", a.Cfg.Spool.Enabled).
		Msg("Transcript assembly service started")
}

// Ready reports whether the service is accepting traffic.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown flushes every live session and stops the servers. The context
// bounds the whole sequence.
func (a *Application) Shutdown(ctx context.Context) {
	a.ready.Store(false)
	a.logger.Info().Msg("Transcript assembly service shutting down")

	a.Manager.StopAll(ctx)

	if a.hubCancel != nil {
		a.hubCancel()
	}
	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("API server shutdown failed")
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Observability server shutdown failed")
	}

	if err := a.publisher.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Kafka publisher close failed")
	}
	a.repo.Close()
	if a.google != nil {
		if err := a.google.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Speech client close failed")
		}
	}

	a.logger.Info().Msg("Shutdown complete")
}
