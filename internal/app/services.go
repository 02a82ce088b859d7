package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/config"
	"github.com/dokzlo13/trackerd/internal/db"
	"github.com/dokzlo13/trackerd/internal/kv"
	"github.com/dokzlo13/trackerd/internal/metrics"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/stream"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB    *db.DB
	KV    *kv.Manager
	Store *sink.Store

	// Event pipeline
	Sink      tracker.Sink
	Collector *tracker.Collector
	Stream    *stream.Broadcaster

	// High-level services
	Flusher *CollectorService
	Lua     *LuaService // nil when no script is configured
	HTTP    *HTTPService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.KV = kv.NewManager(database.DB)
	s.Store = sink.NewStore(database.DB)

	s.Sink, err = newSink(cfg, s.Store)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Stream = stream.NewBroadcaster()

	bucket := s.KV.Bucket(cfg.Collector.Bucket, cfg.Collector.IsPersistent())
	s.Collector = tracker.NewCollector(bucket, s.Sink, tracker.Options{
		HistoryLimit: cfg.Collector.HistoryLimit,
		Page: tracker.PageContext{
			URL:       cfg.Collector.URL,
			UserAgent: cfg.Collector.UserAgent,
			Referrer:  cfg.Collector.Referrer,
		},
		OnRecord: s.Stream.PublishEvent,
	})

	s.Flusher = NewCollectorService(cfg, s.Collector)

	if cfg.Script != "" {
		s.Lua = NewLuaService(cfg, s.Collector, s.Store, s.KV)
	}

	s.HTTP = NewHTTPService(cfg, s.Collector, s.Store, s.Stream)

	return s, nil
}

// newSink builds the configured delivery target.
func newSink(cfg *config.Config, store *sink.Store) (tracker.Sink, error) {
	sc := cfg.Sink
	switch sc.Type {
	case config.SinkSimulated:
		log.Info().
			Float64("success_rate", sc.SuccessRate).
			Dur("min_latency", sc.MinLatency.Duration()).
			Dur("max_latency", sc.MaxLatency.Duration()).
			Msg("Using simulated sink")
		return sink.NewSimulated(store, sc.SuccessRate, sc.MinLatency.Duration(), sc.MaxLatency.Duration()), nil
	case config.SinkHTTP:
		if sc.URL == "" {
			return nil, fmt.Errorf("sink.url is required for the http sink")
		}
		log.Info().Str("url", sc.URL).Msg("Using HTTP sink")
		return sink.NewHTTP(sc.URL, sc.Timeout.Duration(), sc.Breaker.MaxFailures, sc.Breaker.OpenTimeout.Duration()), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", sc.Type)
	}
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the API port is taken).
// The session's page_load is recorded before the script runs.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.Flusher.Start(ctx)
	if s.Lua != nil {
		if err := s.Lua.Start(ctx); err != nil {
			return err
		}
	}
	s.HTTP.Start(ctx, onFatalError)
	return nil
}

// Stop gracefully stops all services. The Lua shutdown hook runs before
// the final flush so events it records are included.
func (s *Services) Stop() error {
	s.HTTP.Wait()
	if s.Lua != nil {
		s.Lua.Shutdown()
	}
	s.Flusher.Stop()
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
