package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/config"
	"github.com/dokzlo13/trackerd/internal/server"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/stream"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// HTTPService runs the HTTP API server.
type HTTPService struct {
	cfg    *config.Config
	server *server.Server
	stream *stream.Broadcaster
	done   chan struct{}
}

// NewHTTPService creates a new HTTPService.
func NewHTTPService(cfg *config.Config, collector *tracker.Collector, store *sink.Store, broadcaster *stream.Broadcaster) *HTTPService {
	srv := server.New(cfg.HTTP.GetHost(), cfg.HTTP.GetPort(), collector, store, server.Options{
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
		Metrics:      cfg.Metrics.Enabled,
		Stream:       broadcaster,
	})
	return &HTTPService{cfg: cfg, server: srv, stream: broadcaster}
}

// Start begins the API server if enabled.
func (s *HTTPService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.HTTP.Enabled {
		log.Info().Msg("HTTP API is disabled")
		return
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		// Stream connections are hijacked, so server shutdown doesn't close them
		defer s.stream.Close()
		if err := s.server.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			onFatalError(err)
		}
	}()
}

// Wait blocks until the server has stopped.
func (s *HTTPService) Wait() {
	if s.done != nil {
		<-s.done
	}
}
