// Package app wires storage, the collector, its sink and the outer surfaces
// (HTTP API, Lua script) into one process lifecycle.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/config"
)

// App owns the service container and the run context.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Services returns the service container.
func (a *App) Services() *Services {
	return a.services
}

// Start starts all services. A fatal service error cancels the run
// context, which Wait observes.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		a.cancel()
		return err
	}

	id := a.services.Collector.Identity()
	log.Info().
		Str("session_id", id.SessionID).
		Str("user_id", id.UserID).
		Str("sink", a.cfg.Sink.Type).
		Msg("trackerd started")
	return nil
}

// Wait blocks until the run context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// Stop shuts everything down; pending events get one final flush.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// Run starts the app, waits for ctx or a fatal error, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		// Whatever did start still gets its final flush
		if stopErr := a.Stop(); stopErr != nil {
			log.Error().Err(stopErr).Msg("Error during shutdown")
		}
		return err
	}
	a.Wait()
	return a.Stop()
}

// SignalContext returns a context cancelled on the first SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		signal.Stop(sigChan)
		cancel()
	}()

	return ctx
}
