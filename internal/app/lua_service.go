package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/config"
	"github.com/dokzlo13/trackerd/internal/kv"
	luart "github.com/dokzlo13/trackerd/internal/lua"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Script hooks called when defined as globals.
const (
	hookStart    = "on_start"
	hookShutdown = "on_shutdown"
)

// LuaService wraps the Lua runtime and its script lifecycle hooks.
type LuaService struct {
	cfg     *config.Config
	Runtime *luart.Runtime
	started bool
}

// NewLuaService creates the runtime. The script is not run until Start.
func NewLuaService(cfg *config.Config, collector *tracker.Collector, store *sink.Store, manager *kv.Manager) *LuaService {
	return &LuaService{
		cfg:     cfg,
		Runtime: luart.NewRuntime(collector, store, manager),
	}
}

// Start runs the script's top-level code, begins the Lua worker goroutine
// and runs the start hook.
func (s *LuaService) Start(ctx context.Context) error {
	if err := s.Runtime.LoadScript(s.cfg.Script); err != nil {
		return err
	}

	// The worker outlives ctx so the shutdown hook can still run.
	s.Runtime.Start(context.WithoutCancel(ctx))
	s.started = true

	if err := s.Runtime.CallHook(ctx, hookStart); err != nil {
		log.Error().Err(err).Msg("Lua on_start hook failed")
	}
	return nil
}

// Shutdown runs the shutdown hook, bounded by the shutdown timeout.
func (s *LuaService) Shutdown() {
	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	if err := s.Runtime.CallHook(ctx, hookShutdown); err != nil {
		log.Error().Err(err).Msg("Lua on_shutdown hook failed")
	}
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
		s.Runtime = nil
	}
}
