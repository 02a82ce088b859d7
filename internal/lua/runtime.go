package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/trackerd/internal/kv"
	"github.com/dokzlo13/trackerd/internal/lua/modules"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L *lua.LState

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	// Shutdown signaling - closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
	started   bool
	stopped   chan struct{}
}

// NewRuntime creates a new Lua runtime with the log, tracker and kv modules preloaded
func NewRuntime(collector *tracker.Collector, store *sink.Store, manager *kv.Manager) *Runtime {
	r := &Runtime{
		L:         lua.NewState(),
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	r.L.PreloadModule("log", modules.NewLogModule().Loader)
	r.L.PreloadModule("tracker", modules.NewTrackerModule(collector, store).Loader)
	r.L.PreloadModule("kv", modules.NewKVModule(manager).Loader)

	return r
}

// Start launches the worker goroutine.
func (r *Runtime) Start(ctx context.Context) {
	r.started = true
	go r.run(ctx)
}

// Close signals the runtime to stop accepting new work, waits for the
// worker to exit if it was started, and closes the Lua state.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	if r.started {
		<-r.stopped
	}
	r.L.Close()
}

// DoSync queues work, waits for space, and waits for it to finish.
func (r *Runtime) DoSync(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(c context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("lua work panicked: %v", rec)
			}
		}()
		done <- work(c)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// run is the worker loop - this is the ONLY goroutine that touches Lua
// once the script is loaded. Exits when ctx is cancelled or the runtime is closed.
func (r *Runtime) run(ctx context.Context) {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Set context on LState so modules can access it via L.Context()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript executes a Lua file (must be called before Start)
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Msg("Lua script loaded successfully")
	return nil
}

// LoadString executes a Lua chunk (must be called before Start)
func (r *Runtime) LoadString(source string) error {
	if err := r.L.DoString(source); err != nil {
		return fmt.Errorf("failed to execute Lua chunk: %w", err)
	}
	return nil
}

// CallHook calls a global Lua function by name, if the script defined one.
// Runs on the worker goroutine and waits for the result.
func (r *Runtime) CallHook(ctx context.Context, name string, args ...lua.LValue) error {
	return r.DoSync(ctx, func(context.Context) error {
		fn, ok := r.L.GetGlobal(name).(*lua.LFunction)
		if !ok {
			return nil
		}
		return r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	})
}
