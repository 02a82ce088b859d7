package lua

import (
	"context"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/trackerd/internal/db"
	"github.com/dokzlo13/trackerd/internal/kv"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

const testScript = `
local tracker = require("tracker")
local log = require("log")

tracker.track("page_load", "/home", { campaign = "spring" })
log.info("script loaded", { session = tracker.session() })

function on_start()
	tracker.track("product_click", "sku-1")
end

function on_shutdown()
	flushed = tracker.flush()
	local summary = tracker.analytics()
	total = summary.total_events
	clicks = summary.funnel.product_click
end
`

func setupRuntime(t *testing.T) (*Runtime, *tracker.Collector, *sink.Store) {
	r, collector, store, _ := setupRuntimeWithKV(t)
	return r, collector, store
}

func setupRuntimeWithKV(t *testing.T) (*Runtime, *tracker.Collector, *sink.Store, *kv.Manager) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "lua.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := sink.NewStore(database.DB)
	collector := tracker.NewCollector(kv.NewMemoryBucket("test"), sink.NewSimulated(store, 1, 0, 0), tracker.Options{})

	manager := kv.NewManager(database.DB)

	return NewRuntime(collector, store, manager), collector, store, manager
}

func TestRuntime_ScriptTracksEvents(t *testing.T) {
	r, collector, store := setupRuntime(t)
	ctx := context.Background()

	if err := r.LoadString(testScript); err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	pending := collector.Pending()
	if len(pending) != 1 || pending[0].EventData != "/home" || pending[0].Properties["campaign"] != "spring" {
		t.Fatalf("pending after load = %+v", pending)
	}

	r.Start(ctx)
	defer r.Close()

	if err := r.CallHook(ctx, "on_start"); err != nil {
		t.Fatalf("on_start: %v", err)
	}
	if n := len(collector.Pending()); n != 2 {
		t.Fatalf("pending after on_start = %d, want 2", n)
	}

	if err := r.CallHook(ctx, "on_shutdown"); err != nil {
		t.Fatalf("on_shutdown: %v", err)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Errorf("store count = %d, want 2", n)
	}

	var flushed, total, clicks lua.LValue
	err := r.DoSync(ctx, func(context.Context) error {
		flushed = r.L.GetGlobal("flushed")
		total = r.L.GetGlobal("total")
		clicks = r.L.GetGlobal("clicks")
		return nil
	})
	if err != nil {
		t.Fatalf("DoSync: %v", err)
	}
	if flushed.String() != string(tracker.FlushDelivered) {
		t.Errorf("flushed = %v, want %s", flushed, tracker.FlushDelivered)
	}
	if total != lua.LNumber(2) || clicks != lua.LNumber(1) {
		t.Errorf("total = %v, clicks = %v; want 2, 1", total, clicks)
	}
}

func TestRuntime_MissingHookIsNoop(t *testing.T) {
	r, _, _ := setupRuntime(t)
	ctx := context.Background()
	r.Start(ctx)
	defer r.Close()

	if err := r.CallHook(ctx, "not_defined"); err != nil {
		t.Errorf("CallHook on missing function = %v, want nil", err)
	}
}

func TestRuntime_HookErrorIsReturned(t *testing.T) {
	r, _, _ := setupRuntime(t)
	ctx := context.Background()

	if err := r.LoadString(`function on_start() error("boom") end`); err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	r.Start(ctx)
	defer r.Close()

	if err := r.CallHook(ctx, "on_start"); err == nil {
		t.Error("expected error from failing hook")
	}
}

func TestRuntime_ClosedRejectsWork(t *testing.T) {
	r, _, _ := setupRuntime(t)
	ctx := context.Background()
	r.Start(ctx)
	r.Close()

	if err := r.CallHook(ctx, "on_start"); err != ErrRuntimeClosed {
		t.Errorf("CallHook after Close = %v, want ErrRuntimeClosed", err)
	}
}

func TestRuntime_BadScript(t *testing.T) {
	r, _, _ := setupRuntime(t)
	defer r.Close()

	if err := r.LoadString(`this is not lua`); err == nil {
		t.Error("expected syntax error")
	}
	if err := r.LoadScript(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRuntime_KVBucketsPersistValues(t *testing.T) {
	r, _, _, manager := setupRuntimeWithKV(t)
	defer r.Close()

	script := `
local kv = require("kv")
local b = kv.bucket("counters")
b:set("visits", 3)
b:set("last", { path = "/home" })
visits = b:get("visits")
last_path = b:get("last").path
missing = b:get("nope")
`
	if err := r.LoadString(script); err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	if v := r.L.GetGlobal("visits"); v != lua.LNumber(3) {
		t.Errorf("visits = %v, want 3", v)
	}
	if v := r.L.GetGlobal("last_path"); v != lua.LString("/home") {
		t.Errorf("last_path = %v, want /home", v)
	}
	if v := r.L.GetGlobal("missing"); v != lua.LNil {
		t.Errorf("missing = %v, want nil", v)
	}

	raw, ok, err := manager.Bucket("lua:counters", true).Get("visits")
	if err != nil || !ok || raw != "3" {
		t.Errorf("stored visits = %q, %v, %v; want \"3\"", raw, ok, err)
	}
}

func TestRuntime_NonFiniteNumbersAreTrackedAsNull(t *testing.T) {
	r, collector, store := setupRuntime(t)
	defer r.Close()

	script := `
local tracker = require("tracker")
tracker.track("scroll_depth", 0/0, { ratio = 1/0 })
tracker.track("page_load", "/home")
flushed = tracker.flush()
`
	if err := r.LoadString(script); err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	if v := r.L.GetGlobal("flushed"); v.String() != string(tracker.FlushDelivered) {
		t.Fatalf("flushed = %v, want %s", v, tracker.FlushDelivered)
	}
	if n := len(collector.Pending()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	events, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(events) != 2 || events[0].EventData != nil || events[1].EventData != "/home" {
		t.Errorf("delivered = %+v", events)
	}
	if _, ok := events[0].Properties["ratio"]; !ok {
		t.Errorf("ratio property should be delivered as null: %+v", events[0].Properties)
	}
}
