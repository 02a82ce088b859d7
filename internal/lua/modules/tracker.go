package modules

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/trackerd/internal/analytics"
	"github.com/dokzlo13/trackerd/internal/sink"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// TrackerModule provides the tracker module to Lua.
type TrackerModule struct {
	collector *tracker.Collector
	store     *sink.Store
}

// NewTrackerModule creates a new tracker module.
func NewTrackerModule(collector *tracker.Collector, store *sink.Store) *TrackerModule {
	return &TrackerModule{collector: collector, store: store}
}

// Loader is the module loader for Lua.
func (m *TrackerModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "track", L.NewFunction(m.track))
	L.SetField(mod, "flush", L.NewFunction(m.flush))
	L.SetField(mod, "pending", L.NewFunction(m.pending))
	L.SetField(mod, "analytics", L.NewFunction(m.analytics))
	L.SetField(mod, "session", L.NewFunction(m.session))
	L.SetField(mod, "user", L.NewFunction(m.user))
	L.SetField(mod, "clear", L.NewFunction(m.clear))

	L.Push(mod)
	return 1
}

// track(event_type, data?, props?) -> nil
func (m *TrackerModule) track(L *lua.LState) int {
	eventType := L.CheckString(1)
	data := LuaToGo(L.Get(2))

	var props map[string]any
	if tbl := L.OptTable(3, nil); tbl != nil {
		props = LuaTableToMap(tbl)
	}

	m.collector.Record(eventType, data, props)
	return 0
}

// flush() -> outcome string
func (m *TrackerModule) flush(L *lua.LState) int {
	outcome := m.collector.Flush(luaContext(L))
	L.Push(lua.LString(outcome))
	return 1
}

// pending() -> number
func (m *TrackerModule) pending(L *lua.LState) int {
	L.Push(lua.LNumber(len(m.collector.Pending())))
	return 1
}

// analytics() -> table | nil
func (m *TrackerModule) analytics(L *lua.LState) int {
	events, err := m.store.All(luaContext(L))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load sink events")
		L.Push(lua.LNil)
		return 1
	}

	s := analytics.Summarize(events)

	top := L.NewTable()
	for i, ec := range s.TopEvents {
		entry := L.NewTable()
		entry.RawSetString("event", lua.LString(ec.Event))
		entry.RawSetString("count", lua.LNumber(ec.Count))
		top.RawSetInt(i+1, entry)
	}

	funnel := MapToLuaTable(L, map[string]any{
		"page_load":         s.ConversionFunnel.PageLoad,
		"product_view":      s.ConversionFunnel.ProductView,
		"product_click":     s.ConversionFunnel.ProductClick,
		"blog_engagement":   s.ConversionFunnel.BlogEngagement,
		"social_engagement": s.ConversionFunnel.SocialEngagement,
	})

	tbl := MapToLuaTable(L, map[string]any{
		"total_events":    s.TotalEvents,
		"unique_users":    s.UniqueUsers,
		"unique_sessions": s.UniqueSessions,
	})
	tbl.RawSetString("top_events", top)
	tbl.RawSetString("funnel", funnel)

	L.Push(tbl)
	return 1
}

// session() -> string
func (m *TrackerModule) session(L *lua.LState) int {
	L.Push(lua.LString(m.collector.Identity().SessionID))
	return 1
}

// user() -> string
func (m *TrackerModule) user(L *lua.LState) int {
	L.Push(lua.LString(m.collector.Identity().UserID))
	return 1
}

// clear() -> bool
func (m *TrackerModule) clear(L *lua.LState) int {
	ctx := luaContext(L)
	err := m.collector.ClearAllData(ctx)
	if err == nil {
		err = m.store.Clear(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to clear tracker data")
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// luaContext returns the context attached to L, or Background if none.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
