package modules

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value into plain Go data: nil, bool, float64,
// string, []any or map[string]any. A table whose keys are exactly 1..n
// becomes a slice; any other table becomes a map keyed by the string form
// of its keys. NaN and infinities become nil.
func LuaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// JSON has no NaN or infinity
			return nil
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if isSequence(val) {
			out := make([]any, val.Len())
			for i := range out {
				out[i] = LuaToGo(val.RawGetInt(i + 1))
			}
			return out
		}
		return LuaTableToMap(val)
	default:
		return v.String()
	}
}

// isSequence reports whether tbl is a non-empty array with no other keys.
func isSequence(tbl *lua.LTable) bool {
	n := tbl.Len()
	if n == 0 {
		return false
	}
	keys := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { keys++ })
	return keys == n
}

// GoToLuaValue converts Go data back into a Lua value.
func GoToLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, item := range val {
			tbl.RawSetInt(i+1, GoToLuaValue(L, item))
		}
		return tbl
	case map[string]any:
		return MapToLuaTable(L, val)
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// MapToLuaTable converts a Go map into a Lua table.
func MapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.CreateTable(0, len(m))
	for k, v := range m {
		tbl.RawSetString(k, GoToLuaValue(L, v))
	}
	return tbl
}

// LuaTableToMap converts a Lua table into a Go map. Non-string keys are
// stringified.
func LuaTableToMap(tbl *lua.LTable) map[string]any {
	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = LuaToGo(v)
	})
	return m
}
