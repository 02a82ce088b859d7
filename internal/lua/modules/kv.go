package modules

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/trackerd/internal/kv"
)

const bucketTypeName = "kv_bucket"

// ScriptBucketPrefix namespaces script buckets away from the collector's own storage.
const ScriptBucketPrefix = "lua:"

// KVModule gives scripts their own key-value buckets.
type KVModule struct {
	manager *kv.Manager
}

// NewKVModule creates a new KV module.
func NewKVModule(manager *kv.Manager) *KVModule {
	return &KVModule{manager: manager}
}

// Loader is the module loader for Lua.
func (m *KVModule) Loader(L *lua.LState) int {
	mt := L.NewTypeMetatable(bucketTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), bucketMethods))

	mod := L.NewTable()
	L.SetField(mod, "bucket", L.NewFunction(m.bucket))

	L.Push(mod)
	return 1
}

// bucket(name, opts?) -> Bucket
// opts: { persistent = true/false }
func (m *KVModule) bucket(L *lua.LState) int {
	name := L.CheckString(1)

	persistent := true
	if opts := L.OptTable(2, nil); opts != nil {
		if p := L.GetField(opts, "persistent"); p != lua.LNil {
			persistent = lua.LVAsBool(p)
		}
	}

	ud := L.NewUserData()
	ud.Value = m.manager.Bucket(ScriptBucketPrefix+name, persistent)
	L.SetMetatable(ud, L.GetTypeMetatable(bucketTypeName))

	L.Push(ud)
	return 1
}

var bucketMethods = map[string]lua.LGFunction{
	"set":    bucketSet,
	"get":    bucketGet,
	"delete": bucketDelete,
	"keys":   bucketKeys,
	"clear":  bucketClear,
}

func checkBucket(L *lua.LState) kv.Bucket {
	ud := L.CheckUserData(1)
	if bucket, ok := ud.Value.(kv.Bucket); ok {
		return bucket
	}
	L.ArgError(1, "bucket expected")
	return nil
}

// set(key, value) -> bool
// Values are stored as JSON so tables and numbers survive a restart.
func bucketSet(L *lua.LState) int {
	bucket := checkBucket(L)
	key := L.CheckString(2)

	raw, err := json.Marshal(LuaToGo(L.Get(3)))
	if err == nil {
		err = bucket.Set(key, string(raw))
	}
	if err != nil {
		log.Warn().Err(err).
			Str("bucket", bucket.Name()).
			Str("key", key).
			Msg("Failed to store value")
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LTrue)
	return 1
}

// get(key) -> value | nil
func bucketGet(L *lua.LState) int {
	bucket := checkBucket(L)
	key := L.CheckString(2)

	raw, ok, err := bucket.Get(key)
	if err != nil || !ok {
		if err != nil {
			log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to get value")
		}
		L.Push(lua.LNil)
		return 1
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// Written by something other than a script; hand it back verbatim
		L.Push(lua.LString(raw))
		return 1
	}

	L.Push(GoToLuaValue(L, value))
	return 1
}

// delete(key) -> bool
func bucketDelete(L *lua.LState) int {
	bucket := checkBucket(L)
	key := L.CheckString(2)

	deleted, err := bucket.Delete(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to delete key")
	}

	L.Push(lua.LBool(deleted))
	return 1
}

// keys() -> table
func bucketKeys(L *lua.LState) int {
	bucket := checkBucket(L)

	tbl := L.NewTable()
	keys, err := bucket.Keys()
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Msg("Failed to list keys")
	}
	for i, key := range keys {
		tbl.RawSetInt(i+1, lua.LString(key))
	}

	L.Push(tbl)
	return 1
}

// clear() -> nil
func bucketClear(L *lua.LState) int {
	bucket := checkBucket(L)

	if err := bucket.Clear(); err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Msg("Failed to clear bucket")
	}

	return 0
}
