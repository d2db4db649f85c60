package scripting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zapcore"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/scripting"
)

func TestEngineLog_AllLevels(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadModule("logger", writeTempLua(t, "logger.lua", `
		function do_all_logs()
			engine.log.debug("d")
			engine.log.info("i")
			engine.log.warn("w")
			engine.log.error("e")
		end
	`), 0))

	_, err := mgr.Call("logger", "do_all_logs")
	require.NoError(t, err)

	levels := map[zapcore.Level]string{}
	for _, e := range logs.All() {
		if e.ContextMap()["module"] == "logger" {
			levels[e.Level] = e.Message
		}
	}
	assert.Equal(t, map[zapcore.Level]string{
		zapcore.DebugLevel: "d",
		zapcore.InfoLevel:  "i",
		zapcore.WarnLevel:  "w",
		zapcore.ErrorLevel: "e",
	}, levels)
}

func TestEngineClock_Now(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("clock", writeTempLua(t, "clock.lua", `
		function elapsed()
			local a = engine.clock.now()
			local b = engine.clock.now()
			return a > 0 and b >= a
		end
	`), 0))

	ret, err := mgr.Call("clock", "elapsed")
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LTrue}, ret)
}

func TestToGo(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("values", writeTempLua(t, "values.lua", `
		function values()
			return nil, true, 2.5, "s", {1, "two", false}, {power = 3, tags = {"a"}}, {}
		end
		function bad() return function() end end
	`), 0))

	ret, err := mgr.Call("values", "values")
	require.NoError(t, err)
	require.Len(t, ret, 7)

	want := []any{
		nil,
		true,
		2.5,
		"s",
		[]any{float64(1), "two", false},
		map[string]any{"power": float64(3), "tags": []any{"a"}},
		map[string]any{},
	}
	for i, v := range ret {
		got, err := scripting.ToGo(v)
		require.NoError(t, err, "value %d", i)
		assert.Equal(t, want[i], got, "value %d", i)
	}

	ret, err = mgr.Call("values", "bad")
	require.NoError(t, err)
	_, err = scripting.ToGo(ret[0])
	assert.Error(t, err)
}

func TestProperty_ToGoArrays(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nums := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 1, 20).Draw(rt, "nums")
		L, cancel := scripting.NewSandboxedState(0)
		defer L.Close()
		defer cancel()

		tbl := L.NewTable()
		want := make([]any, 0, len(nums))
		for _, n := range nums {
			tbl.Append(lua.LNumber(n))
			want = append(want, float64(n))
		}
		got, err := scripting.ToGo(tbl)
		if err != nil {
			rt.Fatalf("ToGo: %v", err)
		}
		assert.Equal(rt, want, got)
	})
}
