package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/scripting"
)

func newTestManager(t testing.TB) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestManager_Call_ReturnsAllValues(t *testing.T) {
	mgr, _ := newTestManager(t)
	path := writeTempLua(t, "math.lua", `
		function divmod(a, b)
			return math.floor(a / b), a % b
		end
	`)
	require.NoError(t, mgr.LoadModule("math", path, 0))

	ret, err := mgr.Call("math", "divmod", lua.LNumber(7), lua.LNumber(3))
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNumber(2), lua.LNumber(1)}, ret)

	ret, err = mgr.Call("math", "divmod", lua.LNumber(9), lua.LNumber(3))
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNumber(3), lua.LNumber(0)}, ret, "stack must not leak between calls")
}

func TestManager_Call_Missing(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("empty", writeTempLua(t, "empty.lua", `-- nothing`), 0))

	_, err := mgr.Call("nope", "activate")
	assert.ErrorIs(t, err, scripting.ErrModuleNotFound)

	_, err = mgr.Call("empty", "activate")
	assert.ErrorIs(t, err, scripting.ErrFunctionNotFound)

	assert.False(t, mgr.Has("empty", "activate"))
	assert.False(t, mgr.Has("nope", "activate"))
}

func TestManager_Call_RuntimeErrorIsLoggedAndReturned(t *testing.T) {
	mgr, logs := newTestManager(t)
	require.NoError(t, mgr.LoadModule("bad", writeTempLua(t, "bad.lua", `
		function boom()
			error("intentional error")
		end
	`), 0))

	_, err := mgr.Call("bad", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intentional error")

	entries := logs.FilterMessage("Lua runtime error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].ContextMap()["module"])
}

func TestManager_InstructionBudgetIsPerCall(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("loop", writeTempLua(t, "loop.lua", `
		function spin() while true do end end
		function count(n)
			local s = 0
			for i = 1, n do s = s + i end
			return s
		end
	`), 1000))

	_, err := mgr.Call("loop", "spin")
	require.Error(t, err)

	for i := 0; i < 20; i++ {
		ret, err := mgr.Call("loop", "count", lua.LNumber(10))
		require.NoError(t, err)
		assert.Equal(t, []lua.LValue{lua.LNumber(55)}, ret)
	}
}

func TestManager_ModulesAreIsolated(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("a", writeTempLua(t, "a.lua", `shared = "a"`), 0))
	require.NoError(t, mgr.LoadModule("b", writeTempLua(t, "b.lua", `
		function read() return shared end
	`), 0))

	ret, err := mgr.Call("b", "read")
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNil}, ret)
}

func TestManager_LoadModule_ReplacesExisting(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("m", writeTempLua(t, "v1.lua", `function v() return 1 end`), 0))
	require.NoError(t, mgr.LoadModule("m", writeTempLua(t, "v2.lua", `function v() return 2 end`), 0))

	ret, err := mgr.Call("m", "v")
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNumber(2)}, ret)
	assert.Equal(t, []string{"m"}, mgr.Modules())
}

func TestManager_LoadModule_InvalidLua(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.LoadModule("bad", writeTempLua(t, "bad.lua", `this is not valid lua @@@@`), 0)
	assert.Error(t, err)
	assert.Empty(t, mgr.Modules())

	assert.Error(t, mgr.LoadModule("", writeTempLua(t, "ok.lua", ``), 0))
}

func TestManager_LoadDir(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`function activate() return true end`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`function activate() return false end`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.lua"), 0755))

	names, err := mgr.LoadDir(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.True(t, mgr.Has("a", "activate"))

	_, err = mgr.LoadDir(filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}

func TestManager_UnloadAndClose(t *testing.T) {
	mgr, _ := newTestManager(t)
	path := writeTempLua(t, "x.lua", `function get_x() return 1 end`)
	require.NoError(t, mgr.LoadModule("x", path, 0))
	require.NoError(t, mgr.LoadModule("y", path, 0))

	mgr.Unload("x")
	mgr.Unload("x")
	_, err := mgr.Call("x", "get_x")
	assert.ErrorIs(t, err, scripting.ErrModuleNotFound)

	mgr.Close()
	assert.Empty(t, mgr.Modules())
}

func TestNewManager_PanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() { scripting.NewManager(nil) })
}

func TestManager_ConcurrentCallsSameModule(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.LoadModule("conc", writeTempLua(t, "conc.lua", `
		function add(a, b) return a + b end
	`), 0))

	const goroutines = 10
	const callsEach = 5
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsEach; j++ {
				ret, err := mgr.Call("conc", "add", lua.LNumber(1), lua.LNumber(2))
				assert.NoError(t, err)
				assert.Equal(t, []lua.LValue{lua.LNumber(3)}, ret)
			}
		}()
	}
	wg.Wait()
}

func TestProperty_CallMissingModuleNeverPanics(t *testing.T) {
	mgr, _ := newTestManager(t)
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "module")
		fn := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "fn")
		if _, err := mgr.Call(name, fn); err == nil {
			rt.Fatalf("expected error calling %s.%s", name, fn)
		}
	})
}
