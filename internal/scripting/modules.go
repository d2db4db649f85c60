package scripting

import (
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules installs the engine table into L:
//
//	engine.log.debug/info/warn/error(msg)  write to the Manager's logger
//	engine.clock.now()                     wall-clock seconds as a float
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState, module string) {
	engine := L.NewTable()
	L.SetField(engine, "log", m.logModule(L, module))
	L.SetField(engine, "clock", clockModule(L))
	L.SetGlobal("engine", engine)
}

func (m *Manager) logModule(L *lua.LState, module string) *lua.LTable {
	logger := m.logger.With(zap.String("module", module))
	levels := map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	t := L.NewTable()
	for name, write := range levels {
		write := write
		L.SetField(t, name, L.NewFunction(func(L *lua.LState) int {
			write(L.CheckString(1))
			return 0
		}))
	}
	return t
}

func clockModule(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / float64(time.Second)))
		return 1
	}))
	return t
}
