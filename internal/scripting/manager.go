package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

var (
	// ErrModuleNotFound is returned when calling into a module that is not loaded.
	ErrModuleNotFound = errors.New("script module not loaded")
	// ErrFunctionNotFound is returned when a module does not define the called function.
	ErrFunctionNotFound = errors.New("script function not defined")
)

// module is one loaded script with its private VM.
type module struct {
	name  string
	path  string
	limit int

	mu     sync.Mutex // a LState is single-threaded
	L      *lua.LState
	cancel func()
}

func (m *module) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.L.Close()
}

// Manager owns one sandboxed LState per module.
//
// All methods are safe for concurrent use. Calls into the same module are
// serialized; different modules run concurrently.
type Manager struct {
	logger *zap.Logger

	mu      sync.RWMutex
	modules map[string]*module
}

// NewManager creates a Manager.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a non-nil Manager with no modules loaded.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	return &Manager{
		logger:  logger.Named("scripting"),
		modules: make(map[string]*module),
	}
}

// LoadModule creates a sandboxed VM named name, installs the engine table,
// and executes the file at path. Loading an existing name replaces it.
//
// Precondition: name must be non-empty; path must be a readable Lua file.
// Postcondition: The module is registered, or an error describes the load failure.
func (m *Manager) LoadModule(name, path string, instLimit int) error {
	if name == "" {
		return fmt.Errorf("scripting: module name must not be empty")
	}
	L, cancel := NewSandboxedState(instLimit)
	m.RegisterModules(L, name)

	if err := L.DoFile(path); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("scripting: loading %q from %q: %w", name, path, err)
	}

	mod := &module{name: name, path: path, limit: instLimit, L: L, cancel: cancel}

	m.mu.Lock()
	old := m.modules[name]
	m.modules[name] = mod
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	m.logger.Debug("script module loaded",
		zap.String("module", name),
		zap.String("path", path),
	)
	return nil
}

// LoadDir loads every *.lua file in dir as its own module, named by the file's
// base name without extension, in lexicographic order.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns the loaded module names; stops at the first failure.
func (m *Manager) LoadDir(dir string, instLimit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	names := make([]string, 0, len(files))
	for _, file := range files {
		name := strings.TrimSuffix(file, ".lua")
		if err := m.LoadModule(name, filepath.Join(dir, file), instLimit); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (m *Manager) module(name string) (*module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[name]
	return mod, ok
}

// Has reports whether module name is loaded and defines the global function fn.
func (m *Manager) Has(name, fn string) bool {
	mod, ok := m.module(name)
	if !ok {
		return false
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	_, isFn := mod.L.GetGlobal(fn).(*lua.LFunction)
	return isFn
}

// Call invokes the global function fn of module name with a fresh instruction
// budget. Lua runtime errors are logged at Warn level and returned.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns every value fn returned, ErrModuleNotFound,
// ErrFunctionNotFound, or the runtime error.
func (m *Manager) Call(name, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	mod, ok := m.module(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()

	f, isFn := mod.L.GetGlobal(fn).(*lua.LFunction)
	if !isFn {
		return nil, fmt.Errorf("%w: %s.%s", ErrFunctionNotFound, name, fn)
	}

	cancel := Rearm(mod.L, mod.limit)
	defer cancel()

	base := mod.L.GetTop()
	if err := mod.L.CallByParam(lua.P{
		Fn:      f,
		NRet:    lua.MultRet,
		Protect: true,
	}, args...); err != nil {
		mod.L.SetTop(base)
		m.logger.Warn("Lua runtime error",
			zap.String("module", name),
			zap.String("function", fn),
			zap.Error(err),
		)
		return nil, fmt.Errorf("scripting: %s.%s: %w", name, fn, err)
	}

	n := mod.L.GetTop() - base
	out := make([]lua.LValue, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, mod.L.Get(base+i))
	}
	mod.L.SetTop(base)
	return out, nil
}

// Modules returns the loaded module names in sorted order.
func (m *Manager) Modules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.modules))
	for name := range m.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unload closes and removes module name. Unknown names are ignored.
func (m *Manager) Unload(name string) {
	m.mu.Lock()
	mod, ok := m.modules[name]
	delete(m.modules, name)
	m.mu.Unlock()
	if ok {
		mod.close()
	}
}

// Close releases every module VM.
//
// Postcondition: No modules remain loaded.
func (m *Manager) Close() {
	m.mu.Lock()
	mods := m.modules
	m.modules = make(map[string]*module)
	m.mu.Unlock()
	for _, mod := range mods {
		mod.close()
	}
}
