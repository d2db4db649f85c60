package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/scripting"
)

// activateFunc is the global every input module must define:
//
//	function activate(action, state) ... end
//
// Returning nil or false swallows the input; true forwards it with no data; a
// table forwards it with the table as data.
const activateFunc = "activate"

var (
	// ErrNotBound is returned for actions or keys with no binding.
	ErrNotBound = errors.New("action not bound")
	// ErrKeyInUse is returned when a binding reuses a key bound to another action.
	ErrKeyInUse = errors.New("key already bound")
)

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock replaces time.Now for cooldown tracking.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// boundAction is one bound keybind on the peer.
type boundAction struct {
	binding      Binding
	session      *bus.Session
	keys         []Key
	cooldown     time.Duration
	createButton bool
	lastFired    time.Time
	fired        bool
}

// BoundAction describes a bound keybind after the authority's attributes
// have been applied.
type BoundAction struct {
	Binding      Binding
	Keys         []Key
	Cooldown     time.Duration
	CreateButton bool
}

// Controller is the peer side of input: it binds keybinds to input modules,
// runs the module on each key press, and forwards what the module accepts to
// the authority, at most once per cooldown.
// All methods are safe for concurrent use.
type Controller struct {
	ep      *bus.Endpoint
	scripts *scripting.Manager
	mapper  KeyMapper
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	actions map[string]*boundAction
	keys    map[Key]string
}

// NewController creates a Controller with no bindings.
//
// Precondition: ep must be a peer endpoint; scripts and logger must be non-nil.
func NewController(ep *bus.Endpoint, scripts *scripting.Manager, mapper KeyMapper, logger *zap.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		ep:      ep,
		scripts: scripts,
		mapper:  mapper,
		logger:  logger.Named("input"),
		now:     time.Now,
		actions: make(map[string]*boundAction),
		keys:    make(map[Key]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind attaches b to its input module and the authority's keybind channels.
// The authority's CoolDown and CreateButton attributes override the values
// in b.
//
// Precondition: b.Module must be loaded in the script manager and define activate.
// Postcondition: b's keys dispatch to its module; on error nothing is bound.
func (c *Controller) Bind(ctx context.Context, b Binding) error {
	if b.Module == "" {
		b.Module = strings.ToLower(b.Action)
	}
	if err := b.Validate(c.mapper); err != nil {
		return fmt.Errorf("binding %s: %w", b.Action, err)
	}
	if !c.scripts.Has(b.Module, activateFunc) {
		return fmt.Errorf("binding %s: module %q does not define %s", b.Action, b.Module, activateFunc)
	}

	var keys []Key
	for _, name := range []string{b.PC, b.Xbox} {
		if name == "" {
			continue
		}
		k, _ := c.mapper.Parse(name)
		keys = append(keys, k)
	}

	c.mu.Lock()
	err := c.conflict(b.Action, keys)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	session, err := bus.NewPeerSession(ctx, c.ep,
		bus.WithNamespace(b.Action, CommandActivate, CommandAttributes),
		bus.WithChannels(EventBase, AttributesBase),
	)
	if err != nil {
		return fmt.Errorf("binding %s: %w", b.Action, err)
	}

	action := &boundAction{
		binding:      b,
		session:      session,
		keys:         keys,
		cooldown:     b.CooldownDuration(),
		createButton: b.CreateButton,
	}
	if err := c.applyAttributes(ctx, action); err != nil {
		session.Destroy()
		return fmt.Errorf("binding %s: %w", b.Action, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// another Bind may have won while the attributes were in flight
	if err := c.conflict(b.Action, keys); err != nil {
		session.Destroy()
		return err
	}
	c.actions[b.Action] = action
	for _, k := range keys {
		c.keys[k] = b.Action
	}
	c.logger.Info("action bound",
		zap.String("action", b.Action),
		zap.String("module", b.Module),
		zap.Duration("cooldown", action.cooldown),
		zap.Bool("create_button", action.createButton),
	)
	return nil
}

// conflict reports whether action or any of keys is already bound.
// Callers hold c.mu.
func (c *Controller) conflict(action string, keys []Key) error {
	if _, ok := c.actions[action]; ok {
		return fmt.Errorf("binding %s: action already bound", action)
	}
	for _, k := range keys {
		if owner, ok := c.keys[k]; ok {
			return fmt.Errorf("binding %s: %s is used by %s: %w", action, k, owner, ErrKeyInUse)
		}
	}
	return nil
}

func (c *Controller) applyAttributes(ctx context.Context, action *boundAction) error {
	reply, err := action.session.RequestFromAuthority(ctx, CommandAttributes)
	if err != nil {
		return fmt.Errorf("fetching attributes: %w", err)
	}
	attrs, err := reply.Struct(0)
	if err != nil {
		return fmt.Errorf("attributes reply: %w", err)
	}
	fields := attrs.GetFields()
	if v, ok := fields[AttrCoolDown]; ok {
		action.cooldown = time.Duration(v.GetNumberValue() * float64(time.Second))
	}
	if v, ok := fields[AttrCreateButton]; ok {
		action.createButton = v.GetBoolValue()
	}
	return nil
}

// Unbind detaches action. Unknown actions return ErrNotBound.
func (c *Controller) Unbind(action string) error {
	c.mu.Lock()
	a, ok := c.actions[action]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotBound, action)
	}
	delete(c.actions, action)
	for _, k := range a.keys {
		delete(c.keys, k)
	}
	c.mu.Unlock()

	a.session.Destroy()
	c.logger.Info("action unbound", zap.String("action", action))
	return nil
}

// Close unbinds every action.
func (c *Controller) Close() {
	for _, a := range c.Bound() {
		_ = c.Unbind(a)
	}
}

// Bound returns the bound action names in sorted order.
func (c *Controller) Bound() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the effective settings of a bound action.
func (c *Controller) Describe(action string) (BoundAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[action]
	if !ok {
		return BoundAction{}, false
	}
	return BoundAction{
		Binding:      a.binding,
		Keys:         append([]Key(nil), a.keys...),
		Cooldown:     a.cooldown,
		CreateButton: a.createButton,
	}, true
}

// Press resolves keyName and activates the action bound to it.
//
// Postcondition: Returns whether the input was forwarded to the authority.
func (c *Controller) Press(keyName string, state State) (bool, error) {
	k, err := c.mapper.Parse(keyName)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	action, ok := c.keys[k]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: key %s", ErrNotBound, k)
	}
	return c.Activate(action, state)
}

// Activate runs action's input module for state and forwards the result.
// A Begin inside the cooldown window is dropped without running the module.
//
// Postcondition: Returns whether the input was forwarded to the authority.
func (c *Controller) Activate(action string, state State) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("unknown input state %q", state)
	}

	c.mu.Lock()
	a, ok := c.actions[action]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotBound, action)
	}
	now := c.now()
	if state == StateBegin && a.fired && now.Sub(a.lastFired) < a.cooldown {
		c.mu.Unlock()
		c.logger.Debug("action cooling down",
			zap.String("action", action),
			zap.Duration("remaining", a.cooldown-now.Sub(a.lastFired)),
		)
		return false, nil
	}
	module := a.binding.Module
	session := a.session
	c.mu.Unlock()

	ret, err := c.scripts.Call(module, activateFunc, lua.LString(action), lua.LString(string(state)))
	if err != nil {
		return false, err
	}
	data, forward, err := activationData(ret)
	if err != nil {
		return false, fmt.Errorf("%s.%s: %w", module, activateFunc, err)
	}
	if !forward {
		return false, nil
	}

	if err := session.SendToAuthority(CommandActivate, string(state), data); err != nil {
		return false, err
	}
	if state == StateBegin {
		c.mu.Lock()
		a.fired = true
		a.lastFired = now
		c.mu.Unlock()
	}
	return true, nil
}

func activationData(ret []lua.LValue) (map[string]any, bool, error) {
	if len(ret) == 0 {
		return nil, false, nil
	}
	switch v := ret[0].(type) {
	case lua.LBool:
		return map[string]any{}, bool(v), nil
	case *lua.LTable:
		g, err := scripting.ToGo(v)
		if err != nil {
			return nil, false, err
		}
		if m, ok := g.(map[string]any); ok {
			return m, true, nil
		}
		return nil, false, fmt.Errorf("activation data must be a table with string keys")
	case *lua.LNilType:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unexpected %s return", v.Type())
	}
}
