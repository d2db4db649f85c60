package input

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
)

// Channel bases for keybind traffic. Each keybind gets its own pair, e.g.
// InputEvents_Attack and InputAttributes_Attack.
const (
	EventBase      = "InputEvents"
	AttributesBase = "InputAttributes"
)

// Commands on a keybind channel pair.
const (
	// CommandActivate carries (state, data) from a peer.
	CommandActivate = "activate"
	// CommandAttributes asks the authority for the keybind's attributes.
	CommandAttributes = "attributes"
)

// Attribute names every Connection publishes.
const (
	AttrKeybindName  = "keybindName"
	AttrModule       = "module"
	AttrCreateButton = "CreateButton"
	AttrCoolDown     = "CoolDown"
)

// ErrAlreadyConnected is returned by a second ConnectToCallback.
var ErrAlreadyConnected = errors.New("input connection already connected")

// Attributes are the keybind settings published to peers. Values must be
// strings, bools or numbers.
type Attributes map[string]any

// State is the phase of one input.
type State string

const (
	StateBegin  State = "Begin"
	StateChange State = "Change"
	StateEnd    State = "End"
	StateCancel State = "Cancel"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateBegin, StateChange, StateEnd, StateCancel:
		return true
	}
	return false
}

// Activation is one forwarded input received by the authority.
type Activation struct {
	From   bus.PeerID
	Action string
	State  State
	Data   map[string]any
}

// Callback receives activations on the authority's event loop.
type Callback func(ctx context.Context, a Activation)

// Connection is the authority side of one keybind: it owns the keybind's
// channels, publishes its attributes and hands activations from any peer to
// a callback.
type Connection struct {
	keybind string
	logger  *zap.Logger

	mu         sync.Mutex
	attributes Attributes
	session    *bus.Session
}

// NewConnection creates an unconnected keybind with the default attributes:
// keybindName, module, CreateButton=true and CoolDown=2.
//
// Precondition: keybind and module must be non-empty.
func NewConnection(keybind, module string, logger *zap.Logger) *Connection {
	return &Connection{
		keybind: keybind,
		logger:  logger.Named("input").With(zap.String("keybind", keybind)),
		attributes: Attributes{
			AttrKeybindName:  keybind,
			AttrModule:       module,
			AttrCreateButton: true,
			AttrCoolDown:     2.0,
		},
	}
}

// Keybind returns the keybind name.
func (c *Connection) Keybind() string { return c.keybind }

// SetAttributes merges attrs into the published attributes.
//
// Postcondition: Returns an error and changes nothing if any value is not a
// string, bool or number.
func (c *Connection) SetAttributes(attrs Attributes) error {
	normalized := make(Attributes, len(attrs))
	for k, v := range attrs {
		switch tv := v.(type) {
		case string, bool, float64:
			normalized[k] = tv
		case int:
			normalized[k] = float64(tv)
		case float32:
			normalized[k] = float64(tv)
		default:
			return fmt.Errorf("attribute %q: unsupported type %T", k, v)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range normalized {
		c.attributes[k] = v
	}
	return nil
}

// SetCreateButton sets the CreateButton attribute.
func (c *Connection) SetCreateButton(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[AttrCreateButton] = v
}

// SetCoolDown sets the CoolDown attribute in seconds.
func (c *Connection) SetCoolDown(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[AttrCoolDown] = seconds
}

// Attributes returns a copy of the published attributes.
func (c *Connection) Attributes() Attributes {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Attributes, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

// ConnectToCallback creates the keybind's channels on ep and starts handing
// activations to cb.
//
// Precondition: ep must be an authority endpoint; cb must be non-nil.
// Postcondition: Peers can bind the keybind; returns ErrAlreadyConnected on a
// second call.
func (c *Connection) ConnectToCallback(ctx context.Context, ep *bus.Endpoint, cb Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return ErrAlreadyConnected
	}

	session, err := bus.NewAuthoritySession(ctx, ep,
		bus.WithNamespace(c.keybind, CommandActivate, CommandAttributes),
		bus.WithChannels(EventBase, AttributesBase),
	)
	if err != nil {
		return fmt.Errorf("keybind %s: %w", c.keybind, err)
	}

	if _, err := session.Listen(CommandActivate, bus.Notify(func(ctx context.Context, call *bus.Call) {
		a, err := c.activation(call)
		if err != nil {
			c.logger.Warn("dropping malformed activation",
				zap.String("peer", string(call.From)),
				zap.Error(err),
			)
			return
		}
		cb(ctx, a)
	})); err != nil {
		session.Destroy()
		return err
	}
	if _, err := session.Listen(CommandAttributes, func(context.Context, *bus.Call) (bus.Args, error) {
		return bus.NewArgs(map[string]any(c.Attributes()))
	}); err != nil {
		session.Destroy()
		return err
	}

	c.session = session
	c.logger.Info("input connection ready")
	return nil
}

func (c *Connection) activation(call *bus.Call) (Activation, error) {
	state, err := call.Args.String(0)
	if err != nil {
		return Activation{}, err
	}
	if !State(state).Valid() {
		return Activation{}, fmt.Errorf("unknown input state %q", state)
	}
	data := map[string]any{}
	if call.Args.Len() > 1 {
		s, err := call.Args.Struct(1)
		if err != nil {
			return Activation{}, err
		}
		data = s.AsMap()
	}
	return Activation{From: call.From, Action: c.keybind, State: State(state), Data: data}, nil
}

// Destroy stops delivering activations. The keybind's channels stay open.
// Safe to call more than once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session != nil {
		session.Destroy()
	}
}
