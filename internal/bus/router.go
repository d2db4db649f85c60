package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Call is one inbound command delivered to a handler.
type Call struct {
	// From is the sending peer on the authority, AuthorityID on peers.
	From PeerID
	// Command is the command name the message was tagged with.
	Command string
	// Args are the arguments following the command name.
	Args Args
	// Channel is the name of the channel the message arrived on.
	Channel string
}

// Handler processes a Call. The returned Args become the reply when the call
// arrived on a request channel and are discarded for events.
type Handler func(ctx context.Context, call *Call) (Args, error)

// Notify adapts a reply-less function into a Handler.
func Notify(fn func(ctx context.Context, call *Call)) Handler {
	return func(ctx context.Context, call *Call) (Args, error) {
		fn(ctx, call)
		return nil, nil
	}
}

// Registration is one (command, handler) pair held by a Router.
type Registration struct {
	id      string
	command string
	handler Handler
	router  *Router
}

// ID returns the registration's unique identifier.
func (r *Registration) ID() string { return r.id }

// Command returns the command name the registration listens for.
func (r *Registration) Command() string { return r.command }

// Close removes the registration from its router. Safe to call more than once.
func (r *Registration) Close() {
	if r.router != nil {
		r.router.Unregister(r)
	}
}

// Router maps command names to handlers for one channel.
// Registrations are kept in insertion order and the earliest match wins.
// All methods are safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	channel string
	role    Role
	entries []*Registration
	logger  *zap.Logger
}

// NewRouter creates an empty Router for channel.
//
// Precondition: logger must be non-nil.
func NewRouter(channel string, role Role, logger *zap.Logger) *Router {
	return &Router{
		channel: channel,
		role:    role,
		logger:  logger,
	}
}

// Channel returns the name of the channel the router serves.
func (r *Router) Channel() string { return r.channel }

// Register appends a handler for command. It never fails; when command already
// has a registration the new one is shadowed and a warning is logged.
//
// Precondition: handler must be non-nil.
// Postcondition: Returns the new Registration.
func (r *Router) Register(command string, handler Handler) *Registration {
	reg := &Registration{
		id:      uuid.NewString(),
		command: command,
		handler: handler,
		router:  r,
	}

	r.mu.Lock()
	var shadowedBy *Registration
	for _, e := range r.entries {
		if e.command == command {
			shadowedBy = e
			break
		}
	}
	r.entries = append(r.entries, reg)
	r.mu.Unlock()

	if shadowedBy != nil {
		r.logger.Warn("duplicate command registration is shadowed",
			zap.String("command", command),
			zap.String("channel", r.channel),
			zap.String("registration", reg.id),
			zap.String("active_registration", shadowedBy.id),
		)
	}
	return reg
}

// Unregister removes reg. Unknown or already removed registrations are ignored.
func (r *Router) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e == reg {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of active registrations.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch invokes the first handler registered for call.Command and returns its result.
// The router lock is not held while the handler runs, so handlers may register or
// unregister freely.
//
// Postcondition: Returns the handler's result, or ErrUnmatchedCommand after logging a warning.
func (r *Router) Dispatch(ctx context.Context, call *Call) (Args, error) {
	r.mu.RLock()
	var match *Registration
	for _, e := range r.entries {
		if e.command == call.Command {
			match = e
			break
		}
	}
	r.mu.RUnlock()

	if match == nil {
		r.logger.Warn("no listener attached for command",
			zap.String("command", call.Command),
			zap.String("channel", r.channel),
			zap.String("role", r.role.String()),
		)
		return nil, fmt.Errorf("%w %q on %s", ErrUnmatchedCommand, call.Command, r.channel)
	}
	return match.handler(ctx, call)
}
