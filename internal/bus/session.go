package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionOption configures a Session at construction.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	namespace      string
	allowed        []string
	allowedSet     bool
	eventBase      string
	requestBase    string
	data           bool
	waitTimeout    time.Duration
	requestTimeout time.Duration
}

// WithNamespace scopes the session to namespace and, when allowed is non-empty,
// restricts it to those command names. Authority sessions must pass at least one
// allowed command.
func WithNamespace(namespace string, allowed ...string) SessionOption {
	return func(c *sessionConfig) {
		c.namespace = namespace
		c.allowed = append([]string(nil), allowed...)
		c.allowedSet = len(allowed) > 0
	}
}

// WithAllowedCommands sets an explicit allow-list, even an empty one.
// An empty list with a namespace fails construction.
func WithAllowedCommands(allowed []string) SessionOption {
	return func(c *sessionConfig) {
		c.allowed = append([]string{}, allowed...)
		c.allowedSet = true
	}
}

// WithDataChannels selects the endpoint's data channel pair (SendData/GetData
// unless overridden with WithChannelBases), enabling requests.
func WithDataChannels() SessionOption {
	return func(c *sessionConfig) {
		c.data = true
		c.eventBase = ""
		c.requestBase = ""
	}
}

// WithChannels selects custom channel base names. An empty request base
// leaves the session event-only.
func WithChannels(eventBase, requestBase string) SessionOption {
	return func(c *sessionConfig) {
		c.data = false
		c.eventBase = eventBase
		c.requestBase = requestBase
	}
}

// WithWaitTimeout overrides how long a peer session waits for its channels.
func WithWaitTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.waitTimeout = d }
}

// WithRequestTimeout overrides the deadline applied to requests without one.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.requestTimeout = d }
}

// Session is a disposable handle onto one resolved channel set. It sends
// commands, registers listeners, and tears its own listeners down on Destroy
// without affecting other sessions on the same channel.
type Session struct {
	id             string
	endpoint       *Endpoint
	role           Role
	guard          Guard
	namespace      string
	eventName      string
	requestName    string
	binding        *binding
	requestTimeout time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	regs      []*Registration
	destroyed bool
}

// NewAuthoritySession creates a session for the authority process.
//
// Precondition: ep must be an authority endpoint.
// Postcondition: Returns a session bound to its (possibly newly created) channels,
// ErrInvalidNamespaceConfig when a namespace has no allowed commands, or ErrWrongRole.
func NewAuthoritySession(ctx context.Context, ep *Endpoint, opts ...SessionOption) (*Session, error) {
	if ep.Role() != RoleAuthority {
		return nil, fmt.Errorf("authority session on %s endpoint: %w", ep.Role(), ErrWrongRole)
	}
	cfg := newSessionConfig(opts)
	guard, err := NewGuard(cfg.namespace, cfg.allowed)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, ep, cfg, guard)
}

// NewPeerSession creates a session for a peer process. The allow-list is
// optional on peers; when supplied it is enforced like on the authority.
//
// Precondition: ep must be a peer endpoint.
// Postcondition: Returns a bound session, a *ChannelNotFoundError if the authority
// never created the channels, or ErrWrongRole.
func NewPeerSession(ctx context.Context, ep *Endpoint, opts ...SessionOption) (*Session, error) {
	if ep.Role() != RolePeer {
		return nil, fmt.Errorf("peer session on %s endpoint: %w", ep.Role(), ErrWrongRole)
	}
	cfg := newSessionConfig(opts)
	var guard Guard
	if cfg.allowedSet {
		g, err := NewGuard(cfg.namespace, cfg.allowed)
		if err != nil {
			return nil, err
		}
		guard = g
	}
	return newSession(ctx, ep, cfg, guard)
}

func newSessionConfig(opts []SessionOption) sessionConfig {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newSession(ctx context.Context, ep *Endpoint, cfg sessionConfig, guard Guard) (*Session, error) {
	eventBase, requestBase := cfg.eventBase, cfg.requestBase
	if cfg.data {
		eventBase, requestBase = ep.bases.dataEvent, ep.bases.dataRequest
	}
	if eventBase == "" {
		eventBase = ep.bases.event
	}

	eventName := ChannelName(eventBase, cfg.namespace)
	var requestName string
	if requestBase != "" {
		requestName = ChannelName(requestBase, cfg.namespace)
	}

	b, err := ep.bind(ctx, eventName, requestName, cfg.waitTimeout)
	if err != nil {
		return nil, err
	}

	timeout := cfg.requestTimeout
	if timeout <= 0 {
		timeout = ep.RequestTimeout()
	}
	s := &Session{
		id:             uuid.NewString(),
		endpoint:       ep,
		role:           ep.Role(),
		guard:          guard,
		namespace:      cfg.namespace,
		eventName:      eventName,
		requestName:    requestName,
		binding:        b,
		requestTimeout: timeout,
	}
	s.logger = ep.Logger().With(
		zap.String("session", s.id),
		zap.String("namespace", s.namespaceLabel()),
	)
	s.logger.Debug("session created",
		zap.String("event_channel", eventName),
		zap.String("request_channel", requestName),
	)
	return s, nil
}

func (s *Session) namespaceLabel() string {
	if s.namespace == "" {
		return "default"
	}
	return s.namespace
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Namespace returns the session namespace, or "" for the default namespace.
func (s *Session) Namespace() string { return s.namespace }

// EventChannel returns the resolved event channel.
func (s *Session) EventChannel() EventChannel { return s.binding.events }

// RequestChannel returns the resolved request channel, or nil in event mode.
func (s *Session) RequestChannel() RequestChannel { return s.binding.requests }

// check validates the session state, role and command before any operation.
func (s *Session) check(want Role, command string) error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return ErrSessionDestroyed
	}
	if want != 0 && s.role != want {
		return fmt.Errorf("%s-only operation on %s session: %w", want, s.role, ErrWrongRole)
	}
	if command == "" {
		return ErrEmptyCommand
	}
	return s.guard.Check(command)
}

func encode(command string, vals []any) (*structpb.ListValue, error) {
	args, err := NewArgs(vals...)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", command, err)
	}
	return Message{Command: command, Args: args}.Encode(), nil
}

// Send delivers command to one peer. Authority only.
//
// Postcondition: Returns nil once the transport accepted the payload, or a
// *NamespaceViolationError, ErrWrongRole, or transport error.
func (s *Session) Send(to PeerID, command string, args ...any) error {
	if err := s.check(RoleAuthority, command); err != nil {
		return err
	}
	payload, err := encode(command, args)
	if err != nil {
		return err
	}
	return s.binding.events.FireClient(to, payload)
}

// BroadcastAll delivers command to every connected peer. Authority only.
func (s *Session) BroadcastAll(command string, args ...any) error {
	if err := s.check(RoleAuthority, command); err != nil {
		return err
	}
	payload, err := encode(command, args)
	if err != nil {
		return err
	}
	return s.binding.events.FireAllClients(payload)
}

// BroadcastList delivers command to each peer in to, in list order. Authority only.
// Delivery stops at the first transport error.
func (s *Session) BroadcastList(to []PeerID, command string, args ...any) error {
	if err := s.check(RoleAuthority, command); err != nil {
		return err
	}
	payload, err := encode(command, args)
	if err != nil {
		return err
	}
	for _, id := range to {
		if err := s.binding.events.FireClient(id, payload); err != nil {
			return fmt.Errorf("sending %q to %s: %w", command, id, err)
		}
	}
	return nil
}

// SendToAuthority delivers command to the authority. Peer only.
func (s *Session) SendToAuthority(command string, args ...any) error {
	if err := s.check(RolePeer, command); err != nil {
		return err
	}
	payload, err := encode(command, args)
	if err != nil {
		return err
	}
	return s.binding.events.FireServer(payload)
}

// RequestFromPeer asks peer to for a reply to command. Authority only.
//
// The call suspends until the peer's handler returns, ctx ends, or the session
// request timeout elapses when ctx has no deadline.
//
// Postcondition: Returns the reply (empty when the peer had no handler),
// ErrRequestTimeout, ErrNoRequestChannel, or a transport/remote error.
func (s *Session) RequestFromPeer(ctx context.Context, to PeerID, command string, args ...any) (Args, error) {
	if err := s.check(RoleAuthority, command); err != nil {
		return nil, err
	}
	return s.request(ctx, command, args, func(ctx context.Context, rq RequestChannel, payload *structpb.ListValue) (*structpb.ListValue, error) {
		return rq.InvokeClient(ctx, to, payload)
	})
}

// RequestFromAuthority asks the authority for a reply to command. Peer only.
func (s *Session) RequestFromAuthority(ctx context.Context, command string, args ...any) (Args, error) {
	if err := s.check(RolePeer, command); err != nil {
		return nil, err
	}
	return s.request(ctx, command, args, func(ctx context.Context, rq RequestChannel, payload *structpb.ListValue) (*structpb.ListValue, error) {
		return rq.InvokeServer(ctx, payload)
	})
}

type invokeFunc func(ctx context.Context, rq RequestChannel, payload *structpb.ListValue) (*structpb.ListValue, error)

func (s *Session) request(ctx context.Context, command string, args []any, invoke invokeFunc) (Args, error) {
	rq := s.binding.requests
	if rq == nil {
		return nil, ErrNoRequestChannel
	}
	payload, err := encode(command, args)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := invoke(ctx, rq, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("command %q after %s: %w", command, time.Since(start).Round(time.Millisecond), ErrRequestTimeout)
		}
		return nil, fmt.Errorf("command %q: %w", command, err)
	}
	return Args(resp.GetValues()), nil
}

// Listen registers handler for command on the session's router. In data mode
// the same handler answers both events and requests for command.
//
// Postcondition: Returns the Registration, or a *NamespaceViolationError.
func (s *Session) Listen(command string, handler Handler) (*Registration, error) {
	if err := s.check(0, command); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("listen %q: handler must not be nil", command)
	}

	reg := s.binding.router.Register(command, handler)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		reg.Close()
		return nil, ErrSessionDestroyed
	}
	s.regs = append(s.regs, reg)
	return reg, nil
}

// Destroy removes every registration made through this session. The shared
// channels stay open for other sessions. Safe to call more than once; never blocks
// on the event loop.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	regs := s.regs
	s.regs = nil
	s.mu.Unlock()

	for _, reg := range regs {
		reg.Close()
	}
	s.logger.Info("session cleaned up",
		zap.Int("registrations", len(regs)),
	)
}
