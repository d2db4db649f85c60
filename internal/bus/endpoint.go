package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// DefaultInboxSize is the number of inbound calls buffered ahead of the event loop.
	DefaultInboxSize = 256
	// DefaultRequestTimeout bounds a request whose context carries no deadline.
	DefaultRequestTimeout = 10 * time.Second
)

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithInboxSize sets the event loop buffer size.
func WithInboxSize(n int) EndpointOption {
	return func(e *Endpoint) {
		if n > 0 {
			e.inboxSize = n
		}
	}
}

// WithDefaultWaitTimeout sets how long peer-side resolves wait for channel creation.
func WithDefaultWaitTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.waitTimeout = d }
}

// WithDefaultRequestTimeout sets the request deadline applied when the caller has none.
func WithDefaultRequestTimeout(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithChannelBases overrides the channel base names sessions use when they do
// not name their own. Empty arguments keep the defaults.
func WithChannelBases(event, dataEvent, dataRequest string) EndpointOption {
	return func(e *Endpoint) {
		if event != "" {
			e.bases.event = event
		}
		if dataEvent != "" {
			e.bases.dataEvent = dataEvent
		}
		if dataRequest != "" {
			e.bases.dataRequest = dataRequest
		}
	}
}

// channelBases are the default channel base names of an endpoint.
type channelBases struct {
	event       string
	dataEvent   string
	dataRequest string
}

// Endpoint is the process-wide bus state: it knows the process role, owns one
// Router per resolved channel, and serializes every dispatch through a single
// event loop goroutine.
type Endpoint struct {
	host           Host
	role           Role
	logger         *zap.Logger
	resolver       *Resolver
	inboxSize      int
	waitTimeout    time.Duration
	requestTimeout time.Duration
	bases          channelBases

	mu      sync.Mutex
	routers map[string]*Router // event channel name → router
	wired   map[string]func()  // channel name → host listener disconnect
	paired  map[string]string  // request channel name → event channel name

	inbox     chan job
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type job struct {
	ctx    context.Context
	router *Router
	call   *Call
	fn     func()
	reply  chan reply
}

type reply struct {
	args Args
	err  error
}

// Bootstrap determines the process role from host and starts the event loop.
//
// Precondition: host and logger must be non-nil.
// Postcondition: Returns a running Endpoint; Close stops it.
func Bootstrap(host Host, logger *zap.Logger, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		host:           host,
		role:           host.Role(),
		inboxSize:      DefaultInboxSize,
		waitTimeout:    DefaultWaitTimeout,
		requestTimeout: DefaultRequestTimeout,
		bases: channelBases{
			event:       DefaultEventChannel,
			dataEvent:   DataEventChannel,
			dataRequest: DataRequestChannel,
		},
		routers: make(map[string]*Router),
		wired:   make(map[string]func()),
		paired:  make(map[string]string),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With(
		zap.String("role", e.role.String()),
		zap.String("self", string(host.Self())),
	)
	e.resolver = NewResolver(host, e.waitTimeout)
	e.inbox = make(chan job, e.inboxSize)

	go e.loop()

	e.logger.Info("bus endpoint bootstrapped",
		zap.Int("inbox_size", e.inboxSize),
		zap.Duration("wait_timeout", e.resolver.WaitTimeout()),
		zap.Duration("request_timeout", e.requestTimeout),
	)
	return e
}

// Role returns the process role captured at bootstrap.
func (e *Endpoint) Role() Role { return e.role }

// Self returns the identity of this process.
func (e *Endpoint) Self() PeerID { return e.host.Self() }

// Peers lists currently connected peers.
func (e *Endpoint) Peers() []PeerID { return e.host.Peers() }

// Resolver returns the endpoint's channel resolver.
func (e *Endpoint) Resolver() *Resolver { return e.resolver }

// Logger returns the endpoint logger.
func (e *Endpoint) Logger() *zap.Logger { return e.logger }

// RequestTimeout returns the default request deadline.
func (e *Endpoint) RequestTimeout() time.Duration { return e.requestTimeout }

// Router returns the router serving the event channel name, if it was resolved.
func (e *Endpoint) Router(name string) (*Router, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routers[name]
	return r, ok
}

// Done is closed once the endpoint stops.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close stops the event loop and disconnects every host listener the endpoint
// installed. Pending calls are abandoned. Safe to call more than once.
//
// Precondition: must not be called from a handler running on the event loop.
// Postcondition: No handler is running when Close returns.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		for name, disconnect := range e.wired {
			disconnect()
			delete(e.wired, name)
		}
		e.mu.Unlock()
		<-e.stopped
		e.logger.Info("bus endpoint closed")
	})
}

// Do runs fn on the event loop after every job already queued, and waits for
// it to finish.
//
// Postcondition: Returns nil once fn has run, ErrEndpointClosed if the endpoint
// stopped first, or the context error.
func (e *Endpoint) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := e.enqueue(ctx, job{fn: func() {
		defer close(ran)
		fn()
	}}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-e.stopped:
		select {
		case <-ran:
			return nil
		default:
			return ErrEndpointClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnPeerJoined runs fn on the event loop whenever a peer connects.
// Hosts that do not report presence never call fn.
func (e *Endpoint) OnPeerJoined(fn func(PeerID)) (disconnect func()) {
	p, ok := e.host.(Presence)
	if !ok {
		return func() {}
	}
	return p.OnPeerJoined(func(id PeerID) {
		_ = e.enqueue(context.Background(), job{fn: func() { fn(id) }})
	})
}

// OnPeerLeft runs fn on the event loop whenever a peer disconnects.
func (e *Endpoint) OnPeerLeft(fn func(PeerID)) (disconnect func()) {
	p, ok := e.host.(Presence)
	if !ok {
		return func() {}
	}
	return p.OnPeerLeft(func(id PeerID) {
		_ = e.enqueue(context.Background(), job{fn: func() { fn(id) }})
	})
}

func (e *Endpoint) loop() {
	defer close(e.stopped)
	for {
		select {
		case j := <-e.inbox:
			e.run(j)
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			e.logger.Error("recovered from handler panic", zap.Error(err))
			if j.reply != nil {
				j.reply <- reply{err: err}
			}
		}
	}()

	if j.fn != nil {
		j.fn()
		return
	}

	args, err := j.router.Dispatch(j.ctx, j.call)
	if j.reply != nil {
		j.reply <- reply{args: args, err: err}
		return
	}
	if err != nil && !errors.Is(err, ErrUnmatchedCommand) {
		e.logger.Warn("event handler failed",
			zap.String("command", j.call.Command),
			zap.String("channel", j.call.Channel),
			zap.String("from", string(j.call.From)),
			zap.Error(err),
		)
	}
}

func (e *Endpoint) enqueue(ctx context.Context, j job) error {
	if j.ctx == nil {
		j.ctx = ctx
	}
	select {
	case e.inbox <- j:
		return nil
	case <-e.done:
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// binding is the shared per-channel state a Session attaches to.
type binding struct {
	router   *Router
	events   EventChannel
	requests RequestChannel
}

// bind resolves the event channel (and request channel when requestName is
// non-empty), creates their router, and installs exactly one inbound listener
// per channel.
func (e *Endpoint) bind(ctx context.Context, eventName, requestName string, timeout time.Duration) (*binding, error) {
	select {
	case <-e.done:
		return nil, ErrEndpointClosed
	default:
	}

	if timeout <= 0 {
		timeout = e.resolver.WaitTimeout()
	}
	start := time.Now()
	events, err := e.resolver.ResolveEvent(ctx, eventName, timeout)
	if err != nil {
		return nil, err
	}
	var requests RequestChannel
	if requestName != "" {
		// Both channels share one wait budget.
		remaining := max(timeout-time.Since(start), time.Millisecond)
		requests, err = e.resolver.ResolveRequest(ctx, requestName, remaining)
		var notFound *ChannelNotFoundError
		if errors.As(err, &notFound) {
			notFound.Timeout = timeout
		}
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	router, ok := e.routers[eventName]
	if !ok {
		router = NewRouter(eventName, e.role, e.logger)
		e.routers[eventName] = router
	}
	if _, ok := e.wired[eventName]; !ok {
		e.wired[eventName] = events.OnEvent(e.eventListener(router))
		e.logger.Debug("wired event channel", zap.String("channel", eventName))
	}

	if requests != nil {
		if owner, ok := e.paired[requestName]; ok && owner != eventName {
			return nil, fmt.Errorf("request channel %q is already paired with %q", requestName, owner)
		}
		if _, ok := e.wired[requestName]; !ok {
			e.paired[requestName] = eventName
			e.wired[requestName] = requests.OnInvoke(e.invokeListener(router))
			e.logger.Debug("wired request channel",
				zap.String("channel", requestName),
				zap.String("router", eventName),
			)
		}
	}

	return &binding{router: router, events: events, requests: requests}, nil
}

func (e *Endpoint) eventListener(router *Router) EventFunc {
	return func(from PeerID, payload *structpb.ListValue) {
		msg, err := DecodeMessage(payload)
		if err != nil {
			e.logger.Warn("dropping inbound event",
				zap.String("channel", router.Channel()),
				zap.String("from", string(from)),
				zap.Error(err),
			)
			return
		}
		call := &Call{From: from, Command: msg.Command, Args: msg.Args, Channel: router.Channel()}
		if err := e.enqueue(context.Background(), job{router: router, call: call}); err != nil {
			e.logger.Debug("event not delivered",
				zap.String("command", msg.Command),
				zap.Error(err),
			)
		}
	}
}

func (e *Endpoint) invokeListener(router *Router) InvokeFunc {
	return func(ctx context.Context, from PeerID, payload *structpb.ListValue) (*structpb.ListValue, error) {
		msg, err := DecodeMessage(payload)
		if err != nil {
			e.logger.Warn("rejecting inbound request",
				zap.String("channel", router.Channel()),
				zap.String("from", string(from)),
				zap.Error(err),
			)
			return nil, err
		}
		call := &Call{From: from, Command: msg.Command, Args: msg.Args, Channel: router.Channel()}
		rc := make(chan reply, 1)
		if err := e.enqueue(ctx, job{ctx: ctx, router: router, call: call, reply: rc}); err != nil {
			return nil, err
		}
		select {
		case r := <-rc:
			if errors.Is(r.err, ErrUnmatchedCommand) {
				return &structpb.ListValue{}, nil
			}
			if r.err != nil {
				return nil, r.err
			}
			return r.args.List(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.done:
			return nil, ErrEndpointClosed
		}
	}
}
