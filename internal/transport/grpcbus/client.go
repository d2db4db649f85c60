package grpcbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

// ErrDisconnected is returned by calls made after the stream to the authority ended.
var ErrDisconnected = errors.New("disconnected from authority")

// Client is the peer-side bus.Host. It learns channels from the authority's
// announcements and forwards events and requests over a single stream.
// All methods are safe for concurrent use.
type Client struct {
	logger *zap.Logger
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	link   *link
	self   bus.PeerID

	mu       sync.RWMutex
	known    map[string]bus.Kind
	created  chan struct{}
	channels map[string]*endpointChannel

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the authority at target and waits for its welcome.
// Transport credentials default to insecure; opts are appended after the default.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a connected Client, or an error if the stream could not
// be opened or ctx ended before the welcome arrived.
func Dial(ctx context.Context, target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectPath)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("opening bus stream to %s: %w", target, err)
	}

	c := &Client{
		logger:   logger,
		conn:     conn,
		cancel:   cancel,
		link:     newLink(stream),
		known:    make(map[string]bus.Kind),
		created:  make(chan struct{}),
		channels: make(map[string]*endpointChannel),
		done:     make(chan struct{}),
	}

	welcome := make(chan error, 1)
	go func() {
		f, err := c.link.recv()
		if err == nil && f.Type != frameWelcome {
			err = fmt.Errorf("expected welcome, got %q", f.Type)
		}
		if err == nil {
			c.self = f.Peer
		}
		welcome <- err
	}()

	select {
	case err := <-welcome:
		if err != nil {
			cancel()
			_ = conn.Close()
			return nil, fmt.Errorf("handshake with %s: %w", target, err)
		}
	case <-ctx.Done():
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", target, ctx.Err())
	}

	go c.recvLoop(streamCtx)
	logger.Info("connected to authority", zap.String("target", target), zap.String("peer", string(c.self)))
	return c, nil
}

// Done is closed once the stream to the authority has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the stream and releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Role implements bus.Host.
func (c *Client) Role() bus.Role { return bus.RolePeer }

// Self implements bus.Host.
func (c *Client) Self() bus.PeerID { return c.self }

// Peers implements bus.Host. Peers do not see each other.
func (c *Client) Peers() []bus.PeerID { return nil }

// Create implements bus.Host. Only the authority creates channels.
func (c *Client) Create(name string, _ bus.Kind) (bus.Channel, error) {
	return nil, fmt.Errorf("create %q: %w", name, bus.ErrWrongRole)
}

// Wait implements bus.Host. It returns once the authority has announced name.
func (c *Client) Wait(ctx context.Context, name string, kind bus.Kind) (bus.Channel, error) {
	for {
		c.mu.RLock()
		k, ok := c.known[name]
		notify := c.created
		c.mu.RUnlock()
		if ok {
			if k != kind {
				return nil, fmt.Errorf("channel %q is %s: %w", name, k, bus.ErrChannelKind)
			}
			return &clientView{ch: c.channel(name, kind), c: c}, nil
		}
		select {
		case <-notify:
		case <-c.done:
			return nil, ErrDisconnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) channel(name string, kind bus.Kind) *endpointChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = newEndpointChannel(name, kind)
		c.channels[name] = ch
	}
	return ch
}

func (c *Client) lookup(name string) *endpointChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[name]
}

func (c *Client) recvLoop(ctx context.Context) {
	defer func() {
		c.link.close()
		close(c.done)
	}()
	for {
		f, err := c.link.recv()
		if err != nil {
			if errors.Is(err, bus.ErrMalformedMessage) {
				c.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if !isStreamClosed(err) {
				c.logger.Warn("bus stream ended", zap.Error(err))
			} else {
				c.logger.Info("bus stream closed")
			}
			return
		}

		switch f.Type {
		case frameChannel:
			c.mu.Lock()
			if _, ok := c.known[f.Channel]; !ok {
				c.known[f.Channel] = f.Kind
				close(c.created)
				c.created = make(chan struct{})
			}
			c.mu.Unlock()
		case frameEvent:
			if ch := c.lookup(f.Channel); ch != nil {
				ch.deliver(bus.AuthorityID, f.Payload)
			}
		case frameInvoke:
			go c.answer(ctx, f)
		case frameReply:
			c.link.resolve(f)
		default:
			c.logger.Warn("unexpected frame from authority", zap.String("type", string(f.Type)))
		}
	}
}

func (c *Client) answer(ctx context.Context, f frame) {
	var resp *structpb.ListValue
	var err error
	if ch := c.lookup(f.Channel); ch != nil {
		resp, err = ch.invoke(ctx, bus.AuthorityID, f.Payload)
	} else {
		err = fmt.Errorf("channel %q: %w", f.Channel, ErrNoInvokeHandler)
	}
	if sendErr := c.link.send(replyFor(f.ID, resp, err)); sendErr != nil {
		c.logger.Debug("reply not delivered", zap.String("channel", f.Channel), zap.Error(sendErr))
	}
}

// clientView is a peer's handle on one announced channel.
type clientView struct {
	ch *endpointChannel
	c  *Client
}

func (v *clientView) Name() string   { return v.ch.name }
func (v *clientView) Kind() bus.Kind { return v.ch.kind }

func (v *clientView) FireClient(bus.PeerID, *structpb.ListValue) error {
	return fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
}

func (v *clientView) FireAllClients(*structpb.ListValue) error {
	return fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
}

func (v *clientView) FireServer(payload *structpb.ListValue) error {
	if err := v.ch.requireKind(bus.KindEvent); err != nil {
		return err
	}
	select {
	case <-v.c.done:
		return nil
	default:
	}
	if err := v.c.link.send(frame{Type: frameEvent, Channel: v.ch.name, Payload: payload}); err != nil {
		v.c.logger.Debug("event not delivered", zap.String("channel", v.ch.name), zap.Error(err))
	}
	return nil
}

func (v *clientView) OnEvent(fn bus.EventFunc) func() { return v.ch.subscribe(fn) }

func (v *clientView) InvokeClient(context.Context, bus.PeerID, *structpb.ListValue) (*structpb.ListValue, error) {
	return nil, fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
}

func (v *clientView) InvokeServer(ctx context.Context, payload *structpb.ListValue) (*structpb.ListValue, error) {
	if err := v.ch.requireKind(bus.KindRequest); err != nil {
		return nil, err
	}
	return v.c.link.call(ctx, v.ch.name, payload, ErrDisconnected)
}

func (v *clientView) OnInvoke(fn bus.InvokeFunc) func() { return v.ch.setInvoker(fn) }
