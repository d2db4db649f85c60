package grpcbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

// Server is the authority-side bus.Host. Every connected peer holds one
// Connect stream; channels created here are announced on all of them.
// All methods are safe for concurrent use.
type Server struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]*endpointChannel
	created  chan struct{}
	conns    map[bus.PeerID]*link
	nextHook uint64
	joined   map[uint64]func(bus.PeerID)
	left     map[uint64]func(bus.PeerID)
}

// NewServer creates an authority host with no channels.
//
// Precondition: logger must be non-nil.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		logger:   logger,
		channels: make(map[string]*endpointChannel),
		created:  make(chan struct{}),
		conns:    make(map[bus.PeerID]*link),
		joined:   make(map[uint64]func(bus.PeerID)),
		left:     make(map[uint64]func(bus.PeerID)),
	}
}

// Register installs the Bus service on g.
//
// Precondition: g must not be serving yet.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Role implements bus.Host.
func (s *Server) Role() bus.Role { return bus.RoleAuthority }

// Self implements bus.Host.
func (s *Server) Self() bus.PeerID { return bus.AuthorityID }

// Peers implements bus.Host.
func (s *Server) Peers() []bus.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]bus.PeerID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Create implements bus.Host. New channels are announced to every connected peer.
func (s *Server) Create(name string, kind bus.Kind) (bus.Channel, error) {
	s.mu.Lock()
	if ch, ok := s.channels[name]; ok {
		s.mu.Unlock()
		if ch.kind != kind {
			return nil, fmt.Errorf("channel %q is %s: %w", name, ch.kind, bus.ErrChannelKind)
		}
		return &serverView{ch: ch, srv: s}, nil
	}
	ch := newEndpointChannel(name, kind)
	s.channels[name] = ch
	close(s.created)
	s.created = make(chan struct{})
	links := make([]*link, 0, len(s.conns))
	for _, l := range s.conns {
		links = append(links, l)
	}
	s.mu.Unlock()

	announce := frame{Type: frameChannel, Channel: name, Kind: kind}
	for _, l := range links {
		if err := l.send(announce); err != nil {
			s.logger.Debug("channel announcement not delivered",
				zap.String("channel", name),
				zap.Error(err),
			)
		}
	}
	s.logger.Debug("channel created", zap.String("channel", name), zap.String("kind", kind.String()))
	return &serverView{ch: ch, srv: s}, nil
}

// Wait implements bus.Host.
func (s *Server) Wait(ctx context.Context, name string, kind bus.Kind) (bus.Channel, error) {
	for {
		s.mu.RLock()
		ch, ok := s.channels[name]
		notify := s.created
		s.mu.RUnlock()
		if ok {
			if ch.kind != kind {
				return nil, fmt.Errorf("channel %q is %s: %w", name, ch.kind, bus.ErrChannelKind)
			}
			return &serverView{ch: ch, srv: s}, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// OnPeerJoined implements bus.Presence.
func (s *Server) OnPeerJoined(fn func(bus.PeerID)) func() { return s.addHook(s.joined, fn) }

// OnPeerLeft implements bus.Presence.
func (s *Server) OnPeerLeft(fn func(bus.PeerID)) func() { return s.addHook(s.left, fn) }

func (s *Server) addHook(set map[uint64]func(bus.PeerID), fn func(bus.PeerID)) func() {
	s.mu.Lock()
	s.nextHook++
	id := s.nextHook
	set[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(set, id)
		s.mu.Unlock()
	}
}

func (s *Server) hooks(set map[uint64]func(bus.PeerID)) []func(bus.PeerID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]func(bus.PeerID), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

func (s *Server) lookup(name string) *endpointChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[name]
}

func (s *Server) link(id bus.PeerID) (*link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.conns[id]
	return l, ok
}

// Connect serves one peer stream until the peer disconnects.
//
// Postcondition: The peer is registered for the life of the stream; on return it
// is removed and its outstanding requests fail with bus.ErrPeerNotConnected.
func (s *Server) Connect(stream grpc.ServerStream) error {
	start := time.Now()
	id := bus.PeerID(uuid.NewString())
	l := newLink(stream)

	if err := l.send(frame{Type: frameWelcome, Peer: id}); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}

	s.mu.Lock()
	s.conns[id] = l
	announcements := make([]frame, 0, len(s.channels))
	for name, ch := range s.channels {
		announcements = append(announcements, frame{Type: frameChannel, Channel: name, Kind: ch.kind})
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		l.close()
		for _, fn := range s.hooks(s.left) {
			fn(id)
		}
		s.logger.Info("peer disconnected",
			zap.String("peer", string(id)),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	for _, f := range announcements {
		if err := l.send(f); err != nil {
			return fmt.Errorf("announcing channel %q: %w", f.Channel, err)
		}
	}

	s.logger.Info("peer connected", zap.String("peer", string(id)))
	for _, fn := range s.hooks(s.joined) {
		fn(id)
	}

	ctx := stream.Context()
	for {
		f, err := l.recv()
		if err != nil {
			if errors.Is(err, bus.ErrMalformedMessage) {
				s.logger.Warn("dropping malformed frame", zap.String("peer", string(id)), zap.Error(err))
				continue
			}
			if isStreamClosed(err) {
				return nil
			}
			return err
		}

		switch f.Type {
		case frameEvent:
			ch := s.lookup(f.Channel)
			if ch == nil {
				s.logger.Warn("event for unknown channel",
					zap.String("peer", string(id)),
					zap.String("channel", f.Channel),
				)
				continue
			}
			ch.deliver(id, f.Payload)
		case frameInvoke:
			go s.answer(ctx, l, id, f)
		case frameReply:
			l.resolve(f)
		default:
			s.logger.Warn("unexpected frame from peer",
				zap.String("peer", string(id)),
				zap.String("type", string(f.Type)),
			)
		}
	}
}

func (s *Server) answer(ctx context.Context, l *link, from bus.PeerID, f frame) {
	var resp *structpb.ListValue
	var err error
	if ch := s.lookup(f.Channel); ch != nil {
		resp, err = ch.invoke(ctx, from, f.Payload)
	} else {
		err = fmt.Errorf("unknown channel %q", f.Channel)
	}
	if sendErr := l.send(replyFor(f.ID, resp, err)); sendErr != nil {
		s.logger.Debug("reply not delivered",
			zap.String("peer", string(from)),
			zap.String("channel", f.Channel),
			zap.Error(sendErr),
		)
	}
}

func isStreamClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

// serverView is the authority's handle on one channel.
type serverView struct {
	ch  *endpointChannel
	srv *Server
}

func (v *serverView) Name() string   { return v.ch.name }
func (v *serverView) Kind() bus.Kind { return v.ch.kind }

func (v *serverView) FireClient(to bus.PeerID, payload *structpb.ListValue) error {
	if err := v.ch.requireKind(bus.KindEvent); err != nil {
		return err
	}
	l, ok := v.srv.link(to)
	if !ok {
		return nil
	}
	if err := l.send(frame{Type: frameEvent, Channel: v.ch.name, Payload: payload}); err != nil {
		v.srv.logger.Debug("event not delivered",
			zap.String("peer", string(to)),
			zap.String("channel", v.ch.name),
			zap.Error(err),
		)
	}
	return nil
}

func (v *serverView) FireAllClients(payload *structpb.ListValue) error {
	if err := v.ch.requireKind(bus.KindEvent); err != nil {
		return err
	}
	for _, id := range v.srv.Peers() {
		if err := v.FireClient(id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (v *serverView) FireServer(*structpb.ListValue) error {
	return fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
}

func (v *serverView) OnEvent(fn bus.EventFunc) func() { return v.ch.subscribe(fn) }

func (v *serverView) InvokeClient(ctx context.Context, to bus.PeerID, payload *structpb.ListValue) (*structpb.ListValue, error) {
	if err := v.ch.requireKind(bus.KindRequest); err != nil {
		return nil, err
	}
	l, ok := v.srv.link(to)
	if !ok {
		return nil, fmt.Errorf("invoke %s: %w", to, bus.ErrPeerNotConnected)
	}
	return l.call(ctx, v.ch.name, payload, fmt.Errorf("invoke %s: %w", to, bus.ErrPeerNotConnected))
}

func (v *serverView) InvokeServer(context.Context, *structpb.ListValue) (*structpb.ListValue, error) {
	return nil, fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
}

func (v *serverView) OnInvoke(fn bus.InvokeFunc) func() { return v.ch.setInvoker(fn) }
