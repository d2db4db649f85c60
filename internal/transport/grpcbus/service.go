package grpcbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

const (
	serviceName = "arena.bus.v1.Bus"
	connectPath = "/" + serviceName + "/Connect"
)

// connectServer is the handler type registered for the Bus service.
type connectServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connectServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "arena/bus/v1/bus.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectServer).Connect(stream)
}

// msgStream is the subset of grpc.ServerStream and grpc.ClientStream used here.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// link serializes sends on one stream and tracks its outstanding invokes.
type link struct {
	stream msgStream
	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
}

func newLink(stream msgStream) *link {
	return &link{stream: stream, pending: make(map[string]chan frame)}
}

func (l *link) send(f frame) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.stream.SendMsg(f.toStruct())
}

func (l *link) recv() (frame, error) {
	var s structpb.Struct
	if err := l.stream.RecvMsg(&s); err != nil {
		return frame{}, err
	}
	f, err := frameFromStruct(&s)
	if err != nil {
		return frame{}, fmt.Errorf("%w: %v", bus.ErrMalformedMessage, err)
	}
	return f, nil
}

// call sends an invoke frame and waits for the matching reply.
func (l *link) call(ctx context.Context, channel string, payload *structpb.ListValue, closedErr error) (*structpb.ListValue, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, closedErr
	}
	l.pending[id] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := l.send(frame{Type: frameInvoke, Channel: channel, ID: id, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, closedErr
		}
		return f.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve routes a reply frame to its waiting caller. Late replies are dropped.
func (l *link) resolve(f frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.pending[f.ID]
	if !ok {
		return
	}
	delete(l.pending, f.ID)
	ch <- f
}

// close fails every outstanding call.
func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}
