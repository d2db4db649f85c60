package grpcbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

// ErrNoInvokeHandler is returned to a caller whose request reached a process
// without a request handler on the channel.
var ErrNoInvokeHandler = errors.New("no request handler installed")

// endpointChannel is the local listener state of one channel on either side of
// a stream.
type endpointChannel struct {
	name string
	kind bus.Kind

	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]bus.EventFunc
	invoker   bus.InvokeFunc
}

func newEndpointChannel(name string, kind bus.Kind) *endpointChannel {
	return &endpointChannel{name: name, kind: kind, listeners: make(map[uint64]bus.EventFunc)}
}

func (c *endpointChannel) requireKind(k bus.Kind) error {
	if c.kind != k {
		return fmt.Errorf("channel %q is %s: %w", c.name, c.kind, bus.ErrChannelKind)
	}
	return nil
}

func (c *endpointChannel) subscribe(fn bus.EventFunc) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
		})
	}
}

func (c *endpointChannel) setInvoker(fn bus.InvokeFunc) func() {
	c.mu.Lock()
	c.invoker = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.invoker = nil
		})
	}
}

// deliver calls every listener in subscription order. Payloads arrive freshly
// decoded from the wire, so listeners may keep them.
func (c *endpointChannel) deliver(from bus.PeerID, payload *structpb.ListValue) {
	c.mu.RLock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]bus.EventFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(from, payload)
	}
}

func (c *endpointChannel) invoke(ctx context.Context, from bus.PeerID, payload *structpb.ListValue) (*structpb.ListValue, error) {
	c.mu.RLock()
	fn := c.invoker
	c.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("channel %q: %w", c.name, ErrNoInvokeHandler)
	}
	return fn(ctx, from, payload)
}
