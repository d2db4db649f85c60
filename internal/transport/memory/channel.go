package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

// channel is the shared Hub-side state of one named channel.
type channel struct {
	hub  *Hub
	name string
	kind bus.Kind

	mu        sync.RWMutex
	nextID    uint64
	listeners map[bus.PeerID]map[uint64]bus.EventFunc // process → listeners
	invokers  map[bus.PeerID]bus.InvokeFunc           // process → request handler
}

func newChannel(h *Hub, name string, kind bus.Kind) *channel {
	return &channel{
		hub:       h,
		name:      name,
		kind:      kind,
		listeners: make(map[bus.PeerID]map[uint64]bus.EventFunc),
		invokers:  make(map[bus.PeerID]bus.InvokeFunc),
	}
}

func (c *channel) view(p *Process) *view {
	return &view{ch: c, proc: p}
}

func (c *channel) dropPeer(id bus.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
	delete(c.invokers, id)
}

func (c *channel) subscribe(owner bus.PeerID, fn bus.EventFunc) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[owner] == nil {
		c.listeners[owner] = make(map[uint64]bus.EventFunc)
	}
	c.listeners[owner][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners[owner], id)
		})
	}
}

// deliver hands a private copy of payload to every listener of target.
// Listeners are called in subscription order on the sender's goroutine.
func (c *channel) deliver(target, from bus.PeerID, payload *structpb.ListValue) {
	c.mu.RLock()
	set := c.listeners[target]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	fns := make([]bus.EventFunc, 0, len(ids))
	sortIDs(ids)
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(from, clone(payload))
	}
}

func (c *channel) invoke(ctx context.Context, target, from bus.PeerID, payload *structpb.ListValue) (*structpb.ListValue, error) {
	c.mu.RLock()
	fn := c.invokers[target]
	c.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("channel %q on %s: %w", c.name, target, ErrNoInvokeHandler)
	}

	type result struct {
		resp *structpb.ListValue
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := fn(ctx, from, clone(payload))
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &bus.RemoteError{Message: r.err.Error()}
		}
		if r.resp == nil {
			return &structpb.ListValue{}, nil
		}
		return clone(r.resp), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func clone(lv *structpb.ListValue) *structpb.ListValue {
	return proto.Clone(lv).(*structpb.ListValue)
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// view binds a channel to the process that resolved it and implements both
// bus.EventChannel and bus.RequestChannel; the kind decides which calls apply.
type view struct {
	ch   *channel
	proc *Process
}

func (v *view) Name() string   { return v.ch.name }
func (v *view) Kind() bus.Kind { return v.ch.kind }

func (v *view) requireKind(k bus.Kind) error {
	if v.ch.kind != k {
		return fmt.Errorf("channel %q is %s: %w", v.ch.name, v.ch.kind, bus.ErrChannelKind)
	}
	return nil
}

func (v *view) requireRole(r bus.Role) error {
	if v.proc.role != r {
		return fmt.Errorf("channel %q: %w", v.ch.name, bus.ErrWrongRole)
	}
	return nil
}

func (v *view) FireClient(to bus.PeerID, payload *structpb.ListValue) error {
	if err := v.requireKind(bus.KindEvent); err != nil {
		return err
	}
	if err := v.requireRole(bus.RoleAuthority); err != nil {
		return err
	}
	if !v.ch.hub.connected(to) {
		return nil
	}
	v.ch.deliver(to, bus.AuthorityID, payload)
	return nil
}

func (v *view) FireAllClients(payload *structpb.ListValue) error {
	if err := v.requireKind(bus.KindEvent); err != nil {
		return err
	}
	if err := v.requireRole(bus.RoleAuthority); err != nil {
		return err
	}
	for _, id := range v.ch.hub.peerIDs() {
		v.ch.deliver(id, bus.AuthorityID, payload)
	}
	return nil
}

func (v *view) FireServer(payload *structpb.ListValue) error {
	if err := v.requireKind(bus.KindEvent); err != nil {
		return err
	}
	if err := v.requireRole(bus.RolePeer); err != nil {
		return err
	}
	if !v.ch.hub.connected(v.proc.id) {
		return nil
	}
	v.ch.deliver(bus.AuthorityID, v.proc.id, payload)
	return nil
}

func (v *view) OnEvent(fn bus.EventFunc) func() {
	return v.ch.subscribe(v.proc.id, fn)
}

func (v *view) InvokeClient(ctx context.Context, to bus.PeerID, payload *structpb.ListValue) (*structpb.ListValue, error) {
	if err := v.requireKind(bus.KindRequest); err != nil {
		return nil, err
	}
	if err := v.requireRole(bus.RoleAuthority); err != nil {
		return nil, err
	}
	if !v.ch.hub.connected(to) {
		return nil, fmt.Errorf("invoke %s: %w", to, bus.ErrPeerNotConnected)
	}
	return v.ch.invoke(ctx, to, bus.AuthorityID, payload)
}

func (v *view) InvokeServer(ctx context.Context, payload *structpb.ListValue) (*structpb.ListValue, error) {
	if err := v.requireKind(bus.KindRequest); err != nil {
		return nil, err
	}
	if err := v.requireRole(bus.RolePeer); err != nil {
		return nil, err
	}
	return v.ch.invoke(ctx, bus.AuthorityID, v.proc.id, payload)
}

func (v *view) OnInvoke(fn bus.InvokeFunc) func() {
	owner := v.proc.id
	v.ch.mu.Lock()
	v.ch.invokers[owner] = fn
	v.ch.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.ch.mu.Lock()
			defer v.ch.mu.Unlock()
			delete(v.ch.invokers, owner)
		})
	}
}
