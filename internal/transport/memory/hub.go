// Package memory provides an in-process bus.Host: one authority and any number
// of peers share a Hub, but every payload is cloned at the boundary so the
// processes never share message memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/arena/internal/bus"
)

// ErrNoInvokeHandler is returned when a request reaches a process that has not
// installed a request handler on the channel.
var ErrNoInvokeHandler = errors.New("no request handler installed")

// Hub is the shared storage of an in-process deployment: the channel table and
// the set of connected peers.
// All methods are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	created  chan struct{} // closed and replaced whenever a channel is created
	peers    map[bus.PeerID]*Process
	nextHook uint64
	joined   map[uint64]func(bus.PeerID)
	left     map[uint64]func(bus.PeerID)

	authority *Process
}

// NewHub creates an empty Hub with its authority process.
//
// Postcondition: Returns a Hub with no channels and no peers.
func NewHub() *Hub {
	h := &Hub{
		channels: make(map[string]*channel),
		created:  make(chan struct{}),
		peers:    make(map[bus.PeerID]*Process),
		joined:   make(map[uint64]func(bus.PeerID)),
		left:     make(map[uint64]func(bus.PeerID)),
	}
	h.authority = &Process{hub: h, role: bus.RoleAuthority, id: bus.AuthorityID}
	return h
}

// Authority returns the authority process view.
func (h *Hub) Authority() *Process { return h.authority }

// Connect attaches a new peer. An empty id is replaced with a random UUID.
//
// Postcondition: Returns the peer process, or an error if id is already connected.
func (h *Hub) Connect(id bus.PeerID) (*Process, error) {
	if id == "" {
		id = bus.PeerID(uuid.NewString())
	}
	if id == bus.AuthorityID {
		return nil, fmt.Errorf("peer id %q is reserved", id)
	}

	h.mu.Lock()
	if _, exists := h.peers[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("peer %q already connected", id)
	}
	p := &Process{hub: h, role: bus.RolePeer, id: id}
	h.peers[id] = p
	hooks := snapshotHooks(h.joined)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(id)
	}
	return p, nil
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) disconnect(id bus.PeerID) {
	h.mu.Lock()
	if _, ok := h.peers[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, id)
	channels := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	hooks := snapshotHooks(h.left)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.dropPeer(id)
	}
	for _, fn := range hooks {
		fn(id)
	}
}

func (h *Hub) connected(id bus.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[id]
	return ok
}

func (h *Hub) peerIDs() []bus.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]bus.PeerID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) create(name string, kind bus.Kind) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[name]; ok {
		if ch.kind != kind {
			return nil, fmt.Errorf("channel %q is %s: %w", name, ch.kind, bus.ErrChannelKind)
		}
		return ch, nil
	}
	ch := newChannel(h, name, kind)
	h.channels[name] = ch
	close(h.created)
	h.created = make(chan struct{})
	return ch, nil
}

func (h *Hub) wait(ctx context.Context, name string, kind bus.Kind) (*channel, error) {
	for {
		h.mu.RLock()
		ch, ok := h.channels[name]
		notify := h.created
		h.mu.RUnlock()

		if ok {
			if ch.kind != kind {
				return nil, fmt.Errorf("channel %q is %s: %w", name, ch.kind, bus.ErrChannelKind)
			}
			return ch, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *Hub) addHook(set map[uint64]func(bus.PeerID), fn func(bus.PeerID)) func() {
	h.mu.Lock()
	h.nextHook++
	id := h.nextHook
	set[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(set, id)
		h.mu.Unlock()
	}
}

func snapshotHooks(set map[uint64]func(bus.PeerID)) []func(bus.PeerID) {
	out := make([]func(bus.PeerID), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

// Process is one process's view of the Hub and implements bus.Host.
type Process struct {
	hub  *Hub
	role bus.Role
	id   bus.PeerID
}

// Role implements bus.Host.
func (p *Process) Role() bus.Role { return p.role }

// Self implements bus.Host.
func (p *Process) Self() bus.PeerID { return p.id }

// Peers implements bus.Host. Only the authority sees connected peers.
func (p *Process) Peers() []bus.PeerID {
	if p.role != bus.RoleAuthority {
		return nil
	}
	return p.hub.peerIDs()
}

// Create implements bus.Host.
func (p *Process) Create(name string, kind bus.Kind) (bus.Channel, error) {
	if p.role != bus.RoleAuthority {
		return nil, fmt.Errorf("create %q: %w", name, bus.ErrWrongRole)
	}
	ch, err := p.hub.create(name, kind)
	if err != nil {
		return nil, err
	}
	return ch.view(p), nil
}

// Wait implements bus.Host.
func (p *Process) Wait(ctx context.Context, name string, kind bus.Kind) (bus.Channel, error) {
	ch, err := p.hub.wait(ctx, name, kind)
	if err != nil {
		return nil, err
	}
	return ch.view(p), nil
}

// OnPeerJoined implements bus.Presence on the authority.
func (p *Process) OnPeerJoined(fn func(bus.PeerID)) func() {
	if p.role != bus.RoleAuthority {
		return func() {}
	}
	return p.hub.addHook(p.hub.joined, fn)
}

// OnPeerLeft implements bus.Presence on the authority.
func (p *Process) OnPeerLeft(fn func(bus.PeerID)) func() {
	if p.role != bus.RoleAuthority {
		return func() {}
	}
	return p.hub.addHook(p.hub.left, fn)
}

// Disconnect detaches a peer. Its listeners are dropped and later sends to it
// are discarded. Safe to call more than once; a no-op on the authority.
func (p *Process) Disconnect() {
	if p.role != bus.RolePeer {
		return
	}
	p.hub.disconnect(p.id)
}
