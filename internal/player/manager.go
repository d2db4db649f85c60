// Package player tracks connected players on the authority and replicates
// their profile to the owning peer.
package player

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/playerdata"
)

// Player is one connected peer's authority-side state.
type Player struct {
	// ID is the bus identity of the peer.
	ID bus.PeerID
	// Name keys the stored profile.
	Name string
	// JoinedAt is when the peer connected.
	JoinedAt time.Time

	mu         sync.Mutex
	profile    *playerdata.Node
	characters []string
}

// Profile returns a copy of the player's full profile.
func (p *Player) Profile() *playerdata.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile.Clone()
}

// Instances returns a copy of the replicated part of the profile.
func (p *Player) Instances() *playerdata.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.profile.Child("instances")
	if !ok {
		return playerdata.Folder("instances")
	}
	return n.Clone()
}

// Update replaces the leaf at path, creating folders along the way.
//
// Precondition: path must be non-empty and slash-separated, e.g. "data/Wins".
func (p *Player) Update(path string, leaf *playerdata.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	putPath(p.profile, path, leaf)
}

// Characters lists character names reported by the peer, oldest first.
func (p *Player) Characters() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.characters...)
}

func (p *Player) addCharacter(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.characters = append(p.characters, name)
}

// Manager tracks all connected players.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	players map[bus.PeerID]*Player
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{players: make(map[bus.PeerID]*Player)}
}

// Add registers a connected player.
//
// Precondition: id and name must be non-empty; profile must be a folder.
// Postcondition: Returns the new Player, or an error if id is already registered.
func (m *Manager) Add(id bus.PeerID, name string, profile *playerdata.Node) (*Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.players[id]; exists {
		return nil, fmt.Errorf("player %q already connected", id)
	}
	p := &Player{ID: id, Name: name, JoinedAt: time.Now(), profile: profile}
	m.players[id] = p
	return p, nil
}

// Remove unregisters a player.
//
// Postcondition: Returns the removed Player, or an error if id was not registered.
func (m *Manager) Remove(id bus.PeerID) (*Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[id]
	if !ok {
		return nil, fmt.Errorf("player %q not found", id)
	}
	delete(m.players, id)
	return p, nil
}

// Get returns the player with id.
func (m *Manager) Get(id bus.PeerID) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[id]
	return p, ok
}

// Count returns the number of connected players.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}

// IDs returns the connected player IDs in sorted order.
func (m *Manager) IDs() []bus.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]bus.PeerID, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func putPath(root *playerdata.Node, path string, leaf *playerdata.Node) {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return
	}
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.Child(part)
		if !ok || next.Kind != playerdata.KindFolder {
			next = playerdata.Folder(part)
			cur.Put(next)
		}
		cur = next
	}
	l := leaf.Clone()
	l.Name = parts[len(parts)-1]
	cur.Put(l)
}
