package player

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/playerdata"
)

// Replica is the peer-side copy of the local player's instances. It is
// refreshed by Claim and Fetch and by snapshots pushed from the authority.
type Replica struct {
	logger  *zap.Logger
	session *bus.Session

	mu        sync.RWMutex
	instances *playerdata.Node
	onChange  []func(*playerdata.Node)
}

// NewReplica opens the player data namespace on a peer endpoint.
//
// Precondition: ep must be a peer endpoint.
// Postcondition: Returns a Replica with an empty instances folder, or an error
// if the authority never opened the player data channels.
func NewReplica(ctx context.Context, ep *bus.Endpoint, logger *zap.Logger) (*Replica, error) {
	session, err := bus.NewPeerSession(ctx, ep,
		bus.WithNamespace(Namespace, Commands...),
		bus.WithDataChannels(),
	)
	if err != nil {
		return nil, fmt.Errorf("player data session: %w", err)
	}
	r := &Replica{
		logger:    logger.Named("replica"),
		session:   session,
		instances: playerdata.Folder("instances"),
	}
	if _, err := session.Listen(CommandSnapshot, bus.Notify(r.handleSnapshot)); err != nil {
		session.Destroy()
		return nil, err
	}
	return r, nil
}

// OnChange registers fn to run after every replaced instances tree.
// fn receives a private copy.
func (r *Replica) OnChange(fn func(*playerdata.Node)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Instances returns a copy of the current replicated tree.
func (r *Replica) Instances() *playerdata.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances.Clone()
}

// Claim binds this peer to the stored profile of name.
//
// Postcondition: On success the replica holds the claimed instances.
func (r *Replica) Claim(ctx context.Context, name string) (*playerdata.Node, error) {
	reply, err := r.session.RequestFromAuthority(ctx, CommandClaim, name)
	if err != nil {
		return nil, fmt.Errorf("claiming %q: %w", name, err)
	}
	return r.replace(reply)
}

// Fetch pulls the current instances from the authority.
func (r *Replica) Fetch(ctx context.Context) (*playerdata.Node, error) {
	reply, err := r.session.RequestFromAuthority(ctx, CommandFetch)
	if err != nil {
		return nil, fmt.Errorf("fetching instances: %w", err)
	}
	return r.replace(reply)
}

// CharacterAdded tells the authority a character spawned for this player.
func (r *Replica) CharacterAdded(character string) error {
	return r.session.SendToAuthority(CommandCharacter, character)
}

// Close detaches the replica from the bus.
func (r *Replica) Close() { r.session.Destroy() }

func (r *Replica) handleSnapshot(_ context.Context, call *bus.Call) {
	if _, err := r.replace(call.Args); err != nil {
		r.logger.Warn("discarding snapshot", zap.Error(err))
	}
}

func (r *Replica) replace(args bus.Args) (*playerdata.Node, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	n, err := playerdata.FromValue("instances", args.At(0))
	if err != nil {
		return nil, err
	}
	if n.Kind != playerdata.KindFolder {
		return nil, fmt.Errorf("instances is a %s, want folder", n.Kind)
	}

	r.mu.Lock()
	r.instances = n
	hooks := slices.Clone(r.onChange)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(n.Clone())
	}
	return n.Clone(), nil
}
