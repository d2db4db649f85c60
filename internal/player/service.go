package player

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/playerdata"
)

// Namespace is the bus namespace carrying player data traffic.
const Namespace = "playerdata"

// Commands in Namespace.
const (
	// CommandClaim asks the authority to load the named profile for the sender.
	CommandClaim = "claim"
	// CommandFetch asks the authority for the sender's current instances.
	CommandFetch = "fetch"
	// CommandSnapshot pushes a fresh instances tree to a peer.
	CommandSnapshot = "snapshot"
	// CommandCharacter reports that the peer spawned a character.
	CommandCharacter = "character"
)

// Commands lists every command in Namespace.
var Commands = []string{CommandClaim, CommandFetch, CommandSnapshot, CommandCharacter}

const storeTimeout = 5 * time.Second

// Service owns player lifecycle on the authority: it registers joining peers
// with default data, loads and merges stored profiles, answers replica
// requests, and persists profiles when peers leave.
type Service struct {
	logger   *zap.Logger
	manager  *Manager
	defaults playerdata.Defaults
	store    playerdata.Store
	endpoint *bus.Endpoint
	session  *bus.Session
	unhook   []func()
}

// NewService wires a Service onto an authority endpoint.
//
// Precondition: ep must be an authority endpoint; store and logger must be non-nil.
// Postcondition: Returns a running Service; Close detaches it.
func NewService(ctx context.Context, ep *bus.Endpoint, defaults playerdata.Defaults, store playerdata.Store, logger *zap.Logger) (*Service, error) {
	session, err := bus.NewAuthoritySession(ctx, ep,
		bus.WithNamespace(Namespace, Commands...),
		bus.WithDataChannels(),
	)
	if err != nil {
		return nil, fmt.Errorf("player data session: %w", err)
	}

	s := &Service{
		logger:   logger.Named("player"),
		manager:  NewManager(),
		defaults: defaults,
		store:    store,
		endpoint: ep,
		session:  session,
	}

	for cmd, h := range map[string]bus.Handler{
		CommandClaim:     s.handleClaim,
		CommandFetch:     s.handleFetch,
		CommandCharacter: s.handleCharacter,
	} {
		if _, err := session.Listen(cmd, h); err != nil {
			session.Destroy()
			return nil, fmt.Errorf("listening for %s: %w", cmd, err)
		}
	}

	s.unhook = append(s.unhook,
		ep.OnPeerJoined(s.join),
		ep.OnPeerLeft(s.leave),
	)
	return s, nil
}

// Manager returns the connected-player registry.
func (s *Service) Manager() *Manager { return s.manager }

// Close detaches the service from the bus. Connected players are not saved.
func (s *Service) Close() {
	for _, fn := range s.unhook {
		fn()
	}
	s.unhook = nil
	s.session.Destroy()
}

// Set replaces the value at path in a player's profile and, when the path is
// under instances, pushes a fresh snapshot to the peer.
//
// Precondition: path is slash-separated from the profile root, e.g. "data/Wins".
// Postcondition: Returns an error if id is not connected or the push failed.
func (s *Service) Set(id bus.PeerID, path string, leaf *playerdata.Node) error {
	p, ok := s.manager.Get(id)
	if !ok {
		return fmt.Errorf("player %q not found", id)
	}
	p.Update(path, leaf)
	if strings.HasPrefix(strings.TrimPrefix(path, "/"), "instances/") {
		return s.push(p)
	}
	return nil
}

func (s *Service) push(p *Player) error {
	return s.session.Send(p.ID, CommandSnapshot, p.Instances().ToValue())
}

func (s *Service) join(id bus.PeerID) {
	p, err := s.manager.Add(id, string(id), s.defaults.Profile(string(id)))
	if err != nil {
		s.logger.Warn("duplicate join", zap.String("peer", string(id)), zap.Error(err))
		return
	}
	s.logger.Info("player added", zap.String("peer", string(p.ID)))
}

func (s *Service) leave(id bus.PeerID) {
	if _, ok := s.manager.Get(id); !ok {
		// Already released by Shutdown.
		s.logger.Debug("leave for unknown player", zap.String("peer", string(id)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	_ = s.release(ctx, id)
}

// release removes a player and saves its profile.
func (s *Service) release(ctx context.Context, id bus.PeerID) error {
	p, err := s.manager.Remove(id)
	if err != nil {
		return err
	}
	if _, err := s.store.Save(ctx, p.Name, p.Profile()); err != nil {
		s.logger.Error("saving player profile",
			zap.String("peer", string(id)),
			zap.String("player", p.Name),
			zap.Error(err),
		)
		return fmt.Errorf("saving profile of %q: %w", p.Name, err)
	}
	s.logger.Info("player removed",
		zap.String("peer", string(id)),
		zap.String("player", p.Name),
		zap.Duration("session", time.Since(p.JoinedAt)),
	)
	return nil
}

// Shutdown removes and saves every connected player. It runs on the event
// loop after any queued joins and leaves, so it must be called before the
// store is closed and before the endpoint stops.
//
// Postcondition: The manager is empty; returns the joined save errors, or the
// error that kept Shutdown off the event loop.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	err := s.endpoint.Do(ctx, func() {
		for _, id := range s.manager.IDs() {
			if err := s.release(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("saving connected players: %w", err)
	}
	return errors.Join(errs...)
}

func (s *Service) handleClaim(ctx context.Context, call *bus.Call) (bus.Args, error) {
	p, ok := s.manager.Get(call.From)
	if !ok {
		return nil, fmt.Errorf("peer %q has not joined", call.From)
	}
	name, err := call.Args.String(0)
	if err != nil || name == "" {
		return nil, fmt.Errorf("claim requires a player name")
	}

	profile := s.defaults.Profile(name)
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	stored, err := s.store.Load(loadCtx, name)
	switch {
	case err == nil:
		profile = playerdata.Merge(profile, stored)
	case errors.Is(err, playerdata.ErrProfileNotFound):
		s.logger.Info("new player profile", zap.String("player", name))
	default:
		return nil, fmt.Errorf("loading profile for %s: %w", name, err)
	}

	p.mu.Lock()
	p.Name = name
	p.profile = profile
	p.mu.Unlock()

	s.logger.Info("player claimed profile",
		zap.String("peer", string(call.From)),
		zap.String("player", name),
	)
	return bus.MustArgs(p.Instances().ToValue()), nil
}

func (s *Service) handleFetch(_ context.Context, call *bus.Call) (bus.Args, error) {
	p, ok := s.manager.Get(call.From)
	if !ok {
		return nil, fmt.Errorf("peer %q has not joined", call.From)
	}
	return bus.MustArgs(p.Instances().ToValue()), nil
}

func (s *Service) handleCharacter(_ context.Context, call *bus.Call) (bus.Args, error) {
	p, ok := s.manager.Get(call.From)
	if !ok {
		return nil, fmt.Errorf("peer %q has not joined", call.From)
	}
	character, err := call.Args.String(0)
	if err != nil {
		return nil, err
	}
	p.addCharacter(character)
	s.logger.Info("character added",
		zap.String("player", p.Name),
		zap.String("character", character),
	)
	return nil, nil
}
