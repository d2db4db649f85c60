// Package gameserver wires the authority-side features onto a bus endpoint:
// player lifecycle and one input connection per keybind.
package gameserver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/player"
	"github.com/cory-johannsen/arena/internal/playerdata"
)

// Options configures a Runtime.
type Options struct {
	Defaults playerdata.Defaults
	Store    playerdata.Store
	Bindings []input.Binding
	// OnActivation receives every forwarded input. Nil logs them.
	OnActivation input.Callback
}

// Runtime is the authority's feature set. Close detaches it from the bus.
type Runtime struct {
	logger      *zap.Logger
	players     *player.Service
	connections []*input.Connection
}

// Start registers the player service and every keybind connection on ep.
//
// Precondition: ep must be an authority endpoint; opts.Store must be non-nil.
// Postcondition: Returns a running Runtime, or an error with nothing left attached.
func Start(ctx context.Context, ep *bus.Endpoint, opts Options, logger *zap.Logger) (*Runtime, error) {
	players, err := player.NewService(ctx, ep, opts.Defaults, opts.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("starting player service: %w", err)
	}
	r := &Runtime{logger: logger, players: players}

	cb := opts.OnActivation
	if cb == nil {
		cb = r.logActivation
	}
	for _, b := range opts.Bindings {
		conn := input.NewConnection(b.Action, b.Module, logger)
		conn.SetCoolDown(b.Cooldown)
		conn.SetCreateButton(b.CreateButton)
		if err := conn.ConnectToCallback(ctx, ep, cb); err != nil {
			r.Close()
			return nil, fmt.Errorf("connecting keybind %s: %w", b.Action, err)
		}
		r.connections = append(r.connections, conn)
	}

	logger.Info("game server runtime started",
		zap.Int("keybinds", len(r.connections)),
	)
	return r, nil
}

// Players returns the player service.
func (r *Runtime) Players() *player.Service { return r.players }

// Shutdown saves every connected player's profile. Call it while the store
// is still open, before Close.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.players.Shutdown(ctx)
}

// Close detaches every component. Safe to call more than once.
func (r *Runtime) Close() {
	for i := len(r.connections) - 1; i >= 0; i-- {
		r.connections[i].Destroy()
	}
	r.connections = nil
	r.players.Close()
}

func (r *Runtime) logActivation(_ context.Context, a input.Activation) {
	r.logger.Info("input activation",
		zap.String("peer", string(a.From)),
		zap.String("action", a.Action),
		zap.String("state", string(a.State)),
		zap.Any("data", a.Data),
	)
}
