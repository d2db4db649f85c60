// Package frontend wires the peer-side features onto a bus endpoint: the
// player data replica and the input controller.
package frontend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/player"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/scripting"
)

// Options configures a Client.
type Options struct {
	// PlayerName claims a stored profile. Empty keeps the defaults keyed by peer ID.
	PlayerName string
	Bindings   []input.Binding
	Scripts    *scripting.Manager
	Mapper     input.KeyMapper
	// ControllerOptions are passed to the input controller.
	ControllerOptions []input.ControllerOption
}

// Client is one peer's feature set. Close detaches it from the bus.
type Client struct {
	logger     *zap.Logger
	replica    *player.Replica
	controller *input.Controller
}

// Start opens the replica, claims or fetches the player's instances, and binds
// every keybind.
//
// Precondition: ep must be a peer endpoint; opts.Scripts must hold every
// binding's module.
// Postcondition: Returns a running Client, or an error with nothing left bound.
func Start(ctx context.Context, ep *bus.Endpoint, opts Options, logger *zap.Logger) (*Client, error) {
	replica, err := player.NewReplica(ctx, ep, logger)
	if err != nil {
		return nil, fmt.Errorf("opening player data: %w", err)
	}

	var instances *playerdata.Node
	if opts.PlayerName != "" {
		instances, err = replica.Claim(ctx, opts.PlayerName)
	} else {
		instances, err = replica.Fetch(ctx)
	}
	if err != nil {
		replica.Close()
		return nil, err
	}

	c := &Client{
		logger:     logger,
		replica:    replica,
		controller: input.NewController(ep, opts.Scripts, opts.Mapper, logger, opts.ControllerOptions...),
	}
	for _, b := range opts.Bindings {
		if err := c.controller.Bind(ctx, b); err != nil {
			c.Close()
			return nil, err
		}
	}

	logger.Info("client started",
		zap.String("player", opts.PlayerName),
		zap.Int("instances", len(instances.Children)),
		zap.Strings("actions", c.controller.Bound()),
	)
	return c, nil
}

// Replica returns the player data replica.
func (c *Client) Replica() *player.Replica { return c.replica }

// Controller returns the input controller.
func (c *Client) Controller() *input.Controller { return c.controller }

// Close unbinds every action and closes the replica.
func (c *Client) Close() {
	c.controller.Close()
	c.replica.Close()
}
