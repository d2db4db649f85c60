// Package main provides the all-in-one development server. The authority and a
// set of simulated peers share one process over the in-memory transport, and the
// peers press their bound keys on a timer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/frontend"
	"github.com/cory-johannsen/arena/internal/gameserver"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/transport/memory"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	peers := flag.Int("peers", 2, "number of simulated peers")
	interval := flag.Duration("interval", time.Second, "delay between simulated key presses")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	cfg.Server.Role = "standalone"

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	defaults, err := playerdata.LoadDefaults(cfg.Content.DefaultDataFile)
	if err != nil {
		logger.Fatal("loading player defaults", zap.Error(err))
	}
	mapper := input.NewKeyMapper()
	bindings, err := input.LoadBindings(cfg.Content.KeybindsDir, mapper)
	if err != nil {
		logger.Fatal("loading keybinds", zap.Error(err))
	}
	scripts := scripting.NewManager(logger)
	defer scripts.Close()
	if _, err := scripts.LoadDir(cfg.Content.InputScriptsDir, cfg.Content.InstructionLimit); err != nil {
		logger.Fatal("loading input scripts", zap.Error(err))
	}

	hub := memory.NewHub()
	opts := cfg.Network.EndpointOptions()

	authority := bus.Bootstrap(hub.Authority(), logger.Named("authority"), opts...)
	defer authority.Close()
	rt, err := gameserver.Start(ctx, authority, gameserver.Options{
		Defaults: defaults,
		Store:    playerdata.NewMemoryStore(),
		Bindings: bindings,
	}, logger.Named("authority"))
	if err != nil {
		logger.Fatal("starting runtime", zap.Error(err))
	}
	defer rt.Close()

	clients := make([]*frontend.Client, 0, *peers)
	for i := 1; i <= *peers; i++ {
		id := bus.PeerID(fmt.Sprintf("peer-%d", i))
		proc, err := hub.Connect(id)
		if err != nil {
			logger.Fatal("connecting simulated peer", zap.Error(err))
		}
		peerLogger := logger.Named(string(id))
		ep := bus.Bootstrap(proc, peerLogger, opts...)
		defer ep.Close()

		startCtx, cancel := context.WithTimeout(ctx, cfg.Network.WaitTimeout)
		client, err := frontend.Start(startCtx, ep, frontend.Options{
			PlayerName: fmt.Sprintf("player-%d", i),
			Bindings:   bindings,
			Scripts:    scripts,
			Mapper:     mapper,
		}, peerLogger)
		cancel()
		if err != nil {
			logger.Fatal("starting simulated peer", zap.String("peer", string(id)), zap.Error(err))
		}
		defer client.Close()
		clients = append(clients, client)
	}

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("simulation", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			return simulate(ctx, rt, clients, *interval, logger)
		},
	})

	logger.Info("dev server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("peers", hub.PeerCount()),
		zap.Int("keybinds", len(bindings)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// simulate cycles each client through its bound actions and toggles
// CanUseAbilities on the authority every full round.
func simulate(ctx context.Context, rt *gameserver.Runtime, clients []*frontend.Client, interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enabled := true
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, c := range clients {
			actions := c.Controller().Bound()
			if len(actions) == 0 {
				continue
			}
			action := actions[tick%len(actions)]
			for _, state := range []input.State{input.StateBegin, input.StateEnd} {
				if _, err := c.Controller().Activate(action, state); err != nil {
					logger.Warn("simulated press failed", zap.String("action", action), zap.Error(err))
				}
			}
		}

		if tick > 0 && tick%len(clients) == 0 {
			enabled = !enabled
			for _, id := range rt.Players().Manager().IDs() {
				leaf := &playerdata.Node{Name: "CanUseAbilities", Kind: playerdata.KindBool, Bool: enabled}
				if err := rt.Players().Set(id, "instances/CanUseAbilities", leaf); err != nil {
					logger.Warn("updating player data", zap.String("peer", string(id)), zap.Error(err))
				}
			}
		}
	}
}
