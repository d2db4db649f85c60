// Package main provides the peer binary. It connects to a game server, claims a
// player profile, binds the configured keys, and reads key presses from stdin.
//
// Each stdin line is "<key> [state]", e.g. "M1" or "L1 End". The state defaults
// to Begin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/frontend"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/transport/grpcbus"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	name := flag.String("name", "", "player name to claim; empty keeps a per-connection profile")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	cfg.Server.Role = "peer"

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	mapper := input.NewKeyMapper()
	bindings, err := input.LoadBindings(cfg.Content.KeybindsDir, mapper)
	if err != nil {
		logger.Fatal("loading keybinds", zap.Error(err))
	}

	scripts := scripting.NewManager(logger)
	defer scripts.Close()
	modules, err := scripts.LoadDir(cfg.Content.InputScriptsDir, cfg.Content.InstructionLimit)
	if err != nil {
		logger.Fatal("loading input scripts", zap.Error(err))
	}
	logger.Info("input scripts loaded", zap.Strings("modules", modules))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Network.WaitTimeout)
	host, err := grpcbus.Dial(dialCtx, cfg.GRPC.Addr(), logger)
	cancel()
	if err != nil {
		logger.Fatal("connecting to game server", zap.Error(err))
	}
	defer host.Close()

	ep := bus.Bootstrap(host, logger, cfg.Network.EndpointOptions()...)
	defer ep.Close()

	startCtx, cancel := context.WithTimeout(ctx, cfg.Network.WaitTimeout)
	client, err := frontend.Start(startCtx, ep, frontend.Options{
		PlayerName: *name,
		Bindings:   bindings,
		Scripts:    scripts,
		Mapper:     mapper,
	}, logger)
	cancel()
	if err != nil {
		logger.Fatal("starting client", zap.Error(err))
	}
	defer client.Close()

	client.Replica().OnChange(func(instances *playerdata.Node) {
		logger.Info("player data replicated", zap.Any("instances", instances.Interface()))
	})

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("bus", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			select {
			case <-host.Done():
				return fmt.Errorf("connection to %s closed", cfg.GRPC.Addr())
			case <-ctx.Done():
				return nil
			}
		},
		StopFn: func() { _ = host.Close() },
	})
	lifecycle.Add("console", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						<-ctx.Done()
						return nil
					}
					press(client.Controller(), line, logger)
				}
			}
		},
	})

	logger.Info("client initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("peer", string(ep.Self())),
		zap.Strings("bound", client.Controller().Bound()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("client error", zap.Error(err))
	}
}

func press(c *input.Controller, line string, logger *zap.Logger) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	state := input.StateBegin
	if len(fields) > 1 {
		state = input.State(fields[1])
	}
	forwarded, err := c.Press(fields[0], state)
	if err != nil {
		logger.Warn("key press rejected", zap.String("key", fields[0]), zap.Error(err))
		return
	}
	logger.Info("key pressed",
		zap.String("key", fields[0]),
		zap.String("state", string(state)),
		zap.Bool("forwarded", forwarded),
	)
}
