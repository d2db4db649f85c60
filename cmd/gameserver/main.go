// Package main provides the authority binary: it hosts the bus over gRPC and
// runs the player and input services on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/arena/internal/bus"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/gameserver"
	"github.com/cory-johannsen/arena/internal/input"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/playerdata"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
	"github.com/cory-johannsen/arena/internal/transport/grpcbus"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	healthInterval := flag.Duration("db-health", 30*time.Second, "database health check interval")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	cfg.Server.Role = "authority"

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("grpc_addr", cfg.GRPC.Addr()),
		zap.String("storage", cfg.Storage.Backend),
	)

	defaults, err := playerdata.LoadDefaults(cfg.Content.DefaultDataFile)
	if err != nil {
		logger.Fatal("loading player defaults", zap.Error(err))
	}
	bindings, err := input.LoadBindings(cfg.Content.KeybindsDir, input.NewKeyMapper())
	if err != nil {
		logger.Fatal("loading keybinds", zap.Error(err))
	}
	logger.Info("content loaded",
		zap.String("defaults", cfg.Content.DefaultDataFile),
		zap.Int("keybinds", len(bindings)),
	)

	lifecycle := server.NewLifecycle(logger)

	var store playerdata.Store
	switch cfg.Storage.Backend {
	case "postgres":
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		store = postgres.NewPlayerDataRepository(pool.DB())

		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				ticker := time.NewTicker(*healthInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := pool.Health(ctx, 5*time.Second); err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
					}
				}
			},
			StopFn: pool.Close,
		})
	default:
		logger.Warn("player profiles are not persisted across restarts")
		store = playerdata.NewMemoryStore()
	}

	host := grpcbus.NewServer(logger)
	ep := bus.Bootstrap(host, logger, cfg.Network.EndpointOptions()...)
	defer ep.Close()

	rt, err := gameserver.Start(ctx, ep, gameserver.Options{
		Defaults: defaults,
		Store:    store,
		Bindings: bindings,
	}, logger)
	if err != nil {
		logger.Fatal("starting runtime", zap.Error(err))
	}
	defer rt.Close()

	// Stops after grpc and before postgres, so every player still connected
	// is saved while the pool is open.
	lifecycle.Add("players", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.Shutdown(ctx); err != nil {
				logger.Error("saving connected players", zap.Error(err))
			}
		},
	})

	grpcServer := grpc.NewServer()
	host.Register(grpcServer)

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.GRPC.Addr(), err)
			}
			logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			// Peer streams stay open until the peer leaves, so bound the drain.
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				grpcServer.Stop()
			}
		},
	})

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("grpc_addr", cfg.GRPC.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
