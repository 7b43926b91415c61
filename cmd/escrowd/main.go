package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/gateway"
	"escrowd/gateway/middleware"
	"escrowd/gateway/webhook"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memDB := flag.Bool("memdb", false, "DEV ONLY: run against an in-memory database")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Log.Environment
	}
	logger := logging.Setup("escrowd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	var db storage.Database
	if *memDB {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = leveldb
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := seedGenesis(manager, cfg.Genesis); err != nil {
		logger.Error("Failed to seed genesis accounts", slog.Any("error", err))
		os.Exit(1)
	}

	recorder := events.NewRecorder(cfg.EventHistory)
	engine := escrow.NewEngine(manager)
	engine.SetEmitter(events.MultiEmitter{recorder, metrics.NewEmitter()})

	rpcServer := rpc.NewServer(engine, recorder, cfg.RPCAuthToken, logger)
	gatewayServer := gateway.NewServer(engine, gateway.Config{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Gateway.JWTSecret != "",
			HMACSecret: cfg.Gateway.JWTSecret,
			Issuer:     cfg.Gateway.JWTIssuer,
			Audience:   cfg.Gateway.JWTAudience,
		},
		RateRPS:   cfg.Gateway.RateLimitRPS,
		RateBurst: cfg.Gateway.RateLimitBurst,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return rpcServer.Serve(ctx, cfg.RPCAddress)
	})
	group.Go(func() error {
		return gatewayServer.Serve(ctx, cfg.GatewayAddress)
	})
	if target := strings.TrimSpace(cfg.Webhook.TargetURL); target != "" {
		dispatcher := webhook.NewDispatcher(target, recorder, logger,
			webhook.WithMaxAttempts(cfg.Webhook.MaxAttempts))
		group.Go(func() error {
			err := dispatcher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	logger.Info("escrowd started",
		"rpc", cfg.RPCAddress,
		"gateway", cfg.GatewayAddress,
		"dataDir", cfg.DataDir,
	)

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("Shutdown with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

func seedGenesis(manager *state.Manager, accounts []config.GenesisAccount) error {
	for _, acct := range accounts {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(acct.Address))
		if err != nil {
			return fmt.Errorf("genesis account %q: %w", acct.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis account %q: invalid balance %q", acct.Address, acct.Balance)
		}
		current, err := manager.GetAccount(addr)
		if err != nil {
			return err
		}
		// Seeding is idempotent across restarts: funded accounts keep their
		// state.
		if current.Balance.Sign() > 0 || current.Nonce > 0 {
			continue
		}
		if err := manager.Credit(addr, balance); err != nil {
			return err
		}
	}
	return nil
}
