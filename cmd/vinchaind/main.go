package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vinchain/config"
	"vinchain/core/events"
	"vinchain/native/custody"
	"vinchain/native/escrow"
	"vinchain/observability/logging"
	"vinchain/rpc"
	"vinchain/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "vinchaind: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("vinchaind", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database at %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	instance, err := cfg.Instance()
	if err != nil {
		return err
	}
	admin, err := cfg.Admin()
	if err != nil {
		return err
	}

	store := escrow.NewStore(db)
	registry := custody.NewRegistry(db, instance)
	vault := custody.NewVault(db, instance)
	domain := escrow.NewSigningDomain(cfg.ChainID, instance)

	hub := events.NewHub()
	engine := escrow.NewEngine(store, domain, registry, vault)
	engine.SetEmitter(hub)
	engine.SetLogger(logger)
	engine.SetCustodyTimeout(time.Duration(cfg.CustodyTimeoutSeconds) * time.Second)
	if admin != nil {
		engine.SetAdmin(*admin)
	}

	server := rpc.NewServer(engine, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()
	logger.Info("escrow service running",
		"network", cfg.NetworkName,
		"chainId", cfg.ChainID,
		"rpc", cfg.RPCAddress,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
