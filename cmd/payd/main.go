package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"paychain/config"
	"paychain/core"
	"paychain/core/state"
	"paychain/observability/logging"
	"paychain/rpc"
	"paychain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("payd", "", "").Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("payd", cfg.Environment, cfg.LogFile)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("open ledger database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(state.NewManager(db))

	opts := []rpc.Option{rpc.WithSubmitLimit(cfg.SubmitRate, cfg.SubmitBurst)}
	if cfg.FaucetAmount > 0 {
		logger.Warn("faucet enabled; do not run this configuration on a public network", "amount", cfg.FaucetAmount)
		opts = append(opts, rpc.WithFaucet(cfg.FaucetAmount))
	}
	server := rpc.NewServer(node, logger, opts...)

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown rpc server", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server exited", "error", err)
			os.Exit(1)
		}
	}
}
