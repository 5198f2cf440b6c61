// Package main wires together the harvester service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mediaharvest/harvester/internal/app"
	"github.com/mediaharvest/harvester/internal/config"
	"github.com/mediaharvest/harvester/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	// Seeds from the config file (or CLI args) kick off a run immediately;
	// otherwise runs are started through the control API.
	seeds := cfg.Harvest.Seeds
	if args := flag.Args(); len(args) > 0 {
		seeds = args
	}
	if len(seeds) > 0 {
		runID, err := a.Manager().StartRun(ctx, seeds)
		if err != nil {
			logger.Error("start run failed", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("run started", zap.String("run_id", runID), zap.Strings("seeds", seeds))
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
