package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"evovista/internal/cli"
	"evovista/internal/config"
	"evovista/internal/erruser"
	"evovista/internal/logging"
	"evovista/internal/storage"
)

func main() {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: cannot read .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.HistoryDB)
	if err != nil {
		log.Warn("run history disabled", "path", cfg.Paths.HistoryDB, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCmd(cfg, log, store)
	cmd.SilenceErrors = true
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if details := erruser.Details(err); details != nil {
			log.Debug("error details", "cause", details)
		}
		// os.Exit skips deferred calls.
		stop()
		store.Close()
		if errors.Is(err, erruser.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
