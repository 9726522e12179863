// Command heraldd runs the Herald event distribution engine as a
// standalone service.
//
// Configuration is read from herald.yaml in the working directory or
// /etc/herald/, from the file named by HERALD_CONFIG, and from HERALD_*
// environment variables.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xraph/herald/internal/daemon"
)

func main() {
	cfg, err := daemon.Load(os.Getenv("HERALD_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, *cfg, logger)
	if err != nil {
		logger.Error("start herald", "error", err)
		os.Exit(1)
	}
	if err := d.Run(ctx); err != nil {
		logger.Error("herald stopped", "error", err)
		os.Exit(1)
	}
}
