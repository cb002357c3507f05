package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/datallboy/nzbfetch/internal/app"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/processor"
	"github.com/datallboy/nzbfetch/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	// Setup Signal Handling for Graceful Shutdown
	// We create a context that is cancelled when the user hits Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nzbfetch",
		Short:        "Download and reassemble Usenet binaries described by NZB files",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newDownloadCmd(), newCheckCmd(), newHistoryCmd())
	return root
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// bootstrap wires logger, job store and post-processor around cfg. The
// returned func releases them.
func bootstrap(cfg *config.Config) (*app.Context, func(), error) {
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	appCtx := app.NewContext(cfg, log)
	appCtx.Processor = processor.New(cfg.PostProcessing, log)

	var db *store.PersistentStore
	if cfg.Store.SQLitePath != "" {
		db, err = store.NewPersistentStore(cfg.Store.SQLitePath)
		if err != nil {
			// History is nice to have, downloads work without it
			log.Warn("Job history disabled: %v", err)
		} else {
			appCtx.Store = db
		}
	}

	cleanup := func() {
		if db != nil {
			db.Close()
		}
		log.Close()
	}
	return appCtx, cleanup, nil
}
