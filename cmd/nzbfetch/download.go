package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/engine"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/nzb"
	"github.com/spf13/cobra"
)

type downloadOptions struct {
	outDir      string
	connections int
	noRepair    bool
	noExtract   bool
	keepPartial bool
	overwrite   bool
	quiet       bool
}

func newDownloadCmd() *cobra.Command {
	var opts downloadOptions

	cmd := &cobra.Command{
		Use:   "download <file.nzb>...",
		Short: "Download every file of one or more NZBs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("out-dir") {
				cfg.Download.OutDir = opts.outDir
			}
			if flags.Changed("connections") {
				cfg.Server.Connections = opts.connections
			}
			if flags.Changed("keep-partial") {
				cfg.Download.KeepPartial = opts.keepPartial
			}
			if opts.noRepair {
				cfg.PostProcessing.AutoRepair = false
			}
			if opts.noExtract {
				cfg.PostProcessing.AutoExtract = false
			}
			if opts.overwrite {
				cfg.Download.OverwriteExisting = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runDownload(cmd.Context(), cfg, args, opts.quiet)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.outDir, "out-dir", "o", "", "override download.out_dir")
	f.IntVarP(&opts.connections, "connections", "n", 0, "override server.connections")
	f.BoolVar(&opts.noRepair, "no-repair", false, "skip par2 repair")
	f.BoolVar(&opts.noExtract, "no-extract", false, "skip archive extraction")
	f.BoolVar(&opts.keepPartial, "keep-partial", true, "keep .part files when a download is interrupted")
	f.BoolVar(&opts.overwrite, "overwrite", false, "download files that already exist")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

func runDownload(ctx context.Context, cfg *config.Config, paths []string, quiet bool) error {
	appCtx, cleanup, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	log := appCtx.Logger

	ctrl := engine.NewController(appCtx)
	queue := engine.NewQueue(ctrl)

	parser := nzb.NewParser()
	var failed int
	for _, path := range paths {
		plan, err := parser.ParseFile(path)
		if err != nil {
			log.Error("Failed to parse NZB %s: %v", path, err)
			failed++
			continue
		}
		if _, err := queue.Add(plan); err != nil {
			log.Error("Failed to queue %s: %v", path, err)
			failed++
		}
	}

	if !quiet {
		ctrl.Progress = engine.NewProgress()
		progressCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			ctrl.Progress.Run(progressCtx, os.Stdout)
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	queue.Drain(ctx)

	for _, item := range queue.Items() {
		switch {
		case item.Summary == nil && item.Err != nil:
			log.Error("%s: %v", item.Plan.Name, item.Err)
			failed++
		case item.Summary == nil:
			// Never started
			failed++
		default:
			report(log, item.Summary)
			if item.Summary.Status != domain.StatusCompleted {
				failed++
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d job(s) did not complete", failed, len(paths))
	}
	return nil
}

func report(log *logger.Logger, sum *domain.Summary) {
	log.Info("Job %s (%s): %s, %s written to %s", sum.Name, sum.JobID, sum.Status, logger.Bytes(sum.BytesWritten()), sum.Dir)
	if sum.Repair != "" {
		log.Info("  par2: %s", sum.Repair)
	}
	for _, f := range sum.Files {
		switch f.Status {
		case domain.FileIncomplete:
			log.Warn("  %s: incomplete, missing segments %v", f.Name, f.Missing)
		case domain.FileFailed:
			log.Error("  %s: failed: %s", f.Name, f.Error)
		}
	}
	if sum.Error != "" {
		log.Error("  %s", sum.Error)
	}
}
