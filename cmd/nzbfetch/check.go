package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/nntp"
	"github.com/datallboy/nzbfetch/internal/nzb"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file.nzb>",
		Short: "Ask the server which articles of an NZB are still available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			plan, err := nzb.NewParser().ParseFile(args[0])
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
			if err != nil {
				return err
			}
			defer log.Close()

			pool, err := nntp.NewPool(nntp.OptionsFromConfig(cfg.Server, cfg.Engine.IOBufferSize), log)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := checkPlan(cmd.Context(), pool, plan)
			if err != nil {
				return err
			}

			for i, f := range plan.Files {
				fmt.Printf("%-60s %5d/%-5d available\n", f.Name, len(f.Segments)-res.missing[i], len(f.Segments))
			}
			fmt.Printf("%d of %d segment(s) missing, %d unchecked\n", res.totalMissing(), plan.TotalSegments(), res.unchecked.Load())

			if res.totalMissing() > 0 {
				return fmt.Errorf("%d segment(s) missing", res.totalMissing())
			}
			return nil
		},
	}
}

type checkResult struct {
	missing   []int // per file
	unchecked atomic.Int64
}

func (r *checkResult) totalMissing() int {
	n := 0
	for _, m := range r.missing {
		n += m
	}
	return n
}

type statJob struct {
	file int
	id   string
}

// checkPlan issues STAT for every segment over all pool connections.
func checkPlan(ctx context.Context, pool *nntp.Pool, plan *domain.JobPlan) (*checkResult, error) {
	res := &checkResult{missing: make([]int, len(plan.Files))}
	missing := make([]atomic.Int64, len(plan.Files))

	var slots []*nntp.Slot
	for i := 0; i < pool.Capacity(); i++ {
		slot, err := pool.Acquire()
		if err != nil {
			break
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		return nil, domain.ErrNoConnections
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan statJob)

	g.Go(func() error {
		defer close(jobs)
		for fi, f := range plan.Files {
			for _, s := range f.Segments {
				select {
				case jobs <- statJob{file: fi, id: s.MessageID}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	for _, slot := range slots {
		slot := slot
		g.Go(func() error {
			defer pool.Release(slot)
			for j := range jobs {
				ok, err := pool.Stat(gctx, slot, j.id)
				switch {
				case err == nil && !ok:
					missing[j.file].Add(1)
				case domain.IsFatal(err), errors.Is(err, context.Canceled):
					return err
				case err != nil:
					res.unchecked.Add(1)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := range missing {
		res.missing[i] = int(missing[i].Load())
	}
	return res, nil
}
