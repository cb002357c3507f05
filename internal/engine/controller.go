package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/datallboy/nzbfetch/internal/app"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/nntp"
	"github.com/datallboy/nzbfetch/internal/nzb"
	"github.com/segmentio/ksuid"
)

// Controller runs one job plan from start to finish: it prepares the output
// directory, drives the scheduler until every file is settled, finalizes
// files as they complete and hands the result to post-processing.
type Controller struct {
	app *app.Context
	log *logger.Logger

	// Progress, when set, is fed with decoded bytes while a job runs.
	Progress *Progress
}

func NewController(appCtx *app.Context) *Controller {
	log := appCtx.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{app: appCtx, log: log}
}

// job is the state of one Run.
type job struct {
	sum      *domain.Summary
	outcomes []int // scheduled file -> index in sum.Files
	targets  []Target
	pool     app.Pool
	owned    bool
	sched    *Scheduler
	asm      *Assembler
	writer   *FileWriter
}

// Run downloads plan under a fresh job id.
func (c *Controller) Run(ctx context.Context, plan *domain.JobPlan) (*domain.Summary, error) {
	return c.RunJob(ctx, ksuid.New().String(), plan)
}

// RunJob downloads plan and returns its summary. The summary is returned
// even on error, with the files that were finalized before it happened.
// A file with missing segments does not make Run fail; only cancellation,
// configuration and connection-level faults do.
func (c *Controller) RunJob(ctx context.Context, id string, plan *domain.JobPlan) (*domain.Summary, error) {
	cfg := c.app.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", domain.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	sum := &domain.Summary{
		JobID:     id,
		Name:      plan.Name,
		Password:  plan.Password,
		Status:    domain.StatusDownloading,
		StartedAt: time.Now(),
	}

	j, err := c.prepare(sum, plan)
	if err != nil {
		return c.finish(j, sum, err)
	}

	if len(j.targets) == 0 {
		c.log.Info("All files are already present. No download needed.")
		sum.Status = domain.StatusCompleted
		return c.finish(j, sum, nil)
	}

	c.save(sum)
	if err := c.download(ctx, j); err != nil {
		return c.finish(j, sum, err)
	}
	if j.owned {
		// Connections are not needed while par2 and unrar run
		j.pool.Close()
		j.pool = nil
	}

	sum.Status = jobStatus(sum)
	if c.app.Processor != nil {
		sum.Status = domain.StatusProcessing
		c.save(sum)

		if err := c.app.Processor.PostProcess(ctx, sum); err != nil {
			return c.finish(j, sum, err)
		}
		sum.Status = jobStatus(sum)
	}

	return c.finish(j, sum, nil)
}

// prepare creates the job directory, skips files already on disk and builds
// the scheduler for the rest.
func (c *Controller) prepare(sum *domain.Summary, plan *domain.JobPlan) (*job, error) {
	cfg := c.app.Config
	j := &job{sum: sum}

	dir := cfg.Download.OutDir
	if cfg.Download.CreateSubfolders {
		if name := nzb.SanitizeFileName(plan.Name); name != "" {
			dir = filepath.Join(dir, name)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return j, fmt.Errorf("%w: failed to create out_dir: %v", domain.ErrAssembly, err)
	}
	sum.Dir = dir

	var files []domain.FileTarget
	for _, f := range plan.Files {
		path := filepath.Join(dir, f.Name)
		sum.Files = append(sum.Files, domain.FileOutcome{Name: f.Name, Path: path})
		out := &sum.Files[len(sum.Files)-1]

		if !cfg.Download.OverwriteExisting {
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				c.log.Info("Skipping %s, already exists", f.Name)
				out.Status = domain.FileSkipped
				out.Bytes = info.Size()
				continue
			}
		}

		j.outcomes = append(j.outcomes, len(sum.Files)-1)
		j.targets = append(j.targets, Target{File: f, Path: path})
		files = append(files, f)
	}
	if len(files) == 0 {
		return j, nil
	}

	pool := c.app.Pool
	if pool == nil {
		p, err := nntp.NewPool(nntp.OptionsFromConfig(cfg.Server, cfg.Engine.IOBufferSize), c.log)
		if err != nil {
			return j, err
		}
		pool, j.owned = p, true
	}
	j.pool = pool

	j.writer = NewFileWriter()
	j.asm = NewAssembler(j.targets, j.writer, c.log)
	j.sched = NewScheduler(cfg.Engine, pool, j.asm, c.log)

	return j, j.sched.Submit(&domain.JobPlan{Name: plan.Name, Password: plan.Password, Files: files})
}

// download drives the scheduler until JobComplete. On any error it stops
// every fetch and leaves or deletes the unfinished .part files.
func (c *Controller) download(ctx context.Context, j *job) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var total int64
	for _, t := range j.targets {
		total += t.File.EstimatedSize()
	}
	c.log.Info("Starting download for: %s (%s, %d files)", j.sum.Name, logger.Bytes(total), len(j.targets))
	if c.Progress != nil {
		c.Progress.Start(total)
	}

	err := j.pool.WarmUp(jobCtx, j.pool.Capacity())
	if err == nil {
		err = c.loop(jobCtx, j)
	}
	if err == nil {
		return nil
	}

	cancel()
	j.sched.Shutdown()
	keep := c.app.Config.Download.KeepPartial
	if aerr := j.asm.Abort(keep); aerr != nil {
		c.log.Warn("Failed to clean up partial files: %v", aerr)
	}
	for i := range j.targets {
		out := &j.sum.Files[j.outcomes[i]]
		if out.Status != "" {
			continue
		}
		out.Status = domain.FileFailed
		out.Error = err.Error()
		out.Path = ""
		if part := j.targets[i].Path + ".part"; keep && fileExists(part) {
			out.Path = part
		}
	}
	return err
}

func (c *Controller) loop(ctx context.Context, j *job) error {
	for {
		ev, err := j.sched.Poll(ctx)
		if err != nil {
			return err
		}

		switch ev.Kind {
		case SegmentDecoded:
			if c.Progress != nil {
				c.Progress.Add(ev.Bytes)
			}
		case SegmentFailed:
			if c.Progress != nil {
				c.Progress.Fail()
			}
		case FileComplete:
			c.finalize(j, ev.File)
		case JobComplete:
			return nil
		}
	}
}

func (c *Controller) finalize(j *job, file int) {
	out := &j.sum.Files[j.outcomes[file]]
	res, err := j.asm.Finalize(file)

	out.Status = res.Status
	out.Path = res.Path
	out.Bytes = res.Bytes
	out.Missing = res.Missing
	for _, t := range j.sched.Tasks(file) {
		out.Attempts += t.Attempts
	}

	switch {
	case err != nil:
		out.Error = err.Error()
		c.log.Error("File %s failed: %v", out.Name, err)
	case res.Status == domain.FileIncomplete:
		c.log.Warn("File %s incomplete: %d of %d segment(s) missing",
			out.Name, len(res.Missing), len(j.targets[file].File.Segments))
	default:
		c.log.Info("File %s complete (%s)", out.Name, logger.Bytes(res.Size))
	}
}

// finish settles the job status, records the summary and releases the pool.
func (c *Controller) finish(j *job, sum *domain.Summary, err error) (*domain.Summary, error) {
	if j != nil && j.pool != nil && j.owned {
		if cerr := j.pool.Close(); cerr != nil {
			c.log.Warn("Failed to close NNTP pool: %v", cerr)
		}
	}

	sum.FinishedAt = time.Now()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			sum.Status = domain.StatusCancelled
			sum.Error = "Cancelled by user"
		} else {
			sum.Status = domain.StatusFailed
			sum.Error = err.Error()
		}
	}
	c.save(sum)

	elapsed := sum.FinishedAt.Sub(sum.StartedAt)
	c.log.Info("Job %s %s: %s in %s (%s)", sum.Name, sum.Status,
		logger.Bytes(sum.BytesWritten()), elapsed.Truncate(time.Millisecond), logger.Rate(sum.BytesWritten(), elapsed))

	return sum, err
}

func (c *Controller) save(sum *domain.Summary) {
	if c.app.Store == nil {
		return
	}
	if err := c.app.Store.SaveJob(sum); err != nil {
		c.log.Warn("Failed to record job %s: %v", sum.JobID, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// jobStatus derives the status of a job whose downloads all finished. A
// successful repair makes missing segments irrelevant.
func jobStatus(sum *domain.Summary) domain.JobStatus {
	failed, incomplete := 0, 0
	for _, f := range sum.Files {
		switch f.Status {
		case domain.FileFailed:
			failed++
		case domain.FileIncomplete:
			incomplete++
		}
	}

	switch {
	case failed > 0 && failed == len(sum.Files):
		return domain.StatusFailed
	case failed > 0:
		return domain.StatusIncomplete
	case incomplete > 0 && sum.Repair != "success":
		return domain.StatusIncomplete
	}
	return domain.StatusCompleted
}
