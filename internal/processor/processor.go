package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
)

// Processor runs repair and extraction once a job's files are on disk.
// Nothing it does can turn a finished download into a failed one.
type Processor struct {
	cfg        config.PostProcessingConfig
	log        *logger.Logger
	repairer   Repairer
	extractors []Extractor
}

// New wires the par2 and archive CLIs found in PATH. Missing tools only
// disable their stage.
func New(cfg config.PostProcessingConfig, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Discard()
	}

	var repairer Repairer
	if par2, err := NewCLIPar2(); err == nil {
		repairer = par2
	} else if cfg.AutoRepair {
		log.Info("par2 not found, incomplete downloads will not be repaired")
	}

	extractors := DetectExtractors()
	if cfg.AutoExtract && len(extractors) == 0 {
		log.Info("No unrar, 7z or unzip found, archives will not be extracted")
	}

	return NewWithTools(cfg, log, repairer, extractors)
}

// NewWithTools builds a Processor around explicit collaborators.
func NewWithTools(cfg config.PostProcessingConfig, log *logger.Logger, repairer Repairer, extractors []Extractor) *Processor {
	if log == nil {
		log = logger.Discard()
	}
	return &Processor{cfg: cfg, log: log, repairer: repairer, extractors: extractors}
}

// PostProcess repairs the job directory when some file came out incomplete,
// extracts the archives that are usable, then applies the cleanup options.
// Only cancellation is returned as an error.
func (p *Processor) PostProcess(ctx context.Context, sum *domain.Summary) error {
	if sum.Dir == "" {
		return nil
	}

	repaired := p.handleRepair(ctx, sum)
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.cfg.AutoExtract {
		if err := p.handleExtract(ctx, sum, repaired); err != nil {
			return err
		}
	}

	p.cleanup(sum.Dir)
	return nil
}

// handleRepair runs par2 once for the whole job, and only when at least one
// file is missing segments. It reports whether the set is now whole.
func (p *Processor) handleRepair(ctx context.Context, sum *domain.Summary) bool {
	incomplete := sum.Incomplete()
	if len(incomplete) == 0 {
		return false
	}

	if !p.cfg.AutoRepair {
		p.log.Warn("%d file(s) incomplete, auto_repair is off", len(incomplete))
		return false
	}
	if p.repairer == nil {
		sum.Repair = "unavailable"
		p.log.Warn("%d file(s) incomplete and no par2 binary available", len(incomplete))
		return false
	}

	p.log.Info("%d file(s) incomplete, attempting PAR2 repair...", len(incomplete))
	status, err := p.repairer.Repair(ctx, sum.Dir, true)
	sum.Repair = status.String()

	if status != RepairSuccess {
		if errors.Is(err, ErrNoPar2) {
			p.log.Warn("No PAR2 files in %s, cannot repair", sum.Dir)
		} else {
			p.log.Error("PAR2 repair finished with %s: %v", status, err)
		}
		return false
	}

	p.log.Info("Repair complete.")

	if p.cfg.DeletePar2AfterRepair {
		pars, _ := par2Files(sum.Dir)
		for _, par := range pars {
			if err := os.Remove(par); err != nil {
				p.log.Warn("Failed to delete %s: %v", filepath.Base(par), err)
			}
		}
	}
	return true
}

func (p *Processor) handleExtract(ctx context.Context, sum *domain.Summary, repaired bool) error {
	if len(p.extractors) == 0 {
		return nil
	}

	var usable []string
	broken := make(map[string]bool)
	for _, f := range sum.Files {
		if f.Path == "" {
			continue
		}
		switch {
		case f.Status == domain.FileComplete, f.Status == domain.FileSkipped:
			usable = append(usable, f.Path)
		case f.Status == domain.FileIncomplete && repaired:
			usable = append(usable, f.Path)
		default:
			broken[filepath.Base(f.Path)] = true
		}
	}
	slices.Sort(usable)

	archives, err := detectArchives(p.extractors, usable)
	if err != nil {
		p.log.Error("Archive detection failed: %v", err)
		return nil
	}

	for _, path := range usable {
		extractor, ok := archives[path]
		if !ok {
			continue
		}

		volumes := archiveVolumes(sum.Dir, path)
		if slices.ContainsFunc(volumes, func(v string) bool { return broken[filepath.Base(v)] }) {
			p.log.Warn("Skipping extraction of %s: some volumes are incomplete", filepath.Base(path))
			continue
		}

		p.log.Info("Extracting %s with %s...", filepath.Base(path), extractor.Name())
		files, err := extractor.Extract(ctx, path, sum.Dir, sum.Password)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("Extraction of %s failed: %v", filepath.Base(path), err)
			continue
		}
		p.log.Info("Extracted %d file(s) from %s", len(files), filepath.Base(path))

		if p.cfg.DeleteArchivesAfterExtract {
			for _, v := range volumes {
				if err := os.Remove(v); err != nil {
					p.log.Warn("Failed to delete %s: %v", filepath.Base(v), err)
				}
			}
		}
	}
	return nil
}

// cleanup removes files whose extension is on the cleanup list.
func (p *Processor) cleanup(dir string) {
	if len(p.cfg.CleanupExtensions) == 0 {
		return
	}
	set := cleanupSet(p.cfg.CleanupExtensions)

	entries, err := os.ReadDir(dir)
	if err != nil {
		p.log.Warn("Cleanup skipped: %v", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() || !hasCleanupExtension(e.Name(), set) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			p.log.Warn("Failed to delete %s: %v", e.Name(), err)
			continue
		}
		p.log.Debug("Cleaned up %s", e.Name())
	}
}
