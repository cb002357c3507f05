package app

import (
	"context"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
	"github.com/datallboy/nzbfetch/internal/nntp"
)

// Pool is the part of the NNTP connection pool the engine drives.
type Pool interface {
	Acquire() (*nntp.Slot, error)
	Release(s *nntp.Slot)
	Execute(ctx context.Context, s *nntp.Slot, messageID string, groups []string) ([]byte, error)
	Capacity() int
	WarmUp(ctx context.Context, n int) error
	Close() error
}

type PostProcessor interface {
	// PostProcess runs repair and extraction over a finished job directory.
	// It records the repair verdict on the summary and never fails the download.
	PostProcess(ctx context.Context, sum *domain.Summary) error
}

type JobStore interface {
	SaveJob(sum *domain.Summary) error
}

// Context holds the core environment and shared resources for nzbfetch.
// Processor and Store are optional; a nil value disables that stage.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Pool      Pool
	Processor PostProcessor
	Store     JobStore
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Discard()
	}
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
