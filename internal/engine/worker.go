package engine

import (
	"context"

	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/nntp"
)

// start binds t to slot and runs the fetch on its own goroutine.
func (s *Scheduler) start(ctx context.Context, f *fileTasks, t *domain.DownloadTask, slot *nntp.Slot, reserved bool) {
	t.State = domain.TaskInFlight
	if !f.opened {
		f.opened = true
		s.openFiles++
		s.stats.OpenFiles = s.openFiles
		s.stats.PeakOpenFiles = max(s.stats.PeakOpenFiles, s.openFiles)
	}

	s.inFlight++
	s.stats.InFlight = s.inFlight
	s.stats.PeakInFlight = max(s.stats.PeakInFlight, s.inFlight)
	if reserved {
		s.reserved++
	}

	// Copy what the worker needs, the task itself stays with the scheduler
	id, groups := t.Segment.MessageID, t.Groups

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		part, err := s.fetch(ctx, slot, id, groups)
		s.results <- fetchResult{task: t, slot: slot, part: part, err: err, reserved: reserved}
	}()
}

// fetch handles the pipeline for a single Usenet article: retrieve the body
// over the slot, then decode and verify it.
func (s *Scheduler) fetch(ctx context.Context, slot *nntp.Slot, id string, groups []string) (*decoding.Part, error) {
	body, err := s.pool.Execute(ctx, slot, id, groups)
	if err != nil {
		return nil, err
	}

	return decoding.Decode(body)
}
