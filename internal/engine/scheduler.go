package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/datallboy/nzbfetch/internal/app"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/infra/logger"
)

type fileTasks struct {
	tasks     []*domain.DownloadTask // by position
	pending   []*domain.DownloadTask // Pending only, sorted by position
	remaining int                    // tasks not yet Written or Failed
	opened    bool
	complete  bool
	err       error
}

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	InFlight      int
	PeakInFlight  int
	Held          int
	PeakHeld      int
	OpenFiles     int
	PeakOpenFiles int
}

// Scheduler maps download tasks onto pool slots. Poll runs the whole state
// machine in the caller's goroutine; workers only fetch and decode, and hand
// their result back over a channel. Tasks and the assembler are never
// touched outside Poll.
type Scheduler struct {
	cfg  config.EngineConfig
	pool app.Pool
	asm  *Assembler
	log  *logger.Logger

	files     []*fileTasks
	submitted bool
	finished  bool
	fatal     error
	events    []Event

	results chan fetchResult
	wg      sync.WaitGroup

	inFlight  int
	reserved  int // in-flight tasks that may end up held
	openFiles int
	completed int
	stats     Stats
}

func NewScheduler(cfg config.EngineConfig, pool app.Pool, asm *Assembler, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.MaxSegmentsInMemory <= 0 {
		cfg.MaxSegmentsInMemory = 100
	}
	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = pool.Capacity()
	}

	return &Scheduler{
		cfg:  cfg,
		pool: pool,
		asm:  asm,
		log:  log,
		// Slots are held until their result is handled, so this never fills
		results: make(chan fetchResult, max(pool.Capacity(), 1)),
	}
}

// Submit turns the plan into Pending tasks. The assembler must have been
// built from the same files, in the same order.
func (s *Scheduler) Submit(plan *domain.JobPlan) error {
	if s.submitted {
		return fmt.Errorf("%w: scheduler already has a job", domain.ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	if len(plan.Files) != s.asm.Len() {
		return fmt.Errorf("%w: plan has %d files, assembler %d", domain.ErrInvalidPlan, len(plan.Files), s.asm.Len())
	}

	for fi := range plan.Files {
		f := &plan.Files[fi]
		ft := &fileTasks{remaining: len(f.Segments)}
		for pos, seg := range f.Segments {
			t := &domain.DownloadTask{
				File:     fi,
				Position: pos,
				Segment:  seg,
				Groups:   f.Groups,
				State:    domain.TaskPending,
			}
			ft.tasks = append(ft.tasks, t)
		}
		ft.pending = slices.Clone(ft.tasks)
		s.files = append(s.files, ft)
	}

	s.submitted = true
	return nil
}

// Poll blocks until the next event. After JobComplete it keeps returning
// JobComplete; after a fatal error it keeps returning that error.
func (s *Scheduler) Poll(ctx context.Context) (Event, error) {
	if !s.submitted {
		return Event{}, fmt.Errorf("%w: nothing submitted", domain.ErrInvalidPlan)
	}

	for {
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			return ev, nil
		}
		if s.fatal != nil {
			return Event{}, s.fatal
		}
		if s.finished {
			return Event{Kind: JobComplete}, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		wake, err := s.dispatch(ctx)
		if err != nil {
			s.fatal = err
			continue
		}

		if s.inFlight == 0 && wake.IsZero() {
			s.fatal = fmt.Errorf("scheduler stalled: %d of %d files unfinished, nothing to dispatch",
				len(s.files)-s.completed, len(s.files))
			continue
		}

		var timer *time.Timer
		var tick <-chan time.Time
		if !wake.IsZero() {
			timer = time.NewTimer(time.Until(wake))
			tick = timer.C
		}

		select {
		case r := <-s.results:
			s.handle(r)
		case <-tick:
		case <-ctx.Done():
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatch starts as many eligible tasks as the bounds allow and returns
// the earliest time a delayed retry becomes eligible.
func (s *Scheduler) dispatch(ctx context.Context) (time.Time, error) {
	var wake time.Time
	now := time.Now()
	budget := s.cfg.BatchSize

	for fi, f := range s.files {
		if budget == 0 {
			break
		}
		if f.complete || len(f.pending) == 0 {
			continue
		}
		if !f.opened && s.openFiles >= s.cfg.MaxConcurrentFiles {
			continue
		}

		cursor := s.asm.Cursor(fi)
		for i := 0; i < len(f.pending) && budget > 0; {
			t := f.pending[i]

			if t.EligibleAt.After(now) {
				if wake.IsZero() || t.EligibleAt.Before(wake) {
					wake = t.EligibleAt
				}
				i++
				continue
			}

			// The segment at the cursor is written as soon as it decodes,
			// so only the ones behind it can pile up in memory.
			atCursor := t.Position == cursor
			if !atCursor && s.asm.Held()+s.reserved >= s.cfg.MaxSegmentsInMemory {
				break
			}

			slot, err := s.pool.Acquire()
			if errors.Is(err, domain.ErrWouldBlock) {
				return wake, nil
			}
			if err != nil {
				return wake, err
			}

			f.pending = slices.Delete(f.pending, i, i+1)
			s.start(ctx, f, t, slot, !atCursor)
			budget--
		}
	}

	return wake, nil
}

func (s *Scheduler) handle(r fetchResult) {
	s.settle(r)

	t := r.task
	if t.State != domain.TaskInFlight {
		// The file was given up while this fetch was running
		return
	}
	f := s.files[t.File]
	err := r.err

	switch {
	case err == nil:
		t.Attempts++
		t.LastErr = nil
		t.State = domain.TaskDecoded

		written, aerr := s.asm.Accept(t.File, t.Position, r.part)
		s.markWritten(f, written)
		s.stats.Held = s.asm.Held()
		s.stats.PeakHeld = max(s.stats.PeakHeld, s.stats.Held)

		s.emit(Event{Kind: SegmentDecoded, File: t.File, Task: *t, Bytes: r.part.Size()})
		if aerr != nil {
			s.failFile(t.File, aerr)
		}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.requeue(f, t)

	case domain.IsFatal(err):
		s.requeue(f, t)
		s.fatal = err

	case domain.IsTransient(err):
		t.ConnectionFaults++
		t.LastErr = err
		s.log.Debug("Segment %s: connection fault #%d, requeued: %v", t.Segment.MessageID, t.ConnectionFaults, err)
		s.requeue(f, t)

	case domain.IsArticleFault(err):
		t.Attempts++
		t.ArticleFaults++
		t.LastErr = err

		if t.ArticleFaults < s.cfg.RetryAttempts {
			s.log.Warn("[Retry] Segment %s: Attempt %d/%d - Error: %v",
				t.Segment.MessageID, t.ArticleFaults, s.cfg.RetryAttempts, err)
			t.EligibleAt = time.Now().Add(s.cfg.RetryDelay)
			s.requeue(f, t)
			break
		}

		s.log.Error("[FAIL] Segment %s permanently failed: %v", t.Segment.MessageID, err)
		t.State = domain.TaskFailed
		f.remaining--
		s.emit(Event{Kind: SegmentFailed, File: t.File, Task: *t, Err: err})

		written, aerr := s.asm.MarkFailed(t.File, t.Position)
		s.markWritten(f, written)
		s.stats.Held = s.asm.Held()
		if aerr != nil {
			s.failFile(t.File, aerr)
		}

	default:
		// Nothing in the pool or decoder produces this, stop rather than guess
		s.requeue(f, t)
		s.fatal = fmt.Errorf("segment %s: unclassified fetch error: %w", t.Segment.MessageID, err)
	}

	s.checkFile(t.File)
}

func (s *Scheduler) requeue(f *fileTasks, t *domain.DownloadTask) {
	t.State = domain.TaskPending
	i, _ := slices.BinarySearchFunc(f.pending, t.Position, func(x *domain.DownloadTask, pos int) int {
		return cmp.Compare(x.Position, pos)
	})
	f.pending = slices.Insert(f.pending, i, t)
}

func (s *Scheduler) markWritten(f *fileTasks, positions []int) {
	for _, pos := range positions {
		t := f.tasks[pos]
		if t.State.Terminal() {
			continue
		}
		t.State = domain.TaskWritten
		f.remaining--
	}
}

// failFile gives up on every unfinished task of a file after an I/O error.
// Other files keep going.
func (s *Scheduler) failFile(fi int, err error) {
	f := s.files[fi]
	s.asm.Fail(fi, err)
	s.stats.Held = s.asm.Held()

	s.log.Error("Giving up on file %d: %v", fi, err)
	f.err = err
	for _, t := range f.tasks {
		if t.State.Terminal() {
			continue
		}
		t.State = domain.TaskFailed
		t.LastErr = err
		f.remaining--
	}
	f.pending = nil
}

func (s *Scheduler) checkFile(fi int) {
	f := s.files[fi]
	if f.complete || f.remaining > 0 {
		return
	}

	f.complete = true
	if f.opened {
		s.openFiles--
		s.stats.OpenFiles = s.openFiles
	}
	s.completed++
	s.emit(Event{Kind: FileComplete, File: fi, Err: f.err})

	if s.completed == len(s.files) {
		s.finished = true
		s.emit(Event{Kind: JobComplete})
	}
}

func (s *Scheduler) emit(ev Event) {
	s.events = append(s.events, ev)
}

// Tasks returns a snapshot of the tasks of one file, by position.
func (s *Scheduler) Tasks(file int) []domain.DownloadTask {
	out := make([]domain.DownloadTask, len(s.files[file].tasks))
	for i, t := range s.files[file].tasks {
		out[i] = *t
	}
	return out
}

func (s *Scheduler) Stats() Stats { return s.stats }

// settle returns the slot of a finished fetch to the pool.
func (s *Scheduler) settle(r fetchResult) {
	s.pool.Release(r.slot)
	s.inFlight--
	if r.reserved {
		s.reserved--
	}
	s.stats.InFlight = s.inFlight
}

// Shutdown waits for running fetches and hands their slots back. Call it
// after cancelling the context passed to Poll; results are discarded.
func (s *Scheduler) Shutdown() {
	for s.inFlight > 0 {
		s.settle(<-s.results)
	}
	s.wg.Wait()
}
