package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/infra/config"
	"github.com/datallboy/nzbfetch/internal/nntp"
	"github.com/datallboy/nzbfetch/internal/nntp/nntptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts ...nntptest.Option) *nntptest.Server {
	t.Helper()
	srv := nntptest.NewServer(opts...)
	t.Cleanup(srv.Close)
	return srv
}

// post publishes data on srv as segSize sized yEnc parts.
func post(srv *nntptest.Server, name string, data []byte, segSize int) domain.FileTarget {
	f, parts := split(name, data, segSize)
	for i, p := range parts {
		srv.AddArticle(f.Segments[i].MessageID, p.Data, decoding.EncodeOptions{
			Name:     name,
			Part:     p.Part,
			Total:    p.Total,
			FileSize: p.FileSize,
			Offset:   p.Offset(),
		})
	}
	return f
}

func newPool(t *testing.T, srv *nntptest.Server, conns int) *nntp.Pool {
	t.Helper()
	host, port := srv.Addr()
	p, err := nntp.NewPool(nntp.Options{
		Host:        host,
		Port:        port,
		Username:    srv.User,
		Password:    srv.Pass,
		Connections: conns,
		Timeout:     2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

type harness struct {
	pool    *nntp.Pool
	asm     *Assembler
	sched   *Scheduler
	targets []Target
	results []FileResult
}

func newHarness(t *testing.T, srv *nntptest.Server, conns int, cfg config.EngineConfig, files ...domain.FileTarget) *harness {
	t.Helper()
	dir := t.TempDir()

	h := &harness{pool: newPool(t, srv, conns)}
	for _, f := range files {
		h.targets = append(h.targets, Target{File: f, Path: filepath.Join(dir, f.Name)})
	}
	h.asm = NewAssembler(h.targets, NewFileWriter(), nil)
	h.sched = NewScheduler(cfg, h.pool, h.asm, nil)
	h.results = make([]FileResult, len(files))

	require.NoError(t, h.sched.Submit(&domain.JobPlan{Name: "test", Files: files}))
	return h
}

// run polls until JobComplete, finalizing files as the controller does.
func (h *harness) run(t *testing.T, ctx context.Context) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := h.sched.Poll(ctx)
		require.NoError(t, err)
		events = append(events, ev)

		switch ev.Kind {
		case FileComplete:
			res, _ := h.asm.Finalize(ev.File)
			h.results[ev.File] = res
		case JobComplete:
			return events
		}
	}
}

func findEvent(events []Event, kind EventKind, id string) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind && ev.Task.Segment.MessageID == id {
			return ev, true
		}
	}
	return Event{}, false
}

func fastRetry(attempts int) config.EngineConfig {
	return config.EngineConfig{
		RetryAttempts:       attempts,
		RetryDelay:          5 * time.Millisecond,
		MaxSegmentsInMemory: 100,
		MaxConcurrentFiles:  5,
	}
}

func TestScheduler_DownloadsFile(t *testing.T) {
	srv := startServer(t)
	data := testData(10_000)
	f := post(srv, "a.bin", data, 1000)

	h := newHarness(t, srv, 4, fastRetry(3), f)
	events := h.run(t, context.Background())

	decoded := 0
	for _, ev := range events {
		if ev.Kind == SegmentDecoded {
			decoded++
		}
	}
	assert.Equal(t, 10, decoded)
	assert.Equal(t, JobComplete, events[len(events)-1].Kind)
	assert.Equal(t, domain.FileComplete, h.results[0].Status)

	got, err := os.ReadFile(h.targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	for _, task := range h.sched.Tasks(0) {
		assert.Equal(t, domain.TaskWritten, task.State)
		assert.Equal(t, 1, task.Attempts)
	}

	// Polling past the end keeps reporting the end
	ev, err := h.sched.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobComplete, ev.Kind)
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	srv := startServer(t)
	f := post(srv, "retry.bin", testData(3000), 1000)
	flaky := f.Segments[1].MessageID
	srv.FailMissing(flaky, 2)

	h := newHarness(t, srv, 2, fastRetry(3), f)
	events := h.run(t, context.Background())

	ev, ok := findEvent(events, SegmentDecoded, flaky)
	require.True(t, ok)
	assert.Equal(t, 3, ev.Task.Attempts)
	assert.Equal(t, 2, ev.Task.ArticleFaults)
	assert.Equal(t, 3, srv.Requests(flaky))

	_, failed := findEvent(events, SegmentFailed, flaky)
	assert.False(t, failed)
	assert.Equal(t, domain.FileComplete, h.results[0].Status)
}

func TestScheduler_PermanentFailure(t *testing.T) {
	srv := startServer(t)
	f := post(srv, "lost.bin", testData(3000), 1000)
	last := f.Segments[2]
	srv.FailMissing(last.MessageID, 100)

	h := newHarness(t, srv, 2, fastRetry(2), f)
	events := h.run(t, context.Background())

	ev, ok := findEvent(events, SegmentFailed, last.MessageID)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, domain.ErrArticleMissing)
	assert.Equal(t, 2, ev.Task.Attempts)
	assert.Equal(t, 2, srv.Requests(last.MessageID))

	assert.Equal(t, domain.FileIncomplete, h.results[0].Status)
	assert.Equal(t, []int{last.Index}, h.results[0].Missing)
	assert.Equal(t, domain.TaskFailed, h.sched.Tasks(0)[2].State)
}

func TestScheduler_CorruptBodyCountsLikeMissing(t *testing.T) {
	srv := startServer(t)
	f := post(srv, "crc.bin", testData(3000), 1000)
	once := f.Segments[0].MessageID
	always := f.Segments[2].MessageID
	srv.FailCorrupt(once, 1)
	srv.FailCorrupt(always, 100)

	h := newHarness(t, srv, 2, fastRetry(3), f)
	events := h.run(t, context.Background())

	ev, ok := findEvent(events, SegmentDecoded, once)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Task.ArticleFaults)

	ev, ok = findEvent(events, SegmentFailed, always)
	require.True(t, ok)
	require.ErrorIs(t, ev.Err, domain.ErrDecode)
	assert.Equal(t, 3, ev.Task.ArticleFaults)

	assert.Equal(t, domain.FileIncomplete, h.results[0].Status)
	assert.Equal(t, []int{3}, h.results[0].Missing)
}

func TestScheduler_ConnectionLossIsNotCharged(t *testing.T) {
	srv := startServer(t)
	data := testData(2000)
	f := post(srv, "drop.bin", data, 1000)
	id := f.Segments[0].MessageID
	srv.DropConnection(id, 2)

	// A single article fault would fail the segment
	h := newHarness(t, srv, 1, fastRetry(1), f)
	events := h.run(t, context.Background())

	ev, ok := findEvent(events, SegmentDecoded, id)
	require.True(t, ok)
	assert.Equal(t, 2, ev.Task.ConnectionFaults)
	assert.Equal(t, 0, ev.Task.ArticleFaults)
	assert.Equal(t, domain.FileComplete, h.results[0].Status)

	got, err := os.ReadFile(h.targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestScheduler_MaxConcurrentFiles(t *testing.T) {
	srv := startServer(t)
	files := []domain.FileTarget{
		post(srv, "one.bin", testData(4000), 500),
		post(srv, "two.bin", testData(3000), 500),
		post(srv, "three.bin", testData(2000), 500),
	}

	cfg := fastRetry(3)
	cfg.MaxConcurrentFiles = 1
	h := newHarness(t, srv, 4, cfg, files...)
	events := h.run(t, context.Background())

	// No segment of a file shows up before the previous file completed
	current := 0
	for _, ev := range events {
		switch ev.Kind {
		case SegmentDecoded, SegmentFailed:
			assert.Equal(t, current, ev.File)
		case FileComplete:
			assert.Equal(t, current, ev.File)
			current++
		}
	}
	assert.Equal(t, 3, current)
	assert.Equal(t, 1, h.sched.Stats().PeakOpenFiles)

	for i, res := range h.results {
		assert.Equal(t, domain.FileComplete, res.Status, h.targets[i].File.Name)
	}
}

func TestScheduler_RespectsBounds(t *testing.T) {
	srv := startServer(t, nntptest.WithLatency(2*time.Millisecond))
	data := testData(30_000)
	f := post(srv, "bounded.bin", data, 1000)

	cfg := fastRetry(3)
	cfg.MaxSegmentsInMemory = 2
	h := newHarness(t, srv, 3, cfg, f)
	h.run(t, context.Background())

	stats := h.sched.Stats()
	assert.LessOrEqual(t, stats.PeakInFlight, 3)
	assert.LessOrEqual(t, stats.PeakHeld, 2)
	assert.Equal(t, 0, stats.InFlight)
	assert.LessOrEqual(t, srv.PeakInFlight(), 3)
	assert.LessOrEqual(t, srv.PeakConnections(), 3)

	assert.Equal(t, []Range{{Start: 0, End: 30_000}}, h.asm.Ranges(0))
	got, err := os.ReadFile(h.targets[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestScheduler_AuthFailureIsFatal(t *testing.T) {
	srv := startServer(t, nntptest.WithAuth("user", "secret"))
	f := post(srv, "auth.bin", testData(2000), 1000)

	host, port := srv.Addr()
	pool, err := nntp.NewPool(nntp.Options{
		Host: host, Port: port, Username: "user", Password: "wrong",
		Connections: 2, Timeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	defer pool.Close()

	asm := NewAssembler([]Target{{File: f, Path: filepath.Join(t.TempDir(), f.Name)}}, NewFileWriter(), nil)
	sched := NewScheduler(fastRetry(3), pool, asm, nil)
	require.NoError(t, sched.Submit(&domain.JobPlan{Files: []domain.FileTarget{f}}))

	_, err = sched.Poll(context.Background())
	require.ErrorIs(t, err, domain.ErrAuth)

	// The error sticks
	_, err = sched.Poll(context.Background())
	require.ErrorIs(t, err, domain.ErrAuth)

	sched.Shutdown()
	assert.Equal(t, 0, pool.Busy())
}

// brokenPool fails every fetch with err.
type brokenPool struct {
	*nntp.Pool
	err error
}

func (p brokenPool) Execute(context.Context, *nntp.Slot, string, []string) ([]byte, error) {
	return nil, p.err
}

func TestScheduler_UnclassifiedErrorIsFatal(t *testing.T) {
	srv := startServer(t)
	f := post(srv, "odd.bin", testData(2000), 1000)

	odd := errors.New("something else entirely")
	pool := brokenPool{Pool: newPool(t, srv, 2), err: odd}

	asm := NewAssembler([]Target{{File: f, Path: filepath.Join(t.TempDir(), f.Name)}}, NewFileWriter(), nil)
	sched := NewScheduler(fastRetry(3), pool, asm, nil)
	require.NoError(t, sched.Submit(&domain.JobPlan{Files: []domain.FileTarget{f}}))

	_, err := sched.Poll(context.Background())
	require.ErrorIs(t, err, odd)

	sched.Shutdown()
	assert.Equal(t, 0, pool.Busy())
	for _, task := range sched.Tasks(0) {
		assert.Zero(t, task.ArticleFaults, "not charged to the retry budget")
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	srv := startServer(t, nntptest.WithLatency(300*time.Millisecond))
	f := post(srv, "slow.bin", testData(5000), 1000)

	h := newHarness(t, srv, 3, fastRetry(3), f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.sched.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.sched.Shutdown()
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 0, h.pool.Busy())
	assert.Equal(t, 0, h.sched.Stats().InFlight)

	for _, task := range h.sched.Tasks(0) {
		assert.NotEqual(t, domain.TaskWritten, task.State)
		assert.Equal(t, 0, task.ArticleFaults)
	}
}

func TestScheduler_SubmitValidation(t *testing.T) {
	srv := startServer(t)
	f := post(srv, "x.bin", testData(100), 100)
	pool := newPool(t, srv, 1)

	asm := NewAssembler(nil, NewFileWriter(), nil)
	sched := NewScheduler(fastRetry(1), pool, asm, nil)
	require.ErrorIs(t, sched.Submit(&domain.JobPlan{Files: []domain.FileTarget{f}}), domain.ErrInvalidPlan)
	require.ErrorIs(t, sched.Submit(&domain.JobPlan{}), domain.ErrInvalidPlan)

	_, err := sched.Poll(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidPlan)
}
