package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress tracks decoded bytes of the running job for the terminal
// display. All methods are safe for concurrent use.
type Progress struct {
	total   atomic.Int64
	current atomic.Int64
	failed  atomic.Int64
	started atomic.Int64 // unix nanos
}

func NewProgress() *Progress {
	return &Progress{}
}

// Start resets the counters for a job of roughly total bytes.
func (p *Progress) Start(total int64) {
	p.total.Store(total)
	p.current.Store(0)
	p.failed.Store(0)
	p.started.Store(time.Now().UnixNano())
}

func (p *Progress) Add(n int64) { p.current.Add(n) }

// Fail counts a segment that was given up.
func (p *Progress) Fail() { p.failed.Add(1) }

func (p *Progress) Bytes() int64 { return p.current.Load() }

// Run redraws the progress line on w once a second until ctx is done, then
// draws the final line.
func (p *Progress) Run(ctx context.Context, w io.Writer) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastBytes int64

	for {
		select {
		case <-ticker.C:
			current := p.current.Load()
			delta := current - lastBytes
			lastBytes = current

			p.Render(w, delta, false)
		case <-ctx.Done():
			if p.started.Load() != 0 {
				p.Render(w, 0, true)
				fmt.Fprintln(w)
			}
			return
		}
	}
}

// Render prints one progress line. delta is the byte count of the last
// second and drives the instantaneous speed.
func (p *Progress) Render(w io.Writer, delta int64, final bool) {
	current := p.current.Load()
	total := p.total.Load()
	if total == 0 {
		return
	}

	elapsed := time.Since(time.Unix(0, p.started.Load()))
	// Size hints are encoded sizes, decoded data is a bit smaller
	percent := min(float64(current)/float64(total)*100, 100)

	speed := humanize.Bytes(uint64(max(delta, 0))) + "/s"
	etaStr := "calc..."

	if final {
		percent = 100.0

		// Guard against division by zero or sub-millisecond durations
		seconds := max(elapsed.Seconds(), 0.1)
		speed = humanize.Bytes(uint64(float64(current)/seconds)) + "/s"
	} else {
		avgBytesPerSec := float64(current) / max(elapsed.Seconds(), 0.1)
		if avgBytesPerSec > 0 {
			remaining := max(total-current, 0)
			etaSeconds := int(float64(remaining) / avgBytesPerSec)
			etaStr = (time.Duration(etaSeconds) * time.Second).String()
		}
	}

	// [====>   ]
	const barWidth = 20
	completedWidth := int(percent / 100 * barWidth)
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	speedLabel := "Speed"
	timeLabel := "ETA"
	if final {
		speedLabel = "Avg"
		timeLabel = "Time"
		etaStr = elapsed.Truncate(time.Second).String()
	}

	line := fmt.Sprintf("\r[%s] %5.1f%% | %s: %10s | %s: %-7s | %s/%s",
		bar, percent, speedLabel, speed, timeLabel, etaStr,
		humanize.Bytes(uint64(current)), humanize.Bytes(uint64(total)))
	if n := p.failed.Load(); n > 0 {
		line += fmt.Sprintf(" | %d failed", n)
	}
	fmt.Fprint(w, line+"      ")
}
