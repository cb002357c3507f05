package engine

import (
	"github.com/datallboy/nzbfetch/internal/decoding"
	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/datallboy/nzbfetch/internal/nntp"
)

type EventKind int

const (
	SegmentDecoded EventKind = iota + 1
	SegmentFailed
	FileComplete
	JobComplete
)

func (k EventKind) String() string {
	switch k {
	case SegmentDecoded:
		return "segment-decoded"
	case SegmentFailed:
		return "segment-failed"
	case FileComplete:
		return "file-complete"
	case JobComplete:
		return "job-complete"
	}
	return "unknown"
}

// Event is what Scheduler.Poll reports. Task is a snapshot taken when the
// event was raised and is only set for segment events.
type Event struct {
	Kind  EventKind
	File  int
	Task  domain.DownloadTask
	Bytes int64 // decoded size, SegmentDecoded only
	Err   error // last article error, or the assembly error on FileComplete
}

// fetchResult is sent by a worker when its fetch is over. The slot is
// still held and is released by the scheduler.
type fetchResult struct {
	task     *domain.DownloadTask
	slot     *nntp.Slot
	part     *decoding.Part
	err      error
	reserved bool // counted against the memory budget at dispatch
}
