package domain

import "time"

type TaskState int

const (
	TaskPending TaskState = iota
	TaskInFlight
	TaskDecoded
	TaskWritten
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in-flight"
	case TaskDecoded:
		return "decoded"
	case TaskWritten:
		return "written"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the task will never be scheduled again.
func (s TaskState) Terminal() bool {
	return s == TaskWritten || s == TaskFailed
}

// DownloadTask wraps one SegmentRef at runtime. Only the scheduler touches it.
type DownloadTask struct {
	File     int // position of the FileTarget in the plan
	Position int // position of the segment within its file
	Segment  SegmentRef
	Groups   []string

	State TaskState

	// Attempts counts every article fetch issued, successful or not.
	// ArticleFaults is what the retry budget is charged with.
	Attempts         int
	ArticleFaults    int
	ConnectionFaults int
	LastErr          error

	EligibleAt time.Time
}

type SlotState int

const (
	SlotDisconnected SlotState = iota
	SlotConnecting
	SlotAuthenticating
	SlotSelectingGroup
	SlotIdle
	SlotBusy
	SlotFaulted
)

func (s SlotState) String() string {
	switch s {
	case SlotDisconnected:
		return "disconnected"
	case SlotConnecting:
		return "connecting"
	case SlotAuthenticating:
		return "authenticating"
	case SlotSelectingGroup:
		return "selecting-group"
	case SlotIdle:
		return "idle"
	case SlotBusy:
		return "busy"
	case SlotFaulted:
		return "faulted"
	}
	return "unknown"
}
