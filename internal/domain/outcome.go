package domain

import "time"

type FileStatus string

const (
	FileComplete   FileStatus = "complete"
	FileIncomplete FileStatus = "incomplete" // repairable, missing segments listed
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped" // already present on disk
)

type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusProcessing  JobStatus = "processing" // Post-processing (par2/unrar/7z)
	StatusCompleted   JobStatus = "completed"
	StatusIncomplete  JobStatus = "incomplete"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// FileOutcome is what the engine reports for one FileTarget.
type FileOutcome struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Status   FileStatus `json:"status"`
	Bytes    int64      `json:"bytes"`
	Missing  []int      `json:"missing,omitempty"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// Summary is the per-job result handed to post-processing and the store.
type Summary struct {
	JobID      string        `json:"id"`
	Name       string        `json:"name"`
	Password   string        `json:"-"`
	Dir        string        `json:"dir"`
	Status     JobStatus     `json:"status"`
	Files      []FileOutcome `json:"files"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Repair     string        `json:"repair,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Incomplete returns the outcomes that need the repair collaborator.
func (s *Summary) Incomplete() []FileOutcome {
	var out []FileOutcome
	for _, f := range s.Files {
		if f.Status == FileIncomplete {
			out = append(out, f)
		}
	}
	return out
}

// BytesWritten sums the verified bytes across all files.
func (s *Summary) BytesWritten() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Bytes
	}
	return total
}
