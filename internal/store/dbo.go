package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/datallboy/nzbfetch/internal/domain"
)

// jobDBO maps to the jobs table
type jobDBO struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	Dir        string         `db:"dir"`
	Status     string         `db:"status"`
	Repair     sql.NullString `db:"repair"`
	Error      sql.NullString `db:"error"`
	Bytes      int64          `db:"bytes"`
	StartedAt  int64          `db:"started_at"`
	FinishedAt int64          `db:"finished_at"`
}

// Mapper: DBO to Domain Summary, without files
func (j *jobDBO) ToDomain() *domain.Summary {
	sum := &domain.Summary{
		JobID:     j.ID,
		Name:      j.Name,
		Dir:       j.Dir,
		Status:    domain.JobStatus(j.Status),
		Repair:    j.Repair.String,
		Error:     j.Error.String,
		StartedAt: time.Unix(0, j.StartedAt),
	}
	if j.FinishedAt != 0 {
		sum.FinishedAt = time.Unix(0, j.FinishedAt)
	}
	return sum
}

// Mapper: Domain Summary to DBO
func (j *jobDBO) FromDomain(sum *domain.Summary) {
	j.ID = sum.JobID
	j.Name = sum.Name
	j.Dir = sum.Dir
	j.Status = string(sum.Status)
	j.Repair = sql.NullString{String: sum.Repair, Valid: sum.Repair != ""}
	j.Error = sql.NullString{String: sum.Error, Valid: sum.Error != ""}
	j.Bytes = sum.BytesWritten()
	j.StartedAt = sum.StartedAt.UnixNano()

	if !sum.FinishedAt.IsZero() {
		j.FinishedAt = sum.FinishedAt.UnixNano()
	} else {
		j.FinishedAt = 0
	}
}

// jobFileDBO maps to the job_files table
type jobFileDBO struct {
	JobID    string         `db:"job_id"`
	Position int            `db:"position"`
	Name     string         `db:"name"`
	Path     string         `db:"path"`
	Status   string         `db:"status"`
	Bytes    int64          `db:"bytes"`
	Attempts int            `db:"attempts"`
	Missing  string         `db:"missing"`
	Error    sql.NullString `db:"error"`
}

func (f *jobFileDBO) ToDomain() (domain.FileOutcome, error) {
	out := domain.FileOutcome{
		Name:     f.Name,
		Path:     f.Path,
		Status:   domain.FileStatus(f.Status),
		Bytes:    f.Bytes,
		Attempts: f.Attempts,
		Error:    f.Error.String,
	}
	if f.Missing != "" && f.Missing != "[]" {
		if err := json.Unmarshal([]byte(f.Missing), &out.Missing); err != nil {
			return out, errors.Join(errors.New("corrupt missing list"), err)
		}
	}
	return out, nil
}

func (f *jobFileDBO) FromDomain(jobID string, position int, out *domain.FileOutcome) error {
	missing := []byte("[]")
	if len(out.Missing) > 0 {
		var err error
		if missing, err = json.Marshal(out.Missing); err != nil {
			return err
		}
	}

	f.JobID = jobID
	f.Position = position
	f.Name = out.Name
	f.Path = out.Path
	f.Status = string(out.Status)
	f.Bytes = out.Bytes
	f.Attempts = out.Attempts
	f.Missing = string(missing)
	f.Error = sql.NullString{String: out.Error, Valid: out.Error != ""}
	return nil
}
