package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/datallboy/nzbfetch/internal/domain"
)

// SaveJob upserts the job row and replaces its file outcomes. It is called
// whenever the job changes status.
func (s *PersistentStore) SaveJob(sum *domain.Summary) error {
	if sum.JobID == "" {
		return errors.New("cannot save a job without id")
	}

	var job jobDBO
	job.FromDomain(sum)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO jobs (id, name, dir, status, repair, error, bytes, started_at, finished_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                name = excluded.name, dir = excluded.dir, status = excluded.status,
                repair = excluded.repair, error = excluded.error, bytes = excluded.bytes,
                started_at = excluded.started_at, finished_at = excluded.finished_at`

	if _, err := tx.Exec(query,
		job.ID, job.Name, job.Dir, job.Status, job.Repair, job.Error,
		job.Bytes, job.StartedAt, job.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to save job %s: %w", sum.JobID, err)
	}

	if _, err := tx.Exec(`DELETE FROM job_files WHERE job_id = ?`, sum.JobID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO job_files (job_id, position, name, path, status, bytes, attempts, missing, error)
                             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range sum.Files {
		var f jobFileDBO
		if err := f.FromDomain(sum.JobID, i, &sum.Files[i]); err != nil {
			return fmt.Errorf("failed to encode file %s: %w", sum.Files[i].Name, err)
		}
		if _, err := stmt.Exec(f.JobID, f.Position, f.Name, f.Path, f.Status, f.Bytes, f.Attempts, f.Missing, f.Error); err != nil {
			return fmt.Errorf("failed to save file %s: %w", f.Name, err)
		}
	}

	return tx.Commit()
}

// GetJob returns the job with its files, or nil, nil when it is unknown.
func (s *PersistentStore) GetJob(id string) (*domain.Summary, error) {
	query := `
		SELECT id, name, dir, status, repair, error, bytes, started_at, finished_at
		FROM jobs
		WHERE id = ? LIMIT 1`

	var job jobDBO
	err := s.db.QueryRow(query, id).Scan(
		&job.ID, &job.Name, &job.Dir, &job.Status, &job.Repair, &job.Error,
		&job.Bytes, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Return nil, nil to indicate "Not found"
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	sum := job.ToDomain()
	if sum.Files, err = s.jobFiles(id); err != nil {
		return nil, err
	}
	return sum, nil
}

// ListJobs returns the most recent jobs first, without their files. A
// limit of zero or less returns every job.
func (s *PersistentStore) ListJobs(limit int) ([]*domain.Summary, error) {
	if limit <= 0 {
		limit = -1
	}

	// KSUIDs sort chronologically
	rows, err := s.db.Query(`
		SELECT id, name, dir, status, repair, error, bytes, started_at, finished_at
		FROM jobs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Summary
	for rows.Next() {
		var job jobDBO
		if err := rows.Scan(
			&job.ID, &job.Name, &job.Dir, &job.Status, &job.Repair, &job.Error,
			&job.Bytes, &job.StartedAt, &job.FinishedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job.ToDomain())
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and its files from the history.
func (s *PersistentStore) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *PersistentStore) jobFiles(id string) ([]domain.FileOutcome, error) {
	rows, err := s.db.Query(`
		SELECT job_id, position, name, path, status, bytes, attempts, missing, error
		FROM job_files
		WHERE job_id = ?
		ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch files of job %s: %w", id, err)
	}
	defer rows.Close()

	var files []domain.FileOutcome
	for rows.Next() {
		var f jobFileDBO
		if err := rows.Scan(&f.JobID, &f.Position, &f.Name, &f.Path, &f.Status, &f.Bytes, &f.Attempts, &f.Missing, &f.Error); err != nil {
			return nil, err
		}
		out, err := f.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("file %s of job %s: %w", f.Name, id, err)
		}
		files = append(files, out)
	}
	return files, rows.Err()
}
