package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *PersistentStore {
	t.Helper()
	s, err := NewPersistentStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func summary(name string) *domain.Summary {
	return &domain.Summary{
		JobID:     ksuid.New().String(),
		Name:      name,
		Dir:       "/downloads/" + name,
		Status:    domain.StatusDownloading,
		StartedAt: time.Unix(1700000000, 123),
		Files: []domain.FileOutcome{
			{Name: "a.rar", Path: "/downloads/a.rar"},
			{Name: "a.par2", Path: "/downloads/a.par2"},
		},
	}
}

func TestSaveAndGetJob(t *testing.T) {
	s := newStore(t)
	sum := summary("show")
	require.NoError(t, s.SaveJob(sum))

	sum.Status = domain.StatusIncomplete
	sum.Repair = "repair-not-possible"
	sum.FinishedAt = time.Unix(1700000100, 0)
	sum.Files[0].Status = domain.FileIncomplete
	sum.Files[0].Missing = []int{4, 9}
	sum.Files[0].Bytes = 1000
	sum.Files[0].Attempts = 12
	sum.Files[1].Status = domain.FileFailed
	sum.Files[1].Error = "assembly failed"
	sum.Files[1].Path = ""
	require.NoError(t, s.SaveJob(sum))

	got, err := s.GetJob(sum.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, sum.JobID, got.JobID)
	assert.Equal(t, domain.StatusIncomplete, got.Status)
	assert.Equal(t, "repair-not-possible", got.Repair)
	assert.True(t, sum.StartedAt.Equal(got.StartedAt))
	assert.True(t, sum.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, sum.Files, got.Files)
	assert.Empty(t, got.Password)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newStore(t)
	got, err := s.GetJob("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveJob_RequiresID(t *testing.T) {
	s := newStore(t)
	require.Error(t, s.SaveJob(&domain.Summary{Name: "x"}))
}

func TestListAndDeleteJobs(t *testing.T) {
	s := newStore(t)
	first, second := summary("first"), summary("second")
	// ksuid order follows creation time at second resolution
	later, err := ksuid.NewRandomWithTime(time.Now().Add(time.Hour))
	require.NoError(t, err)
	second.JobID = later.String()
	require.NoError(t, s.SaveJob(first))
	require.NoError(t, s.SaveJob(second))

	jobs, err := s.ListJobs(0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.JobID, jobs[0].JobID)
	assert.Equal(t, first.JobID, jobs[1].JobID)
	assert.Empty(t, jobs[0].Files)

	jobs, err = s.ListJobs(1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob(second.JobID))
	got, err := s.GetJob(second.JobID)
	require.NoError(t, err)
	assert.Nil(t, got)

	files, err := s.jobFiles(second.JobID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewPersistentStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jobs.db")
	s, err := NewPersistentStore(path)
	require.NoError(t, err)
	sum := summary("persisted")
	require.NoError(t, s.SaveJob(sum))
	require.NoError(t, s.Close())

	// Reopening must not re-run migrations or lose data
	s, err = NewPersistentStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetJob(sum.JobID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.Name)
}

func TestRunMigrations_RecordsVersion(t *testing.T) {
	s, err := NewPersistentStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	// A second run has nothing to apply
	require.NoError(t, s.RunMigrations())

	var version int
	var dirty bool
	require.NoError(t, s.db.QueryRow(`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Equal(t, 1, version)
	assert.False(t, dirty)
}
