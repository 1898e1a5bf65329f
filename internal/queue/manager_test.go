package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoParams struct {
	Value string `json:"value"`
}

func newTestManager(t *testing.T, path string, cfg Config) *Manager {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "jobs.sqlite")
	}
	cfg.SQLitePath = path
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	return m
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		job = m.Get(id)
		return job != nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestManager_SubmitRunsHandler(t *testing.T) {
	m := newTestManager(t, "", Config{Workers: 2})

	var mu sync.Mutex
	var seen []string
	m.Handle("echo", func(ctx context.Context, job *Job) error {
		var p echoParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p.Value)
		mu.Unlock()
		return nil
	})
	m.Start()
	defer m.Stop()

	job, err := m.Submit("echo", echoParams{Value: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	done := waitForStatus(t, m, job.ID, StatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.FinishedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, seen)
}

func TestManager_HandlerFailure(t *testing.T) {
	m := newTestManager(t, "", Config{Workers: 1})
	m.Handle("boom", func(ctx context.Context, job *Job) error {
		return errors.New("bin vanished")
	})
	m.Handle("panic", func(ctx context.Context, job *Job) error {
		panic("unexpected")
	})
	m.Start()
	defer m.Stop()

	failed, err := m.Submit("boom", nil)
	require.NoError(t, err)
	job := waitForStatus(t, m, failed.ID, StatusFailed)
	assert.Equal(t, "bin vanished", job.Error)

	panicked, err := m.Submit("panic", nil)
	require.NoError(t, err)
	job = waitForStatus(t, m, panicked.ID, StatusFailed)
	assert.Contains(t, job.Error, "panic")

	unknown, err := m.Submit("nobody-handles-this", nil)
	require.NoError(t, err)
	job = waitForStatus(t, m, unknown.ID, StatusFailed)
	assert.Contains(t, job.Error, "no handler")
}

func TestManager_RateLimited(t *testing.T) {
	m := newTestManager(t, "", Config{SubmitRate: 0.001, SubmitBurst: 1})
	defer m.Stop()

	_, err := m.Submit("echo", nil)
	require.NoError(t, err)

	_, err = m.Submit("echo", nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestManager_QueueFull(t *testing.T) {
	m := newTestManager(t, "", Config{Capacity: 1})
	defer m.Stop()

	_, err := m.Submit("echo", nil)
	require.NoError(t, err)

	_, err = m.Submit("echo", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestManager_SubmitAfterStop(t *testing.T) {
	m := newTestManager(t, "", Config{})
	m.Start()
	m.Stop()
	m.Stop()

	_, err := m.Submit("echo", nil)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestManager_RedeliversPendingJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")

	// First run: one job never picked up, one interrupted while running.
	first := newTestManager(t, path, Config{})
	queued, err := first.Submit("echo", echoParams{Value: "queued"})
	require.NoError(t, err)
	interrupted, err := first.Submit("echo", echoParams{Value: "interrupted"})
	require.NoError(t, err)
	require.NoError(t, first.store.UpdateJobStarted(interrupted.ID))
	first.Stop()

	second := newTestManager(t, path, Config{})
	var mu sync.Mutex
	seen := map[string]bool{}
	second.Handle("echo", func(ctx context.Context, job *Job) error {
		var p echoParams
		json.Unmarshal(job.Params, &p)
		mu.Lock()
		seen[p.Value] = true
		mu.Unlock()
		return nil
	})
	second.Start()
	defer second.Stop()

	waitForStatus(t, second, queued.ID, StatusCompleted)
	job := waitForStatus(t, second, interrupted.ID, StatusCompleted)
	assert.Equal(t, 2, job.Attempts)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["queued"])
	assert.True(t, seen["interrupted"])
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")

	first := newTestManager(t, path, Config{MaxAttempts: 1})
	job, err := first.Submit("echo", nil)
	require.NoError(t, err)
	require.NoError(t, first.store.UpdateJobStarted(job.ID))
	first.Stop()

	second := newTestManager(t, path, Config{MaxAttempts: 1})
	second.Start()
	defer second.Stop()

	got := second.Get(job.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestManager_StopWaitsForCleaner(t *testing.T) {
	m := newTestManager(t, "", Config{CleanupPeriod: time.Millisecond})
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	_, err := m.store.DeleteExpiredJobs(1)
	assert.Error(t, err, "store is closed once Stop returns")
	m.Stop()
}

func TestStore_DeleteExpiredJobs(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	job := &Job{ID: "old", Kind: "echo", Status: StatusQueued, Params: json.RawMessage(`{}`), CreatedAt: time.Now()}
	require.NoError(t, s.CreateJob(job))
	require.NoError(t, s.UpdateJobStatus("old", StatusCompleted, ""))

	deleted, err := s.DeleteExpiredJobs(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "recently finished jobs are kept")

	_, err = s.db.Exec(`UPDATE jobs SET finished_at = ? WHERE job_id = ?`,
		time.Now().UTC().AddDate(0, 0, -10).Format(timeFormat), "old")
	require.NoError(t, err)

	deleted, err = s.DeleteExpiredJobs(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := s.GetJob("old")
	require.NoError(t, err)
	assert.Nil(t, got)
}
