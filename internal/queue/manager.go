// Package queue runs background jobs with at-least-once delivery. Jobs are
// persisted before they are enqueued; a job interrupted by a shutdown is
// delivered again on the next start.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ifcbdash/server/internal/metrics"
)

var (
	// ErrRateLimited is returned by Submit when the submit rate is exceeded.
	ErrRateLimited = errors.New("queue: submit rate exceeded")
	// ErrQueueFull is returned by Submit when no worker slot is free.
	ErrQueueFull = errors.New("queue: full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("queue: stopped")
)

// Handler executes one job. A returned error marks the job failed.
type Handler func(ctx context.Context, job *Job) error

// Config contains configuration for the job manager.
type Config struct {
	Workers       int     // concurrent workers (default 2)
	Capacity      int     // buffered jobs before Submit reports ErrQueueFull (default 256)
	SQLitePath    string  // job database
	RetentionDays int     // days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	SubmitRate    float64 // jobs per second; zero disables limiting
	SubmitBurst   int
	MaxAttempts   int // deliveries before an interrupted job is given up (default 3)
}

// Manager manages background jobs with SQLite persistence.
type Manager struct {
	cfg      Config
	store    *Store
	queue    chan string // job IDs
	limiter  *rate.Limiter
	metrics  metrics.Collector
	handlers map[string]Handler

	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a job manager. Register handlers before Start.
func NewManager(cfg Config, collector metrics.Collector) (*Manager, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if collector == nil {
		collector = metrics.Noop{}
	}

	store, err := NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    store,
		queue:    make(chan string, cfg.Capacity),
		limiter:  limiter,
		metrics:  collector,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handle registers the handler for jobs of kind.
func (m *Manager) Handle(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Start redelivers pending jobs from a previous run and starts the workers
// and the cleanup ticker.
func (m *Manager) Start() {
	pending, err := m.store.ListPendingJobs()
	if err != nil {
		log.Printf("[Queue] failed to list pending jobs: %v", err)
	}
	for _, job := range pending {
		if job.Status == StatusRunning && job.Attempts >= m.cfg.MaxAttempts {
			m.store.UpdateJobStatus(job.ID, StatusFailed, "interrupted too many times")
			continue
		}
		if job.Status == StatusRunning {
			m.store.UpdateJobStatus(job.ID, StatusQueued, "")
		}
		select {
		case m.queue <- job.ID:
			log.Printf("[Queue] re-queued %s job %s", job.Kind, job.ID)
		default:
			log.Printf("[Queue] queue full, job %s stays pending until next start", job.ID)
		}
	}

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	m.wg.Add(1)
	go m.cleaner()
}

// Stop cancels running jobs and waits for the workers and the cleaner to
// exit. Jobs still queued remain pending in the store.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		close(m.stopCh)
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		m.store.Close()
	})
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case jobID := <-m.queue:
			m.metrics.QueueDepth(len(m.queue))
			m.runJob(jobID)
		}
	}
}

func (m *Manager) runJob(jobID string) {
	job, err := m.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[Queue] failed to load job %s: %v", jobID, err)
		return
	}
	if job.Status != StatusQueued {
		return
	}

	if err := m.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[Queue] failed to update job %s as started: %v", jobID, err)
		return
	}

	m.mu.RLock()
	handler := m.handlers[job.Kind]
	m.mu.RUnlock()

	start := time.Now()
	var execErr error
	if handler == nil {
		execErr = fmt.Errorf("no handler for job kind %q", job.Kind)
	} else {
		execErr = m.execute(handler, job)
	}

	if m.ctx.Err() != nil {
		// Interrupted by Stop; leave it running so the next start redelivers it.
		return
	}

	m.metrics.JobFinished(job.Kind, time.Since(start), execErr)
	if execErr != nil {
		log.Printf("[Queue] %s job %s failed: %v", job.Kind, jobID, execErr)
		m.store.UpdateJobStatus(jobID, StatusFailed, execErr.Error())
		return
	}
	m.store.UpdateJobStatus(jobID, StatusCompleted, "")
}

func (m *Manager) execute(h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(m.ctx, job)
}

func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	deleted, err := m.store.DeleteExpiredJobs(m.cfg.RetentionDays)
	if err != nil {
		log.Printf("[Queue] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[Queue] cleaned up %d expired jobs", deleted)
	}
}

// Submit persists a job and enqueues it without waiting for a worker.
// There is no way to observe the job's outcome other than Get.
func (m *Manager) Submit(kind string, params any) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return nil, ErrStopped
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.metrics.JobDropped(kind, "rate_limited")
		return nil, ErrRateLimited
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job params: %w", err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		Params:    raw,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case m.queue <- job.ID:
	default:
		m.metrics.JobDropped(kind, "queue_full")
		m.store.UpdateJobStatus(job.ID, StatusFailed, "job queue is full; try again later")
		return nil, ErrQueueFull
	}

	m.metrics.JobSubmitted(kind)
	m.metrics.QueueDepth(len(m.queue))
	return job, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (m *Manager) Get(id string) *Job {
	job, err := m.store.GetJob(id)
	if err != nil {
		log.Printf("[Queue] error getting job %s: %v", id, err)
		return nil
	}
	return job
}
