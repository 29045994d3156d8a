// Package jobs tracks long-running background work (index admin operations
// and their reindex passes) the way the core's client-facing operations need to report
// progress and let callers wait for completion, without those operations
// blocking on the work itself.
package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/unbase/internal/errs"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of tracked background work.
type Job struct {
	ID      string
	IndexID string
	Kind    string // the admin operation, e.g. "create_index", "reindex", "add_field", "delete_sorter"

	Total     int
	Processed int
	Status    Status
	Err       error

	Start   time.Time
	Elapsed time.Duration
}

// waiter lets Wait observe a job's terminal error without reading it back
// out of m.jobs, which Finish removes the job from before waking waiters.
type waiter struct {
	done chan struct{}
	err  error
}

// Manager creates and tracks Jobs, and lets callers block until one or all
// of them finish, the way the delivery worker pool tracks in-flight
// deliveries without the publisher blocking on their outcome. A job is
// removed from the map as soon as it finishes, so Count/CountFor only ever
// report work that is still running.
type Manager struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	done map[string]*waiter
}

// NewManager builds an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "jobs"),
		jobs:   make(map[string]*Job),
		done:   make(map[string]*waiter),
	}
}

// Create starts tracking a new job and returns its id.
func (m *Manager) Create(indexID, kind string, total int) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := &Job{
		ID:      uuid.New().String(),
		IndexID: indexID,
		Kind:    kind,
		Total:   total,
		Status:  StatusRunning,
		Start:   time.Now(),
	}
	m.jobs[job.ID] = job
	m.done[job.ID] = &waiter{done: make(chan struct{})}
	m.logger.Info("job started", "job_id", job.ID, "index_id", indexID, "kind", kind, "total", total)
	return job
}

// Advance reports n additional records processed by the job.
func (m *Manager) Advance(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Processed += n
	}
}

// Finish computes the job's elapsed time, marks it complete or failed,
// wakes any waiters with that result, and removes it from the tracked
// map: a finished job no longer counts toward Count/CountFor.
func (m *Manager) Finish(id string, err error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	job.Elapsed = time.Since(job.Start)
	if err != nil {
		job.Status = StatusFailed
		job.Err = err
	} else {
		job.Status = StatusCompleted
	}
	snapshot := *job
	w := m.done[id]
	w.err = err
	delete(m.jobs, id)
	delete(m.done, id)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("job failed", "job_id", id, "elapsed", snapshot.Elapsed, "error", err)
	} else {
		m.logger.Info("job finished", "job_id", id, "elapsed", snapshot.Elapsed, "processed", snapshot.Processed)
	}
	close(w.done)
}

// Get returns a snapshot of a job's current state. Returns errs.NotFound
// once the job has finished, since Finish removes it from the map.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, errs.Newf(errs.NotFound, "job %q not found", id)
	}
	return *job, nil
}

// Wait blocks until the job with the given id finishes, returning the
// error it finished with (nil on success). A job that has already finished
// is no longer tracked, so Wait returns errs.NotFound for it.
func (m *Manager) Wait(id string) error {
	m.mu.Lock()
	w, ok := m.done[id]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.NotFound, "job %q not found", id)
	}
	<-w.done
	return w.err
}

// WaitForAll blocks until every currently tracked job has finished. A job
// that finishes between the snapshot below and its own Wait call is
// already done by the time Wait looks for it; that race is not a failure.
func (m *Manager) WaitForAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		err := m.Wait(id)
		if isNotFound(err) {
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isNotFound(err error) bool {
	kind, ok := errs.Of(err)
	return ok && kind == errs.NotFound
}

// CountFor returns how many jobs against indexID are still running, the way
// admin operations (deleteIndex, reindex) must refuse to proceed while a
// conflicting job is in flight.
func (m *Manager) CountFor(indexID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, job := range m.jobs {
		if job.IndexID == indexID && job.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Count returns how many jobs are currently running, for reporting in
// getStats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
