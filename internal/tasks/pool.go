// Package tasks runs CPU-bound work (embedding extraction, recognition) on
// a fixed pool of workers so it never blocks a latency-sensitive caller.
// Jobs are independent, unordered, and non-cancelable once started: a
// caller whose wait times out gets "not yet complete" while the work runs
// to completion and its result stays queryable.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Func is the unit of background work. The context carries no caller
// deadline; timeouts belong to the waiter, not the work.
type Func func(ctx context.Context) (any, error)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

type task struct {
	id          string
	fn          Func
	status      Status
	result      any
	err         string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	done        chan struct{}
}

// Snapshot is a point-in-time copy of a task's state.
type Snapshot struct {
	ID          string     `json:"task_id"`
	Status      Status     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Pool is a fixed-size worker pool with pollable task state.
type Pool struct {
	queue   chan *task
	mu      sync.RWMutex
	tasks   map[string]*task
	wg      sync.WaitGroup
	submits sync.WaitGroup // in-flight Submit enqueues, drained before close
	stopped bool
	log     *logrus.Logger
}

// NewPool creates and starts a pool with the given number of workers.
func NewPool(workers int, log *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = logrus.New()
	}
	p := &Pool{
		queue: make(chan *task, 64),
		tasks: make(map[string]*task),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.execute(id, t)
	}
}

func (p *Pool) execute(workerID int, t *task) {
	p.mu.Lock()
	t.status = StatusRunning
	t.startedAt = time.Now()
	p.mu.Unlock()

	result, err := runGuarded(t.fn)

	p.mu.Lock()
	t.completedAt = time.Now()
	if err != nil {
		t.status = StatusFailed
		t.err = err.Error()
	} else {
		t.status = StatusCompleted
		t.result = result
	}
	duration := t.completedAt.Sub(t.startedAt)
	p.mu.Unlock()
	close(t.done)

	p.log.WithFields(logrus.Fields{
		"task_id":  t.id,
		"worker":   workerID,
		"status":   t.status,
		"duration": duration,
	}).Debug("task finished")
}

// runGuarded executes the task function, converting panics into failures so
// a bad job never takes a worker down.
func runGuarded(fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(context.Background())
}

// Submit queues a task and returns its id immediately.
func (p *Pool) Submit(fn Func) (string, error) {
	t := &task{
		id:        uuid.NewString(),
		fn:        fn,
		status:    StatusPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	p.tasks[t.id] = t
	// Registering the enqueue under the lock keeps Stop from closing the
	// queue between the stopped check and the send.
	p.submits.Add(1)
	p.mu.Unlock()

	p.queue <- t
	p.submits.Done()
	return t.id, nil
}

// Status returns a snapshot of the task, if known.
func (p *Pool) Status(id string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(), true
}

// Result returns the result of a completed task.
func (p *Pool) Result(id string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok || t.status != StatusCompleted {
		return nil, false
	}
	return t.result, true
}

// Wait blocks until the task finishes or the timeout expires. On timeout
// the task keeps running and the second return is false; the caller can
// poll again later.
func (p *Pool) Wait(id string, timeout time.Duration) (Snapshot, bool) {
	p.mu.RLock()
	t, ok := p.tasks[id]
	p.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	select {
	case <-t.done:
	case <-time.After(timeout):
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := t.snapshotLocked()
	return snap, snap.Status.Terminal()
}

// CleanupOld drops finished tasks older than maxAge and returns how many
// were removed.
func (p *Pool) CleanupOld(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, t := range p.tasks {
		if t.status.Terminal() && t.completedAt.Before(cutoff) {
			delete(p.tasks, id)
			removed++
		}
	}
	return removed
}

// Pending returns the number of queued, not yet started tasks.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop prevents new submissions and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.submits.Wait()
	close(p.queue)
	p.wg.Wait()
}

// snapshotLocked copies task state; the pool lock must be held.
func (t *task) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        t.id,
		Status:    t.status,
		Result:    t.result,
		Error:     t.err,
		CreatedAt: t.createdAt,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		snap.StartedAt = &started
	}
	if !t.completedAt.IsZero() {
		completed := t.completedAt
		snap.CompletedAt = &completed
	}
	return snap
}
