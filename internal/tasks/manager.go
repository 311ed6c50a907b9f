// Package tasks provides the bounded-concurrency task queue with identity
// deduplication and per-task cancellation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrAlreadyInProgress is returned by Enqueue when a task with the same
// identity key is already queued or active.
var ErrAlreadyInProgress = errors.New("a task for this target is already in progress")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("task queue is closed")

// ErrQueueFull is returned when the task channel is at capacity.
var ErrQueueFull = errors.New("task queue is full")

// queueBuffer is the capacity of the task channel.
const queueBuffer = 100

// Kind discriminates the task types the worker loop understands.
type Kind int

const (
	// KindEnsureMirrored clones or updates one repository and snapshots it.
	KindEnsureMirrored Kind = iota
	// KindUpdateAll fans out EnsureMirrored tasks for eligible repositories.
	KindUpdateAll
	// KindReconcile refreshes upstream lifecycle state via the forge API.
	KindReconcile
)

// Identity keys for the global (non-per-repo) tasks.
const (
	IdentityUpdateAll = "update-all"
	IdentityReconcile = "reconcile"
)

// Task is one unit of work. Identity-equal tasks are mutually exclusive in
// the queue.
type Task struct {
	Kind            Kind
	RepoID          int64   // EnsureMirrored only
	IncludeArchived bool    // UpdateAll only
	Scope           []int64 // Reconcile subset; nil means all

	identity string
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
}

// NewEnsureMirrored builds a per-repository mirror/snapshot task.
func NewEnsureMirrored(repoID int64) *Task {
	return &Task{
		Kind:     KindEnsureMirrored,
		RepoID:   repoID,
		identity: fmt.Sprintf("repo:%d", repoID),
	}
}

// NewUpdateAll builds the global update-all task.
func NewUpdateAll(includeArchived bool) *Task {
	return &Task{
		Kind:            KindUpdateAll,
		IncludeArchived: includeArchived,
		identity:        IdentityUpdateAll,
	}
}

// NewReconcile builds a lifecycle-reconciliation task. A nil scope means
// every tracked repository.
func NewReconcile(scope []int64) *Task {
	return &Task{
		Kind:     KindReconcile,
		Scope:    scope,
		identity: IdentityReconcile,
	}
}

// Identity returns the dedup key for the task.
func (t *Task) Identity() string { return t.identity }

// Context returns the task's cancellation context. Valid after Enqueue.
func (t *Task) Context() context.Context { return t.ctx }

// Manager owns the task channel, the identity dedup set, and the
// concurrency semaphore.
type Manager struct {
	mu     sync.Mutex
	ch     chan *Task
	active map[string]*Task // queued or running
	sem    *semaphore.Weighted
	closed bool
}

// NewManager creates a Manager allowing maxConcurrent tasks to run at once.
// maxConcurrent is clamped to [1, 16].
func NewManager(maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxConcurrent > 16 {
		maxConcurrent = 16
	}
	return &Manager{
		ch:     make(chan *Task, queueBuffer),
		active: make(map[string]*Task),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Enqueue registers t and places it on the FIFO channel. It refuses a task
// whose identity is already queued or active.
func (m *Manager) Enqueue(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrQueueClosed
	}
	if _, exists := m.active[t.identity]; exists {
		return fmt.Errorf("%w (%s)", ErrAlreadyInProgress, t.identity)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	m.active[t.identity] = t

	select {
	case m.ch <- t:
		return nil
	default:
		delete(m.active, t.identity)
		t.cancel()
		return ErrQueueFull
	}
}

// Tasks returns the receive side of the task channel, consumed by the
// worker loop.
func (m *Manager) Tasks() <-chan *Task { return m.ch }

// Cancel triggers the cancellation signal for the task with the given
// identity. It is idempotent and a no-op for unknown identities. The task
// stays registered until the worker calls Done.
func (m *Manager) Cancel(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[identity]; ok {
		t.cancel()
	}
}

// CancelAll cancels every queued or running task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		t.cancel()
	}
}

// Start marks t as running. Called by the worker once a permit is held.
func (m *Manager) Start(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.running = true
}

// Done removes t from the active set, releasing its identity for reuse.
func (m *Manager) Done(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[t.identity]; ok && cur == t {
		delete(m.active, t.identity)
	}
	t.cancel()
}

// IsActive reports whether a task with the given identity is queued or
// running.
func (m *Manager) IsActive(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[identity]
	return ok
}

// Snapshot returns the number of running and queued tasks.
func (m *Manager) Snapshot() (running, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.active {
		if t.running {
			running++
		} else {
			queued++
		}
	}
	return running, queued
}

// Acquire blocks until a concurrency permit is available or ctx is done.
func (m *Manager) Acquire(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// Release returns a concurrency permit.
func (m *Manager) Release() {
	m.sem.Release(1)
}

// Close closes the task channel. Queued tasks drain; new enqueues fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
