// ============================================================================
// Tracker - execution state of queued tasks
// ============================================================================
//
// Package: internal/taskqueue
// File: tracker.go
// Purpose: Off-ledger bookkeeping for the executor. A task account on the
//          ledger only says "queued"; the tracker records what the executor
//          is doing with it.
//
// State machine:
//   Pending
//      | Next() + MarkInFlight()
//   InFlight
//      | MarkCompleted()       -> Completed
//      | Requeue()             -> Pending  (attempt++)
//      | MarkDead()            -> Dead     (attempts exhausted)
//
// Layout:
//   runs map[Address]*Run is the single source of truth; queue, inFlight,
//   completed and dead are indexes over it sharing the same pointers.
//
// ============================================================================

package taskqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

var (
	ErrDuplicateRun = errors.New("task already tracked")
	ErrNotInFlight  = errors.New("task not in flight")
	ErrNotPending   = errors.New("task not pending")
	ErrRunNotFound  = errors.New("task not tracked")
)

// RunStatus is the executor-side state of a task.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusInFlight  RunStatus = "in_flight"
	StatusCompleted RunStatus = "completed"
	StatusDead      RunStatus = "dead"
)

// Run tracks one task account through execution.
type Run struct {
	Task      types.Address `json:"task"`
	Queue     types.Address `json:"queue"`
	Status    RunStatus     `json:"status"`
	Attempt   int           `json:"attempt"`
	LastError string        `json:"last_error,omitempty"`
	Deadline  *time.Time    `json:"deadline,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	runs      map[types.Address]*Run
	queue     []types.Address
	inFlight  map[types.Address]*Run
	completed map[types.Address]*Run
	dead      map[types.Address]*Run
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		runs:      make(map[types.Address]*Run),
		inFlight:  make(map[types.Address]*Run),
		completed: make(map[types.Address]*Run),
		dead:      make(map[types.Address]*Run),
	}
}

// Track registers a queued task as pending.
func (t *Tracker) Track(task, queue types.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.runs[task]; exists {
		return ErrDuplicateRun
	}
	r := &Run{Task: task, Queue: queue, Status: StatusPending, UpdatedAt: time.Now()}
	t.runs[task] = r
	t.queue = append(t.queue, task)
	return nil
}

// Known reports whether task has ever been tracked.
func (t *Tracker) Known(task types.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.runs[task]
	return ok
}

// Next pops the oldest pending task, or returns nil.
func (t *Tracker) Next() *Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return nil
	}
	id := t.queue[0]
	t.queue = t.queue[1:]
	c := *t.runs[id]
	return &c
}

// MarkInFlight moves a pending task in flight until deadline.
func (t *Tracker) MarkInFlight(task types.Address, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[task]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != StatusPending {
		return ErrNotPending
	}
	r.Status = StatusInFlight
	r.Deadline = &deadline
	r.UpdatedAt = time.Now()
	t.inFlight[task] = r
	return nil
}

// MarkCompleted finishes an in-flight task.
func (t *Tracker) MarkCompleted(task types.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[task]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != StatusInFlight {
		return ErrNotInFlight
	}
	r.Status = StatusCompleted
	r.Deadline = nil
	r.UpdatedAt = time.Now()
	delete(t.inFlight, task)
	t.completed[task] = r
	return nil
}

// Requeue returns an in-flight task to pending after a failed attempt.
func (t *Tracker) Requeue(task types.Address, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[task]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != StatusInFlight {
		return ErrNotInFlight
	}
	r.Attempt++
	r.Status = StatusPending
	r.Deadline = nil
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = time.Now()
	delete(t.inFlight, task)
	t.queue = append(t.queue, task)
	return nil
}

// MarkDead gives up on a task.
func (t *Tracker) MarkDead(task types.Address, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[task]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != StatusInFlight {
		return ErrNotInFlight
	}
	r.Status = StatusDead
	r.Deadline = nil
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = time.Now()
	delete(t.inFlight, task)
	t.dead[task] = r
	return nil
}

// Expired lists in-flight tasks whose deadline passed, sorted by address.
func (t *Tracker) Expired(now time.Time) []types.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.Address
	for id, r := range t.inFlight {
		if r.Deadline != nil && r.Deadline.Before(now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// Get returns a copy of the run for task, or nil.
func (t *Tracker) Get(task types.Address) *Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[task]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

// Stats counts tasks per state.
func (t *Tracker) Stats() map[RunStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[RunStatus]int{
		StatusPending:   len(t.queue),
		StatusInFlight:  len(t.inFlight),
		StatusCompleted: len(t.completed),
		StatusDead:      len(t.dead),
	}
}
