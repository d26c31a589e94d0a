// Package registry implements the process-wide index of in-flight
// deployments, enforcing at most one active task per (publication
// repository, publication path) by cancelling predecessors.
package registry

import (
	"context"
	"sync"

	"github.com/cuemby/shipit/internal/metrics"
)

// Key uniquely identifies a publication target.
type Key struct {
	RepoURL string
	Path    string
}

// Task is an in-flight Build Pipeline or undeploy operation tracked by
// the Registry. Callers construct one with NewTask, run their work
// under its Context, and call Finish when done.
type Task struct {
	Key           Key
	CorrelationID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask creates a Task whose Context is derived from parent and can be
// cancelled independently by the Registry.
func NewTask(parent context.Context, key Key, correlationID string) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		Key:           key,
		CorrelationID: correlationID,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Context returns the task's cancellation context.
func (t *Task) Context() context.Context { return t.ctx }

// Finish marks the task complete, releasing anyone waiting on it in a
// Registry claim and cancelling its own context as a cleanup measure.
func (t *Task) Finish() {
	t.cancel()
	close(t.done)
}

// Done returns a channel closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Registry is the process-wide Deployment Key -> active Task map.
type Registry struct {
	mu     sync.Mutex
	active map[Key]*Task
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{active: make(map[Key]*Task)}
}

// Claim installs task as the active task for its key, then cancels and
// awaits any predecessor that has not yet finished.
//
// The ordering is load-bearing: task is installed as the active entry
// *before* the predecessor's Done channel is awaited, so a third
// arrival for the same key sees task, not the predecessor, as the one
// it must in turn displace. This closes the lost-wakeup window where
// two successors could both end up waiting on the same original task.
func (r *Registry) Claim(task *Task) {
	r.mu.Lock()
	prev, exists := r.active[task.Key]
	r.active[task.Key] = task
	r.mu.Unlock()

	if !exists {
		return
	}

	select {
	case <-prev.Done():
		return
	default:
	}

	metrics.DeploymentsCancelledTotal.Inc()
	prev.cancel()
	<-prev.Done()
}
