package orchestration

import (
	"context"
	"sync"
)

// CancelRegistry maps in-flight task ids to their dispatch cancel
// functions, so a cancellation event consumed by any worker can abort
// work running on this process.
//
// The registry is per-process and best-effort: a task running on
// another instance is cancelled through its stored state instead.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register stores the cancel function for a task, replacing any
// previous registration for the same id.
func (r *CancelRegistry) Register(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

// Unregister removes the task's entry. Callers must unregister on every
// dispatch exit path so the map cannot leak entries.
func (r *CancelRegistry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, taskID)
}

// TryCancel invokes and removes the task's cancel function. Returns
// false when the task is not running on this process.
func (r *CancelRegistry) TryCancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	if ok {
		delete(r.cancels, taskID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// Len returns the number of registered tasks.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
