package core

import "sync"

// TaskStatus is the lifecycle state of a task known to a CommandPool.
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusRunning
	TaskStatusCompleted
	TaskStatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusPending:
		return "pending"
	case TaskStatusRunning:
		return "running"
	case TaskStatusCompleted:
		return "completed"
	case TaskStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the task will not change state again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskStatusTracker records the status of tasks by ID. Safe for concurrent use.
type TaskStatusTracker struct {
	mu       sync.RWMutex
	statuses map[TaskID]TaskStatus
}

func NewTaskStatusTracker() *TaskStatusTracker {
	return &TaskStatusTracker{statuses: make(map[TaskID]TaskStatus)}
}

// Register marks id as pending.
func (t *TaskStatusTracker) Register(id TaskID) {
	t.Update(id, TaskStatusPending)
}

func (t *TaskStatusTracker) Update(id TaskID, status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[id] = status
}

func (t *TaskStatusTracker) Get(id TaskID) (TaskStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[id]
	return s, ok
}

// Remove forgets id and returns its last status.
func (t *TaskStatusTracker) Remove(id TaskID) (TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[id]
	delete(t.statuses, id)
	return s, ok
}

// Snapshot returns a copy of all known statuses.
func (t *TaskStatusTracker) Snapshot() map[TaskID]TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[TaskID]TaskStatus, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}

// PruneTerminal forgets every completed or failed task and returns how many were dropped.
func (t *TaskStatusTracker) PruneTerminal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.statuses {
		if s.IsTerminal() {
			delete(t.statuses, id)
			n++
		}
	}
	return n
}

func (t *TaskStatusTracker) CountByStatus(status TaskStatus) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func (t *TaskStatusTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.statuses)
}

func (t *TaskStatusTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.statuses)
}
