package core

import "sync"

// TaskHandle is the pending result of a task queued with CommandPool.Submit.
// It may be shared between goroutines; every caller sees the same result.
type TaskHandle struct {
	id   TaskID
	done chan struct{}
	once sync.Once
	out  *ProcessOutput
	err  error
}

func newTaskHandle(id TaskID) *TaskHandle {
	return &TaskHandle{id: id, done: make(chan struct{})}
}

func (h *TaskHandle) complete(out *ProcessOutput, err error) {
	h.once.Do(func() {
		h.out, h.err = out, err
		close(h.done)
	})
}

func (h *TaskHandle) ID() TaskID { return h.id }

// Wait blocks until the task finished.
func (h *TaskHandle) Wait() (*ProcessOutput, error) {
	<-h.done
	return h.out, h.err
}

// TryGet returns the result without blocking. ok is false while the task
// is still queued or running.
func (h *TaskHandle) TryGet() (out *ProcessOutput, ok bool, err error) {
	select {
	case <-h.done:
		return h.out, true, h.err
	default:
		return nil, false, nil
	}
}

// Done is closed when the result is available.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}
