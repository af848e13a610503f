package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedTask is a task waiting for its push time.
type delayedTask struct {
	runAt time.Time
	task  *CommandTask
	index int // for heap interface
}

// delayedTaskHeap orders delayed tasks by push time.
type delayedTaskHeap []*delayedTask

func (h delayedTaskHeap) Len() int           { return len(h) }
func (h delayedTaskHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h delayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedTaskHeap) Push(x any) {
	item := x.(*delayedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (h delayedTaskHeap) peek() *delayedTask {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// DelayManager holds tasks until their delay expires and then hands them
// to post. One goroutine sleeps until the earliest deadline.
type DelayManager struct {
	post func(*CommandTask)

	pq     delayedTaskHeap
	mu     sync.Mutex
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDelayManager starts a manager that calls post for every expired task.
func NewDelayManager(post func(*CommandTask)) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		post:   post,
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	heap.Init(&dm.pq)
	go dm.loop()
	return dm
}

// Schedule posts task once delay has elapsed. A non-positive delay posts
// it on the next loop iteration.
func (dm *DelayManager) Schedule(task *CommandTask, delay time.Duration) {
	dm.mu.Lock()
	item := &delayedTask{runAt: time.Now().Add(delay), task: task}
	heap.Push(&dm.pq, item)
	first := item.index == 0
	dm.mu.Unlock()

	if first {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

func (dm *DelayManager) loop() {
	defer close(dm.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait, pending := dm.nextDeadline()
		if !pending {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.postExpired()
		case <-dm.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// nextDeadline returns how long until the earliest task is due.
func (dm *DelayManager) nextDeadline() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.peek()
	if item == nil {
		return 0, false
	}
	return max(time.Until(item.runAt), 0), true
}

func (dm *DelayManager) postExpired() {
	dm.mu.Lock()
	now := time.Now()
	var expired []*CommandTask
	for item := dm.pq.peek(); item != nil && !item.runAt.After(now); item = dm.pq.peek() {
		heap.Pop(&dm.pq)
		expired = append(expired, item.task)
	}
	dm.mu.Unlock()

	// Post outside the lock; post may block on a full queue.
	for _, task := range expired {
		dm.post(task)
	}
}

// Stop ends the loop and returns the tasks that never became due, earliest first.
func (dm *DelayManager) Stop() []*CommandTask {
	dm.cancel()
	<-dm.done

	dm.mu.Lock()
	defer dm.mu.Unlock()
	pending := make([]*CommandTask, 0, len(dm.pq))
	for dm.pq.Len() > 0 {
		pending = append(pending, heap.Pop(&dm.pq).(*delayedTask).task)
	}
	return pending
}

// TaskCount returns how many tasks are still waiting.
func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
