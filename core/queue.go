package core

import (
	"sync"
	"sync/atomic"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskQueue defines the interface for different queue implementations.
// Pop never blocks: an empty queue returns (nil, false) and polling is the
// caller's responsibility. After Close, pushes fail with ErrQueueClosed
// while Pop keeps draining what is left.
type TaskQueue interface {
	Push(t *CommandTask) error
	TryPush(t *CommandTask) error
	Pop() (*CommandTask, bool)
	Len() int
	IsEmpty() bool
	Clear() int // Drops all pending tasks and reports how many were discarded
	Close()
}

// =============================================================================
// BlockingTaskQueue: Strict FIFO with optional backpressure
// =============================================================================

// BlockingTaskQueue is a mutex-guarded FIFO. With a capacity limit, Push
// blocks while the queue is full and TryPush fails with ErrQueueFull.
type BlockingTaskQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	tasks    []*CommandTask
	capacity int // 0 = unbounded
	closed   bool
}

// NewBlockingTaskQueue creates an unbounded FIFO queue.
func NewBlockingTaskQueue() *BlockingTaskQueue {
	return NewBoundedTaskQueue(0)
}

// NewBoundedTaskQueue creates a FIFO queue holding at most capacity tasks.
// A capacity of zero or less means unbounded.
func NewBoundedTaskQueue(capacity int) *BlockingTaskQueue {
	if capacity < 0 {
		capacity = 0
	}
	q := &BlockingTaskQueue{
		tasks:    make([]*CommandTask, 0, defaultQueueCap),
		capacity: capacity,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *BlockingTaskQueue) fullLocked() bool {
	return q.capacity > 0 && len(q.tasks) >= q.capacity
}

// Push appends t, waiting for a free slot when the queue is bounded and full.
// A Push still waiting when the queue is closed returns ErrQueueClosed.
func (q *BlockingTaskQueue) Push(t *CommandTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.fullLocked() && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, t)
	q.notEmpty.Signal()
	return nil
}

// TryPush appends t or returns ErrQueueFull without blocking.
func (q *BlockingTaskQueue) TryPush(t *CommandTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.fullLocked() {
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, t)
	q.notEmpty.Signal()
	return nil
}

// PushBatch appends every task in order, blocking for room as needed. It
// stops early if the queue is closed and returns how many were appended.
func (q *BlockingTaskQueue) PushBatch(tasks []*CommandTask) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range tasks {
		for q.fullLocked() && !q.closed {
			q.notEmpty.Broadcast()
			q.notFull.Wait()
		}
		if q.closed {
			break
		}
		q.tasks = append(q.tasks, t)
		n++
	}
	q.notEmpty.Broadcast()
	return n
}

// TryPushBatch appends tasks until the queue is full and returns how many were accepted.
func (q *BlockingTaskQueue) TryPushBatch(tasks []*CommandTask) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if q.closed || q.fullLocked() {
			break
		}
		q.tasks = append(q.tasks, t)
		n++
	}
	if n > 0 {
		q.notEmpty.Broadcast()
	}
	return n
}

// Pop removes and returns the head task, or (nil, false) when empty.
func (q *BlockingTaskQueue) Pop() (*CommandTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	t := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()
	q.notFull.Signal()

	return t, true
}

func (q *BlockingTaskQueue) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*CommandTask, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*CommandTask, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *BlockingTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *BlockingTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Capacity returns the configured limit, 0 when unbounded.
func (q *BlockingTaskQueue) Capacity() int {
	return q.capacity
}

// Clear removes all tasks, wakes blocked producers and returns the count discarded.
func (q *BlockingTaskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tasks)
	q.tasks = make([]*CommandTask, 0, defaultQueueCap)
	q.notFull.Broadcast()
	return n
}

// Close rejects further pushes and releases producers blocked on a full queue.
func (q *BlockingTaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// =============================================================================
// LockFreeTaskQueue: Unbounded multi-producer queue
// =============================================================================

// LockFreeTaskQueue is a Michael-Scott linked queue. Push and Pop never
// block. Tasks from a single producer keep their relative order, but there
// is no global FIFO guarantee across concurrent producers.
type LockFreeTaskQueue struct {
	head atomic.Pointer[lfNode]
	tail   atomic.Pointer[lfNode]
	size   atomic.Int64
	closed atomic.Bool
}

type lfNode struct {
	task *CommandTask
	next atomic.Pointer[lfNode]
}

func NewLockFreeTaskQueue() *LockFreeTaskQueue {
	q := &LockFreeTaskQueue{}
	sentinel := &lfNode{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push links t at the tail. The closed check is not atomic with the link,
// so a Push racing Close may still land; owners drain after closing.
func (q *LockFreeTaskQueue) Push(t *CommandTask) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	n := &lfNode{task: t}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging; help the other producer advance it.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.size.Add(1)
			return nil
		}
	}
}

// TryPush fails only once the queue is closed: the queue is unbounded.
func (q *LockFreeTaskQueue) TryPush(t *CommandTask) error {
	return q.Push(t)
}

func (q *LockFreeTaskQueue) Close() {
	q.closed.Store(true)
}

func (q *LockFreeTaskQueue) Pop() (*CommandTask, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return nil, false
		}
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		t := next.task
		// next becomes the new sentinel. Its task field is left in place since
		// a losing consumer may still be reading it.
		if q.head.CompareAndSwap(head, next) {
			q.size.Add(-1)
			return t, true
		}
	}
}

// Len is approximate while producers and consumers are active.
func (q *LockFreeTaskQueue) Len() int {
	n := q.size.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

func (q *LockFreeTaskQueue) IsEmpty() bool {
	return q.head.Load().next.Load() == nil
}

func (q *LockFreeTaskQueue) Clear() int {
	n := 0
	for {
		if _, ok := q.Pop(); !ok {
			return n
		}
		n++
	}
}
