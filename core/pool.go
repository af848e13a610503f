package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultPollInterval is used by Start when interval is not positive.
	DefaultPollInterval = 10 * time.Millisecond

	// statusPruneThreshold is the tracker size above which finished task
	// statuses are dropped.
	statusPruneThreshold = 10000

	// syncWorkerID marks executions made through CommandPool.Execute.
	syncWorkerID = -1
)

// =============================================================================
// Options
// =============================================================================

// PoolOption configures NewCommandPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	name            string
	queueCapacity   int
	lockFree        bool
	logger          Logger
	metrics         Metrics
	panicHandler    PanicHandler
	rejectedHandler RejectedTaskHandler
	backend         Backend
	backendOpts     []BackendOption
	historyCapacity int
}

// WithName names the pool in logs and metrics.
func WithName(name string) PoolOption {
	return func(o *poolOptions) { o.name = name }
}

// WithQueueCapacity bounds the blocking queue. Zero means unbounded.
func WithQueueCapacity(n int) PoolOption {
	return func(o *poolOptions) { o.queueCapacity = n }
}

// WithLockFreeQueue selects the unbounded lock-free queue. Queue capacity
// is ignored and TryPush never fails.
func WithLockFreeQueue() PoolOption {
	return func(o *poolOptions) { o.lockFree = true }
}

func WithLogger(logger Logger) PoolOption {
	return func(o *poolOptions) { o.logger = logger }
}

func WithMetrics(metrics Metrics) PoolOption {
	return func(o *poolOptions) { o.metrics = metrics }
}

func WithPanicHandler(h PanicHandler) PoolOption {
	return func(o *poolOptions) { o.panicHandler = h }
}

// WithRejectedTaskHandler is called when TryPush finds the queue full.
func WithRejectedTaskHandler(h RejectedTaskHandler) PoolOption {
	return func(o *poolOptions) { o.rejectedHandler = h }
}

// WithBackend uses backend instead of building one from the BackendConfig.
// The pool starts it and stops it on Close.
func WithBackend(backend Backend) PoolOption {
	return func(o *poolOptions) { o.backend = backend }
}

// WithBackendOptions passes options to NewBackend.
func WithBackendOptions(opts ...BackendOption) PoolOption {
	return func(o *poolOptions) { o.backendOpts = append(o.backendOpts, opts...) }
}

// WithHistoryCapacity sets how many executions RecentTasks remembers.
func WithHistoryCapacity(n int) PoolOption {
	return func(o *poolOptions) { o.historyCapacity = n }
}

// =============================================================================
// CommandPool
// =============================================================================

// CommandPool owns a task queue, an execution backend and a set of polling
// worker goroutines.
//
// Workers are started with Start and stopped with Stop; a pool can be
// started again after Stop. Close stops the workers, discards queued tasks
// and shuts the backend down for good.
type CommandPool struct {
	name    string
	cfg     BackendConfig
	queue   TaskQueue
	backend Backend

	// throttle is nil when ConcurrencyLimit is zero.
	throttle *Throttle

	logger          Logger
	metrics         Metrics
	panicHandler    PanicHandler
	rejectedHandler RejectedTaskHandler

	lifecycleMu sync.Mutex
	running     atomic.Bool
	closed      atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	delayOnce sync.Once
	delays    atomic.Pointer[DelayManager]

	history   *executionHistory
	statuses  *TaskStatusTracker
	pruneAt   atomic.Int64
	handlesMu sync.Mutex
	handles   map[TaskID]*TaskHandle
}

// NewCommandPool validates cfg, builds the queue and backend and starts
// the backend. Worker goroutines are not started until Start.
func NewCommandPool(cfg BackendConfig, opts ...PoolOption) (*CommandPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := poolOptions{name: "command-pool"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewNoOpLogger()
	}
	if o.metrics == nil {
		o.metrics = &NilMetrics{}
	}
	if o.panicHandler == nil {
		o.panicHandler = &DefaultPanicHandler{}
	}
	if o.rejectedHandler == nil {
		o.rejectedHandler = &DefaultRejectedTaskHandler{Logger: o.logger}
	}

	var queue TaskQueue
	switch {
	case o.lockFree:
		queue = NewLockFreeTaskQueue()
	default:
		queue = NewBoundedTaskQueue(o.queueCapacity)
	}

	backend := o.backend
	if backend == nil {
		backendOpts := append([]BackendOption{
			WithBackendName(o.name),
			WithBackendPanicHandler(o.panicHandler),
			WithResidentPoolOptions(WithWorkerLogger(o.logger)),
		}, o.backendOpts...)

		var err error
		if backend, err = NewBackend(cfg, backendOpts...); err != nil {
			return nil, err
		}
	}
	if err := backend.Start(); err != nil {
		return nil, fmt.Errorf("start %s backend: %w", backend.Mode(), err)
	}

	p := &CommandPool{
		name:            o.name,
		cfg:             cfg,
		queue:           queue,
		backend:         backend,
		logger:          o.logger,
		metrics:         o.metrics,
		panicHandler:    o.panicHandler,
		rejectedHandler: o.rejectedHandler,
		history:         newExecutionHistory(o.historyCapacity),
		statuses:        NewTaskStatusTracker(),
		handles:         make(map[TaskID]*TaskHandle),
	}
	if cfg.ConcurrencyLimit > 0 {
		p.throttle = NewThrottle(cfg.ConcurrencyLimit)
	}
	p.pruneAt.Store(statusPruneThreshold)
	return p, nil
}

// =============================================================================
// Queue operations
// =============================================================================

// Push queues task, blocking while a bounded queue is full.
func (p *CommandPool) Push(task *CommandTask) error {
	if p.closed.Load() {
		return ErrCommandPoolClosed
	}
	p.statuses.Register(task.ID())
	if err := p.queue.Push(task); err != nil {
		p.statuses.Remove(task.ID())
		return ErrCommandPoolClosed
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	p.discardIfClosed()
	return nil
}

// TryPush queues task or fails with ErrQueueFull without blocking.
func (p *CommandPool) TryPush(task *CommandTask) error {
	if p.closed.Load() {
		return ErrCommandPoolClosed
	}
	p.statuses.Register(task.ID())
	if err := p.queue.TryPush(task); err != nil {
		p.statuses.Remove(task.ID())
		if errors.Is(err, ErrQueueClosed) {
			return ErrCommandPoolClosed
		}
		p.reject(task, "queue_full")
		return err
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	p.discardIfClosed()
	return nil
}

type batchQueue interface {
	PushBatch(tasks []*CommandTask) int
	TryPushBatch(tasks []*CommandTask) int
}

// PushBatch queues every task in order, blocking for room as needed. If the
// pool closes meanwhile, the tasks not yet queued are dropped and
// ErrCommandPoolClosed is returned with the number that made it.
func (p *CommandPool) PushBatch(tasks []*CommandTask) (int, error) {
	if p.closed.Load() {
		return 0, ErrCommandPoolClosed
	}
	for _, t := range tasks {
		p.statuses.Register(t.ID())
	}

	n := 0
	if bq, ok := p.queue.(batchQueue); ok {
		n = bq.PushBatch(tasks)
	} else {
		for _, t := range tasks {
			if p.queue.Push(t) != nil {
				break
			}
			n++
		}
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	p.discardIfClosed()
	if n < len(tasks) {
		for _, t := range tasks[n:] {
			p.discard(t)
		}
		return n, ErrCommandPoolClosed
	}
	return n, nil
}

// TryPushBatch queues a prefix of tasks that fits without blocking and
// returns its length. Every task left out is reported as rejected.
func (p *CommandPool) TryPushBatch(tasks []*CommandTask) (int, error) {
	if p.closed.Load() {
		return 0, ErrCommandPoolClosed
	}
	for _, t := range tasks {
		p.statuses.Register(t.ID())
	}

	n := 0
	if bq, ok := p.queue.(batchQueue); ok {
		n = bq.TryPushBatch(tasks)
	} else {
		for _, t := range tasks {
			if p.queue.TryPush(t) != nil {
				break
			}
			n++
		}
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	if p.discardIfClosed() {
		for _, t := range tasks[n:] {
			p.discard(t)
		}
		return n, ErrCommandPoolClosed
	}
	for _, t := range tasks[n:] {
		p.statuses.Remove(t.ID())
		p.reject(t, "queue_full")
	}
	return n, nil
}

// PushAfter queues task once delay has elapsed. The task counts as
// pending from now on; if the pool closes first it is discarded.
func (p *CommandPool) PushAfter(task *CommandTask, delay time.Duration) error {
	if p.closed.Load() {
		return ErrCommandPoolClosed
	}
	dm := p.delayManager()
	if dm == nil {
		return ErrCommandPoolClosed
	}
	p.statuses.Register(task.ID())
	dm.Schedule(task, delay)
	return nil
}

// SubmitAfter is PushAfter returning a handle for the task's result.
func (p *CommandPool) SubmitAfter(task *CommandTask, delay time.Duration) (*TaskHandle, error) {
	h := p.registerHandle(task.ID())
	if err := p.PushAfter(task, delay); err != nil {
		p.takeHandle(task.ID())
		return nil, err
	}
	return h, nil
}

// delayManager starts the delay loop on first use. It returns nil once
// Close has claimed the once.
func (p *CommandPool) delayManager() *DelayManager {
	p.delayOnce.Do(func() {
		p.delays.Store(NewDelayManager(p.postDelayed))
	})
	return p.delays.Load()
}

// postDelayed runs on the delay loop. Close releases it from a full queue.
func (p *CommandPool) postDelayed(task *CommandTask) {
	if p.closed.Load() {
		p.discard(task)
		return
	}
	if err := p.queue.Push(task); err != nil {
		p.discard(task)
		return
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	p.discardIfClosed()
}

// discardIfClosed drops whatever a push racing Close left behind after
// Close drained the queue.
func (p *CommandPool) discardIfClosed() bool {
	if !p.closed.Load() {
		return false
	}
	p.Clear()
	return true
}

func (p *CommandPool) reject(task *CommandTask, reason string) {
	p.rejected.Add(1)
	p.metrics.RecordTaskRejected(p.name, reason)
	p.rejectedHandler.HandleRejectedTask(p.name, task, reason)
	if h := p.takeHandle(task.ID()); h != nil {
		h.complete(nil, ErrQueueFull)
	}
}

// Pop removes the head task without running it. A TaskHandle waiting on
// it completes with ErrTaskDiscarded.
func (p *CommandPool) Pop() (*CommandTask, bool) {
	task, ok := p.queue.Pop()
	if !ok {
		return nil, false
	}
	p.discard(task)
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
	return task, true
}

// Clear discards every queued task and returns how many were dropped.
func (p *CommandPool) Clear() int {
	n := 0
	for {
		task, ok := p.queue.Pop()
		if !ok {
			break
		}
		p.discard(task)
		n++
	}
	p.metrics.RecordQueueDepth(p.name, 0)
	return n
}

func (p *CommandPool) discard(task *CommandTask) {
	p.statuses.Remove(task.ID())
	if h := p.takeHandle(task.ID()); h != nil {
		h.complete(nil, ErrTaskDiscarded)
	}
}

func (p *CommandPool) Len() int      { return p.queue.Len() }
func (p *CommandPool) IsEmpty() bool { return p.queue.IsEmpty() }

// Capacity returns the queue bound, or 0 when unbounded.
func (p *CommandPool) Capacity() int {
	if bq, ok := p.queue.(*BlockingTaskQueue); ok {
		return bq.Capacity()
	}
	return 0
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs task synchronously through the backend, bypassing the queue.
// It is subject to the concurrency limit like queued tasks.
func (p *CommandPool) Execute(task *CommandTask) (*ProcessOutput, error) {
	if p.closed.Load() {
		return nil, ErrCommandPoolClosed
	}
	p.statuses.Register(task.ID())
	return p.run(syncWorkerID, task, p.backend)
}

// Submit queues task and returns a handle for its result.
func (p *CommandPool) Submit(task *CommandTask) (*TaskHandle, error) {
	h := p.registerHandle(task.ID())
	if err := p.Push(task); err != nil {
		p.takeHandle(task.ID())
		return nil, err
	}
	return h, nil
}

func (p *CommandPool) registerHandle(id TaskID) *TaskHandle {
	h := newTaskHandle(id)
	p.handlesMu.Lock()
	p.handles[id] = h
	p.handlesMu.Unlock()
	return h
}

func (p *CommandPool) takeHandle(id TaskID) *TaskHandle {
	p.handlesMu.Lock()
	defer p.handlesMu.Unlock()
	h, ok := p.handles[id]
	if !ok {
		return nil
	}
	delete(p.handles, id)
	return h
}

// run executes one task and records its outcome. Panics from the executor
// are recovered and returned as errors.
// A task waiting for a throttle permit is still queued as far as status
// and Active are concerned.
func (p *CommandPool) run(workerID int, task *CommandTask, executor CommandExecutor) (out *ProcessOutput, err error) {
	var permit *Permit
	if p.throttle != nil {
		permit = p.throttle.AcquireGuard()
	}

	p.statuses.Update(task.ID(), TaskStatusRunning)
	p.active.Add(1)
	startedAt := time.Now()
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.panicHandler.HandlePanic(p.name, workerID, r, debug.Stack())
			out, err = nil, fmt.Errorf("task %s panicked: %v", task.ID(), r)
		}
		p.active.Add(-1)
		if permit != nil {
			permit.Release()
		}
		p.finish(workerID, task, startedAt, out, err, panicked)
	}()

	return executor.Execute(task)
}

func (p *CommandPool) finish(workerID int, task *CommandTask, startedAt time.Time, out *ProcessOutput, err error, panicked bool) {
	mode := p.backend.Mode()
	rec := newExecutionRecord(task, p.name, mode, workerID, startedAt, out, err, panicked)
	p.history.Add(rec)
	p.metrics.RecordTaskDuration(p.name, mode, rec.Duration)

	if err != nil {
		p.failed.Add(1)
		p.metrics.RecordTaskFailure(p.name, KindOf(err))
		p.statuses.Update(task.ID(), TaskStatusFailed)
	} else {
		p.completed.Add(1)
		p.statuses.Update(task.ID(), TaskStatusCompleted)
	}

	if h := p.takeHandle(task.ID()); h != nil {
		h.complete(out, err)
	}
	p.pruneStatuses()
}

// pruneStatuses drops finished statuses once the tracker grows past its threshold.
func (p *CommandPool) pruneStatuses() {
	if int64(p.statuses.Len()) <= p.pruneAt.Load() {
		return
	}
	p.statuses.PruneTerminal()
	// Keep the threshold ahead of entries that are still queued or running.
	p.pruneAt.Store(max(statusPruneThreshold, 2*int64(p.statuses.Len())))
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches Workers polling goroutines that execute queued tasks
// through the backend. Starting a running pool is a no-op.
func (p *CommandPool) Start(interval time.Duration) error {
	return p.StartWithExecutor(interval, nil)
}

// StartWithExecutor is Start with executor replacing the backend for queued
// tasks. A nil executor uses the backend.
func (p *CommandPool) StartWithExecutor(interval time.Duration, executor CommandExecutor) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.closed.Load() {
		return ErrCommandPoolClosed
	}
	if p.running.Load() {
		return nil
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if executor == nil {
		executor = p.backend
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i, interval, executor)
	}

	p.logger.Info("command pool started",
		F("pool", p.name),
		F("mode", p.backend.Mode().String()),
		F("workers", p.cfg.Workers),
		F("interval", interval.String()))
	return nil
}

func (p *CommandPool) workerLoop(ctx context.Context, id int, interval time.Duration, executor CommandExecutor) {
	defer p.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for p.running.Load() {
		p.drain(id, executor)

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// drain runs queued tasks until the queue is empty or the pool stops.
func (p *CommandPool) drain(workerID int, executor CommandExecutor) {
	for p.running.Load() {
		task, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.metrics.RecordQueueDepth(p.name, p.queue.Len())

		if _, err := p.run(workerID, task, executor); err != nil {
			p.logger.Warn("task failed",
				F("pool", p.name),
				F("worker", workerID),
				F("task", task.ID().String()),
				F("command", task.String()),
				F("error", err.Error()))
		}
	}
}

// Stop signals the workers and waits for them. A task already running is
// not interrupted, so Stop may block for its remaining duration.
func (p *CommandPool) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()

	p.logger.Info("command pool stopped",
		F("pool", p.name),
		F("pending", p.queue.Len()))
}

func (p *CommandPool) IsRunning() bool {
	return p.running.Load()
}

// Close stops the workers, discards queued and delayed tasks and stops the
// backend. Further calls are no-ops.
func (p *CommandPool) Close() error {
	p.Stop()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.queue.Close()
	p.delayOnce.Do(func() {})
	if dm := p.delays.Load(); dm != nil {
		for _, task := range dm.Stop() {
			p.discard(task)
		}
	}
	if n := p.Clear(); n > 0 {
		p.logger.Warn("discarded queued tasks on close", F("pool", p.name), F("count", n))
	}
	if err := p.backend.Stop(); err != nil {
		return fmt.Errorf("stop %s backend: %w", p.backend.Mode(), err)
	}
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

func (p *CommandPool) Name() string          { return p.name }
func (p *CommandPool) Mode() ExecutionMode   { return p.backend.Mode() }
func (p *CommandPool) Config() BackendConfig { return p.cfg }
func (p *CommandPool) Backend() Backend      { return p.backend }

// Stats returns a snapshot of the pool state.
func (p *CommandPool) Stats() PoolStats {
	stats := PoolStats{
		Name:      p.name,
		Mode:      p.backend.Mode(),
		Workers:   p.cfg.Workers,
		Queued:    p.queue.Len(),
		Active:    int(p.active.Load()),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
	if p.throttle != nil {
		stats.ThrottleInUse = p.throttle.InUse()
	}
	if ppb, ok := p.backend.(*ProcessPoolBackend); ok {
		if rp := ppb.Pool(); rp != nil {
			stats.ResidentLive = rp.Live()
			stats.ResidentIdle = rp.Idle()
		}
	}
	if dm := p.delays.Load(); dm != nil {
		stats.Delayed = dm.TaskCount()
	}
	if last, ok := p.history.Last(); ok {
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentTasks returns finished executions, newest first. limit <= 0 returns all retained.
func (p *CommandPool) RecentTasks(limit int) []TaskExecutionRecord {
	return p.history.Recent(limit)
}

// TaskStatus reports the status of a task pushed to or executed by this pool.
func (p *CommandPool) TaskStatus(id TaskID) (TaskStatus, bool) {
	return p.statuses.Get(id)
}

// CountByStatus returns how many tracked tasks are in status.
func (p *CommandPool) CountByStatus(status TaskStatus) int {
	return p.statuses.CountByStatus(status)
}
