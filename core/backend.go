package core

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// =============================================================================
// ExecutionMode
// =============================================================================

// ExecutionMode selects how a Backend turns a task into a process.
type ExecutionMode int

const (
	// ModeProcess spawns one OS process per task.
	ModeProcess ExecutionMode = iota

	// ModeThreadPool spawns one process per task from a dedicated goroutine group.
	ModeThreadPool

	// ModeProcessPool sends tasks to long-lived resident worker processes.
	ModeProcessPool

	// ModeInline runs the task in the caller's goroutine.
	ModeInline
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeProcess:
		return "process"
	case ModeThreadPool:
		return "thread_pool"
	case ModeProcessPool:
		return "process_pool"
	case ModeInline:
		return "inline"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseExecutionMode accepts the String form of a mode. Dashes and case are ignored.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "process", "":
		return ModeProcess, nil
	case "thread_pool", "threadpool":
		return ModeThreadPool, nil
	case "process_pool", "processpool":
		return ModeProcessPool, nil
	case "inline":
		return ModeInline, nil
	}
	return 0, fmt.Errorf("%w: unknown execution mode %q", ErrInvalidConfig, s)
}

func (m ExecutionMode) valid() bool {
	return m >= ModeProcess && m <= ModeInline
}

// =============================================================================
// BackendConfig
// =============================================================================

// BackendConfig selects the execution strategy and its sizing.
type BackendConfig struct {
	Mode ExecutionMode

	// Workers is the number of pool worker goroutines; also the goroutine
	// group size for ModeThreadPool.
	Workers int

	// PoolSize is the number of resident workers for ModeProcessPool.
	// Zero means Workers.
	PoolSize int

	// ConcurrencyLimit caps simultaneous executions. Zero means unthrottled.
	ConcurrencyLimit int
}

// DefaultBackendConfig returns a per-task process configuration with one
// worker per CPU.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Mode:    ModeProcess,
		Workers: runtime.NumCPU(),
	}
}

func (c BackendConfig) WithMode(mode ExecutionMode) BackendConfig {
	c.Mode = mode
	return c
}

func (c BackendConfig) WithWorkers(n int) BackendConfig {
	c.Workers = n
	return c
}

func (c BackendConfig) WithPoolSize(n int) BackendConfig {
	c.PoolSize = n
	return c
}

func (c BackendConfig) WithConcurrencyLimit(n int) BackendConfig {
	c.ConcurrencyLimit = n
	return c
}

// EffectivePoolSize returns PoolSize, or Workers when PoolSize is unset.
func (c BackendConfig) EffectivePoolSize() int {
	if c.PoolSize > 0 {
		return c.PoolSize
	}
	return c.Workers
}

// Validate reports the first invalid field, wrapping ErrInvalidConfig.
func (c BackendConfig) Validate() error {
	if !c.Mode.valid() {
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(c.Mode))
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%w: pool size must not be negative, got %d", ErrInvalidConfig, c.PoolSize)
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("%w: concurrency limit must not be negative, got %d", ErrInvalidConfig, c.ConcurrencyLimit)
	}
	return nil
}

// =============================================================================
// Backend
// =============================================================================

// Backend is a CommandExecutor with a lifecycle. Execute blocks the caller
// until the command finished, whatever the strategy.
type Backend interface {
	CommandExecutor
	Mode() ExecutionMode
	Start() error
	Stop() error
}

// BackendOption configures NewBackend.
type BackendOption func(*backendOptions)

type backendOptions struct {
	name         string
	panicHandler PanicHandler
	residentOpts []ResidentPoolOption
}

// WithBackendName names the backend's goroutine group in panic reports.
func WithBackendName(name string) BackendOption {
	return func(o *backendOptions) {
		o.name = name
	}
}

// WithBackendPanicHandler receives panics recovered by ModeThreadPool workers.
func WithBackendPanicHandler(h PanicHandler) BackendOption {
	return func(o *backendOptions) {
		o.panicHandler = h
	}
}

// WithResidentPoolOptions passes options to the ModeProcessPool resident pool.
func WithResidentPoolOptions(opts ...ResidentPoolOption) BackendOption {
	return func(o *backendOptions) {
		o.residentOpts = append(o.residentOpts, opts...)
	}
}

// NewBackend validates cfg and returns the matching strategy, not yet started.
func NewBackend(cfg BackendConfig, opts ...BackendOption) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := backendOptions{name: "backend"}
	for _, opt := range opts {
		opt(&o)
	}

	switch cfg.Mode {
	case ModeThreadPool:
		return NewThreadPoolBackend(o.name, cfg.Workers, o.panicHandler), nil
	case ModeProcessPool:
		return NewProcessPoolBackend(cfg.EffectivePoolSize(), o.residentOpts...), nil
	case ModeInline:
		return InlineBackend{}, nil
	default:
		return ProcessBackend{}, nil
	}
}

// ProcessBackend runs every task as a fresh process through RunProcess.
type ProcessBackend struct{}

func (ProcessBackend) Execute(task *CommandTask) (*ProcessOutput, error) { return RunProcess(task) }
func (ProcessBackend) Mode() ExecutionMode                               { return ModeProcess }
func (ProcessBackend) Start() error                                      { return nil }
func (ProcessBackend) Stop() error                                       { return nil }

// InlineBackend runs RunProcess directly in the caller's goroutine.
type InlineBackend struct{}

func (InlineBackend) Execute(task *CommandTask) (*ProcessOutput, error) { return RunProcess(task) }
func (InlineBackend) Mode() ExecutionMode                               { return ModeInline }
func (InlineBackend) Start() error                                      { return nil }
func (InlineBackend) Stop() error                                       { return nil }

// ThreadPoolBackend runs RunProcess on a fixed goroutine group and blocks
// the caller until the result is back.
type ThreadPoolBackend struct {
	group *workerGroup
}

// NewThreadPoolBackend creates a backend with workers goroutines.
func NewThreadPoolBackend(name string, workers int, panicHandler PanicHandler) *ThreadPoolBackend {
	return &ThreadPoolBackend{group: newWorkerGroup(name, workers, panicHandler)}
}

func (b *ThreadPoolBackend) Mode() ExecutionMode { return ModeThreadPool }

func (b *ThreadPoolBackend) Start() error {
	b.group.Start(context.Background())
	return nil
}

func (b *ThreadPoolBackend) Stop() error {
	b.group.Stop()
	return nil
}

type executeResult struct {
	out *ProcessOutput
	err error
}

func (b *ThreadPoolBackend) Execute(task *CommandTask) (*ProcessOutput, error) {
	done := make(chan executeResult, 1)
	err := b.group.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executeResult{err: fmt.Errorf("task %s panicked: %v", task.ID(), r)}
				panic(r)
			}
		}()
		out, err := RunProcess(task)
		done <- executeResult{out: out, err: err}
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.out, res.err
}

// ProcessPoolBackend forwards tasks to a ResidentPool created by Start.
type ProcessPoolBackend struct {
	size int
	opts []ResidentPoolOption

	mu   sync.RWMutex
	pool *ResidentPool
}

// NewProcessPoolBackend creates a backend that will keep size resident workers.
func NewProcessPoolBackend(size int, opts ...ResidentPoolOption) *ProcessPoolBackend {
	return &ProcessPoolBackend{size: size, opts: opts}
}

func (b *ProcessPoolBackend) Mode() ExecutionMode { return ModeProcessPool }

// Start spawns the resident workers. Calling Start on a started backend is a no-op.
func (b *ProcessPoolBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool != nil {
		return nil
	}
	pool, err := NewResidentPool(b.size, b.opts...)
	if err != nil {
		return fmt.Errorf("start process pool backend: %w", err)
	}
	b.pool = pool
	return nil
}

// Stop kills the resident workers.
func (b *ProcessPoolBackend) Stop() error {
	b.mu.Lock()
	pool := b.pool
	b.pool = nil
	b.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}

func (b *ProcessPoolBackend) Execute(task *CommandTask) (*ProcessOutput, error) {
	b.mu.RLock()
	pool := b.pool
	b.mu.RUnlock()

	if pool == nil {
		return nil, ErrBackendNotStarted
	}
	return pool.Execute(task)
}

// Pool returns the running resident pool, or nil before Start.
func (b *ProcessPoolBackend) Pool() *ResidentPool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pool
}
