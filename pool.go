package cmdpool

import (
	"errors"
	"sync"
	"time"

	"github.com/Swind/go-command-pool/core"
)

// =============================================================================
// Global Command Pool Helper (Singleton)
// =============================================================================

// ErrGlobalPoolNotInitialized is returned by the package-level helpers
// before InitGlobalPool.
var ErrGlobalPoolNotInitialized = errors.New("global command pool not initialized")

const globalPoolName = "global-pool"

var (
	globalPool *core.CommandPool
	globalMu   sync.Mutex
)

// InitGlobalPool creates and starts the global command pool. Calling it
// again while a pool exists is a no-op.
func InitGlobalPool(cfg BackendConfig, opts ...PoolOption) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return nil
	}

	opts = append([]PoolOption{core.WithName(globalPoolName)}, opts...)
	pool, err := core.NewCommandPool(cfg, opts...)
	if err != nil {
		return err
	}
	if err := pool.Start(core.DefaultPollInterval); err != nil {
		_ = pool.Close()
		return err
	}
	globalPool = pool
	return nil
}

// GetGlobalPool returns the global command pool instance.
// It panics if InitGlobalPool has not been called.
func GetGlobalPool() *CommandPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("global command pool not initialized. Call InitGlobalPool() first.")
	}
	return globalPool
}

// ShutdownGlobalPool closes the global pool, discarding queued tasks.
func ShutdownGlobalPool() error {
	globalMu.Lock()
	pool := globalPool
	globalPool = nil
	globalMu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}

func currentGlobalPool() (*CommandPool, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		return nil, ErrGlobalPoolNotInitialized
	}
	return globalPool, nil
}

// Submit queues task on the global pool.
func Submit(task *CommandTask) (*TaskHandle, error) {
	pool, err := currentGlobalPool()
	if err != nil {
		return nil, err
	}
	return pool.Submit(task)
}

// SubmitAfter queues task on the global pool once delay has elapsed.
func SubmitAfter(task *CommandTask, delay time.Duration) (*TaskHandle, error) {
	pool, err := currentGlobalPool()
	if err != nil {
		return nil, err
	}
	return pool.SubmitAfter(task, delay)
}

// Run executes task synchronously through the global pool's backend.
func Run(task *CommandTask) (*ProcessOutput, error) {
	pool, err := currentGlobalPool()
	if err != nil {
		return nil, err
	}
	return pool.Execute(task)
}
