package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Throttle is a counting semaphore bounding how many commands run at once.
// Worker loops should only use it through AcquireGuard so that a failing
// command can never leak a permit.
type Throttle struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// NewThrottle creates a Throttle with permits slots.
// Panics if permits is less than 1.
func NewThrottle(permits int) *Throttle {
	if permits < 1 {
		panic(fmt.Sprintf("Throttle: permits must be at least 1, got %d", permits))
	}
	return &Throttle{
		sem:      semaphore.NewWeighted(int64(permits)),
		capacity: permits,
	}
}

// Acquire blocks until a permit is available.
//
// Deprecated: bare Acquire/Release pairs leak permits on error paths; use AcquireGuard.
func (t *Throttle) Acquire() {
	// Acquire with a non-cancellable context only fails on misuse.
	_ = t.sem.Acquire(context.Background(), 1)
	t.inUse.Add(1)
}

// AcquireContext blocks until a permit is available or ctx is done.
func (t *Throttle) AcquireContext(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	t.inUse.Add(1)
	return nil
}

// TryAcquire takes a permit only if one is free right now.
func (t *Throttle) TryAcquire() bool {
	if !t.sem.TryAcquire(1) {
		return false
	}
	t.inUse.Add(1)
	return true
}

// Release returns a permit and wakes one waiter.
//
// Deprecated: use Permit.Release via AcquireGuard.
func (t *Throttle) Release() {
	t.inUse.Add(-1)
	t.sem.Release(1)
}

// AcquireGuard blocks for a permit and returns a Permit that must be
// released exactly once, typically with defer.
func (t *Throttle) AcquireGuard() *Permit {
	t.Acquire()
	return &Permit{throttle: t}
}

// AcquireGuardContext is AcquireGuard bounded by ctx.
func (t *Throttle) AcquireGuardContext(ctx context.Context) (*Permit, error) {
	if err := t.AcquireContext(ctx); err != nil {
		return nil, err
	}
	return &Permit{throttle: t}, nil
}

func (t *Throttle) Capacity() int { return t.capacity }
func (t *Throttle) InUse() int    { return int(t.inUse.Load()) }
func (t *Throttle) Available() int {
	return t.capacity - t.InUse()
}

// Permit is a scope-bound throttle slot. Release is idempotent.
type Permit struct {
	throttle *Throttle
	once     sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.throttle.Release)
}
