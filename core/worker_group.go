package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// workerGroup is a fixed set of goroutines pulling jobs from a shared channel.
type workerGroup struct {
	id      string
	workers int
	jobs    chan func()

	panicHandler PanicHandler

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

func newWorkerGroup(id string, workers int, panicHandler PanicHandler) *workerGroup {
	if workers < 1 {
		workers = 1
	}
	if panicHandler == nil {
		panicHandler = &DefaultPanicHandler{}
	}
	return &workerGroup{
		id:           id,
		workers:      workers,
		jobs:         make(chan func()),
		panicHandler: panicHandler,
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (g *workerGroup) Start(ctx context.Context) {
	g.runningMu.Lock()
	defer g.runningMu.Unlock()

	if g.running {
		return
	}

	g.ctx, g.cancel = context.WithCancel(ctx)
	g.running = true

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.workerLoop(i, g.ctx)
	}
}

// Stop cancels the workers and waits for them. A job already running is
// allowed to finish.
func (g *workerGroup) Stop() {
	g.runningMu.Lock()
	if !g.running {
		g.runningMu.Unlock()
		return
	}
	g.running = false
	cancel := g.cancel
	g.runningMu.Unlock()

	cancel()
	g.wg.Wait()
}

func (g *workerGroup) IsRunning() bool {
	g.runningMu.RLock()
	defer g.runningMu.RUnlock()
	return g.running
}

// Submit hands job to an idle worker, blocking until one accepts it.
func (g *workerGroup) Submit(job func()) error {
	g.runningMu.RLock()
	if !g.running {
		g.runningMu.RUnlock()
		return ErrBackendNotStarted
	}
	ctx := g.ctx
	g.runningMu.RUnlock()

	select {
	case g.jobs <- job:
		return nil
	case <-ctx.Done():
		return ErrBackendNotStarted
	}
}

func (g *workerGroup) workerLoop(id int, ctx context.Context) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-g.jobs:
			g.runJob(id, job)
		}
	}
}

func (g *workerGroup) runJob(id int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			g.panicHandler.HandlePanic(g.id, id, r, debug.Stack())
		}
	}()
	job()
}

func (g *workerGroup) String() string {
	return fmt.Sprintf("%s(%d workers)", g.id, g.workers)
}
