package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// workerExitGrace is how long a retired worker gets to kill its running
// command and exit after SIGTERM before its group is SIGKILLed.
const workerExitGrace = 3 * time.Second

// WorkerModeArg is the marker argument that makes an executable serve the
// resident worker protocol on stdin/stdout instead of its normal behaviour.
const WorkerModeArg = "--worker"

// IsWorkerInvocation reports whether args (usually os.Args) request
// resident worker mode.
func IsWorkerInvocation(args []string) bool {
	return len(args) > 1 && args[1] == WorkerModeArg
}

// =============================================================================
// workerProcess: one long-lived child speaking the worker protocol
// =============================================================================

type workerProcess struct {
	id     int64
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	killOnce sync.Once
}

// roundTrip sends one request and reads its response frame. The caller
// must hold the worker exclusively.
func (w *workerProcess) roundTrip(task *CommandTask) (*workerResponse, error) {
	if _, err := io.WriteString(w.stdin, EncodeRequest(task)); err != nil {
		return nil, NewIOError(fmt.Sprintf("write request to worker %d", w.id), err)
	}
	return readResponse(w.stdout)
}

// kill terminates and reaps the worker. SIGTERM comes first so the worker
// kills the command it is running, which lives in a process group of its
// own. Safe to call more than once.
func (w *workerProcess) kill() {
	w.killOnce.Do(func() {
		_ = w.stdin.Close()
		_ = terminateProcess(w.cmd)

		exited := make(chan struct{})
		go func() {
			_ = w.cmd.Wait()
			close(exited)
		}()

		timer := time.NewTimer(workerExitGrace)
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
		}
		_ = killProcess(w.cmd)
		<-exited
	})
}

// =============================================================================
// ResidentPool: checkout/checkin of resident workers
// =============================================================================

// ResidentPoolOption configures a ResidentPool.
type ResidentPoolOption func(*ResidentPool)

// WithWorkerCommand overrides the worker command line. By default the
// current executable is re-invoked with WorkerModeArg.
func WithWorkerCommand(exe string, args ...string) ResidentPoolOption {
	return func(p *ResidentPool) {
		p.exe = exe
		p.args = append([]string(nil), args...)
	}
}

// WithWorkerLogger sets the logger used for worker lifecycle events.
func WithWorkerLogger(logger Logger) ResidentPoolOption {
	return func(p *ResidentPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRespawnPolicy controls how a broken worker is replaced.
func WithRespawnPolicy(policy RetryPolicy) ResidentPoolOption {
	return func(p *ResidentPool) {
		p.respawn = policy
	}
}

// WithWorkerStderr redirects the workers' own stderr. Defaults to os.Stderr.
func WithWorkerStderr(w io.Writer) ResidentPoolOption {
	return func(p *ResidentPool) {
		p.stderr = w
	}
}

// ResidentPool keeps a fixed set of worker processes and hands each one to
// exactly one caller at a time. A worker whose pipes fail or whose response
// is malformed is killed and replaced; when replacement fails the pool
// shrinks and reports ErrPoolExhausted once nothing is left.
type ResidentPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	free   []*workerProcess
	all    map[int64]*workerProcess
	live   int
	size   int
	closed bool

	exe     string
	args    []string
	stderr  io.Writer
	logger  Logger
	respawn RetryPolicy

	nextID atomic.Int64
}

// NewResidentPool spawns size workers.
func NewResidentPool(size int, opts ...ResidentPoolOption) (*ResidentPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: resident pool size must be at least 1, got %d", ErrInvalidConfig, size)
	}

	p := &ResidentPool{
		all:     make(map[int64]*workerProcess, size),
		size:    size,
		stderr:  os.Stderr,
		logger:  NewNoOpLogger(),
		respawn: DefaultRetryPolicy(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	if p.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, NewIOError("resolve worker executable", err)
		}
		p.exe = exe
		p.args = []string{WorkerModeArg}
	}

	for i := 0; i < size; i++ {
		w, err := p.spawn()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.mu.Lock()
		p.all[w.id] = w
		p.free = append(p.free, w)
		p.live++
		p.mu.Unlock()
	}

	p.logger.Debug("resident pool started", F("size", size), F("exe", p.exe))
	return p, nil
}

func (p *ResidentPool) spawn() (*workerProcess, error) {
	cmd := exec.Command(p.exe, p.args...)
	cmd.Stderr = p.stderr
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewIOError("worker stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewIOError("worker stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewIOError("spawn resident worker "+p.exe, err)
	}

	return &workerProcess{
		id:     p.nextID.Add(1),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

// Execute runs task on an idle worker, waiting for one if all are busy.
func (p *ResidentPool) Execute(task *CommandTask) (*ProcessOutput, error) {
	w, err := p.checkout()
	if err != nil {
		return nil, err
	}

	startedAt := time.Now()
	resp, err := w.roundTrip(task)
	if err != nil {
		p.replace(w, err)
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	p.checkin(w)

	out, err := resp.result(task)
	if out != nil {
		out.Duration = time.Since(startedAt)
	}
	return out, err
}

func (p *ResidentPool) checkout() (*workerProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) == 0 && !p.closed && p.live > 0 {
		p.cond.Wait()
	}
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}

	last := len(p.free) - 1
	w := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	return w, nil
}

func (p *ResidentPool) checkin(w *workerProcess) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.kill()
		return
	}
	p.free = append(p.free, w)
	p.mu.Unlock()
	p.cond.Signal()
}

// replace kills a broken worker and tries to spawn its successor.
func (p *ResidentPool) replace(w *workerProcess, cause error) {
	w.kill()
	p.logger.Warn("resident worker broken, respawning",
		F("worker", w.id),
		F("error", cause.Error()))

	var next *workerProcess
	err := ErrPoolClosed
	if !p.isClosed() {
		err = p.respawn.do(func() error {
			if p.isClosed() {
				return ErrPoolClosed
			}
			var spawnErr error
			next, spawnErr = p.spawn()
			return spawnErr
		})
	}

	p.mu.Lock()
	delete(p.all, w.id)
	switch {
	case p.closed:
		p.mu.Unlock()
		if next != nil {
			next.kill()
		}
	case err != nil:
		p.live--
		live := p.live
		p.mu.Unlock()
		p.logger.Error("resident worker respawn failed, pool shrinks",
			F("worker", w.id),
			F("live", live),
			F("error", err.Error()))
	default:
		p.all[next.id] = next
		p.free = append(p.free, next)
		p.mu.Unlock()
	}
	p.cond.Broadcast()
}

func (p *ResidentPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close kills and reaps every worker, including checked-out ones, and
// wakes all waiters with ErrPoolClosed. Further calls are no-ops.
func (p *ResidentPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*workerProcess, 0, len(p.all))
	for _, w := range p.all {
		workers = append(workers, w)
	}
	p.all = make(map[int64]*workerProcess)
	p.free = nil
	p.live = 0
	p.mu.Unlock()
	p.cond.Broadcast()

	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.kill()
		}()
	}
	wg.Wait()
	p.logger.Debug("resident pool closed", F("workers", len(workers)))
	return nil
}

// Size returns the configured number of workers.
func (p *ResidentPool) Size() int { return p.size }

// Live returns how many workers are still alive, busy or idle.
func (p *ResidentPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle returns how many workers are waiting on the free-list.
func (p *ResidentPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
