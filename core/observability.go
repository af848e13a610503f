package core

import "time"

// TaskExecutionRecord captures one finished command execution.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Command    string
	PoolName   string
	Mode       ExecutionMode
	WorkerID   int // -1 for synchronous CommandPool.Execute calls
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	ExitCode   int
	Err        string    // empty on success
	ErrKind    ErrorKind // meaningful only when Err is set
	Panicked   bool
}

// Failed reports whether the execution returned an error or panicked.
// A non-zero exit code alone is not a failure.
func (r TaskExecutionRecord) Failed() bool {
	return r.Err != "" || r.Panicked
}

// PoolStats represents runtime observability state for a CommandPool.
type PoolStats struct {
	Name      string
	Mode      ExecutionMode
	Workers   int
	Queued    int
	Delayed   int
	Active    int
	Running   bool
	Completed int64
	Failed    int64
	Rejected  int64

	// ThrottleInUse is the number of held permits; zero when unthrottled.
	ThrottleInUse int

	// ResidentLive and ResidentIdle describe the resident pool in ModeProcessPool.
	ResidentLive int
	ResidentIdle int

	LastTaskAt time.Time
}
