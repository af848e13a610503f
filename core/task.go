package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTaskTimeout is applied by NewCommandTask unless cleared with WithoutTimeout.
const DefaultTaskTimeout = 10 * time.Second

// =============================================================================
// TaskID: Unique identifier of a queued command
// =============================================================================

type TaskID uuid.UUID

// GenerateTaskID returns a new random TaskID.
func GenerateTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

func (id TaskID) IsZero() bool {
	return id == TaskID(uuid.Nil)
}

// =============================================================================
// CommandTask: Immutable description of one external command
// =============================================================================

// CommandTask describes a program to run, its arguments, an optional
// working directory and an optional timeout. The With* methods return
// modified copies, so a task that has been pushed to a queue never changes.
type CommandTask struct {
	id         TaskID
	program    string
	args       []string
	workingDir string
	timeout    time.Duration
}

// NewCommandTask creates a task for program with DefaultTaskTimeout.
func NewCommandTask(program string, args ...string) *CommandTask {
	return &CommandTask{
		id:      GenerateTaskID(),
		program: program,
		args:    append([]string(nil), args...),
		timeout: DefaultTaskTimeout,
	}
}

// WithWorkingDir returns a copy of the task that runs inside dir.
func (t *CommandTask) WithWorkingDir(dir string) *CommandTask {
	c := t.clone()
	c.workingDir = dir
	return c
}

// WithTimeout returns a copy of the task bounded by timeout.
// A zero or negative timeout means the command may run forever.
func (t *CommandTask) WithTimeout(timeout time.Duration) *CommandTask {
	c := t.clone()
	if timeout < 0 {
		timeout = 0
	}
	c.timeout = timeout
	return c
}

// WithoutTimeout returns a copy of the task that waits indefinitely.
func (t *CommandTask) WithoutTimeout() *CommandTask {
	return t.WithTimeout(0)
}

func (t *CommandTask) clone() *CommandTask {
	c := *t
	c.args = append([]string(nil), t.args...)
	return &c
}

func (t *CommandTask) ID() TaskID      { return t.id }
func (t *CommandTask) Program() string { return t.program }

// Args returns a copy of the argument list.
func (t *CommandTask) Args() []string { return append([]string(nil), t.args...) }

// WorkingDir returns the working directory, or "" for the current directory.
func (t *CommandTask) WorkingDir() string { return t.workingDir }

// Timeout returns the configured timeout; zero means no timeout.
func (t *CommandTask) Timeout() time.Duration { return t.timeout }

// HasTimeout reports whether the task is bounded by a deadline.
func (t *CommandTask) HasTimeout() bool { return t.timeout > 0 }

// String renders the task like a shell command line, e.g. "echo hello".
func (t *CommandTask) String() string {
	if len(t.args) == 0 {
		return t.program
	}
	return t.program + " " + strings.Join(t.args, " ")
}

// =============================================================================
// ProcessOutput: Result of a finished command
// =============================================================================

// ProcessOutput holds the exit status and captured output of a command.
type ProcessOutput struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (o *ProcessOutput) Success() bool {
	return o != nil && o.ExitCode == 0
}
