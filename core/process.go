package core

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait keeps draining output pipes after the
// child was killed, in case a stray descendant still holds them open.
const waitDelay = time.Second

// CommandExecutor turns a CommandTask into a ProcessOutput.
// A non-zero exit status is reported in ProcessOutput.ExitCode, not as an error.
type CommandExecutor interface {
	Execute(task *CommandTask) (*ProcessOutput, error)
}

// CommandExecutorFunc adapts an ordinary function to CommandExecutor.
type CommandExecutorFunc func(task *CommandTask) (*ProcessOutput, error)

func (f CommandExecutorFunc) Execute(task *CommandTask) (*ProcessOutput, error) {
	return f(task)
}

// StdCommandExecutor runs every task as a fresh OS process via RunProcess.
type StdCommandExecutor struct{}

func (StdCommandExecutor) Execute(task *CommandTask) (*ProcessOutput, error) {
	return RunProcess(task)
}

// RunProcess spawns task, captures stdout and stderr and waits for it.
//
// With a timeout the wait is bounded: on expiry the child and its process
// group are killed, reaped, and an ErrKindTimeout error carrying the
// configured duration is returned.
func RunProcess(task *CommandTask) (*ProcessOutput, error) {
	return runProcess(context.Background(), task, nil)
}

// RunProcessContext is RunProcess bound to ctx. Cancelling ctx kills the
// child and its process group and returns an ErrKindIO error.
func RunProcessContext(ctx context.Context, task *CommandTask) (*ProcessOutput, error) {
	return runProcess(ctx, task, nil)
}

// runProcess is RunProcessContext with optional stdin content. A nil input
// connects stdin to the null device; otherwise input is written and the
// pipe closed so the child observes end-of-input.
func runProcess(ctx context.Context, task *CommandTask, input []byte) (*ProcessOutput, error) {
	cancel := context.CancelFunc(func() {})
	if task.HasTimeout() {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout())
	}
	defer cancel()

	cmd := exec.CommandContext(ctx, task.Program(), task.args...)
	cmd.Dir = task.WorkingDir()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	cmd.WaitDelay = waitDelay
	configureKill(cmd)

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, NewIOError("spawn "+task.Program(), err)
	}

	err := cmd.Wait()
	elapsed := time.Since(startedAt)

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return nil, NewTimeoutError(task.Timeout())
	case ctxErr != nil:
		return nil, NewIOError("run "+task.Program(), ctxErr)
	}

	out := &ProcessOutput{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: elapsed,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, NewIOError("wait "+task.Program(), err)
	}
	out.ExitCode = cmd.ProcessState.ExitCode()
	return out, nil
}
