package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRunProcess_CapturesOutput verifies stdout capture and exit status
// Given: A task running echo
// When: RunProcess is called
// Then: Exit code is 0 and stdout holds the echoed text
func TestRunProcess_CapturesOutput(t *testing.T) {
	requirePosixTools(t)

	// Act
	out, err := RunProcess(NewCommandTask("echo", "hello world"))

	// Assert
	if err != nil {
		t.Fatalf("RunProcess failed: %v", err)
	}
	if !out.Success() {
		t.Fatalf("ExitCode = %d, want 0", out.ExitCode)
	}
	if got := strings.TrimSpace(string(out.Stdout)); got != "hello world" {
		t.Fatalf("Stdout = %q, want %q", got, "hello world")
	}
	if out.Duration <= 0 {
		t.Error("Duration should be positive")
	}
}

// TestRunProcess_NonZeroExitIsNotAnError verifies exit status reporting
// Given: A shell command writing to stderr and exiting 3
// When: RunProcess is called
// Then: No error is returned, ExitCode is 3 and stderr is captured
func TestRunProcess_NonZeroExitIsNotAnError(t *testing.T) {
	requirePosixTools(t)

	// Act
	out, err := RunProcess(NewCommandTask("sh", "-c", "echo oops >&2; exit 3"))

	// Assert
	if err != nil {
		t.Fatalf("RunProcess failed: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if got := strings.TrimSpace(string(out.Stderr)); got != "oops" {
		t.Errorf("Stderr = %q, want oops", got)
	}
}

// TestRunProcess_WorkingDir verifies the working directory is applied
func TestRunProcess_WorkingDir(t *testing.T) {
	requirePosixTools(t)

	// Arrange
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Act
	out, err := RunProcess(NewCommandTask("ls").WithWorkingDir(dir))

	// Assert
	if err != nil {
		t.Fatalf("RunProcess failed: %v", err)
	}
	if !strings.Contains(string(out.Stdout), "marker.txt") {
		t.Fatalf("Stdout = %q, want it to list marker.txt", out.Stdout)
	}
}

// TestRunProcess_Timeout verifies the kill path
// Given: A task sleeping 1s with a 100ms timeout
// When: RunProcess is called
// Then: A timeout error carrying 100ms is returned well before 1s
func TestRunProcess_Timeout(t *testing.T) {
	requirePosixTools(t)

	// Arrange
	task := NewCommandTask("sleep", "1").WithTimeout(100 * time.Millisecond)
	start := time.Now()

	// Act
	out, err := RunProcess(task)
	elapsed := time.Since(start)

	// Assert
	if out != nil {
		t.Errorf("output = %+v, want nil on timeout", out)
	}
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want a timeout error", err)
	}
	var ee *ExecuteError
	if !errors.As(err, &ee) || ee.Timeout != 100*time.Millisecond {
		t.Fatalf("timeout error = %#v, want Timeout 100ms", err)
	}
	if elapsed >= time.Second {
		t.Fatalf("RunProcess took %v, want < 1s", elapsed)
	}
}

// TestRunProcess_NoTimeoutWaits verifies that a zero timeout waits for exit
func TestRunProcess_NoTimeoutWaits(t *testing.T) {
	requirePosixTools(t)

	out, err := RunProcess(NewCommandTask("sleep", "0.1").WithoutTimeout())
	if err != nil {
		t.Fatalf("RunProcess failed: %v", err)
	}
	if out.Duration < 100*time.Millisecond {
		t.Fatalf("Duration = %v, want >= 100ms", out.Duration)
	}
}

// TestRunProcess_SpawnFailure verifies missing programs are I/O errors
func TestRunProcess_SpawnFailure(t *testing.T) {
	// Act
	_, err := RunProcess(NewCommandTask("definitely-not-a-real-program-4242"))

	// Assert
	if err == nil {
		t.Fatal("RunProcess should fail for a missing program")
	}
	if KindOf(err) != ErrKindIO {
		t.Fatalf("KindOf(err) = %v, want io", KindOf(err))
	}
}

// TestRunProcess_StdinInput verifies stdin is fed and closed
func TestRunProcess_StdinInput(t *testing.T) {
	requirePosixTools(t)

	out, err := runProcess(context.Background(), NewCommandTask("cat"), []byte("piped\n"))
	if err != nil {
		t.Fatalf("runProcess failed: %v", err)
	}
	if string(out.Stdout) != "piped\n" {
		t.Fatalf("Stdout = %q, want %q", out.Stdout, "piped\n")
	}
}

// TestStdCommandExecutor verifies the executor adapters
func TestStdCommandExecutor(t *testing.T) {
	requirePosixTools(t)

	var exec CommandExecutor = StdCommandExecutor{}
	out, err := exec.Execute(NewCommandTask("true"))
	if err != nil || !out.Success() {
		t.Fatalf("StdCommandExecutor.Execute = %+v, %v", out, err)
	}

	called := false
	exec = CommandExecutorFunc(func(task *CommandTask) (*ProcessOutput, error) {
		called = true
		return &ProcessOutput{ExitCode: 7}, nil
	})
	out, _ = exec.Execute(NewCommandTask("ignored"))
	if !called || out.ExitCode != 7 {
		t.Fatal("CommandExecutorFunc did not delegate to the function")
	}
}

// TestRunProcessContext_Cancel verifies cancellation kills the child
// Given: A long sleep started with a cancellable context
// When: The context is cancelled after 100ms
// Then: RunProcessContext returns an io error well before the sleep ends
func TestRunProcessContext_Cancel(t *testing.T) {
	requirePosixTools(t)

	// Arrange
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()

	// Act
	out, err := RunProcessContext(ctx, NewCommandTask("sleep", "30").WithoutTimeout())

	// Assert
	if out != nil || KindOf(err) != ErrKindIO || !errors.Is(err, context.Canceled) {
		t.Fatalf("RunProcessContext = %+v, %v; want io error wrapping context.Canceled", out, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancelled command ran for %v", elapsed)
	}
}
