package core

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// TestEncodeRequest_Layout verifies the request line layout
// Given: A task with args, working dir and a sub-second timeout
// When: EncodeRequest is called
// Then: Fields are tab separated, the timeout is decimal seconds and the line ends in a newline
func TestEncodeRequest_Layout(t *testing.T) {
	// Arrange
	task := NewCommandTask("grep", "-n", "foo").
		WithWorkingDir("/srv").
		WithTimeout(1500 * time.Millisecond)

	// Act
	line := EncodeRequest(task)

	// Assert
	want := "grep\t-n\tfoo\t/srv\t1.5\n"
	if line != want {
		t.Fatalf("EncodeRequest = %q, want %q", line, want)
	}
	if got := EncodeRequest(NewCommandTask("true").WithoutTimeout()); got != "true\t\t0\n" {
		t.Fatalf("EncodeRequest(no timeout) = %q, want %q", got, "true\t\t0\n")
	}
}

// TestDecodeRequest_RoundTrip verifies escaping survives tabs, newlines and backslashes
// Given: Arguments containing tabs, newlines and backslash sequences
// When: The task is encoded and decoded
// Then: The decoded task matches the encoded one
func TestDecodeRequest_RoundTrip(t *testing.T) {
	// Arrange
	args := []string{"a\tb", "line1\nline2", `C:\temp\new`, `\t literal`, ""}
	task := NewCommandTask("printf", args...).
		WithWorkingDir("dir with\ttab").
		WithTimeout(250 * time.Millisecond)

	// Act
	decoded, err := DecodeRequest(EncodeRequest(task))

	// Assert
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Program() != "printf" {
		t.Errorf("Program() = %q, want printf", decoded.Program())
	}
	got := decoded.Args()
	if len(got) != len(args) {
		t.Fatalf("Args() = %q, want %q", got, args)
	}
	for i := range args {
		if got[i] != args[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], args[i])
		}
	}
	if decoded.WorkingDir() != "dir with\ttab" {
		t.Errorf("WorkingDir() = %q", decoded.WorkingDir())
	}
	if decoded.Timeout() != 250*time.Millisecond {
		t.Errorf("Timeout() = %v, want 250ms", decoded.Timeout())
	}
}

// TestDecodeRequest_Malformed verifies bad request lines are child errors
func TestDecodeRequest_Malformed(t *testing.T) {
	cases := map[string]string{
		"too few fields": "echo\t0\n",
		"empty program":  "\t\t0\n",
		"bad timeout":    "echo\t\tsoon\n",
		"negative":       "echo\t\t-1\n",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest(line)
			if err == nil {
				t.Fatalf("DecodeRequest(%q) succeeded, want error", line)
			}
			if KindOf(err) != ErrKindChild {
				t.Fatalf("KindOf = %v, want child", KindOf(err))
			}
		})
	}
}

// TestResponse_PayloadWithTabsAndNewlines verifies length framing
// Given: Output containing tabs and newlines
// When: It is written with WriteResponse and read back with ReadResponse
// Then: The bytes survive unchanged and the next frame is still readable
func TestResponse_PayloadWithTabsAndNewlines(t *testing.T) {
	// Arrange
	var buf bytes.Buffer
	first := &ProcessOutput{ExitCode: 2, Stdout: []byte("a\tb\nc\n"), Stderr: []byte("warn\t!\n")}
	second := &ProcessOutput{ExitCode: 0, Stdout: []byte("ok")}

	// Act
	if err := WriteResponse(&buf, first, nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteResponse(&buf, second, nil); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(&buf)
	got1, err1 := ReadResponse(r)
	got2, err2 := ReadResponse(r)

	// Assert
	if err1 != nil || err2 != nil {
		t.Fatalf("ReadResponse errors: %v, %v", err1, err2)
	}
	if got1.ExitCode != 2 || string(got1.Stdout) != "a\tb\nc\n" || string(got1.Stderr) != "warn\t!\n" {
		t.Fatalf("first frame = %+v", got1)
	}
	if got2.ExitCode != 0 || string(got2.Stdout) != "ok" || len(got2.Stderr) != 0 {
		t.Fatalf("second frame = %+v", got2)
	}
}

// TestResponse_ReservedCodes verifies executor errors cross the wire
// Given: A timeout error and an I/O error written as responses
// When: The frames are read and mapped back for the originating task
// Then: The timeout keeps its duration and the I/O error keeps its message
func TestResponse_ReservedCodes(t *testing.T) {
	// Arrange
	task := NewCommandTask("sleep", "5").WithTimeout(100 * time.Millisecond)
	var buf bytes.Buffer
	_ = WriteResponse(&buf, nil, NewTimeoutError(100*time.Millisecond))
	_ = WriteResponse(&buf, nil, NewIOError("spawn nope", nil))
	r := bufio.NewReader(&buf)

	// Act
	timeoutFrame, err := readResponse(r)
	if err != nil {
		t.Fatal(err)
	}
	failureFrame, err := readResponse(r)
	if err != nil {
		t.Fatal(err)
	}
	_, timeoutErr := timeoutFrame.result(task)
	_, failureErr := failureFrame.result(task)

	// Assert
	if timeoutFrame.exitCode != ExitCodeTimedOut || !IsTimeout(timeoutErr) {
		t.Fatalf("timeout frame mapped to %v", timeoutErr)
	}
	if failureFrame.exitCode != ExitCodeWorkerFailure || KindOf(failureErr) != ErrKindIO {
		t.Fatalf("failure frame mapped to %v", failureErr)
	}
	if !strings.Contains(failureErr.Error(), "spawn nope") {
		t.Fatalf("failure error %q lost the worker message", failureErr)
	}
}

// TestReadResponse_Malformed verifies framing violations are reported, not guessed
func TestReadResponse_Malformed(t *testing.T) {
	cases := map[string]string{
		"non-numeric exit code": "zero\t0\t\t0\t\n",
		"non-numeric length":    "0\tfive\thello\t0\t\n",
		"length overruns":       "0\t10\tshort",
		"missing terminator":    "0\t2\thiX0\t\n",
		"truncated":             "0\t",
		"negative length":       "0\t-1\t\t0\t\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
			if err == nil {
				t.Fatalf("ReadResponse(%q) succeeded, want error", raw)
			}
			if KindOf(err) != ErrKindChild {
				t.Fatalf("KindOf = %v, want child", KindOf(err))
			}
		})
	}
}

// TestServeWorker_RoundTrip verifies the worker loop on an in-memory stream
// Given: The request line "echo\thi\t\t0" followed by a blank line
// When: ServeWorker processes it until EOF
// Then: Exactly one response is written with exit code 0 and stdout "hi"
func TestServeWorker_RoundTrip(t *testing.T) {
	requirePosixTools(t)

	// Arrange
	in := strings.NewReader("echo\thi\t\t0\n\n")
	var out bytes.Buffer

	// Act
	err := ServeWorker(in, &out)

	// Assert
	if err != nil {
		t.Fatalf("ServeWorker failed: %v", err)
	}
	r := bufio.NewReader(&out)
	resp, err := ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.ExitCode != 0 || strings.TrimSpace(string(resp.Stdout)) != "hi" {
		t.Fatalf("response = %+v, want exit 0 and stdout hi", resp)
	}
	if _, err := r.Peek(1); err == nil {
		t.Fatal("ServeWorker wrote more than one response")
	}
}

// TestServeWorker_ReportsBadRequests verifies malformed lines produce failure frames
func TestServeWorker_ReportsBadRequests(t *testing.T) {
	var out bytes.Buffer
	if err := ServeWorker(strings.NewReader("garbage\n"), &out); err != nil {
		t.Fatalf("ServeWorker failed: %v", err)
	}
	resp, err := ReadResponse(bufio.NewReader(&out))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.ExitCode != ExitCodeWorkerFailure {
		t.Fatalf("ExitCode = %d, want ExitCodeWorkerFailure", resp.ExitCode)
	}
}

// TestServeWorker_LastLineWithoutNewline verifies a final unterminated request is served
func TestServeWorker_LastLineWithoutNewline(t *testing.T) {
	requirePosixTools(t)

	var out bytes.Buffer
	if err := ServeWorker(strings.NewReader("true\t\t0"), &out); err != nil {
		t.Fatalf("ServeWorker failed: %v", err)
	}
	resp, err := ReadResponse(bufio.NewReader(&out))
	if err != nil || resp.ExitCode != 0 {
		t.Fatalf("response = %+v, %v; want exit 0", resp, err)
	}
}

// TestServeWorkerContext_CancelKillsRunningCommand verifies a retired worker
// does not wait for its command
// Given: A worker serving a request for sleep 30 with no timeout
// When: Its context is cancelled
// Then: The loop returns promptly without writing a response
func TestServeWorkerContext_CancelKillsRunningCommand(t *testing.T) {
	requirePosixTools(t)

	// Arrange
	in, feed := io.Pipe()
	defer feed.Close()
	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeWorkerContext(ctx, in, &out) }()
	if _, err := io.WriteString(feed, EncodeRequest(NewCommandTask("sleep", "30").WithoutTimeout())); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Act
	cancel()

	// Assert
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("ServeWorkerContext = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeWorkerContext still running after cancel")
	}
	if out.Len() != 0 {
		t.Fatalf("abandoned request produced a response: %q", out.String())
	}
}
