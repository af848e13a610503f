package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Resident worker wire protocol.
//
// Request, one line:
//
//	program \t arg1 \t ... \t argN \t working_dir \t timeout_seconds \n
//
// Text fields escape backslash, tab, CR and LF with a backslash so that a
// raw tab always separates fields. An empty working_dir means the current
// directory and timeout_seconds is a decimal number where 0 means no timeout.
//
// Response:
//
//	exit_code \t stdout_len \t <stdout bytes> \t stderr_len \t <stderr bytes> \n
//
// The payloads are raw bytes read by length, so command output may contain
// tabs and newlines without breaking the framing.
const (
	// ExitCodeTimedOut reports that the worker killed the command on timeout.
	ExitCodeTimedOut = -1000

	// ExitCodeWorkerFailure reports that the worker could not run the command;
	// the stderr payload carries the error text.
	ExitCodeWorkerFailure = -1001

	// maxPayloadLen guards against allocating garbage lengths from a corrupt stream.
	maxPayloadLen = 256 << 20
)

var (
	fieldEscaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	fieldUnescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// EncodeRequest renders task as one request line including the trailing newline.
func EncodeRequest(task *CommandTask) string {
	fields := make([]string, 0, len(task.args)+3)
	fields = append(fields, fieldEscaper.Replace(task.program))
	for _, arg := range task.args {
		fields = append(fields, fieldEscaper.Replace(arg))
	}
	fields = append(fields, fieldEscaper.Replace(task.workingDir))

	timeout := "0"
	if task.HasTimeout() {
		timeout = strconv.FormatFloat(task.timeout.Seconds(), 'f', -1, 64)
	}
	fields = append(fields, timeout)

	return strings.Join(fields, "\t") + "\n"
}

// DecodeRequest parses one request line, with or without its trailing newline.
func DecodeRequest(line string) (*CommandTask, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, "\t")
	if len(parts) < 3 {
		return nil, NewChildError(fmt.Sprintf("malformed request: want at least 3 fields, got %d", len(parts)), nil)
	}

	program := fieldUnescaper.Replace(parts[0])
	if program == "" {
		return nil, NewChildError("malformed request: empty program", nil)
	}

	n := len(parts)
	args := make([]string, 0, n-3)
	for _, p := range parts[1 : n-2] {
		args = append(args, fieldUnescaper.Replace(p))
	}

	secs, err := strconv.ParseFloat(parts[n-1], 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil, NewChildError(fmt.Sprintf("malformed request: bad timeout %q", parts[n-1]), err)
	}

	task := NewCommandTask(program, args...).
		WithWorkingDir(fieldUnescaper.Replace(parts[n-2])).
		WithTimeout(time.Duration(math.Round(secs * float64(time.Second))))
	return task, nil
}

// WriteResponse frames the outcome of one command. A nil execErr writes
// out; otherwise the error is encoded with one of the reserved exit codes.
func WriteResponse(w io.Writer, out *ProcessOutput, execErr error) error {
	code := 0
	var stdout, stderr []byte
	switch {
	case execErr != nil && IsTimeout(execErr):
		code = ExitCodeTimedOut
		stderr = []byte(execErr.Error())
	case execErr != nil:
		code = ExitCodeWorkerFailure
		stderr = []byte(execErr.Error())
	case out != nil:
		code, stdout, stderr = out.ExitCode, out.Stdout, out.Stderr
	}

	if _, err := fmt.Fprintf(w, "%d\t%d\t", code, len(stdout)); err != nil {
		return err
	}
	if _, err := w.Write(stdout); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\t%d\t", len(stderr)); err != nil {
		return err
	}
	if _, err := w.Write(stderr); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// workerResponse is one decoded response frame.
type workerResponse struct {
	exitCode int
	stdout   []byte
	stderr   []byte
}

// result maps a frame back to what RunProcess would have returned for task.
func (r *workerResponse) result(task *CommandTask) (*ProcessOutput, error) {
	switch r.exitCode {
	case ExitCodeTimedOut:
		return nil, NewTimeoutError(task.Timeout())
	case ExitCodeWorkerFailure:
		return nil, NewIOError("worker: "+string(r.stderr), nil)
	}
	return &ProcessOutput{ExitCode: r.exitCode, Stdout: r.stdout, Stderr: r.stderr}, nil
}

// ReadResponse reads exactly one response frame without interpreting the
// reserved exit codes. Framing violations are reported as ErrKindChild
// errors; transport failures as ErrKindIO.
func ReadResponse(r *bufio.Reader) (*ProcessOutput, error) {
	resp, err := readResponse(r)
	if err != nil {
		return nil, err
	}
	return &ProcessOutput{ExitCode: resp.exitCode, Stdout: resp.stdout, Stderr: resp.stderr}, nil
}

func readResponse(r *bufio.Reader) (*workerResponse, error) {
	code, err := readIntField(r, "exit_code")
	if err != nil {
		return nil, err
	}
	stdout, err := readPayload(r, "stdout", '\t')
	if err != nil {
		return nil, err
	}
	stderr, err := readPayload(r, "stderr", '\n')
	if err != nil {
		return nil, err
	}
	return &workerResponse{exitCode: code, stdout: stdout, stderr: stderr}, nil
}

func readIntField(r *bufio.Reader, name string) (int, error) {
	s, err := r.ReadString('\t')
	if err != nil {
		return 0, transportError("read "+name, err)
	}
	v, err := strconv.Atoi(strings.TrimSuffix(s, "\t"))
	if err != nil {
		return 0, NewChildError("malformed response: non-numeric "+name, err)
	}
	return v, nil
}

// readPayload reads "<len>\t<bytes><term>".
func readPayload(r *bufio.Reader, name string, term byte) ([]byte, error) {
	n, err := readIntField(r, name+"_len")
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxPayloadLen {
		return nil, NewChildError(fmt.Sprintf("malformed response: %s_len %d out of range", name, n), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, transportError("read "+name, err)
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, transportError("read "+name+" terminator", err)
	}
	if b != term {
		return nil, NewChildError(fmt.Sprintf("malformed response: %s not followed by %q", name, term), nil)
	}
	return buf, nil
}

// transportError classifies a read failure: a stream that ends mid-frame is
// a child problem (the worker died), anything else is plain I/O.
func transportError(msg string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewChildError("worker closed stdout: "+msg, err)
	}
	return NewIOError(msg, err)
}

// ServeWorker runs the resident worker loop: one request line in, one
// response frame out, until r reaches EOF. SIGTERM kills the command in
// flight and ends the loop; ResidentPool sends it when a worker is retired.
func ServeWorker(r io.Reader, w io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	return ServeWorkerContext(ctx, r, w)
}

type requestLine struct {
	line string
	err  error
}

// ServeWorkerContext is ServeWorker ending when ctx is done. The running
// command is killed and its response is not written.
func ServeWorkerContext(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan requestLine)
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			select {
			case lines <- requestLine{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	bw := bufio.NewWriter(w)
	for {
		var req requestLine
		select {
		case <-ctx.Done():
			return nil
		case req = <-lines:
		}
		if req.err != nil && !errors.Is(req.err, io.EOF) {
			return req.err
		}

		if strings.TrimRight(req.line, "\r\n") != "" {
			task, err := DecodeRequest(req.line)
			var out *ProcessOutput
			if err == nil {
				out, err = RunProcessContext(ctx, task)
			}
			if ctx.Err() != nil {
				return nil
			}
			if werr := WriteResponse(bw, out, err); werr != nil {
				return werr
			}
			if werr := bw.Flush(); werr != nil {
				return werr
			}
		}

		if req.err != nil {
			return nil
		}
	}
}
