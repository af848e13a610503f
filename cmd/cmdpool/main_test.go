package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary serve as the resident worker for process_pool runs.
func TestMain(m *testing.M) {
	if core.IsWorkerInvocation(os.Args) {
		os.Exit(runWorker(os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX command line tools")
	}
}

func run(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestExec_PrintsOutput(t *testing.T) {
	requirePosix(t)

	for _, mode := range []string{"process", "thread_pool", "inline", "process-pool"} {
		t.Run(mode, func(t *testing.T) {
			code, stdout, stderr := run("exec", "--mode", mode, "--", "echo", "hello")
			assert.Equal(t, 0, code, stderr)
			assert.Equal(t, "hello\n", stdout)
		})
	}
}

func TestExec_PropagatesExitCode(t *testing.T) {
	requirePosix(t)

	code, stdout, stderr := run("exec", "--", "sh", "-c", "echo out; echo err >&2; exit 3")

	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
}

func TestExec_Timeout(t *testing.T) {
	requirePosix(t)

	start := time.Now()
	code, _, stderr := run("exec", "--timeout", "100ms", "--", "sleep", "5")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExec_WorkingDir(t *testing.T) {
	requirePosix(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), nil, 0o644))

	code, stdout, stderr := run("exec", "--dir", dir, "--", "ls")

	assert.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "marker.txt")
}

func TestExec_Errors(t *testing.T) {
	code, _, stderr := run("exec", "--mode", "teleport", "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown execution mode")

	code, _, stderr = run("exec", "--", "/nonexistent/binary")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")

	code, _, _ = run("exec")
	assert.Equal(t, 1, code)
}

func TestPipe(t *testing.T) {
	requirePosix(t)

	code, stdout, stderr := run("pipe", "--", "echo", "hello", "|", "tr", "a-z", "A-Z", "|", "sed", "s/L/_/g")

	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "HE__O\n", stdout)
}

func TestPipe_StopsAtFailingStage(t *testing.T) {
	requirePosix(t)

	code, stdout, _ := run("pipe", "--", "sh", "-c", "echo partial; exit 4", "|", "tr", "a-z", "A-Z")

	assert.Equal(t, 4, code)
	assert.Equal(t, "partial\n", stdout)
}

func TestParsePipeline(t *testing.T) {
	p, err := parsePipeline([]string{"a", "1", "|", "b", "|", "c", "2", "3"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "a 1 | b | c 2 3", p.String())
	for _, s := range p.Stages() {
		assert.False(t, s.Task().HasTimeout())
	}

	_, err = parsePipeline([]string{"a", "|", "|", "b"}, time.Second)
	assert.ErrorContains(t, err, "empty pipeline stage")

	_, err = parsePipeline([]string{"a", "|"}, time.Second)
	assert.Error(t, err)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRun_Config(t *testing.T) {
	requirePosix(t)
	path := writeConfig(t, `
pool:
  name: ci
  mode: thread_pool
  workers: 2
  concurrency_limit: 2
  interval: 2ms
tasks:
  - program: echo
    args: [one]
  - program: sh
    args: [-c, "exit 2"]
  - program: echo
    args: [delayed]
    delay: 20ms
`)

	code, stdout, stderr := run("run", "--config", path)

	assert.Equal(t, 1, code, stderr)
	assert.Contains(t, stdout, "ok    echo one")
	assert.Contains(t, stdout, "FAIL  sh -c exit 2")
	assert.Contains(t, stdout, "ok    echo delayed")
	assert.Contains(t, stdout, "3 tasks: 2 ok, 1 failed")
}

func TestRun_ProcessPoolConfig(t *testing.T) {
	requirePosix(t)
	path := writeConfig(t, `
pool:
  mode: process_pool
  workers: 2
  pool_size: 1
tasks:
  - program: echo
    args: [a]
  - program: echo
    args: [b]
`)

	code, stdout, stderr := run("run", "-c", path)

	assert.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "2 tasks: 2 ok, 0 failed")
}

func TestRun_ServesMetrics(t *testing.T) {
	requirePosix(t)
	path := writeConfig(t, `
pool:
  name: metered
  workers: 1
tasks:
  - program: "true"
`)
	addr := freeAddr(t)

	done := make(chan int, 1)
	go func() {
		code, _, _ := run("run", "--config", path, "--metrics-addr", addr, "--linger", "2s")
		done <- code
	}()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return strings.Contains(body, `cmdpool_task_duration_seconds_count{mode="process",pool="metered"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "cmdpool_pool_workers")

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not exit after linger")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "pool:\n  mode: nope\n")

	code, _, stderr := run("run", "--config", path)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "pool.mode")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "cmdpool version "+version+"\n", stdout)
}

func TestRunWorker_ServesProtocol(t *testing.T) {
	requirePosix(t)
	var out, errOut bytes.Buffer
	in := strings.NewReader(core.EncodeRequest(core.NewCommandTask("echo", "via-worker")))

	code := runWorker(in, &out, &errOut)

	require.Equal(t, 0, code, errOut.String())
	resp, err := core.ReadResponse(bufio.NewReader(&out))
	require.NoError(t, err)
	assert.Equal(t, "via-worker\n", string(resp.Stdout))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
