package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// TestDefaultLogger_LevelFiltering verifies messages below the minimum level are dropped
// Given: A DefaultLogger with minimum level WARN
// When: One message per level is logged
// Then: Only WARN and ERROR are written, with their fields
func TestDefaultLogger_LevelFiltering(t *testing.T) {
	// Arrange
	var buf bytes.Buffer
	logger := NewDefaultLoggerWithWriter(&buf, LevelWarn)

	// Act
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message", F("worker", 3))
	logger.Error("error message", F("pool", "p"), F("code", -1))

	// Assert
	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Fatalf("output %q contains filtered messages", out)
	}
	if !strings.Contains(out, "[WARN] warn message {worker: 3}") {
		t.Errorf("output %q missing warn line", out)
	}
	if !strings.Contains(out, "[ERROR] error message {pool: p, code: -1}") {
		t.Errorf("output %q missing error line", out)
	}
}

// TestParseLogLevel verifies level names
func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": LevelDebug, "": LevelInfo, "INFO": LevelInfo, "warning": LevelWarn, "Error": LevelError}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel(verbose) should fail")
	}
}

// TestRetryPolicy_CalculateDelay verifies exponential backoff with a cap
func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffRatio: 2}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for attempt, w := range want {
		if got := p.calculateDelay(attempt); got != w {
			t.Errorf("calculateDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
	if NoRetry().calculateDelay(3) != 0 {
		t.Error("NoRetry should not delay")
	}
}

// TestRetryPolicy_Do verifies attempts stop on success or exhaustion
func TestRetryPolicy_Do(t *testing.T) {
	// Arrange
	p := RetryPolicy{MaxRetries: 2, BackoffRatio: 1}
	boom := errors.New("boom")

	// Act - always failing
	calls := 0
	err := p.do(func() error { calls++; return boom })

	// Assert
	if !errors.Is(err, boom) || calls != 3 {
		t.Fatalf("do() = %v after %d calls, want boom after 3", err, calls)
	}

	// Act - succeeds on the second attempt
	calls = 0
	err = p.do(func() error {
		calls++
		if calls < 2 {
			return boom
		}
		return nil
	})

	// Assert
	if err != nil || calls != 2 {
		t.Fatalf("do() = %v after %d calls, want nil after 2", err, calls)
	}
}
