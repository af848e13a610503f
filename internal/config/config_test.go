package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleYAML = `
pool:
  name: builds
  mode: process-pool
  workers: 4
  pool_size: 2
  concurrency_limit: 3
  queue_capacity: 64
  interval: 25ms
  history: 50
log:
  level: debug
tasks:
  - program: echo
    args: [hello, world]
  - program: make
    args: [test]
    working_dir: /src
    timeout: 2m
    delay: 1s
  - program: tail
    args: [-f, /var/log/syslog]
    timeout: none
`

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "pool.yaml", sampleYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "builds", cfg.Pool.Name)
	assert.Equal(t, 4, cfg.Pool.Workers)
	require.Len(t, cfg.Tasks, 3)
	assert.Equal(t, []string{"hello", "world"}, cfg.Tasks[0].Args)

	backend, err := cfg.ToBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, core.ModeProcessPool, backend.Mode)
	assert.Equal(t, 4, backend.Workers)
	assert.Equal(t, 2, backend.EffectivePoolSize())
	assert.Equal(t, 3, backend.ConcurrencyLimit)

	interval, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, interval)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, core.LevelDebug, level)
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "pool.json", `{
  "pool": {"mode": "thread_pool", "workers": 2, "lock_free": true},
  "tasks": [{"program": "true"}]
}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	backend, err := cfg.ToBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, core.ModeThreadPool, backend.Mode)
	assert.True(t, cfg.Pool.LockFree)
	assert.Len(t, cfg.PoolOptions(), 1)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeFile(t, "pool.toml", "x = 1"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = LoadFile(writeFile(t, "bad.yaml", "pool: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse YAML")

	_, err = LoadFile(writeFile(t, "bad.json", "{"))
	assert.ErrorContains(t, err, "failed to parse JSON")
}

func TestToTasks(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "pool.yml", sampleYAML))
	require.NoError(t, err)

	tasks, err := cfg.ToTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, "echo hello world", tasks[0].Task.String())
	assert.Equal(t, core.DefaultTaskTimeout, tasks[0].Task.Timeout())
	assert.Zero(t, tasks[0].Delay)

	assert.Equal(t, "/src", tasks[1].Task.WorkingDir())
	assert.Equal(t, 2*time.Minute, tasks[1].Task.Timeout())
	assert.Equal(t, time.Second, tasks[1].Delay)

	assert.False(t, tasks[2].Task.HasTimeout())
	assert.NotEqual(t, tasks[0].Task.ID(), tasks[1].Task.ID())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := &FileConfig{
		Pool: PoolConfig{Mode: "fork-bomb", Workers: -1, Interval: "soon"},
		Log:  LogConfig{Level: "chatty"},
		Tasks: []TaskConfig{
			{Program: " "},
			{Program: "sleep", Timeout: "-1s", Delay: "-5s"},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	for _, want := range []string{
		"pool.mode",
		"pool.workers",
		"pool.interval",
		"log.level",
		"tasks[0].program",
		"tasks[1].timeout",
		"tasks[1].delay",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestToBackendConfig_Defaults(t *testing.T) {
	cfg := &FileConfig{}

	backend, err := cfg.ToBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultBackendConfig(), backend)

	interval, err := cfg.PollInterval()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultPollInterval, interval)
	assert.Empty(t, cfg.PoolOptions())
}
