// Package config loads command pool configuration files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Swind/go-command-pool/core"

	"gopkg.in/yaml.v3"
)

// FileConfig is the layout of a YAML or JSON configuration file.
type FileConfig struct {
	Pool  PoolConfig   `yaml:"pool" json:"pool"`
	Log   LogConfig    `yaml:"log" json:"log"`
	Tasks []TaskConfig `yaml:"tasks" json:"tasks"`
}

// PoolConfig configures the CommandPool and its backend.
type PoolConfig struct {
	Name             string `yaml:"name" json:"name"`
	Mode             string `yaml:"mode" json:"mode"`
	Workers          int    `yaml:"workers" json:"workers"`
	PoolSize         int    `yaml:"pool_size" json:"pool_size"`
	ConcurrencyLimit int    `yaml:"concurrency_limit" json:"concurrency_limit"`
	QueueCapacity    int    `yaml:"queue_capacity" json:"queue_capacity"`
	LockFree         bool   `yaml:"lock_free" json:"lock_free"`
	Interval         string `yaml:"interval" json:"interval"`
	History          int    `yaml:"history" json:"history"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// TaskConfig describes one command to queue.
type TaskConfig struct {
	Program    string   `yaml:"program" json:"program"`
	Args       []string `yaml:"args" json:"args"`
	WorkingDir string   `yaml:"working_dir" json:"working_dir"`

	// Timeout is a duration string. Empty keeps the default; "0" or "none"
	// lets the command run forever.
	Timeout string `yaml:"timeout" json:"timeout"`

	// Delay postpones queueing the task.
	Delay string `yaml:"delay" json:"delay"`
}

// LoadFile reads path and decodes it by extension.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// Validate checks ranges and that every duration and name parses.
func (f *FileConfig) Validate() error {
	p := f.Pool
	var errs []error

	if _, err := core.ParseExecutionMode(p.Mode); err != nil {
		errs = append(errs, fmt.Errorf("pool.mode: %w", err))
	}
	if p.Workers < 0 {
		errs = append(errs, errors.New("pool.workers must be non-negative"))
	}
	if p.PoolSize < 0 {
		errs = append(errs, errors.New("pool.pool_size must be non-negative"))
	}
	if p.ConcurrencyLimit < 0 {
		errs = append(errs, errors.New("pool.concurrency_limit must be non-negative"))
	}
	if p.QueueCapacity < 0 {
		errs = append(errs, errors.New("pool.queue_capacity must be non-negative"))
	}
	if p.History < 0 {
		errs = append(errs, errors.New("pool.history must be non-negative"))
	}
	if _, err := parseDuration(p.Interval); err != nil {
		errs = append(errs, fmt.Errorf("pool.interval: %w", err))
	}
	if _, err := core.ParseLogLevel(f.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	for i, t := range f.Tasks {
		if strings.TrimSpace(t.Program) == "" {
			errs = append(errs, fmt.Errorf("tasks[%d].program is required", i))
		}
		if _, err := parseTimeout(t.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d].timeout: %w", i, err))
		}
		if d, err := parseDuration(t.Delay); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d].delay: %w", i, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("tasks[%d].delay must be non-negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ToBackendConfig converts the pool section. Unset sizes fall back to
// core.DefaultBackendConfig.
func (f *FileConfig) ToBackendConfig() (core.BackendConfig, error) {
	cfg := core.DefaultBackendConfig()

	mode, err := core.ParseExecutionMode(f.Pool.Mode)
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	if f.Pool.Workers > 0 {
		cfg.Workers = f.Pool.Workers
	}
	cfg.PoolSize = f.Pool.PoolSize
	cfg.ConcurrencyLimit = f.Pool.ConcurrencyLimit

	return cfg, cfg.Validate()
}

// PoolOptions returns the CommandPool options the file selects.
func (f *FileConfig) PoolOptions() []core.PoolOption {
	var opts []core.PoolOption
	if f.Pool.Name != "" {
		opts = append(opts, core.WithName(f.Pool.Name))
	}
	if f.Pool.LockFree {
		opts = append(opts, core.WithLockFreeQueue())
	} else if f.Pool.QueueCapacity > 0 {
		opts = append(opts, core.WithQueueCapacity(f.Pool.QueueCapacity))
	}
	if f.Pool.History > 0 {
		opts = append(opts, core.WithHistoryCapacity(f.Pool.History))
	}
	return opts
}

// PollInterval returns the worker poll interval, core.DefaultPollInterval when unset.
func (f *FileConfig) PollInterval() (time.Duration, error) {
	d, err := parseDuration(f.Pool.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid pool interval: %w", err)
	}
	if d <= 0 {
		return core.DefaultPollInterval, nil
	}
	return d, nil
}

// LogLevel returns the configured level, info when unset.
func (f *FileConfig) LogLevel() (core.LogLevel, error) {
	return core.ParseLogLevel(f.Log.Level)
}

// ScheduledTask is a task together with the delay before it is queued.
type ScheduledTask struct {
	Task  *core.CommandTask
	Delay time.Duration
}

// ToTasks builds the configured tasks in file order.
func (f *FileConfig) ToTasks() ([]ScheduledTask, error) {
	tasks := make([]ScheduledTask, 0, len(f.Tasks))
	for i, tc := range f.Tasks {
		task := core.NewCommandTask(tc.Program, tc.Args...)
		if tc.WorkingDir != "" {
			task = task.WithWorkingDir(tc.WorkingDir)
		}

		timeout, err := parseTimeout(tc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: invalid timeout: %w", i, err)
		}
		if timeout != nil {
			task = task.WithTimeout(*timeout)
		}

		delay, err := parseDuration(tc.Delay)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: invalid delay: %w", i, err)
		}
		tasks = append(tasks, ScheduledTask{Task: task, Delay: delay})
	}
	return tasks, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// parseTimeout returns nil for an unset timeout so the task default applies.
func parseTimeout(s string) (*time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return nil, nil
	case "none", "0":
		zero := time.Duration(0)
		return &zero, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("negative timeout %s", s)
	}
	return &d, nil
}
