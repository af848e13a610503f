package cmdpool

import "github.com/Swind/go-command-pool/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the cmdpool package for most use cases.

// CommandTask describes one external command.
type CommandTask = core.CommandTask

// TaskID identifies a CommandTask.
type TaskID = core.TaskID

// ProcessOutput is the exit status and captured output of a command.
type ProcessOutput = core.ProcessOutput

// CommandPool is the queue + workers + backend orchestrator.
type CommandPool = core.CommandPool

// TaskHandle is the pending result of a submitted task.
type TaskHandle = core.TaskHandle

// TaskStatus is the lifecycle state of a pushed task.
type TaskStatus = core.TaskStatus

// BackendConfig selects the execution strategy and its sizing.
type BackendConfig = core.BackendConfig

// ExecutionMode selects how tasks become processes.
type ExecutionMode = core.ExecutionMode

// Pipeline chains commands stdout to stdin.
type Pipeline = core.Pipeline

// PoolOption configures a CommandPool.
type PoolOption = core.PoolOption

// Execution modes
const (
	ModeProcess     = core.ModeProcess
	ModeThreadPool  = core.ModeThreadPool
	ModeProcessPool = core.ModeProcessPool
	ModeInline      = core.ModeInline
)

// Task statuses
const (
	TaskStatusPending   = core.TaskStatusPending
	TaskStatusRunning   = core.TaskStatusRunning
	TaskStatusCompleted = core.TaskStatusCompleted
	TaskStatusFailed    = core.TaskStatusFailed
)

// Constructors and helpers
var (
	NewCommandTask       = core.NewCommandTask
	NewCommandPool       = core.NewCommandPool
	NewPipeline          = core.NewPipeline
	DefaultBackendConfig = core.DefaultBackendConfig
	ParseExecutionMode   = core.ParseExecutionMode
	RunProcess           = core.RunProcess
	RunProcessContext    = core.RunProcessContext
	ExecutePipeline      = core.ExecutePipeline
	IsWorkerInvocation   = core.IsWorkerInvocation
	ServeWorker          = core.ServeWorker
	ServeWorkerContext   = core.ServeWorkerContext
	IsTimeout            = core.IsTimeout
)
