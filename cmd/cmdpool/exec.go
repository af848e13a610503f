package main

import (
	"fmt"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/spf13/cobra"
)

type execFlags struct {
	mode    string
	timeout time.Duration
	dir     string
}

func newExecCmd(global *globalFlags) *cobra.Command {
	flags := &execFlags{}

	cmd := &cobra.Command{
		Use:   "exec [flags] -- program [args...]",
		Short: "Run one command through an execution backend",
		Long: "Run one command through the selected backend, print its output and\n" +
			"exit with its exit status.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, global, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", "process", "backend: process, thread_pool, process_pool or inline")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", core.DefaultTaskTimeout, "kill the command after this long; 0 disables")
	cmd.Flags().StringVar(&flags.dir, "dir", "", "working directory")
	return cmd
}

func runExec(cmd *cobra.Command, global *globalFlags, flags *execFlags, args []string) error {
	logger, err := global.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	mode, err := core.ParseExecutionMode(flags.mode)
	if err != nil {
		return err
	}

	backend, err := core.NewBackend(
		core.BackendConfig{Mode: mode, Workers: 1},
		core.WithBackendName("exec"),
		core.WithResidentPoolOptions(core.WithWorkerLogger(logger)),
	)
	if err != nil {
		return err
	}
	if err := backend.Start(); err != nil {
		return err
	}
	defer func() {
		if err := backend.Stop(); err != nil {
			logger.Warn("backend stop failed", core.F("error", err.Error()))
		}
	}()

	task := applyTimeout(core.NewCommandTask(args[0], args[1:]...), flags.timeout)
	if flags.dir != "" {
		task = task.WithWorkingDir(flags.dir)
	}

	logger.Debug("executing", core.F("mode", mode.String()), core.F("command", task.String()))
	out, err := backend.Execute(task)
	if err != nil {
		return fmt.Errorf("execute %q: %w", task.String(), err)
	}
	writeOutput(cmd, out)
	return exitStatus(out)
}
