package main

import (
	"fmt"
	"io"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel string
}

func (g *globalFlags) logger(w io.Writer) (core.Logger, error) {
	level, err := core.ParseLogLevel(g.logLevel)
	if err != nil {
		return nil, err
	}
	return core.NewDefaultLoggerWithWriter(w, level), nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "cmdpool",
		Short:         "cmdpool - run external commands through a bounded worker pool",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		newExecCmd(flags),
		newPipeCmd(flags),
		newRunCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of cmdpool",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cmdpool version %s\n", version)
			},
		},
	)
	return root
}

// applyTimeout sets timeout on task; zero disables it.
func applyTimeout(task *core.CommandTask, timeout time.Duration) *core.CommandTask {
	if timeout <= 0 {
		return task.WithoutTimeout()
	}
	return task.WithTimeout(timeout)
}

// writeOutput copies a finished command's streams to the command's writers.
func writeOutput(cmd *cobra.Command, out *core.ProcessOutput) {
	if out == nil {
		return
	}
	_, _ = cmd.OutOrStdout().Write(out.Stdout)
	_, _ = cmd.ErrOrStderr().Write(out.Stderr)
}

// exitStatus turns a non-zero child exit code into an exitError.
func exitStatus(out *core.ProcessOutput) error {
	if out == nil || out.Success() {
		return nil
	}
	code := out.ExitCode
	if code <= 0 || code > 255 {
		// Signals and reserved protocol codes have no portable exit status.
		code = 1
	}
	return &exitError{code: code}
}
