package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-command-pool/core"
	"github.com/spf13/cobra"
)

// pipeSeparator splits stages on the command line. It must be quoted so
// the shell passes it through.
const pipeSeparator = "|"

func newPipeCmd(global *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pipe [flags] -- cmd1 [args...] '|' cmd2 [args...]",
		Short: "Run commands as a pipeline, feeding each stdout to the next stdin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := global.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			pipeline, err := parsePipeline(args, timeout)
			if err != nil {
				return err
			}

			logger.Debug("executing pipeline", core.F("pipeline", pipeline.String()))
			out, err := core.ExecutePipeline(pipeline)
			if err != nil {
				return fmt.Errorf("pipeline %q: %w", pipeline.String(), err)
			}
			writeOutput(cmd, out)
			return exitStatus(out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", core.DefaultTaskTimeout, "per-stage timeout; 0 disables")
	return cmd
}

// parsePipeline builds a pipeline from args split on pipeSeparator.
func parsePipeline(args []string, timeout time.Duration) (*core.Pipeline, error) {
	pipeline := core.NewPipeline()
	var stage []string

	flush := func() error {
		if len(stage) == 0 {
			return errors.New("empty pipeline stage")
		}
		pipeline.Pipe(applyTimeout(core.NewCommandTask(stage[0], stage[1:]...), timeout))
		stage = nil
		return nil
	}

	for _, arg := range args {
		if arg == pipeSeparator {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		stage = append(stage, arg)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pipeline, nil
}
