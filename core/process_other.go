//go:build !unix

package core

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// configureKill keeps the CommandContext default of killing the direct child.
func configureKill(cmd *exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}
