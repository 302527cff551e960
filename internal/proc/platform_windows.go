//go:build windows

package proc

import (
	"errors"
	"os"
	"os/exec"
)

func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func killGroup(pgid int) {}

func exitSignal(err *exec.ExitError) int { return 0 }
