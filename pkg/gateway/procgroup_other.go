//go:build !unix

package gateway

import (
	"errors"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// killGroup only reaches the leader on platforms without process groups.
func killGroup(p *process) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, errProcessDone) {
		return err
	}
	return nil
}

func exitSignal(p *process) string {
	return ""
}
