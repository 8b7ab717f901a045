//go:build unix

package gateway

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in a fresh process group so a deadline kill
// also reaches anything the worker spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the worker's whole process group, falling back
// to the leader alone if the group is already gone.
func killGroup(p *process) error {
	pid := p.pid()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, errProcessDone) {
			return kerr
		}
		return nil
	}
	return err
}

// exitSignal names the signal that terminated the worker, if any.
func exitSignal(p *process) string {
	if p.cmd.ProcessState == nil {
		return ""
	}
	ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
