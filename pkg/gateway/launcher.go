package gateway

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

var (
	errEmptyCommand = errors.New("empty command")
	errProcessDone  = os.ErrProcessDone
)

// process is a started worker together with the gateway's ends of its
// standard streams.
type process struct {
	cmd *exec.Cmd

	stdin  *os.File // write end, owned by the feeder
	stdout *os.File // read end, owned by the collector
	stderr *os.File // read end, owned by the collector
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// launch starts spec as a child process in its own process group.
//
// The streams are plain OS pipes handed to the child as file descriptors,
// so exec.Cmd spawns no copying goroutines and Wait never touches the read
// ends. That lets the exit wait run concurrently with draining and lets the
// supervisor cut collection off independently of process exit.
func launch(spec JobSpec) (*process, error) {
	if spec.Command == "" {
		return nil, errEmptyCommand
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func(name string) (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create %s pipe: %w", name, err)
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := pipe("stdin")
	if err != nil {
		closeAll()
		return nil, err
	}
	stdoutR, stdoutW, err := pipe("stdout")
	if err != nil {
		closeAll()
		return nil, err
	}
	stderrR, stderrW, err := pipe("stderr")
	if err != nil {
		closeAll()
		return nil, err
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, err
	}

	// The child holds its own copies now. Keeping ours open would stop the
	// read ends from ever seeing EOF.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	return &process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}
