// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// execProcess is the production Process: an os/exec child in its own
// session, so signals can target the whole process group.
type execProcess struct {
	cmd *exec.Cmd
}

// Spawn is the production SpawnFunc. The child runs in a new session
// under the Spec's UID.
func Spawn(spec Spec) (Process, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("empty argument vector")
	}
	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if spec.UID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: spec.UID,
			Gid: spec.UID,
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Args[0], err)
	}
	return &execProcess{cmd: cmd}, nil
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() int {
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return ExitCodeCantExec
}

// Signal targets the process group so browser helpers die with the
// browser.
func (p *execProcess) Signal(sig unix.Signal) error {
	return unix.Kill(-p.cmd.Process.Pid, sig)
}
