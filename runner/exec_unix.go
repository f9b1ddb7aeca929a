// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup makes the child the leader of a new process group and
// kills the whole group on cancel. Slicer GUI libraries are known to fork
// helpers that would otherwise survive a timeout as orphans.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}
