// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

//go:build windows

package runner

import (
	"os/exec"
	"time"
)

// setProcessGroup is a no-op on windows; CommandContext's default kill
// applies to the process only.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}
