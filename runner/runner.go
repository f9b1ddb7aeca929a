// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package runner executes the external geometry-conversion and slicing
// tools. It is the single place that knows about process trees, timeouts
// and output capture.
package runner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the runner package.
	Error = errs.Class("runner")
)

// Config bounds tool invocations.
type Config struct {
	ToolTimeout      time.Duration
	MaxOutputBytes   int64
	DebugCommandLogs bool
}

// Runner invokes external commands with a hard timeout and bounded
// output capture.
type Runner struct {
	log    *zap.Logger
	config Config
}

// New creates a runner. Zero config values fall back to a 10 minute
// timeout and 10 MiB capture per stream.
func New(log *zap.Logger, config Config) *Runner {
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 10 * time.Minute
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 10 << 20
	}
	return &Runner{log: log, config: config}
}

// ExecError describes a failed tool invocation. TimedOut distinguishes a
// process killed at the deadline from one that signaled failure itself.
type ExecError struct {
	Cmd      string
	Output   string
	TimedOut bool
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out: %s", e.Cmd)
	}
	return fmt.Sprintf("command failed: %s: %s", e.Cmd, e.Output)
}

// Run executes name with args and returns the captured output streams.
// On failure the returned error is an *ExecError carrying the command
// line and the merged error text (stderr, or stdout when stderr is empty).
func (r *Runner) Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	cmdline := strings.Join(append([]string{name}, args...), " ")
	if r.config.DebugCommandLogs {
		r.log.Info("running command", zap.String("cmd", cmdline))
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.ToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	outBuf := newBoundedBuffer(r.config.MaxOutputBytes)
	errBuf := newBoundedBuffer(r.config.MaxOutputBytes)
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf
	setProcessGroup(cmd)

	runErr := cmd.Run()
	if outBuf.truncated || errBuf.truncated {
		r.log.Warn("tool output truncated", zap.String("cmd", name),
			zap.Int64("limit", r.config.MaxOutputBytes))
	}
	if runErr == nil {
		return outBuf.Bytes(), errBuf.Bytes(), nil
	}

	timedOut := ctx.Err() == context.DeadlineExceeded
	output := strings.TrimSpace(errBuf.String())
	if output == "" {
		output = strings.TrimSpace(outBuf.String())
	}
	if output == "" {
		output = runErr.Error()
	}
	if timedOut {
		mon.Counter("tool_timeout").Inc(1)
	}
	return outBuf.Bytes(), errBuf.Bytes(), &ExecError{
		Cmd:      cmdline,
		Output:   output,
		TimedOut: timedOut,
	}
}

// boundedBuffer keeps at most limit bytes; extra writes are counted but
// dropped, and truncation is not an error.
type boundedBuffer struct {
	limit     int64
	data      []byte
	truncated bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

// Write implements io.Writer.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(len(b.data))
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.data = append(b.data, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns the captured output.
func (b *boundedBuffer) Bytes() []byte { return b.data }

// String returns the captured output as a string.
func (b *boundedBuffer) String() string { return string(b.data) }
