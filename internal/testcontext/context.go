// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package testcontext bundles the things most tests of this repo need: a
// cancelable context, a goroutine group checked at cleanup, and a
// per-test temporary directory.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

// Context extends context.Context with test helpers.
type Context struct {
	context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	test   testing.TB

	once      sync.Once
	directory string
}

// New creates a test context.
//
//	ctx := testcontext.New(t)
//	defer ctx.Cleanup()
func New(test testing.TB) *Context {
	base, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(base)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		group:   group,
		test:    test,
	}
}

// Go runs fn in a goroutine; Cleanup checks the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a subdirectory inside the test's temporary directory,
// creating it as needed.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		sanitized := strings.ReplaceAll(ctx.test.Name(), "/", "-")
		ctx.directory, err = os.MkdirTemp("", sanitized)
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0700); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a path inside the test's temporary directory. The parent
// directory is created; the file itself is not.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one path component")
	}
	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// WriteFile creates a file inside the test's temporary directory with the
// given contents and mode, and returns its path.
func (ctx *Context) WriteFile(name string, data []byte, mode os.FileMode) string {
	ctx.test.Helper()

	path := ctx.File(name)
	if err := os.WriteFile(path, data, mode); err != nil {
		ctx.test.Fatal(err)
	}
	return path
}

// Cancel cancels the context without waiting; Cleanup still must run.
func (ctx *Context) Cancel() { ctx.cancel() }

// Cleanup cancels the context, waits for the goroutine group and removes
// the temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	ctx.cancel()
	defer ctx.deleteTemporary()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
}
