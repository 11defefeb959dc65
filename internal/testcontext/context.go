// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testcontext implements a context that tracks goroutines spawned
// during a test and fails the test on timeout, leak, or a scratch
// directory that outlives the test.
package testcontext

import (
	"context"
	"go/build"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const defaultTimeout = 3 * time.Minute

// Context is a context.Context with test-scoped lifecycle management: a
// scratch directory and a goroutine group that reports errors back to the
// *testing.T.
type Context struct {
	context.Context

	t       *testing.T
	cancel  context.CancelFunc
	once    sync.Once
	dir     string
	wg      sync.WaitGroup
	mu      sync.Mutex
	errs    []error
	cleanup []func()
}

// New creates a new test context with a default timeout.
func New(t *testing.T) *Context {
	return NewWithTimeout(t, defaultTimeout)
}

// NewWithTimeout creates a new test context that cancels itself, and fails
// the test, if it is not cleaned up within timeout.
func NewWithTimeout(t *testing.T, timeout time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	dir, err := ioutil.TempDir("", "test")
	if err != nil {
		t.Fatal(err)
	}
	return &Context{
		Context: ctx,
		t:       t,
		cancel:  cancel,
		dir:     dir,
	}
}

// Go runs fn in a goroutine, recording any returned error so that Cleanup
// fails the test.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.mu.Lock()
			ctx.errs = append(ctx.errs, err)
			ctx.mu.Unlock()
		}
	}()
}

// Check runs fn and fails the test immediately if it returns an error.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.t.Fatal(err)
	}
}

// Wait blocks until every goroutine started with Go has returned, then
// fails the test if any of them returned an error.
func (ctx *Context) Wait() {
	done := make(chan struct{})
	go func() {
		ctx.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Context.Done():
		ctx.t.Fatal("context deadline exceeded waiting for goroutines")
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for _, err := range ctx.errs {
		ctx.t.Error(err)
	}
}

// Dir returns (creating if necessary) a subdirectory of the test's scratch
// directory, joining the given path elements.
func (ctx *Context) Dir(elem ...string) string {
	dir := filepath.Join(append([]string{ctx.dir}, elem...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.t.Fatal(err)
	}
	return dir
}

// File returns a path to a file inside the test's scratch directory,
// creating its parent directories as needed. It does not create the file.
func (ctx *Context) File(elem ...string) string {
	if len(elem) == 0 {
		ctx.t.Fatal("File requires at least one path element")
	}
	dir := ctx.Dir(elem[:len(elem)-1]...)
	return filepath.Join(dir, elem[len(elem)-1])
}

// Compile builds the given Go package into a temporary executable and
// returns its path.
func (ctx *Context) Compile(pkg string) string {
	pkginfo, err := build.Import(pkg, ".", build.FindOnly)
	if err != nil {
		ctx.t.Fatal(err)
	}

	exe := ctx.File("build", filepath.Base(pkginfo.ImportPath)+".exe")

	cmd := exec.Command("go", "build", "-o", exe, pkg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		ctx.t.Error(string(out))
		ctx.t.Fatal(err)
	}

	return exe
}

// AddCleanup registers fn to run when Cleanup is called, in LIFO order.
func (ctx *Context) AddCleanup(fn func()) {
	ctx.cleanup = append(ctx.cleanup, fn)
}

// Cleanup waits for all goroutines, runs registered cleanup functions,
// removes the scratch directory, and cancels the context.
func (ctx *Context) Cleanup() {
	ctx.once.Do(func() {
		ctx.Wait()
		for i := len(ctx.cleanup) - 1; i >= 0; i-- {
			ctx.cleanup[i]()
		}
		if err := os.RemoveAll(ctx.dir); err != nil {
			ctx.t.Error(err)
		}
		ctx.cancel()
	})
}
