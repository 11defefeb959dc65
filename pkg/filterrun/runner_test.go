// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/filterrun/pipewire"
	"diamond.io/diamond/pkg/object"
)

// pipePair wires two io.Pipe halves together so a fake filter process can
// live entirely in-memory, the way drpcwire's split_recv_test.go does.
type pipePair struct {
	io.Reader
	io.Writer
}

func (pipePair) Close() error { return nil }

func newEngineAndChildConns() (engine pipePair, child pipePair) {
	childStdin, engineW := io.Pipe()  // engine writes, child reads
	engineR, childStdout := io.Pipe() // child writes, engine reads
	return pipePair{Reader: engineR, Writer: engineW}, pipePair{Reader: childStdin, Writer: childStdout}
}

// fakeFilter drives the child side of the protocol for a test, doing
// whatever the given script function describes.
func fakeFilter(t *testing.T, child pipePair, script func(w *pipewire.Writer, r *pipewire.Reader)) {
	t.Helper()
	w := pipewire.NewWriter(child)
	r := pipewire.NewReader(child)
	go script(w, r)
}

func alwaysPassSpec(name string) *filterrun.Spec {
	return &filterrun.Spec{
		Name:       name,
		ModuleSig:  diamond.SignBytes([]byte(name)),
		InitSymbol: "f_init", EvalSymbol: "f_eval", FiniSymbol: "f_fini",
		Threshold: 1,
	}
}

func spawnerFor(engine pipePair) filterrun.Spawner {
	return func(ctx context.Context) (filterrun.ProcessIO, <-chan error, error) {
		exited := make(chan error)
		return engine, exited, nil
	}
}

func TestRunner_HandshakeAndEval_Pass(t *testing.T) {
	engine, child := newEngineAndChildConns()
	spec := alwaysPassSpec("f_has_red")

	fakeFilter(t, child, func(w *pipewire.Writer, r *pipewire.Reader) {
		// handshake
		_, _, _ = r.ReadString() // module sig
		_, _, _ = r.ReadString() // init symbol
		_, _, _ = r.ReadString() // eval symbol
		_, _, _ = r.ReadString() // fini symbol
		_, _ = r.ReadStringList()
		_, _, _, _ = r.ReadFrame() // blob
		_, _, _ = r.ReadString()   // filter name
		_ = w.WriteTag(filterrun.TagFunctionsResolved)
		_ = w.WriteTag(filterrun.TagInitSuccess)

		_, _ = r.ReadTag() // "eval" cue

		// eval: read an attribute, write one, then pass.
		_ = w.WriteTag(filterrun.TagGetAttribute)
		_ = w.WriteString("")
		_, _, _ = r.ReadString() // body bytes back (ignored in this test)

		_ = w.WriteTag(filterrun.TagSetAttribute)
		_ = w.WriteString("has_red")
		_ = w.WriteString("true")

		_ = w.WriteTag(filterrun.TagResult)
		_ = w.WriteDouble(1)
	})

	log := zaptest.NewLogger(t)
	runner := filterrun.NewRunner(log, spec, spawnerFor(engine))
	require.NoError(t, runner.Start(context.Background()))

	obj := object.New(diamond.SignBytes([]byte("RED-CIRCLE")))
	obj.WriteAttr("", []byte("RED-CIRCLE"))

	result, err := runner.Eval(context.Background(), obj, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), result.Verdict)
	assert.True(t, spec.PassesThreshold(result.Verdict))
	assert.Equal(t, 1, result.Input.Len())
	assert.Equal(t, 1, result.Output.Len())
}

func TestRunner_Eval_CrashIsContained(t *testing.T) {
	engine, child := newEngineAndChildConns()
	spec := alwaysPassSpec("f_bomb")

	fakeFilter(t, child, func(w *pipewire.Writer, r *pipewire.Reader) {
		_, _, _ = r.ReadString()
		_, _, _ = r.ReadString()
		_, _, _ = r.ReadString()
		_, _, _ = r.ReadString()
		_, _ = r.ReadStringList()
		_, _, _, _ = r.ReadFrame()
		_, _, _ = r.ReadString()
		_ = w.WriteTag(filterrun.TagFunctionsResolved)
		_ = w.WriteTag(filterrun.TagInitSuccess)

		_, _ = r.ReadTag() // "eval" cue

		// simulate abort(): close the child side mid-eval.
		_ = child.Writer.(io.Closer).Close()
	})

	log := zaptest.NewLogger(t)
	runner := filterrun.NewRunner(log, spec, spawnerFor(engine))
	require.NoError(t, runner.Start(context.Background()))

	obj := object.New(diamond.SignBytes([]byte("obj")))
	_, err := runner.Eval(context.Background(), obj, nil)
	assert.Error(t, err)
	assert.True(t, runner.Faulted(), "a crash mid-eval must fault the runner so it is not reused")
}
