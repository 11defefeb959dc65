// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/filterrun/pipewire"
)

// AttrHost is the subset of object.Object the runner needs to service a
// filter's get-attribute/set-attribute/omit-attribute requests (§4.D
// step 3). object.Object satisfies this interface structurally.
type AttrHost interface {
	ReadAttr(name string) ([]byte, diamond.Signature, bool)
	WriteAttr(name string, value []byte) diamond.Signature
	OmitAttr(name string) bool
}

// SessionHost is the session-variable dictionary shared across filters in
// a search (§4.H session_variables_get/set), consulted during eval via
// get-session-variables/update-session-variables.
type SessionHost interface {
	GetSessionVariables(names []string) []float64
	UpdateSessionVariables(names []string, values []float64)
}

// ProcessIO is the bidirectional byte stream to a filter subprocess: the
// child's remapped stdin/stdout carrying the pipewire protocol.
type ProcessIO interface {
	io.Reader
	io.Writer
	io.Closer
}

// Spawner launches the generic filter-runner subprocess, returning its
// protocol stream and a channel that receives the process's exit error
// (nil on clean exit).
type Spawner func(ctx context.Context) (ProcessIO, <-chan error, error)

// Runner manages one filter subprocess (§4.D). A faulted Runner is never
// reused: Pool.Get spawns a fresh one on the filter's next use, so a
// filter whose runner crashed is run again for later objects of the same
// search; it is not bypassed.
type Runner struct {
	log   *zap.Logger
	spec  *Spec
	spawn Spawner

	mu      sync.Mutex
	conn    ProcessIO
	exited  <-chan error
	w       *pipewire.Writer
	r       *pipewire.Reader
	faulted bool
}

// NewRunner creates a Runner for spec, using spawn to launch the child
// process on first use.
func NewRunner(log *zap.Logger, spec *Spec, spawn Spawner) *Runner {
	return &Runner{
		log:   log.Named("filterrun").With(zap.String("filter", spec.Name)),
		spec:  spec,
		spawn: spawn,
	}
}

// Faulted reports whether this runner has failed and must not be reused.
func (r *Runner) Faulted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faulted
}

// Start launches the child, performs the handshake, and invokes init.
// Per §4.D and §7, a child exit before init-success fails the whole
// search start.
func (r *Runner) Start(ctx context.Context) error {
	conn, exited, err := r.spawn(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	r.mu.Lock()
	r.conn = conn
	r.exited = exited
	r.w = pipewire.NewWriter(conn)
	r.r = pipewire.NewReader(conn)
	r.mu.Unlock()

	if err := r.handshake(); err != nil {
		r.fault()
		return err
	}
	return nil
}

func (r *Runner) handshake() error {
	w, rd := r.w, r.r

	if err := w.WriteString(r.spec.ModuleSig.String()); err != nil {
		return err
	}
	if err := w.WriteString(r.spec.InitSymbol); err != nil {
		return err
	}
	if err := w.WriteString(r.spec.EvalSymbol); err != nil {
		return err
	}
	if err := w.WriteString(r.spec.FiniSymbol); err != nil {
		return err
	}
	if err := w.WriteStringList(r.spec.Args); err != nil {
		return err
	}
	if err := w.WriteBinary(r.spec.Blob); err != nil {
		return err
	}
	if err := w.WriteString(r.spec.Name); err != nil {
		return err
	}

	tag, err := rd.ReadTag()
	if err != nil {
		return Error.New("filter %q: exited before resolving functions: %v", r.spec.Name, err)
	}
	if tag != TagFunctionsResolved {
		return Error.New("filter %q: handshake failed, got %q", r.spec.Name, tag)
	}

	tag, err = rd.ReadTag()
	if err != nil {
		return Error.New("filter %q: exited before init: %v", r.spec.Name, err)
	}
	if tag != TagInitSuccess {
		return Error.New("filter %q: init failed, got %q", r.spec.Name, tag)
	}
	return nil
}

// Protocol tags exchanged over the pipewire connection (§4.D).
const (
	TagFunctionsResolved = "functions-resolved"
	TagInitSuccess       = "init-success"

	TagGetAttribute           = "get-attribute"
	TagSetAttribute           = "set-attribute"
	TagOmitAttribute          = "omit-attribute"
	TagLog                    = "log"
	TagStdout                 = "stdout"
	TagGetSessionVariables    = "get-session-variables"
	TagUpdateSessionVariables = "update-session-variables"
	TagResult                 = "result"
	TagFini                   = "fini"

	// TagEval is sent by the engine, not the child: a one-line cue ahead
	// of each round so the child's main loop can block on a single read
	// between objects and learn unambiguously whether to start the next
	// eval or to expect TagFini. The original implementation has no such
	// cue (lib_filter.c's lf_run_filter loops eval() unconditionally
	// forever and is simply killed); this addition is what makes a
	// race-free Fini possible over the same shared pipe.
	TagEval = "eval"
)

// EvalResult is the outcome of one filter evaluation.
type EvalResult struct {
	Verdict float64
	Input   diamond.AttrSigSet
	Output  diamond.AttrSigSet
}

// Eval runs the filter against one object, servicing its attribute and
// session-variable requests until it emits a result (§4.D step 3-4).
// A framing error or unexpected child exit is reported as a fault: per
// §7, the current object drops and this Runner must not be reused.
func (r *Runner) Eval(ctx context.Context, obj AttrHost, session SessionHost) (EvalResult, error) {
	if r.Faulted() {
		return EvalResult{}, Error.New("filter %q: runner already faulted", r.spec.Name)
	}

	if err := r.w.WriteTag(TagEval); err != nil {
		r.fault()
		return EvalResult{}, err
	}

	var inputs, outputs []diamond.AttrSigPair

	for {
		tag, err := r.r.ReadTag()
		if err != nil {
			r.fault()
			return EvalResult{}, Error.New("filter %q: eval aborted: %v", r.spec.Name, err)
		}

		switch tag {
		case TagGetAttribute:
			name, ok, err := r.r.ReadString()
			if err != nil || !ok {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed get-attribute", r.spec.Name)
			}
			value, sig, found := obj.ReadAttr(name)
			if found {
				inputs = append(inputs, diamond.AttrSigPair{Name: name, Sig: sig})
				if err := r.w.WriteBinary(value); err != nil {
					r.fault()
					return EvalResult{}, err
				}
			} else {
				if err := r.w.WriteEmpty(); err != nil {
					r.fault()
					return EvalResult{}, err
				}
			}

		case TagSetAttribute:
			name, ok, err := r.r.ReadString()
			if err != nil || !ok {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed set-attribute", r.spec.Name)
			}
			value, ok, _, err := r.r.ReadFrame()
			if err != nil || !ok {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed set-attribute value", r.spec.Name)
			}
			sig := obj.WriteAttr(name, value)
			outputs = append(outputs, diamond.AttrSigPair{Name: name, Sig: sig})

		case TagOmitAttribute:
			name, ok, err := r.r.ReadString()
			if err != nil || !ok {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed omit-attribute", r.spec.Name)
			}
			existed := obj.OmitAttr(name)
			if err := r.w.WriteString(boolToken(existed)); err != nil {
				r.fault()
				return EvalResult{}, err
			}

		case TagLog:
			level, _, err := r.r.ReadInt()
			if err != nil {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed log level", r.spec.Name)
			}
			msg, _, err := r.r.ReadString()
			if err != nil {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed log message", r.spec.Name)
			}
			r.log.Debug("filter log", zap.Int64("level", level), zap.String("msg", msg))

		case TagStdout:
			data, _, _, err := r.r.ReadFrame()
			if err != nil {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed stdout capture", r.spec.Name)
			}
			r.log.Debug("filter stdout", zap.ByteString("data", data))

		case TagGetSessionVariables:
			names, err := r.r.ReadStringList()
			if err != nil {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed get-session-variables", r.spec.Name)
			}
			var values []float64
			if session != nil {
				values = session.GetSessionVariables(names)
			} else {
				values = make([]float64, len(names))
			}
			for _, v := range values {
				if err := r.w.WriteDouble(v); err != nil {
					r.fault()
					return EvalResult{}, err
				}
			}
			if err := r.w.WriteBlank(); err != nil {
				r.fault()
				return EvalResult{}, err
			}

		case TagUpdateSessionVariables:
			names, err := r.r.ReadStringList()
			if err != nil {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed update-session-variables names", r.spec.Name)
			}
			values := make([]float64, 0, len(names))
			for range names {
				v, ok, err := r.r.ReadDouble()
				if err != nil || !ok {
					r.fault()
					return EvalResult{}, Error.New("filter %q: malformed update-session-variables value", r.spec.Name)
				}
				values = append(values, v)
			}
			if session != nil {
				session.UpdateSessionVariables(names, values)
			}

		case TagResult:
			verdict, ok, err := r.r.ReadDouble()
			if err != nil || !ok {
				r.fault()
				return EvalResult{}, Error.New("filter %q: malformed result", r.spec.Name)
			}
			return EvalResult{
				Verdict: verdict,
				Input:   diamond.NewAttrSigSet(inputs...),
				Output:  diamond.NewAttrSigSet(outputs...),
			}, nil

		default:
			r.fault()
			return EvalResult{}, Error.New("filter %q: unknown tag %q", r.spec.Name, tag)
		}
	}
}

func boolToken(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (r *Runner) fault() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faulted = true
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// Close tears down the runner's subprocess, ignoring fini (see DESIGN.md
// for the resolved "is fini called" open question).
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return Error.Wrap(r.conn.Close())
}

// Fini invokes the filter's fini entry point and waits for the child to
// exit cleanly. Resolves the open question in spec.md §9: fini is
// resolved at handshake time but was never called by the original
// implementation; this port calls it from Pool.CloseAll when a session
// closes (device_stop leaves runners running for the next search).
func (r *Runner) Fini(ctx context.Context) error {
	r.mu.Lock()
	faulted := r.faulted
	w := r.w
	r.mu.Unlock()

	if faulted || w == nil {
		return nil
	}
	if err := w.WriteTag(TagFini); err != nil {
		return err
	}

	select {
	case err := <-r.exited:
		return Error.Wrap(err)
	case <-ctx.Done():
		return Error.Wrap(ctx.Err())
	}
}

// PassesThreshold reports whether a verdict passes this filter (§4.G Pass
// gate): eval_result >= threshold.
func (s *Spec) PassesThreshold(verdict float64) bool {
	return verdict >= float64(s.Threshold)
}
