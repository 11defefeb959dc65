// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filterapi defines the contract a compiled filter module (a Go
// plugin, built with `go build -buildmode=plugin`) must export under the
// INIT_FUNCTION/EVAL_FUNCTION/FINI_FUNCTION symbol names named by its spec
// record (§3, §6). It is the Go-native analogue of the C filter API's
// filter_init_proto/filter_eval_proto/lf_run_filter conventions
// (original_source/libfilter/lib_filter.h).
package filterapi

// Host is implemented by cmd/filter-runner and passed to EvalFunc; its
// methods mirror the per-object calls the C API exposes through
// lf_read_attr/lf_write_attr/lf_omit_attr/lf_*_session_variables. A method
// that fails to round-trip over the pipe terminates the process, the same
// way the original's assert_result/perror/exit(EXIT_FAILURE) does on I/O
// failure.
type Host interface {
	// GetAttribute returns an object attribute's bytes, or ok=false if it
	// has never been written.
	GetAttribute(name string) (value []byte, ok bool)

	// SetAttribute stores bytes under name on the current object.
	SetAttribute(name string, value []byte)

	// OmitAttribute marks name as not-to-be-shipped to the client; it
	// reports whether the attribute existed.
	OmitAttribute(name string) bool

	// Log forwards a filter-emitted diagnostic line to the engine's log.
	Log(level int64, msg string)

	// GetSessionVariables reads the named search-wide variables.
	GetSessionVariables(names []string) []float64

	// UpdateSessionVariables merges values into the named search-wide
	// variables.
	UpdateSessionVariables(names []string, values []float64)
}

// InitFunc is the signature a module's INIT_FUNCTION export must have:
// given the spec's ARG list and opaque blob, produce per-instance state
// threaded through every later Eval/Fini call.
type InitFunc func(args []string, blob []byte, filterName string) (state interface{}, err error)

// EvalFunc is the signature a module's EVAL_FUNCTION export must have:
// evaluate one object against state, using host for attribute and
// session-variable access, and report the filter's verdict.
type EvalFunc func(state interface{}, host Host) (verdict float64, err error)

// FiniFunc is the signature a module's FINI_FUNCTION export must have.
// Per DESIGN.md, the original never called this; this port calls it once
// on a clean search stop.
type FiniFunc func(state interface{}) error
