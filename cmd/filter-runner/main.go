// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command filter-runner is the child side of the filter subprocess
// protocol (spec.md §4.D): it loads one compiled filter module as a Go
// plugin, resolves its init/eval/fini symbols, and drives the pipewire
// handshake and eval loop that diamondd's engine side
// (pkg/filterrun/runner.go) speaks. It is the Go-native replacement for
// the original lf_filter_runner_main/lf_run_filter loop
// (original_source/libfilter/lf_wrapper.c): same handshake order, same
// dlopen+dlsym-by-name resolution (via Go's plugin package instead of
// dlfcn), same "any I/O failure kills the process" fault model.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/filterrun/filterapi"
	"diamond.io/diamond/pkg/filterrun/pipewire"
)

func main() {
	filterName := flag.String("filter", "", "name of the filter this instance evaluates, for diagnostics")
	modulesDir := flag.String("modules", "", "directory of compiled filter modules, one file per module signature")
	flag.Parse()

	if err := run(*filterName, *modulesDir); err != nil {
		fmt.Fprintf(os.Stderr, "filter-runner[%s]: %v\n", *filterName, err)
		os.Exit(1)
	}
}

func run(filterName, modulesDir string) error {
	in := pipewire.NewReader(os.Stdin)
	out := pipewire.NewWriter(os.Stdout)

	moduleSig, _, err := in.ReadString()
	if err != nil {
		return fmt.Errorf("reading module signature: %w", err)
	}
	initSym, _, err := in.ReadString()
	if err != nil {
		return fmt.Errorf("reading init symbol: %w", err)
	}
	evalSym, _, err := in.ReadString()
	if err != nil {
		return fmt.Errorf("reading eval symbol: %w", err)
	}
	finiSym, _, err := in.ReadString()
	if err != nil {
		return fmt.Errorf("reading fini symbol: %w", err)
	}
	args, err := in.ReadStringList()
	if err != nil {
		return fmt.Errorf("reading arg list: %w", err)
	}
	blob, _, _, err := in.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading init blob: %w", err)
	}
	name, _, err := in.ReadString()
	if err != nil {
		return fmt.Errorf("reading filter name: %w", err)
	}

	initFn, evalFn, finiFn, err := loadModule(filepath.Join(modulesDir, moduleSig), initSym, evalSym, finiSym)
	if err != nil {
		return fmt.Errorf("loading module for %q: %w", name, err)
	}
	if err := out.WriteTag(filterrun.TagFunctionsResolved); err != nil {
		return err
	}

	state, err := initFn(args, blob, name)
	if err != nil {
		return fmt.Errorf("filter %q: init: %w", name, err)
	}
	if err := out.WriteTag(filterrun.TagInitSuccess); err != nil {
		return err
	}

	host := &pipeHost{r: in, w: out}
	for {
		tag, err := in.ReadTag()
		if err != nil {
			// Parent closed the pipe without a clean fini; exit quietly,
			// matching the original's "just kill it" shutdown path.
			return nil
		}

		switch tag {
		case filterrun.TagFini:
			return finiFn(state)

		case filterrun.TagEval:
			verdict, evalErr := evalFn(state, host)
			if evalErr != nil {
				host.Log(0, fmt.Sprintf("eval error: %v", evalErr))
				verdict = 0
			}
			if err := out.WriteTag(filterrun.TagResult); err != nil {
				return err
			}
			if err := out.WriteDouble(verdict); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unexpected tag %q", tag)
		}
	}
}

// loadModule opens the plugin at path and resolves its three named
// exports, converting each from the plugin's unnamed function type to
// this package's named contract types.
func loadModule(path, initSym, evalSym, finiSym string) (filterapi.InitFunc, filterapi.EvalFunc, filterapi.FiniFunc, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}

	initRaw, err := p.Lookup(initSym)
	if err != nil {
		return nil, nil, nil, err
	}
	initFn, ok := initRaw.(func(args []string, blob []byte, filterName string) (interface{}, error))
	if !ok {
		return nil, nil, nil, fmt.Errorf("symbol %q has the wrong signature for an init function", initSym)
	}

	evalRaw, err := p.Lookup(evalSym)
	if err != nil {
		return nil, nil, nil, err
	}
	evalFn, ok := evalRaw.(func(state interface{}, host filterapi.Host) (float64, error))
	if !ok {
		return nil, nil, nil, fmt.Errorf("symbol %q has the wrong signature for an eval function", evalSym)
	}

	finiRaw, err := p.Lookup(finiSym)
	if err != nil {
		return nil, nil, nil, err
	}
	finiFn, ok := finiRaw.(func(state interface{}) error)
	if !ok {
		return nil, nil, nil, fmt.Errorf("symbol %q has the wrong signature for a fini function", finiSym)
	}

	return filterapi.InitFunc(initFn), filterapi.EvalFunc(evalFn), filterapi.FiniFunc(finiFn), nil
}

// pipeHost implements filterapi.Host over the same pipewire connection the
// handshake and eval loop use, servicing each call as its own
// request/reply round against pkg/filterrun/runner.go's Eval.
type pipeHost struct {
	r *pipewire.Reader
	w *pipewire.Writer
}

func (h *pipeHost) fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "filter-runner: "+format+"\n", args...)
	os.Exit(1)
}

func (h *pipeHost) GetAttribute(name string) ([]byte, bool) {
	if err := h.w.WriteTag(filterrun.TagGetAttribute); err != nil {
		h.fatalf("get-attribute %q: %v", name, err)
	}
	if err := h.w.WriteString(name); err != nil {
		h.fatalf("get-attribute %q: %v", name, err)
	}
	value, ok, _, err := h.r.ReadFrame()
	if err != nil {
		h.fatalf("get-attribute %q: %v", name, err)
	}
	return value, ok
}

func (h *pipeHost) SetAttribute(name string, value []byte) {
	if err := h.w.WriteTag(filterrun.TagSetAttribute); err != nil {
		h.fatalf("set-attribute %q: %v", name, err)
	}
	if err := h.w.WriteString(name); err != nil {
		h.fatalf("set-attribute %q: %v", name, err)
	}
	if err := h.w.WriteBinary(value); err != nil {
		h.fatalf("set-attribute %q: %v", name, err)
	}
}

func (h *pipeHost) OmitAttribute(name string) bool {
	if err := h.w.WriteTag(filterrun.TagOmitAttribute); err != nil {
		h.fatalf("omit-attribute %q: %v", name, err)
	}
	if err := h.w.WriteString(name); err != nil {
		h.fatalf("omit-attribute %q: %v", name, err)
	}
	reply, ok, err := h.r.ReadString()
	if err != nil || !ok {
		h.fatalf("omit-attribute %q: malformed reply: %v", name, err)
	}
	return reply == "true"
}

func (h *pipeHost) Log(level int64, msg string) {
	if err := h.w.WriteTag(filterrun.TagLog); err != nil {
		return
	}
	if err := h.w.WriteInt(level); err != nil {
		return
	}
	_ = h.w.WriteString(msg)
}

func (h *pipeHost) GetSessionVariables(names []string) []float64 {
	if err := h.w.WriteTag(filterrun.TagGetSessionVariables); err != nil {
		h.fatalf("get-session-variables: %v", err)
	}
	if err := h.w.WriteStringList(names); err != nil {
		h.fatalf("get-session-variables: %v", err)
	}

	values := make([]float64, 0, len(names))
	for range names {
		v, ok, err := h.r.ReadDouble()
		if err != nil || !ok {
			h.fatalf("get-session-variables: malformed value: %v", err)
		}
		values = append(values, v)
	}
	if _, _, blank, err := h.r.ReadFrame(); err != nil || !blank {
		h.fatalf("get-session-variables: missing list terminator: %v", err)
	}
	return values
}

func (h *pipeHost) UpdateSessionVariables(names []string, values []float64) {
	if err := h.w.WriteTag(filterrun.TagUpdateSessionVariables); err != nil {
		h.fatalf("update-session-variables: %v", err)
	}
	if err := h.w.WriteStringList(names); err != nil {
		h.fatalf("update-session-variables: %v", err)
	}
	for _, v := range values {
		if err := h.w.WriteDouble(v); err != nil {
			h.fatalf("update-session-variables: %v", err)
		}
	}
}
