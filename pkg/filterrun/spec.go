// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"diamond.io/diamond/pkg/diamond"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("filterrun")

// Spec is a parsed filter spec record (§3 Filter spec, §6 filter spec file
// format).
type Spec struct {
	Name string

	ModuleSig diamond.Signature

	InitSymbol string
	EvalSymbol string
	FiniSymbol string

	Threshold int64

	Args []string
	Blob []byte

	Requires []string

	// Merit biases the initial topological tie-break (§4.F); higher runs
	// earlier among otherwise-incomparable filters.
	Merit int
}

// Sig is the filter's canonical signature: a hash over module-sig + eval
// symbol + args + blob (§3 Filter spec).
func (s *Spec) Sig() diamond.Signature {
	parts := make([]string, 0, len(s.Args)+3)
	parts = append(parts, string(s.ModuleSig[:]), s.EvalSymbol)
	parts = append(parts, s.Args...)
	parts = append(parts, string(s.Blob))
	return diamond.SignStrings(parts...)
}

// ParseSpecFile parses a filter spec file: one record per filter, records
// separated by blank lines, each a keyword-argument list (§6).
func ParseSpecFile(r io.Reader) ([]*Spec, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var specs []*Spec
	cur := &Spec{}
	dirty := false

	flush := func() error {
		if !dirty {
			return nil
		}
		if cur.Name == "" {
			return Error.New("filter record missing FILTER name")
		}
		if cur.EvalSymbol == "" || cur.InitSymbol == "" || cur.FiniSymbol == "" {
			return Error.New("filter %q missing required entry point", cur.Name)
		}
		specs = append(specs, cur)
		cur = &Spec{}
		dirty = false
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}

		fields := strings.SplitN(line, " ", 2)
		keyword := fields[0]
		var value string
		if len(fields) > 1 {
			value = strings.TrimSpace(fields[1])
		}
		dirty = true

		switch keyword {
		case "FILTER":
			cur.Name = value
		case "THRESHOLD":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, Error.New("filter %q: bad THRESHOLD %q", cur.Name, value)
			}
			cur.Threshold = n
		case "EVAL_FUNCTION":
			cur.EvalSymbol = value
		case "INIT_FUNCTION":
			cur.InitSymbol = value
		case "FINI_FUNCTION":
			cur.FiniSymbol = value
		case "ARG":
			cur.Args = append(cur.Args, value)
		case "REQUIRES":
			cur.Requires = append(cur.Requires, value)
		case "MERIT":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, Error.New("filter %q: bad MERIT %q", cur.Name, value)
			}
			cur.Merit = n
		default:
			return nil, Error.New("filter %q: unknown keyword %q", cur.Name, keyword)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return specs, nil
}

// WriteSpecFile serializes specs back to the text format; serialize then
// parse then serialize is idempotent modulo whitespace (§8 round-trip law).
func WriteSpecFile(w io.Writer, specs []*Spec) error {
	bw := bufio.NewWriter(w)
	for i, s := range specs {
		if i > 0 {
			if _, err := fmt.Fprintln(bw); err != nil {
				return Error.Wrap(err)
			}
		}
		fmt.Fprintf(bw, "FILTER %s\n", s.Name)
		fmt.Fprintf(bw, "THRESHOLD %d\n", s.Threshold)
		fmt.Fprintf(bw, "EVAL_FUNCTION %s\n", s.EvalSymbol)
		fmt.Fprintf(bw, "INIT_FUNCTION %s\n", s.InitSymbol)
		fmt.Fprintf(bw, "FINI_FUNCTION %s\n", s.FiniSymbol)
		for _, arg := range s.Args {
			fmt.Fprintf(bw, "ARG %s\n", arg)
		}
		for _, req := range s.Requires {
			fmt.Fprintf(bw, "REQUIRES %s\n", req)
		}
		if s.Merit != 0 {
			fmt.Fprintf(bw, "MERIT %d\n", s.Merit)
		}
	}
	return Error.Wrap(bw.Flush())
}
