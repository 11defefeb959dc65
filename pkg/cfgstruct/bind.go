// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds a configuration struct's fields onto a pflag.FlagSet,
// deriving each flag's name from the field's path (dot-joined, kebab-cased)
// and its default value from a `default` struct tag (or `releaseDefault` when
// no plain default is given). It is the struct-tag layer underneath
// pkg/process's cobra/viper wiring.
package cfgstruct

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var durationType = reflect.TypeOf(time.Duration(0))

type bindOpts struct {
	confDir string
	nested  bool
}

// BindOption customizes a Bind call.
type BindOption func(*bindOpts)

// ConfDir expands $CONFDIR/${CONFDIR} in every field's default value to
// path, the same path at every nesting level.
func ConfDir(path string) BindOption {
	return func(o *bindOpts) { o.confDir = path; o.nested = false }
}

// ConfDirNested is like ConfDir, but nested struct fields get their own
// subdirectory of path named after the struct field's flag name, so
// sibling subsystems don't collide on the same on-disk paths.
func ConfDirNested(path string) BindOption {
	return func(o *bindOpts) { o.confDir = path; o.nested = true }
}

// Bind registers one flag per leaf field of config (a pointer to a struct)
// on flags, recursing into nested structs and fixed-size arrays of structs.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOption) {
	o := &bindOpts{}
	for _, apply := range opts {
		apply(o)
	}
	bindStruct(flags, nil, o.confDir, reflect.ValueOf(config).Elem(), o)
}

func bindStruct(flags *pflag.FlagSet, prefix []string, confDir string, val reflect.Value, o *bindOpts) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		fieldVal := val.Field(i)
		name := kebab(field.Name)
		path := append(append([]string{}, prefix...), name)
		hidden := field.Tag.Get("hidden") == "true"

		switch {
		case fieldVal.Kind() == reflect.Struct && fieldVal.Type() != durationType:
			nestedConfDir := confDir
			if o.nested && confDir != "" {
				nestedConfDir = filepath.Join(confDir, name)
			}
			bindStruct(flags, path, nestedConfDir, fieldVal, o)

		case fieldVal.Kind() == reflect.Array || fieldVal.Kind() == reflect.Slice:
			n := fieldVal.Len()
			width := len(strconv.Itoa(n))
			for idx := 0; idx < n; idx++ {
				elem := fieldVal.Index(idx)
				if elem.Kind() != reflect.Struct {
					continue
				}
				elemPath := append(append([]string{}, path...), fmt.Sprintf("%0*d", width, idx))
				bindStruct(flags, elemPath, confDir, elem, o)
			}

		default:
			bindLeaf(flags, path, confDir, field, fieldVal, hidden)
		}
	}
}

func bindLeaf(flags *pflag.FlagSet, path []string, confDir string, field reflect.StructField, val reflect.Value, hidden bool) {
	name := strings.Join(path, ".")
	usage := field.Tag.Get("usage")
	def := expandConfDir(fieldDefault(field), confDir)

	switch {
	case val.Type() == durationType:
		d, _ := time.ParseDuration(defaultOr(def, "0"))
		flags.DurationVar(val.Addr().Interface().(*time.Duration), name, d, usage)
	case val.Kind() == reflect.String:
		flags.StringVar(val.Addr().Interface().(*string), name, def, usage)
	case val.Kind() == reflect.Bool:
		b, _ := strconv.ParseBool(defaultOr(def, "false"))
		flags.BoolVar(val.Addr().Interface().(*bool), name, b, usage)
	case val.Kind() == reflect.Int64:
		n, _ := strconv.ParseInt(defaultOr(def, "0"), 10, 64)
		flags.Int64Var(val.Addr().Interface().(*int64), name, n, usage)
	case val.Kind() == reflect.Int:
		n, _ := strconv.Atoi(defaultOr(def, "0"))
		flags.IntVar(val.Addr().Interface().(*int), name, n, usage)
	case val.Kind() == reflect.Uint64:
		n, _ := strconv.ParseUint(defaultOr(def, "0"), 10, 64)
		flags.Uint64Var(val.Addr().Interface().(*uint64), name, n, usage)
	case val.Kind() == reflect.Uint:
		n, _ := strconv.ParseUint(defaultOr(def, "0"), 10, 64)
		flags.UintVar(val.Addr().Interface().(*uint), name, uint(n), usage)
	case val.Kind() == reflect.Float64:
		n, _ := strconv.ParseFloat(defaultOr(def, "0"), 64)
		flags.Float64Var(val.Addr().Interface().(*float64), name, n, usage)
	default:
		return
	}

	if hidden {
		_ = flags.MarkHidden(name)
	}
}

// fieldDefault prefers the `default` tag; a field with no plain default but
// a `releaseDefault` (the common "differs under --dev" shape) falls back to
// that, since this port has no --dev mode to switch on `devDefault`.
func fieldDefault(field reflect.StructField) string {
	if v, ok := field.Tag.Lookup("default"); ok {
		return v
	}
	if v, ok := field.Tag.Lookup("releaseDefault"); ok {
		return v
	}
	return ""
}

func defaultOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func expandConfDir(s, confDir string) string {
	if confDir == "" {
		return s
	}
	return strings.NewReplacer("$CONFDIR", confDir, "${CONFDIR}", confDir).Replace(s)
}

// kebab converts a Go exported field name (CamelCase) into a flag-name
// segment (kebab-case), e.g. "AnotherString" -> "another-string" and
// "MyStruct1" -> "my-struct1".
func kebab(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) && (isLower(runes[i-1]) || isDigit(runes[i-1])) {
			b.WriteByte('-')
		}
		b.WriteRune(toLower(r))
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
func toLower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}
