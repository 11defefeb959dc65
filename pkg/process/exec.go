// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"diamond.io/diamond/pkg/cfgstruct"
)

// Error is the class of errors this package returns directly (as opposed to
// a Service's own Process error, see ErrLogger).
var Error = errs.Class("process")

// envPrefix is the environment variable prefix Exec consults for overrides,
// e.g. a "--some.flag" flag is overridden by DIAMOND_SOME_FLAG.
const envPrefix = "DIAMOND"

// Bind registers config's fields as flags on cmd, following cfgstruct's
// naming and default-value conventions.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOption) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
}

// Exec merges any stdlib flag.CommandLine flags into cmd, applies
// DIAMOND_-prefixed environment variable overrides on top of every bound
// flag's default, and runs cmd.
func Exec(cmd *cobra.Command) {
	cmd.Flags().AddGoFlagSet(flag.CommandLine)
	applyEnv(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyEnv overrides every flag in flags whose DIAMOND_-prefixed environment
// variable is set, translating dots and dashes in the flag's name to
// underscores the way viper's automatic env lookup does.
func applyEnv(flags *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	flags.VisitAll(func(f *pflag.Flag) {
		if !v.IsSet(f.Name) {
			return
		}
		_ = flags.Set(f.Name, v.GetString(f.Name))
	})
}

// SaveConfig writes every non-hidden flag on cmd to path as a commented-out
// reference config file, one "# name: default" line per flag, in flag-name
// order. Hidden flags (internal or dev-only settings) are omitted entirely.
func SaveConfig(cmd *cobra.Command, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	cmd.Flags().VisitAll(func(fl *pflag.Flag) {
		if fl.Hidden {
			return
		}
		names = append(names, fl.Name)
	})
	sort.Strings(names)

	for _, name := range names {
		fl := cmd.Flags().Lookup(name)
		if _, err := fmt.Fprintf(f, "# %s: %s\n", name, fl.DefValue); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
