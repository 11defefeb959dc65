// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command diamondd is the OpenDiamond search daemon: it accepts control and
// blast connections from searchlet clients and runs the optimizer/pipeline
// over the objects each search's scope names, fetched over HTTP
// (spec.md §4.H).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"diamond.io/diamond/pkg/cfgstruct"
	"diamond.io/diamond/pkg/filterdag"
	"diamond.io/diamond/pkg/filterrun"
	"diamond.io/diamond/pkg/process"
	"diamond.io/diamond/pkg/wire"
)

// Config is the full diamondd configuration tree, bound to flags and
// DIAMOND_-prefixed environment variables by pkg/process.
type Config struct {
	ControlAddr string `default:"0.0.0.0:5872" usage:"address the control socket listens on"`
	DataAddr    string `default:"0.0.0.0:5873" usage:"address the blast (data) socket listens on"`

	CacheDir   string  `default:"$CONFDIR/cache" usage:"directory persisted result-cache and blob-store state is kept under"`
	RunnerPath string  `default:"filter-runner" usage:"path to the filter-runner subprocess binary"`
	ServerFQDN string  `default:"" usage:"this host's FQDN, checked against a search's scope cookie (empty accepts any)"`
	BypassRate float64 `default:"0" usage:"probability, 0-1, that a filter is skipped for an object, drawn independently per filter and object"`

	BlastBuffer int `default:"32" hidden:"true" usage:"buffered blast-channel depth per search"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "diamondd",
		Short: "OpenDiamond search daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the diamondd server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "write a reference configuration file",
		RunE:  cmdSetup,
	}

	runCfg   Config
	setupCfg Config

	confDir string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", ".", "directory diamondd keeps its config and state under")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)

	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, cfgstruct.ConfDir(confDir))
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	ctrlLn, err := net.Listen("tcp", runCfg.ControlAddr)
	if err != nil {
		return errs.Wrap(err)
	}
	dataLn, err := net.Listen("tcp", runCfg.DataAddr)
	if err != nil {
		_ = ctrlLn.Close()
		return errs.Wrap(err)
	}

	runner := filterrun.RunnerBinary{
		Path:      runCfg.RunnerPath,
		ModuleDir: filepath.Join(runCfg.CacheDir, "binary"),
		Log:       log,
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	sessionCfg := wire.Config{
		CacheDir:    runCfg.CacheDir,
		Policy:      filterdag.StaticPolicy{},
		BlastBuffer: runCfg.BlastBuffer,
		BypassRate:  runCfg.BypassRate,
		HTTPClient:  httpClient,
		Spawn:       runner.Spawner,
		ServerFQDN:  runCfg.ServerFQDN,
	}

	srv := wire.NewServer(log, ctrlLn, dataLn, sessionCfg)
	log.Info("diamondd listening",
		zap.String("control", runCfg.ControlAddr),
		zap.String("data", runCfg.DataAddr))

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	err = srv.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	return process.SaveConfig(cmd, confDir+string(os.PathSeparator)+"config.yaml")
}
