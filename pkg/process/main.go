// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process wires a command's configuration struct, logger, and
// metrics handler together and runs one or more Services, following the
// teacher's cobra+viper ambient process-bootstrap convention retargeted from
// STORJ_ to DIAMOND_-prefixed environment variables.
package process

import (
	"context"
	"sync"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// ErrLogger classes the errors a Service's Process method returns to signal
// a failure Main should surface to its caller.
var ErrLogger = errs.Class("process")

// Service is one independently runnable subsystem of a command (a search
// daemon, a control-plane worker) that Main wires a shared logger and
// metric registry into before invoking.
type Service interface {
	InstanceID() string
	Process(ctx context.Context, cmd *cobra.Command, args []string) error
	SetLogger(*zap.Logger) error
	SetMetricHandler(*monkit.Registry) error
}

// Main wires a shared development logger and the default monkit registry
// into every service, first running f (typically config validation), then
// running every service concurrently and returning the first error any of
// them return.
func Main(f func() error, services ...Service) error {
	if err := f(); err != nil {
		return err
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	registry := monkit.Default

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	for _, s := range services {
		if err := s.SetLogger(log); err != nil {
			return Error.Wrap(err)
		}
		if err := s.SetMetricHandler(registry); err != nil {
			return Error.Wrap(err)
		}

		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			errCh <- s.Process(context.Background(), &cobra.Command{}, nil)
		}(s)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
