// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun

import (
	"context"
	"io"
	"os/exec"

	"go.uber.org/zap"
)

// stdioConn adapts a child process's stdin/stdout pipes to ProcessIO.
type stdioConn struct {
	io.ReadCloser
	io.WriteCloser
}

func (c stdioConn) Close() error {
	werr := c.WriteCloser.Close()
	rerr := c.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// RunnerBinary is the path to the generic filter-runner executable
// (cmd/filter-runner): a small program that, per handshake, loads the
// filter's compiled module (via the Go plugin package, from ModuleDir)
// and resolves its three entry symbols.
type RunnerBinary struct {
	Path      string
	ModuleDir string
	Log       *zap.Logger
}

// Spawner builds a Spawner that launches the filter-runner subprocess for
// spec, remapping its stdin/stdout to carry the pipewire protocol and
// forwarding its stderr (any output the filter prints directly rather
// than through the `stdout` protocol tag) to the engine's own logs.
func (b RunnerBinary) Spawner(spec *Spec) Spawner {
	return func(ctx context.Context) (ProcessIO, <-chan error, error) {
		cmd := exec.CommandContext(ctx, b.Path, "-filter", spec.Name, "-modules", b.ModuleDir)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}

		if err := cmd.Start(); err != nil {
			return nil, nil, Error.Wrap(err)
		}

		log := b.Log.Named("filterrun.child").With(zap.String("filter", spec.Name))
		go forwardChildStderr(log, stderr)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		return stdioConn{ReadCloser: stdout, WriteCloser: stdin}, exited, nil
	}
}

func forwardChildStderr(log *zap.Logger, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			log.Debug("filter stderr", zap.ByteString("data", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
