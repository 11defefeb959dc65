// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Server accepts the two-socket connection pattern of spec.md §4.H: a
// control socket opens first and receives a 32-bit nonce, and the data
// (blast) socket presents that nonce to pair itself to the same
// Session. Each accepted control connection gets its own Session, with
// the server's one Config shared across every search the daemon ever
// serves.
type Server struct {
	log        *zap.Logger
	sessionCfg Config

	controlLn net.Listener
	dataLn    net.Listener

	mu      sync.Mutex
	pending map[uint32]*Session
}

// NewServer creates a Server listening on ctrlLn for control
// connections and dataLn for their paired data (blast) connections.
func NewServer(log *zap.Logger, ctrlLn, dataLn net.Listener, sessionCfg Config) *Server {
	return &Server{
		log:        log,
		sessionCfg: sessionCfg,
		controlLn:  ctrlLn,
		dataLn:     dataLn,
		pending:    make(map[uint32]*Session),
	}
}

// Run serves both listeners until ctx is cancelled or either accept
// loop errors.
func (srv *Server) Run(ctx context.Context) error {
	errs := make(chan error, 2)
	go func() { errs <- srv.serveControl(ctx) }()
	go func() { errs <- srv.serveData(ctx) }()

	select {
	case <-ctx.Done():
		_ = srv.controlLn.Close()
		_ = srv.dataLn.Close()
		return ctx.Err()
	case err := <-errs:
		_ = srv.controlLn.Close()
		_ = srv.dataLn.Close()
		return err
	}
}

func (srv *Server) serveControl(ctx context.Context) error {
	for {
		conn, err := srv.controlLn.Accept()
		if err != nil {
			return Error.Wrap(err)
		}
		go srv.handleControl(ctx, conn)
	}
}

func (srv *Server) serveData(ctx context.Context) error {
	for {
		conn, err := srv.dataLn.Accept()
		if err != nil {
			return Error.Wrap(err)
		}
		go srv.handleData(ctx, conn)
	}
}

func (srv *Server) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session, err := NewSession(srv.log.Named("session"), srv.sessionCfg)
	if err != nil {
		srv.log.Error("session init failed", zap.Error(err))
		return
	}
	defer session.Close()

	nonce, err := srv.registerPending(session)
	if err != nil {
		srv.log.Error("nonce allocation failed", zap.Error(err))
		return
	}
	defer srv.forgetPending(nonce)

	var nonceBuf [4]byte
	binary.BigEndian.PutUint32(nonceBuf[:], nonce)
	if _, err := conn.Write(nonceBuf[:]); err != nil {
		srv.log.Error("nonce send failed", zap.Error(err))
		return
	}

	cc := NewControlConn(srv.log.Named("control"), session, conn)
	if err := cc.Serve(ctx); err != nil {
		srv.log.Debug("control connection ended", zap.Error(err))
	}
}

func (srv *Server) handleData(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var nonceBuf [4]byte
	if _, err := readFull(conn, nonceBuf[:]); err != nil {
		srv.log.Error("nonce read failed", zap.Error(err))
		return
	}
	nonce := binary.BigEndian.Uint32(nonceBuf[:])

	session, ok := srv.takePending(nonce)
	if !ok {
		srv.log.Warn("data connection presented unknown nonce")
		return
	}

	bc := NewBlastConn(srv.log.Named("blast"), session, conn)
	if err := bc.Serve(ctx); err != nil {
		srv.log.Debug("blast connection ended", zap.Error(err))
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (srv *Server) registerPending(session *Session) (uint32, error) {
	var buf [4]byte
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, Error.Wrap(err)
		}
		nonce := binary.BigEndian.Uint32(buf[:])
		if _, taken := srv.pending[nonce]; taken {
			continue
		}
		srv.pending[nonce] = session
		return nonce, nil
	}
}

func (srv *Server) takePending(nonce uint32) (*Session, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	session, ok := srv.pending[nonce]
	if ok {
		delete(srv.pending, nonce)
	}
	return session, ok
}

func (srv *Server) forgetPending(nonce uint32) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.pending, nonce)
}
