// Package h2server serves HTTP/2 connections. Each connection is owned by a [Session] that drives the
// framing engine and runs one handler goroutine per request stream.
package h2server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown or Close.
var ErrServerClosed = errors.New("h2server: server closed")

// Options tune every session of a server.
type Options struct {
	// MaxConcurrentStreams is advertised to the peer, streams beyond it are refused.
	MaxConcurrentStreams uint32
	// ReadBufferSize is the size of the buffer the connection is read into.
	ReadBufferSize int
	// WriteTimeout bounds each write to the connection. Zero means no timeout.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = 100
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 8 << 10
	}

	return o
}

// Server accepts connections and hands each to a new [Session].
type Server struct {
	// Handler dispatches every request. If it has a Freeze method it is called before serving.
	Handler Dispatcher
	// TLSConfig enables TLS. Connections must negotiate "h2" through ALPN. Without it connections
	// are expected to speak HTTP/2 with prior knowledge.
	TLSConfig *tls.Config
	// Logger receives connection level logs. Defaults to a no-op logger.
	Logger *zap.Logger
	Options

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	sessions   map[*Session]context.CancelFunc
	conns      sync.WaitGroup
	inShutdown bool
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		return zap.NewNop()
	}

	return srv.Logger
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (srv *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	return srv.Serve(ln)
}

// Serve accepts connections on ln until it fails or the server is shut down. The listener is closed
// when Serve returns.
func (srv *Server) Serve(ln net.Listener) error {
	if f, ok := srv.Handler.(interface{ Freeze() }); ok {
		f.Freeze()
	}

	if srv.TLSConfig != nil {
		cfg := srv.TLSConfig.Clone()
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{http2.NextProtoTLS}
		}

		ln = tls.NewListener(ln, cfg)
	}

	if !srv.track(ln) {
		ln.Close()
		return ErrServerClosed
	}

	defer srv.untrack(ln)

	logs := srv.logger()
	logs.Info("serving", zap.Stringer("addr", ln.Addr()), zap.Bool("tls", srv.TLSConfig != nil))

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if srv.shuttingDown() {
				return ErrServerClosed
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(delay*2, 5*time.Millisecond), time.Second)
				logs.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)

				continue
			}

			return errors.Wrap(err, "accept")
		}

		delay = 0

		srv.conns.Add(1)
		go srv.serveConn(conn)
	}
}

func (srv *Server) serveConn(conn net.Conn) {
	defer srv.conns.Done()

	logs := srv.logger().With(zap.Stringer("remote_addr", conn.RemoteAddr()))

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			logs.Debug("tls handshake failed", zap.Error(err))
			conn.Close()

			return
		}

		if proto := tc.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
			logs.Info("protocol h2 not negotiated", zap.String("protocol", proto))
			conn.Close()

			return
		}
	}

	sess := NewSession(conn, srv.Handler, srv.logger(), srv.Options)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !srv.trackSession(sess, cancel) {
		conn.Close()
		return
	}

	defer srv.untrackSession(sess)

	if err := sess.HandleConnection(ctx); err != nil {
		logs.Debug("connection failed", zap.Error(err))
	}
}

// Shutdown stops accepting connections and asks every session to go away gracefully. If ctx
// expires first the remaining sessions are cancelled and ctx's error is returned.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.inShutdown = true

	for ln := range srv.listeners {
		ln.Close()
	}

	for sess := range srv.sessions {
		sess.Close()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.cancelSessions()
		<-done

		return ctx.Err()
	}
}

// Close stops accepting connections and cancels every session immediately.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.inShutdown = true

	for ln := range srv.listeners {
		ln.Close()
	}
	srv.mu.Unlock()

	srv.cancelSessions()
	srv.conns.Wait()

	return nil
}

func (srv *Server) cancelSessions() {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, cancel := range srv.sessions {
		cancel()
	}
}

func (srv *Server) shuttingDown() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return srv.inShutdown
}

func (srv *Server) track(ln net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.inShutdown {
		return false
	}

	if srv.listeners == nil {
		srv.listeners = map[net.Listener]struct{}{}
	}

	srv.listeners[ln] = struct{}{}

	return true
}

func (srv *Server) untrack(ln net.Listener) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	delete(srv.listeners, ln)
	ln.Close()
}

func (srv *Server) trackSession(sess *Session, cancel context.CancelFunc) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.inShutdown {
		return false
	}

	if srv.sessions == nil {
		srv.sessions = map[*Session]context.CancelFunc{}
	}

	srv.sessions[sess] = cancel

	return true
}

func (srv *Server) untrackSession(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	delete(srv.sessions, sess)
}
