// Package server implements the Connection Server (4.H): a single
// net/http.Server fed by the dual-stack demultiplexing listener, tracking
// active_connections as the one atomic source of truth. The heartbeat
// reconciler and the metrics gauge only read it; the CONNECT handler
// decrements it for the hijacked connections net/http stops tracking.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aethernet/aether-proxy/internal/demux"
)

// ConnInfo is the Go-idiomatic rendering of spec.md's transient
// ConnectionRecord, stashed into each request's context by ConnContext —
// grounded on the teacher's ConnCtxKey pattern in caddyhttp/app.go.
type ConnInfo struct {
	Peer      string
	StartedAt time.Time

	conn *lazyConn
}

// TLS reports whether this connection resolved as TLS. By the time a
// request handler runs, its connection's own goroutine has always already
// read at least the request line, so the demux sniff behind this — never
// performed inside Listener.Accept — has always already resolved.
func (ci *ConnInfo) TLS() bool {
	if ci.conn == nil {
		return false
	}
	return ci.conn.IsTLS()
}

type connInfoKey struct{}

// ConnInfoFromContext retrieves the ConnInfo a handler's request arrived
// with, or false if none was stashed (e.g. in a unit test built without a
// Server in front of it).
func ConnInfoFromContext(ctx context.Context) (*ConnInfo, bool) {
	ci, ok := ctx.Value(connInfoKey{}).(*ConnInfo)
	return ci, ok
}

// dualStackListener adapts *demux.Listener (which returns *demux.Conn) to
// the plain net.Listener interface net/http.Server.Serve expects. It never
// decides TLS-vs-plaintext inside Accept itself — see lazyConn.
type dualStackListener struct {
	inner     *demux.Listener
	tlsConfig *tls.Config
}

func (l *dualStackListener) Accept() (net.Conn, error) {
	c, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return &lazyConn{demuxConn: c, tlsConfig: l.tlsConfig}, nil
}

func (l *dualStackListener) Close() error   { return l.inner.Close() }
func (l *dualStackListener) Addr() net.Addr { return l.inner.Addr() }

// lazyConn defers the TLS-vs-plaintext branch to the connection's own
// goroutine. net/http.Server.Serve calls Accept serially and only starts a
// per-connection goroutine afterward; since deciding TLS-ness requires
// sniffing a first byte that may never arrive, that decision — and the
// tls.Server wrap it implies — can only safely happen on first Read/Write,
// inside that per-connection goroutine, never inside Accept.
type lazyConn struct {
	demuxConn *demux.Conn
	tlsConfig *tls.Config

	once   sync.Once
	actual net.Conn
}

func (c *lazyConn) resolve() net.Conn {
	c.once.Do(func() {
		if c.demuxConn.IsTLS() && c.tlsConfig != nil {
			c.actual = tls.Server(c.demuxConn, c.tlsConfig)
		} else {
			c.actual = c.demuxConn
		}
	})
	return c.actual
}

// IsTLS reuses demux.Conn's own cached sniff; safe to call independently of
// resolve (e.g. from ConnInfo.TLS after a handler is already running).
func (c *lazyConn) IsTLS() bool { return c.demuxConn.IsTLS() }

func (c *lazyConn) Read(b []byte) (int, error)  { return c.resolve().Read(b) }
func (c *lazyConn) Write(b []byte) (int, error) { return c.resolve().Write(b) }
func (c *lazyConn) Close() error                { return c.demuxConn.Close() }
func (c *lazyConn) LocalAddr() net.Addr         { return c.demuxConn.LocalAddr() }
func (c *lazyConn) RemoteAddr() net.Addr        { return c.demuxConn.RemoteAddr() }
func (c *lazyConn) SetDeadline(t time.Time) error      { return c.demuxConn.SetDeadline(t) }
func (c *lazyConn) SetReadDeadline(t time.Time) error  { return c.demuxConn.SetReadDeadline(t) }
func (c *lazyConn) SetWriteDeadline(t time.Time) error { return c.demuxConn.SetWriteDeadline(t) }

// Server owns the listener and the active_connections counter described in
// §3/§5: increment on accept, decrement on task exit, on both the normal
// and hijacked (CONNECT) paths — see internal/proxyhandler's ActiveConns
// field for the hijacked half of that contract.
type Server struct {
	ActiveConns atomic.Int64

	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// New binds addr and builds a Server serving handler. tlsConfig may be nil
// to run plaintext-only; the listener still sniffs the first byte, but with
// a nil tlsConfig no TLS handshake is attempted: a ClientHello connection is
// handed to the plaintext HTTP parser like any other, which rejects it as a
// malformed request.
func New(addr string, handler http.Handler, tlsConfig *tls.Config, logger *zap.Logger) (*Server, error) {
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{logger: logger}

	s.httpServer = &http.Server{
		Handler: handler,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			lc, _ := c.(*lazyConn)
			return context.WithValue(ctx, connInfoKey{}, &ConnInfo{
				Peer:      c.RemoteAddr().String(),
				StartedAt: time.Now(),
				conn:      lc,
			})
		},
		ConnState: func(_ net.Conn, cs http.ConnState) {
			switch cs {
			case http.StateNew:
				s.ActiveConns.Add(1)
			case http.StateClosed:
				// Hijacked connections (CONNECT tunnels) never reach
				// StateClosed through net/http once Hijack() returns —
				// proxyhandler.Dispatcher.ActiveConns decrements for them
				// itself when the CONNECT handler returns.
				s.ActiveConns.Add(-1)
			}
		},
	}

	s.listener = &dualStackListener{inner: demux.Wrap(raw), tlsConfig: tlsConfig}
	return s, nil
}

// Addr returns the bound listener address, useful when addr was given as
// "host:0" and the OS chose the port.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks until the listener is closed by Shutdown, returning nil in
// that case (matching net/http.Server.Serve's ErrServerClosed contract).
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests per spec.md §5(a), bounded by ctx. It
// does not forcibly close hijacked CONNECT tunnels — those drain on their
// own when either side closes, same as the teacher's graceful-shutdown
// behavior leaves long-lived hijacked connections alone.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("connection server draining", zap.Int64("active_connections", s.ActiveConns.Load()))
	}
	return s.httpServer.Shutdown(ctx)
}
