package proxyhandler

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// failWriteConn wraps a net.Conn and fails every Write, standing in for a
// peer that vanished between Hijack() and the 200-status write.
type failWriteConn struct {
	net.Conn
}

func (c *failWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("simulated write failure")
}

// fakeHijacker is an http.ResponseWriter/http.Hijacker pair whose Hijack
// always succeeds and hands back conn, bypassing the real net/http hijack
// machinery so the write-failure path is reached deterministically.
type fakeHijacker struct {
	http.ResponseWriter
	conn net.Conn
}

func (f *fakeHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(f.conn), bufio.NewWriter(f.conn))
	return f.conn, rw, nil
}

// TestConnectCounterDoesNotLeakOnWriteFailure guards testable property 6:
// active_connections must return to its pre-connection value even when the
// post-Hijack "200 Connection Established" write fails, since a hijacked
// connection never reaches http.StateClosed on its own.
func TestConnectCounterDoesNotLeakOnWriteFailure(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	go func() {
		c, err := upstream.Accept()
		if err != nil {
			return
		}
		c.Close()
	}()

	_, port, err := net.SplitHostPort(upstream.Addr().String())
	require.NoError(t, err)
	allowedPort := mustParsePort(t, port)

	d, _ := newDispatcher(t, allowedPort)
	var active atomic.Int64
	active.Store(1) // the Connection Server already counted the accept
	d.ActiveConns = &active

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "127.0.0.1:" + port
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	fh := &fakeHijacker{ResponseWriter: rec, conn: &failWriteConn{Conn: serverSide}}

	done := make(chan struct{})
	go func() {
		d.ServeHTTP(fh, req)
		close(done)
	}()

	<-done
	require.Equal(t, int64(0), active.Load(), "active_connections must return to its pre-connection value even on a hijack write failure")
}
