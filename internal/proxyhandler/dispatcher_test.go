package proxyhandler

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethernet/aether-proxy/internal/auth"
	"github.com/aethernet/aether-proxy/internal/config"
	"github.com/aethernet/aether-proxy/internal/identity"
	"github.com/aethernet/aether-proxy/internal/policy"
)

var testKey = []byte("k")

func newDispatcher(t *testing.T, allowedPorts ...uint16) (*Dispatcher, *identity.Identity) {
	t.Helper()
	id := identity.New("N", "203.0.113.1", "")
	sc := config.Default()
	sc.AllowedPorts = allowedPorts
	sc.TimestampTolerance = 300
	dyn := config.NewDynamic(sc)

	return &Dispatcher{
		HMACKey:        testKey,
		Identity:       id,
		Dynamic:        dyn,
		Filter:         policy.New(),
		DelegateClient: NewDelegateClient(),
	}, id
}

func signedHeader(nodeID string) string {
	return auth.Sign(testKey, nodeID, time.Now().Unix())
}

// S2 — auth failure: header signed for the wrong node_id.
func TestDispatchAuthFailure(t *testing.T) {
	d, _ := newDispatcher(t, 443)
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "example.com:443"
	req.Header.Set("Proxy-Authorization", signedHeader("wrong-node"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusProxyAuthRequired, rec.Code)
	assert.Equal(t, "HMAC-SHA256", rec.Header().Get("Proxy-Authenticate"))
	assert.Empty(t, rec.Body.String())
}

// S3 — policy reject: valid signature, private-range CONNECT target.
func TestDispatchPolicyReject(t *testing.T) {
	d, _ := newDispatcher(t, 443)
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "10.0.0.1:443"
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Error"))
}

// S4 — replay window: exactly at tolerance accepted, one second over rejected.
func TestDispatchReplayWindow(t *testing.T) {
	d, _ := newDispatcher(t, 443)

	tooOld := auth.Sign(testKey, "N", time.Now().Add(-301*time.Second).Unix())
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "10.0.0.1:443" // policy-rejected target is fine; we only assert the auth stage here
	req.Header.Set("Proxy-Authorization", tooOld)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusProxyAuthRequired, rec.Code)
}

func TestDispatchReconciliationWindowRejects503(t *testing.T) {
	d, id := newDispatcher(t, 443)
	id.SetReconciling(true)

	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "example.com:443"
	req.Header.Set("Proxy-Authorization", signedHeader("N"))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// S1 — happy path CONNECT against a real local listener standing in for
// the upstream origin, exercised over a hijackable net/http.Server so the
// full splice path runs end to end.
func TestConnectHappyPath(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	received := make(chan string, 1)
	go func() {
		c, err := upstream.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		n, _ := c.Read(buf)
		received <- string(buf[:n])
		c.Write([]byte("world"))
	}()

	_, port, _ := net.SplitHostPort(upstream.Addr().String())
	allowedPort := mustParsePort(t, port)

	d, _ := newDispatcher(t, allowedPort)

	srv := httptest.NewServer(d)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	writeConnectRequest(t, conn, "127.0.0.1:"+port, signedHeader("N"))

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	// Drain the blank line terminating the CONNECT response headers.
	br.ReadString('\n')

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received tunneled bytes")
	}

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := br.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func mustParsePort(t *testing.T, s string) uint16 {
	t.Helper()
	n, err := strconv.ParseUint(s, 10, 16)
	require.NoError(t, err)
	return uint16(n)
}

func writeConnectRequest(t *testing.T, conn net.Conn, authority, authHeader string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodConnect, "http://"+authority, nil)
	require.NoError(t, err)
	req.Host = authority
	req.Header.Set("Proxy-Authorization", authHeader)
	require.NoError(t, req.Write(conn))
}
