package demux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSFirstByteDetected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dl := Wrap(ln)

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		c.Write([]byte{0x16, 0x03, 0x01})
	}()

	conn, err := dl.Accept()
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, conn.IsTLS())

	buf := make([]byte, 3)
	n, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x16, 0x03, 0x01}, buf[:n])
}

func TestPlaintextFirstByteDetected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dl := Wrap(ln)

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		c.Write([]byte("GET / HTTP/1.1\r\n"))
	}()

	conn, err := dl.Accept()
	require.NoError(t, err)
	defer conn.Close()
	assert.False(t, conn.IsTLS())

	buf := make([]byte, len("GET / HTTP/1.1\r\n"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(buf))
}

// TestAcceptDoesNotBlockOnSilentClient guards against head-of-line blocking:
// a client that opens a connection and never sends a byte must not stall
// Accept itself (the peek only ever happens lazily, on first Read/IsTLS).
func TestAcceptDoesNotBlockOnSilentClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dl := Wrap(ln)

	done := make(chan struct{})
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		<-done
	}()
	defer close(done)

	accepted := make(chan struct{})
	go func() {
		conn, err := dl.Accept()
		require.NoError(t, err)
		defer conn.Close()
		close(accepted)
	}()

	select {
	case <-accepted:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Accept blocked on a client that sent nothing")
	}
}

func TestPeekTimeoutTreatedAsPlaintext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dl := Wrap(ln)

	done := make(chan struct{})
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		<-done
	}()

	conn, err := dl.Accept()
	require.NoError(t, err)
	defer conn.Close()
	assert.False(t, conn.IsTLS())
	close(done)
	_ = time.Second
}
