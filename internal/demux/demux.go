// Package demux implements the dual-stack connection demultiplexer: a
// net.Listener wrapper that peeks the first byte of each accepted
// connection to decide whether it's a TLS ClientHello (0x16) or plaintext
// HTTP, without consuming the byte from whichever pipeline is chosen.
package demux

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// tlsHandshakeByte is the TLS record ContentType for a Handshake message,
// which a ClientHello always starts with.
const tlsHandshakeByte = 0x16

// peekDeadline bounds how long the first read will wait for a byte before
// giving up and treating the connection as plaintext, per 4.D.
const peekDeadline = 2 * time.Second

// Listener wraps a net.Listener so each accepted Conn can be lazily sniffed
// for its first byte, without the byte actually being consumed by whichever
// pipeline reads it.
type Listener struct {
	net.Listener
}

// Wrap adapts an existing listener into a dual-stack demultiplexing one.
func Wrap(inner net.Listener) *Listener {
	return &Listener{Listener: inner}
}

// Accept returns the next raw connection immediately, without peeking it.
// The peek that decides IsTLS only happens the first time Read or IsTLS is
// called on the returned Conn — per §5's "each connection has its own
// task," that first call happens inside the connection's own goroutine
// (net/http.Server spawns one per accepted conn), never here. Peeking here
// would block this Accept call for up to peekDeadline on a client that
// sends nothing, stalling every other connection behind it since
// net/http.Server.Serve calls Accept serially.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: raw}, nil
}

// Conn is a net.Conn whose first byte is sniffed lazily, on first Read or
// IsTLS call; reads transparently replay that byte before continuing from
// the underlying socket, so neither pipeline ever loses data.
type Conn struct {
	net.Conn

	once  sync.Once
	r     *bufio.Reader
	isTLS bool
}

func (c *Conn) peek() {
	c.once.Do(func() {
		c.r = bufio.NewReader(c.Conn)
		_ = c.Conn.SetReadDeadline(time.Now().Add(peekDeadline))
		first, err := c.r.Peek(1)
		_ = c.Conn.SetReadDeadline(time.Time{})
		c.isTLS = err == nil && len(first) > 0 && first[0] == tlsHandshakeByte
	})
}

// IsTLS reports whether the first byte looked like a TLS ClientHello,
// peeking it on first call if nothing has read from this Conn yet. If the
// peek itself failed or timed out, IsTLS is false and the connection is
// treated as plaintext, per 4.D's explicit timeout-as-plaintext rule.
// Idempotent and safe to call repeatedly — the peek only ever happens once.
func (c *Conn) IsTLS() bool {
	c.peek()
	return c.isTLS
}

func (c *Conn) Read(b []byte) (int, error) {
	c.peek()
	return c.r.Read(b)
}
