package proxyhandler

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// handleConnect implements 4.F: validate, dial, 200, then splice bytes
// bidirectionally until either side closes. Tunnel bytes are never parsed.
func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !d.authenticate(w, r) {
		return
	}

	host, port, err := splitHostPortDefault(r.Host, 443)
	if err != nil {
		writeBadRequest(w, "invalid CONNECT authority")
		return
	}

	snap := d.Dynamic.Load()
	endpoint, ferr := d.Filter.Check(r.Context(), host, port, snap.AllowedPorts)
	if ferr != nil {
		writeFilterError(w, ferr)
		return
	}

	upstream, err := net.Dial("tcp", endpoint)
	if err != nil {
		writeUpstreamError(w, err.Error())
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		writeUpstreamError(w, "hijack not supported")
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("hijack failed", zap.Error(err))
		}
		return
	}
	defer client.Close()

	// net/http already marked this connection StateHijacked and stopped
	// tracking it the instant Hijack() returned, so the Connection Server's
	// own StateClosed bookkeeping will never fire for it. The tunnel's task
	// exit is here regardless of how this function returns from this point
	// on, including the write-200 failure path below.
	if d.ActiveConns != nil {
		defer d.ActiveConns.Add(-1)
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	splice(client, upstream)

	if d.Metrics != nil {
		d.Metrics.ObserveRequest(metricsKindConnect, r.Method, http.StatusOK)
	}
}

// splice copies bytes in both directions until both halves finish, the
// Go-idiomatic rendering of the "upgrade then bidirectional byte relay"
// design: each direction closes its write side independently so a
// half-duplex close on one leg still lets the other drain.
func splice(client, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(upstream, client)
		closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		closeWrite(client)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
}

func splitHostPortDefault(authority string, defaultPort uint16) (string, uint16, error) {
	if !strings.Contains(authority, ":") {
		return authority, defaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
