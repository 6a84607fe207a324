package proxyhandler

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// handlePlain implements 4.E: absolute-URI forward proxying. The request
// body is collected fully into memory (clients send small payloads), but
// the upstream response body is streamed chunk-by-chunk with no
// intermediate buffering, so SSE and other long-lived bodies work — this
// is why the upstream connection is dialt directly instead of going
// through http.Transport/httputil.ReverseProxy, which would hide exactly
// the streaming discipline spec.md property 5 cares about.
func (d *Dispatcher) handlePlain(w http.ResponseWriter, r *http.Request) {
	if !d.authenticate(w, r) {
		return
	}

	if r.URL.Host == "" {
		writeBadRequest(w, "request-target must be an absolute URI")
		return
	}

	host, port, err := splitHostPortDefault(r.URL.Host, 80)
	if err != nil {
		writeBadRequest(w, "invalid request host")
		return
	}

	snap := d.Dynamic.Load()
	endpoint, ferr := d.Filter.Check(r.Context(), host, port, snap.AllowedPorts)
	if ferr != nil {
		writeFilterError(w, ferr)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	r.Body.Close()

	upstream, err := net.Dial("tcp", endpoint)
	if err != nil {
		writeUpstreamError(w, err.Error())
		return
	}
	// upstream is owned by this goroutine for as long as it takes to write
	// the request and stream the response body; closing it here (deferred)
	// is what ties its lifetime to the client writer per the design note
	// in §9 ("Streaming body").
	defer upstream.Close()

	outReq := r.Clone(r.Context())
	outReq.Header = r.Header.Clone()
	stripProxyHeaders(outReq.Header)
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""
	outReq.RequestURI = ""
	outReq.Host = host
	outReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	outReq.ContentLength = int64(len(bodyBytes))

	requestLine := fmt.Sprintf("%s %s %s\r\n", outReq.Method, relativeTarget(r), outReq.Proto)
	if err := writeRequestLine(upstream, requestLine, outReq); err != nil {
		writeUpstreamError(w, err.Error())
		return
	}

	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, outReq)
	if err != nil {
		writeUpstreamError(w, err.Error())
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	if d.Metrics != nil {
		d.Metrics.ObserveRequest(metricsKindPlain, r.Method, resp.StatusCode)
	}
	if d.Logger != nil {
		d.Logger.Debug("plain forward complete", zap.String("target", endpoint), zap.Int("status", resp.StatusCode))
	}
}

// relativeTarget rewrites an absolute-URI request target to the relative
// "path?query" form required once the request is on the wire to the
// origin, per 4.E step 4.
func relativeTarget(r *http.Request) string {
	target := r.URL.Path
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// writeRequestLine writes the request line, headers, and body directly to
// the upstream connection. Header values are forwarded unmodified; header
// names carry whatever canonical form net/http's request parser already
// gave them (net/http canonicalizes header field names on read, same as
// any Go HTTP server), which is the case-preservation guarantee this
// package can make for everything except Proxy-Authorization and
// Proxy-Connection, which are stripped entirely.
func writeRequestLine(conn net.Conn, requestLine string, req *http.Request) error {
	var buf bytes.Buffer
	buf.WriteString(requestLine)
	for key, values := range req.Header {
		for _, v := range values {
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	if req.Host != "" {
		buf.WriteString("Host: ")
		buf.WriteString(req.Host)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return err
	}
	if req.ContentLength > 0 {
		if _, err := io.Copy(conn, req.Body); err != nil {
			return err
		}
	}
	return nil
}
