package proxyhandler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// delegateRequest is the JSON body 4.G documents: an upstream request
// described declaratively instead of forwarded directly.
type delegateRequest struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	BodyBase64 string            `json:"body_base64"`
}

// handleDelegate implements 4.G: a single POST endpoint whose JSON body
// describes the upstream request to execute, using the shared pooled
// client so SSE-style responses stream without a total timeout.
func (d *Dispatcher) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if !d.authenticate(w, r) {
		return
	}

	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid delegate JSON body")
		return
	}
	r.Body.Close()

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" {
		writeBadRequest(w, "invalid delegate url")
		return
	}

	port := defaultPortForScheme(parsed.Scheme)
	host, hostPort, perr := splitHostPortDefault(parsed.Host, port)
	if perr != nil {
		writeBadRequest(w, "invalid delegate url host")
		return
	}

	snap := d.Dynamic.Load()
	if _, ferr := d.Filter.Check(r.Context(), host, hostPort, snap.AllowedPorts); ferr != nil {
		writeFilterError(w, ferr)
		return
	}

	var body io.Reader
	if req.BodyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.BodyBase64)
		if err != nil {
			writeBadRequest(w, "invalid body_base64")
			return
		}
		body = bytes.NewReader(decoded)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), req.Method, parsed.String(), body)
	if err != nil {
		writeBadRequest(w, "could not build upstream request")
		return
	}
	for k, v := range req.Headers {
		upstreamReq.Header.Set(k, v)
	}

	resp, err := d.DelegateClient.Do(upstreamReq)
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
		d.Metrics.ObserveRequest(metricsKindDelegate, req.Method, resp.StatusCode)
	}
}

func defaultPortForScheme(scheme string) uint16 {
	if scheme == "http" {
		return 80
	}
	return 443
}

// NewDelegateClient builds the shared pooled client 4.G requires: no total
// timeout (SSE-safe), a 30s dial timeout, 20 idle connections per host,
// 90s idle eviction.
func NewDelegateClient() *http.Client {
	return &http.Client{
		// No Timeout field set — a total client timeout would kill
		// long-lived SSE/streaming responses, which 4.G explicitly
		// requires to work.
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
