package proxyhandler

import (
	"errors"
	"net/http"

	"github.com/aethernet/aether-proxy/internal/metrics"
	"github.com/aethernet/aether-proxy/internal/policy"
)

const (
	metricsKindPlain    = metrics.KindPlain
	metricsKindConnect  = metrics.KindConnect
	metricsKindDelegate = metrics.KindDelegate
)

// writeFilterError maps a policy.Filter error to the status codes in 4.B's
// error table: PortNotAllowed/BlockedAddress -> 403, ResolutionFailed -> 502.
func writeFilterError(w http.ResponseWriter, err error) {
	var blocked *policy.BlockedAddressError
	switch {
	case errors.As(err, &blocked):
		writePolicyReject(w, blocked.Error())
	case errors.Is(err, policy.ErrPortNotAllowed):
		writePolicyReject(w, err.Error())
	case errors.Is(err, policy.ErrResolutionFailed):
		writeResolutionFailed(w, err.Error())
	default:
		writeResolutionFailed(w, err.Error())
	}
}

// writeAuthFailure rejects a request per 4.A: 407 with the HMAC-SHA256
// challenge scheme, empty body. The caller has already logged the
// specific AuthError kind at debug only — info/warn logs never see it,
// per the leakage constraint in 4.A and §7.
func writeAuthFailure(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", "HMAC-SHA256")
	w.WriteHeader(http.StatusProxyAuthRequired)
}

// writeReconciling rejects a request while node_id is being re-established
// after a NodeNotFound heartbeat, per the chosen resolution of spec.md's
// open question (DESIGN.md).
func writeReconciling(w http.ResponseWriter) {
	w.WriteHeader(http.StatusServiceUnavailable)
}

// writePolicyReject rejects a request per 4.B: 403 with the reason in
// X-Error so operators can see it without turning on debug logging.
func writePolicyReject(w http.ResponseWriter, reason string) {
	w.Header().Set("X-Error", reason)
	w.WriteHeader(http.StatusForbidden)
}

// writeResolutionFailed maps a DNS resolution failure to 502, per 4.B.
func writeResolutionFailed(w http.ResponseWriter, reason string) {
	w.Header().Set("X-Error", reason)
	w.WriteHeader(http.StatusBadGateway)
}

// writeBadRequest rejects malformed client input with 400 — the proxy
// never panics on malformed input; every such path funnels here.
func writeBadRequest(w http.ResponseWriter, reason string) {
	http.Error(w, reason, http.StatusBadRequest)
}

// writeUpstreamError maps a dial/handshake/send failure to 502 with the
// reason surfaced in X-Error, per 4.E/4.F/4.G's failure mapping.
func writeUpstreamError(w http.ResponseWriter, reason string) {
	w.Header().Set("X-Error", reason)
	w.WriteHeader(http.StatusBadGateway)
}
