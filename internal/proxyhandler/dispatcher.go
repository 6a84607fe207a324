// Package proxyhandler implements the three request dispatch paths named
// in spec.md 4.E/4.F/4.G: absolute-URI plain forwarding, CONNECT tunnels,
// and the JSON-described delegate endpoint.
package proxyhandler

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aethernet/aether-proxy/internal/auth"
	"github.com/aethernet/aether-proxy/internal/config"
	"github.com/aethernet/aether-proxy/internal/identity"
	"github.com/aethernet/aether-proxy/internal/metrics"
	"github.com/aethernet/aether-proxy/internal/policy"
)

// DelegatePath is the single POST endpoint recognized before generic
// forwarding, per 4.G.
const DelegatePath = "/_aether/delegate"

// Dispatcher routes each accepted HTTP/1.1 request into 4.E, 4.F, or 4.G,
// per the fixed dispatch table in 4.H: CONNECT -> tunnel; POST
// /_aether/delegate -> delegate; otherwise -> plain forward.
type Dispatcher struct {
	HMACKey  []byte
	Identity *identity.Identity
	Dynamic  *config.Dynamic
	Filter   *policy.Filter
	Metrics  *metrics.Registry
	Logger   *zap.Logger

	// DelegateClient is the shared, pooled client used only by the
	// delegate handler (no total timeout, SSE-safe), per 4.G.
	DelegateClient *http.Client

	// ActiveConns is the same atomic counter internal/server increments on
	// accept. A CONNECT tunnel is hijacked away from net/http's own
	// ConnState bookkeeping, so handleConnect decrements this itself when
	// it returns after a successful Hijack (whether the splice ran or the
	// 200 write failed) — the "decrement on task exit, both paths" rule
	// data model §3 describes for active_connections. Nil in tests that
	// don't care about the counter.
	ActiveConns *atomic.Int64
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		d.handleConnect(w, r)
	case r.Method == http.MethodPost && r.URL.Path == DelegatePath:
		d.handleDelegate(w, r)
	default:
		d.handlePlain(w, r)
	}
}

// authenticate runs the Auth Verifier against the request's
// Proxy-Authorization header, using the live node_id and timestamp
// tolerance. It returns false and has already written the response when
// authentication should not proceed (either a NodeNotFound reconciliation
// window or an AuthError).
func (d *Dispatcher) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if d.Identity.IsReconciling() {
		writeReconciling(w)
		return false
	}

	snap := d.Dynamic.Load()
	header := r.Header.Get("Proxy-Authorization")
	err := auth.Validate(header, d.HMACKey, d.Identity.NodeID(), time.Duration(snap.TimestampTolerance)*time.Second, time.Now())
	if err != nil {
		if d.Logger != nil {
			d.Logger.Debug("proxy auth failed", zap.String("reason", err.Error()), zap.String("peer", r.RemoteAddr))
			d.Logger.Warn("proxy auth failed", zap.String("peer", r.RemoteAddr))
		}
		writeAuthFailure(w)
		return false
	}
	return true
}

// hopHeadersToStrip are the only two headers 4.E requires removed from the
// forwarded request; every other header passes through with its values
// unchanged. Header names reach the origin in net/http's canonical form,
// not in the case the client sent them.
var hopHeadersToStrip = []string{"Proxy-Authorization", "Proxy-Connection"}

func stripProxyHeaders(h http.Header) {
	for _, name := range hopHeadersToStrip {
		h.Del(name)
	}
}
