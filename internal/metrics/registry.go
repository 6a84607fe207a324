package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles this node's Prometheus instrumentation. It is private
// (not the global default registerer) so it never collides with anything
// a host process might already be exporting, and is only reachable through
// the loopback-only debug handler this package also builds.
type Registry struct {
	reg            *prometheus.Registry
	activeConns    *atomic.Int64
	requestsByKind *prometheus.CounterVec
}

// Kind labels the dispatch path a completed request took.
type Kind string

const (
	KindPlain    Kind = "plain"
	KindConnect  Kind = "connect"
	KindDelegate Kind = "delegate"
)

// NewRegistry wires a GaugeFunc that mirrors activeConns (the same
// atomic.Int64 the Connection Server increments/decrements — this package
// never maintains its own counter, only reads the one source of truth) and
// a Counter of completed requests per dispatch kind and sanitized status.
func NewRegistry(activeConns *atomic.Int64) *Registry {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "aether_proxy_active_connections",
		Help: "Number of currently active accepted connections.",
	}, func() float64 { return float64(activeConns.Load()) })
	reg.MustRegister(gauge)

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aether_proxy_requests_total",
		Help: "Completed proxy requests by dispatch kind and status.",
	}, []string{"kind", "method", "status"})
	reg.MustRegister(counter)

	return &Registry{reg: reg, activeConns: activeConns, requestsByKind: counter}
}

// ObserveRequest records one completed dispatch. method and status are run
// through SanitizeMethod/SanitizeCode to keep label cardinality bounded.
func (r *Registry) ObserveRequest(kind Kind, method string, status int) {
	r.requestsByKind.WithLabelValues(string(kind), SanitizeMethod(method), SanitizeCode(status)).Inc()
}

// Handler returns the loopback-only /debug/metrics handler, bound per
// StaticConfig.DebugMetricsAddr (empty = never constructed by the caller).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
