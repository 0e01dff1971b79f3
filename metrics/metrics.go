// Package metrics exposes Prometheus counters for vault operations and the
// HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VaultOperations counts dispatched vault requests by operation and result status.
	VaultOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operations_total",
		Help: "Vault requests dispatched inside the enclave, by operation and result status.",
	}, []string{"operation", "status"})

	// BoundaryAttempts counts enclave boundary calls by response capacity.
	BoundaryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_boundary_attempts_total",
		Help: "Enclave boundary calls issued by the host bridge, by response buffer capacity.",
	}, []string{"capacity"})

	// ExchangeFailures counts sealed exchanges that failed before producing a response.
	ExchangeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_exchange_failures_total",
		Help: "Sealed exchanges aborted at the framing or crypto layer, by stage.",
	}, []string{"stage"})
)

// MetricsServer serves the default Prometheus registry on /metrics.
type MetricsServer struct {
	namespace string
	srv       *http.Server
}

// New creates a metrics server listening on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		namespace: namespace,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
