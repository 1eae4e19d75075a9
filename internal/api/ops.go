// =============================================================================
// OPS LISTENER - HEALTH AND METRICS
// =============================================================================
//
// A second listener keeps scrapes and probes off the client port:
//
//   GET /healthz    liveness: the process is up
//   GET /readyz     readiness: every partition log is open
//   GET /metrics    Prometheus exposition
//
// =============================================================================

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smilinTux/forgeprint-sub003/internal/broker"
	"github.com/smilinTux/forgeprint-sub003/internal/metrics"
)

// OpsServer serves health probes and the metrics endpoint.
type OpsServer struct {
	broker     *broker.Broker
	httpServer *http.Server
	logger     *slog.Logger
}

// NewOpsServer builds the ops listener.
func NewOpsServer(addr string, b *broker.Broker, registry *metrics.Registry, logger *slog.Logger) *OpsServer {
	s := &OpsServer{
		broker: b,
		logger: logger.With("component", "ops"),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", registry.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *OpsServer) ListenAndServe() error {
	s.logger.Info("ops listener up", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *OpsServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleReadiness reports ready once the internal topics exist, which is
// the last step of broker construction.
func (s *OpsServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	for _, topic := range s.broker.Topics() {
		if topic == "__consumer_offsets" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready\n"))
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("starting\n"))
}
