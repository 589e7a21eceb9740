// ABOUTME: Liveness and readiness reporting over HTTP and the gRPC health protocol
// ABOUTME: Readiness follows the audit sink; requests are refused while it is degraded

package gateway

import (
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "mcpgate.Gateway"

func registerHealth(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
}

// setServing is the audit logger's health callback. It runs on the audit
// writer goroutine, and SetServingStatus never blocks.
func (g *Gateway) setServing(healthy bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.logger.Warn("audit sink degraded, reporting not serving")
	} else {
		g.logger.Info("audit sink healthy, reporting serving")
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the audit trail can
// accept new requests.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(); err != nil {
		g.logger.Warn("readiness: store unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if !g.audit.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("audit sink degraded"))
		return
	}
	if err := g.audit.Admit(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("audit backlog full"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tools, audit backlog %d)", g.registry.Len(), g.audit.Backlog())
}
