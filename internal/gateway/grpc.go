// ABOUTME: gRPC health service for the broker
// ABOUTME: Mirrors /health/ready by polling the number of connected agents

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that reports readiness. The
// empty service name reports liveness and is always SERVING.
const HealthService = "toolbroker.Broker"

// readinessInterval is how often the readiness watcher samples the agent count.
const readinessInterval = 500 * time.Millisecond

func registerHealthService(server *grpc.Server, hs *health.Server) {
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
}

// watchReadiness keeps HealthService in step with the agent count until ctx
// is canceled.
func (g *Gateway) watchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ready := false
	update := func() {
		now := g.agentManager.Count() > 0
		if now == ready {
			return
		}
		ready = now
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ready {
			status = healthpb.HealthCheckResponse_SERVING
		}
		g.health.SetServingStatus(HealthService, status)
		g.logger.Debug("readiness changed", "ready", ready)
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
