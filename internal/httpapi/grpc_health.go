package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"authhub.org/internal/obs"
)

const healthProbeInterval = 10 * time.Second

// NewGRPCHealthServer exposes the standard gRPC health service so
// orchestrators can probe readiness without speaking HTTP. The returned stop
// function halts the background probe and drains the server.
func NewGRPCHealthServer(probe readinessChecker) (*grpc.Server, func()) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		check := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := probe.Check(ctx); err != nil {
				obs.SetReady(false)
				hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
				hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				return
			}
			obs.SetReady(true)
			hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		}
		check()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				check()
			}
		}
	}()

	stop := func() {
		close(done)
		hs.Shutdown()
		srv.GracefulStop()
	}
	return srv, stop
}
