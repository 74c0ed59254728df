package adminrpc

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const DefaultHealthInterval = time.Second

// CapacityProbe reports whether the queue would reject the next request.
type CapacityProbe interface {
	AtCapacity() bool
}

// WatchCapacity keeps hs in sync with probe until ctx is done: NOT_SERVING
// while the queue is at capacity, SERVING otherwise. Both the overall
// status ("") and ServiceName are updated.
func WatchCapacity(ctx context.Context, hs *health.Server, probe CapacityProbe, interval time.Duration) {
	if hs == nil || probe == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	apply := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if probe.AtCapacity() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}
	apply()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			apply()
		}
	}
}
