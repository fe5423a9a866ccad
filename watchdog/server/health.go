package server

import (
	"time"

	"github.com/linluma/feedwatch/shared/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes per-feed liveness over the standard gRPC health
// protocol. Each feed id is a service name.
type HealthServer struct {
	health *health.Server
}

// NewHealthServer creates a health server with every feed NOT_SERVING
// until its first connect.
func NewHealthServer(ids []models.FeedID) *HealthServer {
	s := &HealthServer{
		health: health.NewServer(),
	}
	for _, id := range ids {
		s.health.SetServingStatus(string(id), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register attaches the health service to grpcServer
func (s *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.health)
}

// ConnectionChanged updates the feed's serving status
func (s *HealthServer) ConnectionChanged(id models.FeedID, connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(string(id), status)
}

// GapObserved is a no-op
func (s *HealthServer) GapObserved(models.FeedID, time.Duration) {}

// BreachDetected is a no-op; lost connections arrive via ConnectionChanged
func (s *HealthServer) BreachDetected(models.FeedID, models.BreachKind) {}

// Shutdown sets every service NOT_SERVING and ignores later updates
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
}

// Stop marks every service NOT_SERVING and stops grpcServer gracefully.
// Open Watch streams never end on their own, so after timeout the server
// is stopped hard. It reports whether the graceful stop completed in time.
func (s *HealthServer) Stop(grpcServer *grpc.Server, timeout time.Duration) bool {
	s.Shutdown()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		grpcServer.Stop()
		<-done
		return false
	}
}
