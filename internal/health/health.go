// Package health serves per-resource readiness over the standard gRPC health protocol.
//
// Every Game and World is registered as a service named "<kind>/<namespace>/<name>";
// the empty service name reports the controller itself.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// Server tracks readiness published by the reconcilers.
type Server struct {
	health *grpchealth.Server
}

func NewServer() *Server {
	return &Server{health: grpchealth.NewServer()}
}

// ServiceName is the health service name for one resource.
func ServiceName(kind, namespace, name string) string {
	return fmt.Sprintf("%s/%s/%s", kind, namespace, name)
}

// Publish records whether a resource is ready.
func (s *Server) Publish(kind, namespace, name string, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(kind, namespace, name), status)
}

// Forget drops a resource that no longer exists. Watchers see SERVICE_UNKNOWN.
func (s *Server) Forget(kind, namespace, name string) {
	s.health.SetServingStatus(ServiceName(kind, namespace, name), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Check answers a health request without going through the network.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Runnable serves the health service on port until the manager stops.
func (s *Server) Runnable(port int) manager.Runnable {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	return manager.RunnableFunc(func(ctx context.Context) error {
		log := ctrl.Log.WithValues("name", "grpc-health")
		log.Info("gRPC server starting")

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC server failed to listen - %w", err)
		}
		log.Info("gRPC server listening", "port", port)

		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				log.Info("gRPC server shutting down")
				s.health.Shutdown()
				srv.GracefulStop()
			case <-doneCh:
			}
		}()

		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed - %w", err)
		}
		log.Info("gRPC server terminated")
		return nil
	})
}
