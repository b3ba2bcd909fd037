package health

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestPublishAndForget(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	svc := ServiceName("game", "default", "oasis")

	if _, err := s.Check(ctx, svc); status.Code(err) != codes.NotFound {
		t.Fatalf("unregistered service: err=%v, want NotFound", err)
	}

	s.Publish("game", "default", "oasis", false)
	got, err := s.Check(ctx, svc)
	if err != nil || got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("got %v, %v; want NOT_SERVING", got, err)
	}

	s.Publish("game", "default", "oasis", true)
	got, err = s.Check(ctx, svc)
	if err != nil || got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("got %v, %v; want SERVING", got, err)
	}

	s.Forget("game", "default", "oasis")
	got, err = s.Check(ctx, svc)
	if err != nil || got != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Fatalf("got %v, %v; want SERVICE_UNKNOWN", got, err)
	}

	// The controller itself is always registered.
	got, err = s.Check(ctx, "")
	if err != nil || got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall health: got %v, %v", got, err)
	}
}

func TestRunnableStopsWithContext(t *testing.T) {
	s := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Runnable(0).Start(ctx) }()
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("runnable returned %v", err)
	}
}
