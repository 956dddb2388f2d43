package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthRoundTrip(t *testing.T) {
	srv, err := StartServer(0)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	go func() { _ = srv.Serve() }()
	defer srv.Stop()

	c, err := Dial(fmt.Sprintf("localhost:%d", srv.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("want NOT_SERVING before start, got %v", st)
	}

	srv.SetServing(true)
	if st, err = c.Status(ctx); err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("want SERVING, got %v (%v)", st, err)
	}
}
