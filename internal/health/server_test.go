package health_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/depthrelay/depthrelay/internal/health"
)

// TestIntegration_FeedStatus starts a real health server on a temporary Unix
// domain socket and checks a feed flipping between statuses.
func TestIntegration_FeedStatus(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "health.sock")

	srv, err := health.New(socketPath)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.GracefulStop)

	waitForSocket(t, socketPath)

	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const feed = "kucoin/spot/BTCUSDT"

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: feed})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound for unknown feed, got %v", err)
	}

	srv.SetServing(feed, false)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: feed})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.Status)
	}

	srv.SetServing(feed, true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: feed})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", resp.Status)
	}

	srv.Forget(feed)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: feed})
	if err != nil {
		t.Fatalf("check forgotten feed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Fatalf("expected SERVICE_UNKNOWN after Forget, got %s", resp.Status)
	}

	// The process-level service is always registered.
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check process: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected process SERVING, got %s", resp.Status)
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("unix", path); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}
