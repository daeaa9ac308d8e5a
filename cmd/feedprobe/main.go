// Command feedprobe checks a feed's health over the depthrelay health
// socket. It exits 0 when the service is SERVING and 1 otherwise, which
// makes it usable as a container health check.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/depthrelay/depthrelay/internal/config"
	"github.com/depthrelay/depthrelay/internal/exchanges"
)

func main() {
	socket := pflag.StringP("socket", "s", "", "health socket path (defaults to health.socket_path from config)")
	configFile := pflag.StringP("config", "c", "", "path to a config file")
	timeout := pflag.DurationP("timeout", "t", 3*time.Second, "check timeout")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: feedprobe [flags] [exchange/market/SYMBOL]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	path := *socket
	if path == "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(2)
		}
		path = cfg.Health.SocketPath
	}

	// An empty service name asks for the process as a whole.
	var service string
	if pflag.NArg() > 0 {
		key, err := exchanges.ParseKey(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad feed: %v\n", err)
			os.Exit(2)
		}
		service = key.String()
	}

	status, err := check(path, service, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func check(socketPath, service string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
