package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCServer_MirrorsReadiness(t *testing.T) {
	var storageDown atomic.Bool
	handler := NewHandler("test")
	handler.RegisterChecker("storage", NewProbe("storage", func(context.Context) error {
		if storageDown.Load() {
			return errors.New("down")
		}
		return nil
	}))

	server := NewGRPCServer(handler, prometheus.NewRegistry(), nil)
	server.interval = 10 * time.Millisecond

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status())

	storageDown.Store(true)
	require.Eventually(t, func() bool {
		return status() == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("grpc server did not stop")
	}
}

func TestGRPCServer_SyncDraining(t *testing.T) {
	handler := NewHandler("test")
	server := NewGRPCServer(handler, prometheus.NewRegistry(), nil)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, server.Sync(context.Background()))

	handler.SetDraining(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, server.Sync(context.Background()))
}
