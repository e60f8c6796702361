package grpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aradsms/verification_gateway/internal/verification_service/upstream"
)

func checkStatus(t *testing.T, srv healthpb.HealthServer, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServer_MirrorsBreakerState(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := upstream.NewBreakerSet(upstream.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 20 * time.Millisecond})
	h := NewHealthServer(breakers, logger)
	h.Track(upstream.VerificationProviderName)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, h.Server(), ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, h.Server(), upstream.VerificationProviderName))

	b := breakers.Get(upstream.VerificationProviderName)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, h.Server(), upstream.VerificationProviderName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, h.Server(), ""), "process health is independent of upstreams")

	// After the recovery timeout the half-open trial is admitted and the service reports SERVING again.
	require.Eventually(t, func() bool { return b.Allow() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, h.Server(), upstream.VerificationProviderName))

	b.Failure()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, h.Server(), upstream.VerificationProviderName))

	require.Eventually(t, func() bool { return b.Allow() == nil }, time.Second, 5*time.Millisecond)
	b.Success()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, h.Server(), upstream.VerificationProviderName))
}

func TestHealthServer_PicksUpExistingBreakers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := upstream.NewBreakerSet(upstream.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b := breakers.Get("sms-archive")
	require.NoError(t, b.Allow())
	b.Failure()

	h := NewHealthServer(breakers, logger)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, h.Server(), "sms-archive"))

	_, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}

func TestHealthServer_OverGRPC(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breakers := upstream.NewBreakerSet(upstream.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	h := NewHealthServer(breakers, logger)
	h.Track(upstream.VerificationProviderName)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	h.Register(s)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: upstream.VerificationProviderName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	h.Shutdown()
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: upstream.VerificationProviderName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
