package inference

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/food-calorie/internal/apperr"
)

type estimatorFunc func(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)

func (f estimatorFunc) Estimate(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	return f(ctx, req)
}

// startEstimator serves register on an in-memory listener and returns a Remote dialled to it.
func startEstimator(t *testing.T, timeout time.Duration, register func(*grpc.Server)) *Remote {
	t.Helper()
	return startSizedEstimator(t, timeout, 1<<20, nil, register)
}

func startSizedEstimator(t *testing.T, timeout time.Duration, maxImageBytes int64, serverOpts []grpc.ServerOption, register func(*grpc.Server)) *Remote {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(serverOpts...)
	register(server)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	remote, conn, err := DialRemote("passthrough:///bufnet", timeout, maxImageBytes, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return remote
}

func startFuncEstimator(t *testing.T, timeout time.Duration, fn estimatorFunc) *Remote {
	return startEstimator(t, timeout, func(s *grpc.Server) { registerEstimator(s, fn) })
}

func TestRemoteRoundTripThroughRegisteredBackend(t *testing.T) {
	remote := startEstimator(t, time.Second, func(s *grpc.Server) {
		RegisterEstimatorServer(s, NewStub(DefaultStubCalories), zap.NewNop())
	})

	estimate, err := remote.Predict(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, 250.0, estimate.Calories())
	assert.Equal(t, "remote", estimate.Backend())
}

func TestRemotePassesLowConfidenceThrough(t *testing.T) {
	remote := startFuncEstimator(t, time.Second, func(_ context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
		assert.Equal(t, []byte("img"), req.GetValue())
		return structpb.NewStruct(map[string]interface{}{"calories": 512.5, "confidence": 0.05})
	})

	estimate, err := remote.Predict(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, 512.5, estimate.Calories())
	confidence, ok := estimate.Confidence()
	require.True(t, ok)
	assert.InDelta(t, 0.05, confidence, 1e-9)
}

func TestRemoteTimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	remote := startFuncEstimator(t, 100*time.Millisecond, func(ctx context.Context, _ *wrapperspb.BytesValue) (*structpb.Struct, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return nil, status.Error(codes.Unavailable, "released")
		}
	})

	start := time.Now()
	_, err := remote.Predict(context.Background(), []byte("img"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, apperr.KindInference, apperr.KindOf(err))
	assert.True(t, apperr.IsTransient(err))
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestRemoteClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		code      codes.Code
		reason    Reason
		transient bool
	}{
		{name: "unavailable", code: codes.Unavailable, reason: ReasonUnavailable},
		{name: "exhausted", code: codes.ResourceExhausted, reason: ReasonTooLarge},
		{name: "deadline", code: codes.DeadlineExceeded, reason: ReasonTimeout, transient: true},
		{name: "invalid argument", code: codes.InvalidArgument, reason: ReasonMalformed},
		{name: "failed precondition", code: codes.FailedPrecondition, reason: ReasonUnsupported},
		{name: "internal", code: codes.Internal, reason: ReasonFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := startFuncEstimator(t, time.Second, func(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error) {
				return nil, status.Error(tc.code, "model says no")
			})

			_, err := remote.Predict(context.Background(), []byte("img"))
			require.Error(t, err)
			assert.Equal(t, tc.transient, apperr.IsTransient(err))
			reason, ok := ReasonOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestRemoteCarriesImagesAboveDefaultMessageLimit(t *testing.T) {
	const limit = 10 << 20
	image := make([]byte, 5<<20)
	remote := startSizedEstimator(t, 5*time.Second, limit, ServerOptions(limit), func(s *grpc.Server) {
		registerEstimator(s, estimatorFunc(func(_ context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]interface{}{"calories": float64(len(req.GetValue()) >> 20)})
		}))
	})

	estimate, err := remote.Predict(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, 5.0, estimate.Calories())
}

func TestRemoteReportsOversizedMessageAsTooLarge(t *testing.T) {
	const limit = 10 << 20
	remote := startSizedEstimator(t, 5*time.Second, limit, nil, func(s *grpc.Server) {
		RegisterEstimatorServer(s, NewStub(DefaultStubCalories), zap.NewNop())
	})

	_, err := remote.Predict(context.Background(), make([]byte, 5<<20))
	require.Error(t, err)
	assert.False(t, apperr.IsTransient(err))
	reason, ok := ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonTooLarge, reason)
}

func TestMaxMessageBytes(t *testing.T) {
	assert.Equal(t, 10<<20+64<<10, MaxMessageBytes(10<<20))
	assert.Equal(t, math.MaxInt32, MaxMessageBytes(1<<40))
	assert.Equal(t, math.MaxInt32, MaxMessageBytes(0))
}

func TestRemoteRejectsInvalidOutput(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing calories":  {"confidence": 0.9},
		"string calories":   {"calories": "lots"},
		"negative calories": {"calories": -12.0},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			remote := startFuncEstimator(t, time.Second, func(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error) {
				return structpb.NewStruct(fields)
			})

			_, err := remote.Predict(context.Background(), []byte("img"))
			require.Error(t, err)
			assert.False(t, apperr.IsTransient(err))
			reason, _ := ReasonOf(err)
			assert.Equal(t, ReasonInvalidOutput, reason)
		})
	}
}

func TestEstimatorServerMapsBackendErrors(t *testing.T) {
	failing := backendFunc(func(context.Context, []byte) (Estimate, error) {
		return Estimate{}, fail("local", ReasonMalformed, ErrMalformedImage)
	})
	remote := startEstimator(t, time.Second, func(s *grpc.Server) {
		RegisterEstimatorServer(s, failing, zap.NewNop())
	})

	_, err := remote.Predict(context.Background(), []byte("garbage"))
	require.Error(t, err)
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonMalformed, reason)
}

type backendFunc func(ctx context.Context, image []byte) (Estimate, error)

func (f backendFunc) Name() string { return "func" }

func (f backendFunc) Predict(ctx context.Context, image []byte) (Estimate, error) {
	return f(ctx, image)
}
