package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/food-calorie/internal/logging"
)

const (
	estimatorService = "calorie.v1.CalorieEstimator"
	estimateMethod   = "/" + estimatorService + "/Estimate"

	// messageSlack covers protobuf framing around the image bytes.
	messageSlack = 64 << 10
)

// MaxMessageBytes is the gRPC message size that carries an image of up to maxImageBytes.
func MaxMessageBytes(maxImageBytes int64) int {
	if maxImageBytes <= 0 || maxImageBytes > math.MaxInt32-messageSlack {
		return math.MaxInt32
	}
	return int(maxImageBytes) + messageSlack
}

// ServerOptions lets a model server receive images up to maxImageBytes.
// gRPC's default receive limit is 4 MiB.
func ServerOptions(maxImageBytes int64) []grpc.ServerOption {
	return []grpc.ServerOption{grpc.MaxRecvMsgSize(MaxMessageBytes(maxImageBytes))}
}

// Remote delegates prediction to an out-of-process model server over gRPC.
// Every call is bounded by the configured timeout.
type Remote struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logger  *zap.Logger
}

// DialRemote returns a Remote backend for addr that sends images up to maxImageBytes.
// The connection is established lazily, so an unreachable server surfaces per request
// as an unavailable backend.
func DialRemote(addr string, timeout time.Duration, maxImageBytes int64, logger *zap.Logger, opts ...grpc.DialOption) (*Remote, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(MaxMessageBytes(maxImageBytes))),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("inference.dial_remote", "", err)
		logger.Error("failed to create model server client", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemote(conn, timeout, logger), conn, nil
}

func NewRemote(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *Remote {
	return &Remote{conn: conn, timeout: timeout, logger: logger.Named("remote_model")}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Predict(ctx context.Context, image []byte) (Estimate, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(callCtx, estimateMethod, wrapperspb.Bytes(image), resp); err != nil {
		classified := r.classify(callCtx, err)
		r.logger.Warn("model server call failed", zap.Error(classified), zap.Duration("timeout", r.timeout))
		return Estimate{}, classified
	}

	caloriesField, ok := resp.GetFields()["calories"]
	if !ok {
		return Estimate{}, fail(r.Name(), ReasonInvalidOutput, errors.New("response has no calories field"))
	}
	if _, isNumber := caloriesField.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return Estimate{}, fail(r.Name(), ReasonInvalidOutput, fmt.Errorf("calories is %T", caloriesField.GetKind()))
	}

	estimate, err := newEstimate(r.Name(), caloriesField.GetNumberValue())
	if err != nil {
		return Estimate{}, err
	}
	// A low confidence is still a valid prediction; it is passed through, not rejected.
	if confidence, ok := resp.GetFields()["confidence"]; ok {
		if _, isNumber := confidence.GetKind().(*structpb.Value_NumberValue); isNumber {
			estimate = estimate.withConfidence(confidence.GetNumberValue())
		}
	}
	return estimate, nil
}

func (r *Remote) classify(callCtx context.Context, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fail(r.Name(), ReasonTimeout, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fail(r.Name(), ReasonTimeout, err)
	case codes.Unavailable, codes.Aborted, codes.Canceled:
		return fail(r.Name(), ReasonUnavailable, err)
	case codes.ResourceExhausted:
		return fail(r.Name(), ReasonTooLarge, err)
	case codes.InvalidArgument:
		return fail(r.Name(), ReasonMalformed, err)
	case codes.FailedPrecondition, codes.OutOfRange:
		return fail(r.Name(), ReasonUnsupported, err)
	default:
		return fail(r.Name(), ReasonFailed, err)
	}
}
