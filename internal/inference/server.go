package inference

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type estimatorServer interface {
	Estimate(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var estimatorServiceDesc = grpc.ServiceDesc{
	ServiceName: estimatorService,
	HandlerType: (*estimatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Estimate", Handler: estimateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "calorie/v1/estimator.proto",
}

func estimateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(estimatorServer).Estimate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: estimateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(estimatorServer).Estimate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEstimatorServer exposes backend on s using the wire contract Remote speaks.
func RegisterEstimatorServer(s grpc.ServiceRegistrar, backend Backend, logger *zap.Logger) {
	registerEstimator(s, &backendServer{backend: backend, logger: logger.Named("estimator_server")})
}

func registerEstimator(s grpc.ServiceRegistrar, srv estimatorServer) {
	s.RegisterService(&estimatorServiceDesc, srv)
}

type backendServer struct {
	backend Backend
	logger  *zap.Logger
}

func (s *backendServer) Estimate(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	estimate, err := s.backend.Predict(ctx, req.GetValue())
	if err != nil {
		s.logger.Warn("prediction failed", zap.Error(err))
		return nil, status.Error(statusCode(err), err.Error())
	}

	fields := map[string]interface{}{
		"calories": estimate.Calories(),
		"backend":  estimate.Backend(),
	}
	if confidence, ok := estimate.Confidence(); ok {
		fields["confidence"] = confidence
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func statusCode(err error) codes.Code {
	reason, ok := ReasonOf(err)
	if !ok {
		return codes.Internal
	}
	switch reason {
	case ReasonMalformed:
		return codes.InvalidArgument
	case ReasonUnsupported:
		return codes.FailedPrecondition
	case ReasonUnavailable:
		return codes.Unavailable
	case ReasonTimeout:
		return codes.DeadlineExceeded
	case ReasonTooLarge:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}
