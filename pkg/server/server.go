// Package server exposes an open inference handle over gRPC.
//
// Messages use the hand-written wire codec, so no generated stubs are needed; clients
// must force the same codec (see Dial).
package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/infero"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/wire"
)

const (
	inferMethod    = "/infero.Inference/Infer"
	describeMethod = "/infero.Inference/Describe"
)

type inferenceService interface {
	Infer(ctx context.Context, req *InferRequest) (*InferResponse, error)
	Describe(ctx context.Context, req *DescribeRequest) (*DescribeResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "infero.Inference",
	HandlerType: (*inferenceService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Metadata: "infero/server",
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &InferRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(inferenceService).Infer(ctx, req.(*InferRequest))
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: inferMethod}, call)
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &DescribeRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return srv.(inferenceService).Describe(ctx, req.(*DescribeRequest))
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}, call)
}

// Server serves inference on one open handle. The handle serialises requests.
type Server struct {
	handle *infero.Handle
	engine string
}

var _ inferenceService = (*Server)(nil)

func New(h *infero.Handle, engineType string) *Server {
	return &Server{handle: h, engine: engineType}
}

// Register adds the inference service to s. s must have been built with ServerOptions.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// ServerOptions are the options a grpc.Server needs to host the service.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(wire.Codec{})}
}

func (s *Server) Infer(ctx context.Context, req *InferRequest) (*InferResponse, error) {
	log := klog.FromContext(ctx)

	inputs := make([]engine.Named, len(req.Inputs))
	for i := range req.Inputs {
		t, err := req.Inputs[i].Tensor()
		if err != nil {
			return nil, toStatus(fmt.Errorf("input %q: %w", req.Inputs[i].Name, err))
		}
		inputs[i] = engine.Named{Name: req.Inputs[i].Name, Tensor: t}
	}

	names := req.Outputs
	if len(names) == 0 {
		sig, err := s.handle.Describe()
		if err != nil {
			return nil, toStatus(err)
		}
		for _, out := range sig.Outputs {
			names = append(names, out.Name)
		}
	}
	outputs := make([]engine.Named, len(names))
	for i, name := range names {
		outputs[i] = engine.Named{Name: name, Tensor: tensor.Empty()}
	}

	if err := s.handle.InferMIMO(ctx, inputs, outputs); err != nil {
		log.V(2).Info("inference failed", "err", err)
		return nil, toStatus(err)
	}

	resp := &InferResponse{}
	for _, out := range outputs {
		resp.Outputs = append(resp.Outputs, FromTensor(out.Name, out.Tensor))
	}
	log.V(4).Info("served inference", "inputs", len(inputs), "outputs", len(outputs))
	return resp, nil
}

func (s *Server) Describe(ctx context.Context, req *DescribeRequest) (*DescribeResponse, error) {
	sig, err := s.handle.Describe()
	if err != nil {
		return nil, toStatus(err)
	}
	return &DescribeResponse{Engine: s.engine, Signature: sig}, nil
}

func toStatus(err error) error {
	return status.Error(errdefs.Code(err), err.Error())
}
