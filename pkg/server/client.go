package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/infero/pkg/engine"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/wire"
)

// Client calls a Server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the server at addr. Extra options are appended to the defaults
// (insecure transport and the wire codec).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errdefs.Configurationf("connecting to %q: %v", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Infer sends inputs and returns the requested outputs by name. With no names the server
// returns every declared output.
func (c *Client) Infer(ctx context.Context, inputs []engine.Named, outputs ...string) (map[string]*tensor.Tensor, error) {
	req := &InferRequest{Outputs: outputs}
	for _, in := range inputs {
		req.Inputs = append(req.Inputs, FromTensor(in.Name, in.Tensor))
	}
	resp := &InferResponse{}
	if err := c.conn.Invoke(ctx, inferMethod, req, resp); err != nil {
		return nil, fromStatus("infer", err)
	}
	result := make(map[string]*tensor.Tensor, len(resp.Outputs))
	for i := range resp.Outputs {
		t, err := resp.Outputs[i].Tensor()
		if err != nil {
			return nil, errdefs.Mark(fmt.Errorf("output %q: %w", resp.Outputs[i].Name, err), errdefs.ErrProtocol)
		}
		result[resp.Outputs[i].Name] = t
	}
	return result, nil
}

// Describe returns the engine name and signature of the served model.
func (c *Client) Describe(ctx context.Context) (string, engine.Signature, error) {
	resp := &DescribeResponse{}
	if err := c.conn.Invoke(ctx, describeMethod, &DescribeRequest{}, resp); err != nil {
		return "", engine.Signature{}, fromStatus("describe", err)
	}
	return resp.Engine, resp.Signature, nil
}

// fromStatus restores the error kind the server reported.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errdefs.Mark(fmt.Errorf("%s: %w", op, err), errdefs.ErrProtocol)
	}
	if st.Code() == codes.Unavailable {
		return errdefs.Mark(fmt.Errorf("%s: %w", op, err), errdefs.ErrIO)
	}
	return errdefs.Mark(fmt.Errorf("%s: %s", op, st.Message()), errdefs.FromCode(st.Code()))
}
