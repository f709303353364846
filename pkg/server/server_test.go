package server

import (
	"context"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"k8s.io/examples/AI/infero/internal/testmodels"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
	_ "k8s.io/examples/AI/infero/pkg/engine/backends"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/infero"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

// serve opens the dense onnx model and serves it on a loopback port.
func serve(t *testing.T) *Client {
	ctx := context.Background()

	h, err := infero.NewHandle(config.New(map[string]any{"type": "onnx"}),
		infero.WithModel(modelbuffer.FromBytes(testmodels.DenseONNX().Bytes())))
	require.NoError(t, err)
	require.NoError(t, h.Open(ctx))
	t.Cleanup(func() { h.Close() })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer(ServerOptions()...)
	New(h, "onnx").Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInfer(t *testing.T) {
	c := serve(t)
	ctx := context.Background()

	in := tensor.Full(1, 1, testmodels.DenseInputs)
	outs, err := c.Infer(ctx, []engine.Named{{Name: testmodels.DenseInputName, Tensor: in}})
	require.NoError(t, err)
	require.Contains(t, outs, testmodels.DenseOutputName)

	out := outs[testmodels.DenseOutputName]
	assert.Equal(t, []int{1, 1}, out.Shape)
	assert.InDeltaSlice(t, testmodels.DenseReference(in.Data), out.Data, 1e-5)

	again, err := c.Infer(ctx, []engine.Named{{Name: testmodels.DenseInputName, Tensor: in}}, testmodels.DenseOutputName)
	require.NoError(t, err)
	assert.Equal(t, out.Data, again[testmodels.DenseOutputName].Data)
}

func TestInferErrorsKeepTheirKind(t *testing.T) {
	c := serve(t)
	ctx := context.Background()

	_, err := c.Infer(ctx, []engine.Named{{Name: "nope", Tensor: tensor.Full(1, 1, testmodels.DenseInputs)}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = c.Infer(ctx, []engine.Named{{Name: testmodels.DenseInputName, Tensor: tensor.Full(1, 1, 3)}})
	assert.ErrorIs(t, err, errdefs.ErrShape)
}

func TestDescribe(t *testing.T) {
	c := serve(t)

	name, sig, err := c.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "onnx", name)
	want := engine.Signature{
		Inputs:  []engine.IO{{Name: testmodels.DenseInputName, Shape: []int{-1, testmodels.DenseInputs}}},
		Outputs: []engine.IO{{Name: testmodels.DenseOutputName, Shape: []int{-1, testmodels.DenseOutputs}}},
	}
	if diff := cmp.Diff(want, sig); diff != "" {
		t.Errorf("signature mismatch (-want +got):\n%s", diff)
	}
}

func TestUnreachableServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Describe(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrIO)
}

func TestSignatureEncoding(t *testing.T) {
	resp := &DescribeResponse{
		Engine: "tflite",
		Signature: engine.Signature{
			Inputs:  []engine.IO{{Name: "scalar", Shape: []int{}}, {Name: "unknown"}},
			Outputs: []engine.IO{{Name: "y", Shape: []int{-1, 3}}},
		},
	}
	var got DescribeResponse
	require.NoError(t, got.UnmarshalWire(resp.MarshalWire()))
	if diff := cmp.Diff(resp, &got); diff != "" {
		t.Errorf("describe response mismatch (-want +got):\n%s", diff)
	}
}
