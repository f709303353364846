package infero

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"k8s.io/examples/AI/infero/internal/testmodels"
	"k8s.io/examples/AI/infero/pkg/collective"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/engine"
	_ "k8s.io/examples/AI/infero/pkg/engine/backends"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, testmodels.DenseONNX().Bytes(), 0o644))
	return path
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	r := NewRuntime()
	require.NoError(t, r.Initialise(context.Background(), WithCommunicator(collective.Self())))
	return r
}

func TestEndToEndDeterminism(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)

	id, err := r.CreateHandleFromYAML(fmt.Sprintf(" path: %s\n type: onnx", writeModel(t)))
	require.NoError(t, err)
	require.NoError(t, r.OpenHandle(ctx, id))

	in := tensor.Full(1, 1, 10)
	first := tensor.New(1, 1)
	second := tensor.New(1, 1)
	require.NoError(t, r.Infer(ctx, id, in, first))
	require.NoError(t, r.Infer(ctx, id, in, second))
	assert.Equal(t, first.Data, second.Data)
	assert.InDelta(t, testmodels.DenseReference(in.Data)[0], first.Data[0], 1e-5)

	require.NoError(t, r.CloseHandle(id))
	require.NoError(t, r.DeleteHandle(id))
	require.NoError(t, r.Finalise(ctx))
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)
	path := writeModel(t)
	in := tensor.Full(1, 1, 10)

	id, err := r.CreateHandle(config.New(map[string]any{"path": path, "type": "onnx"}))
	require.NoError(t, err)
	h, err := r.Handle(id)
	require.NoError(t, err)
	assert.Equal(t, Created, h.State())

	// Never opened.
	assert.ErrorIs(t, r.Infer(ctx, id, in, tensor.New(1, 1)), errdefs.ErrInvalidState)
	assert.ErrorIs(t, r.CloseHandle(id), errdefs.ErrInvalidState)
	_, err = r.Describe(id)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	require.NoError(t, r.OpenHandle(ctx, id))
	assert.Equal(t, Open, h.State())

	// Open twice is rejected, and the open engine keeps working.
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrInvalidState)
	require.NoError(t, r.Infer(ctx, id, in, tensor.New(1, 1)))

	// An open handle must be closed before it is deleted.
	assert.ErrorIs(t, r.DeleteHandle(id), errdefs.ErrInvalidState)

	require.NoError(t, r.CloseHandle(id))
	assert.Equal(t, Closed, h.State())
	assert.ErrorIs(t, r.Infer(ctx, id, in, tensor.New(1, 1)), errdefs.ErrInvalidState)
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrInvalidState)

	require.NoError(t, r.DeleteHandle(id))
	assert.Equal(t, Deleted, h.State())
	assert.ErrorIs(t, r.DeleteHandle(id), errdefs.ErrInvalidState)
	assert.ErrorIs(t, r.Infer(ctx, id, in, tensor.New(1, 1)), errdefs.ErrInvalidState)

	// The slot is reused, but the old id stays dead.
	next, err := r.CreateHandle(config.New(map[string]any{"path": path, "type": "onnx"}))
	require.NoError(t, err)
	assert.Equal(t, id.index(), next.index())
	assert.NotEqual(t, id, next)
	assert.ErrorIs(t, r.DeleteHandle(id), errdefs.ErrInvalidState)

	// Created handles can be deleted directly.
	require.NoError(t, r.DeleteHandle(next))
	require.NoError(t, r.Finalise(ctx))
}

func TestFailedOpenStaysCreated(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)
	path := filepath.Join(t.TempDir(), "later.onnx")

	id, err := r.CreateHandleFromYAML(fmt.Sprintf("path: %s\ntype: onnx", path))
	require.NoError(t, err)
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrIO)
	h, err := r.Handle(id)
	require.NoError(t, err)
	assert.Equal(t, Created, h.State())

	require.NoError(t, os.WriteFile(path, testmodels.DenseONNX().Bytes(), 0o644))
	require.NoError(t, r.OpenHandle(ctx, id))
	assert.Equal(t, Open, h.State())
	require.NoError(t, r.Finalise(ctx))
}

func TestConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	r := newRuntime(t)

	_, err := r.CreateHandleFromYAML("path: model.onnx")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration, "type is required")

	id, err := r.CreateHandleFromYAML("path: model.onnx\ntype: unknown-xyz")
	require.NoError(t, err)
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrConfiguration)

	id, err = r.CreateHandleFromYAML("type: onnx")
	require.NoError(t, err)
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrConfiguration, "path is required on the root")

	// A model the backend cannot parse.
	id, err = r.CreateHandleFromYAML("type: tflite", WithModel(modelbuffer.FromBytes(testmodels.DenseONNX().Bytes())))
	require.NoError(t, err)
	assert.ErrorIs(t, r.OpenHandle(ctx, id), errdefs.ErrConfiguration)
	require.NoError(t, r.Finalise(ctx))
}

func TestRuntimeState(t *testing.T) {
	ctx := context.Background()
	r := NewRuntime()

	_, err := r.CreateHandleFromYAML("type: onnx")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.ErrorIs(t, r.Finalise(ctx), errdefs.ErrInvalidState)

	require.NoError(t, r.Initialise(ctx, WithCommunicator(collective.Self())))
	assert.ErrorIs(t, r.Initialise(ctx), errdefs.ErrInvalidState)

	// Finalise cleans up whatever is left.
	id, err := r.CreateHandleFromYAML("type: onnx", WithModel(modelbuffer.FromBytes(testmodels.DenseONNX().Bytes())))
	require.NoError(t, err)
	require.NoError(t, r.OpenHandle(ctx, id))
	h, err := r.Handle(id)
	require.NoError(t, err)

	require.NoError(t, r.Finalise(ctx))
	assert.Equal(t, Deleted, h.State())
	assert.ErrorIs(t, r.Infer(ctx, id, tensor.Full(1, 1, 10), tensor.New(1, 1)), errdefs.ErrInvalidState)
	assert.ErrorIs(t, r.Initialise(ctx), errdefs.ErrInvalidState)
}

func TestInferFloat(t *testing.T) {
	ctx := context.Background()
	network := &testmodels.ONNXModel{
		Opset: 13,
		Graph: testmodels.ONNXGraph{
			Name: "scale",
			Initializers: []testmodels.ONNXTensor{
				{Name: "k", Dims: []int64{3}, Floats: []float32{1, 10, 100}},
			},
			Nodes: []testmodels.ONNXNode{
				{Name: "mul", OpType: "Mul", Inputs: []string{"x", "k"}, Outputs: []string{"y"}},
			},
			Inputs:  []testmodels.ONNXValue{{Name: "x", Shape: []int64{2, 3}}},
			Outputs: []testmodels.ONNXValue{{Name: "y", Shape: []int64{2, 3}}},
		},
	}
	r := newRuntime(t)
	id, err := r.CreateHandleFromYAML("type: onnx", WithModel(modelbuffer.FromBytes(network.Bytes())))
	require.NoError(t, err)
	require.NoError(t, r.OpenHandle(ctx, id))

	// Row-major, bound by position.
	out := make([]float32, 6)
	err = r.InferFloat(ctx, id,
		[]RawTensor{{Data: []float32{1, 2, 3, 4, 5, 6}, Shape: []int{2, 3}}},
		[]RawTensor{{Data: out, Shape: []int{2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 20, 300, 4, 50, 600}, out)

	// Column-major in and out, bound by name.
	out = make([]float32, 6)
	err = r.InferFloat(ctx, id,
		[]RawTensor{{Name: "x", Data: []float32{1, 4, 2, 5, 3, 6}, Shape: []int{2, 3}, Layout: tensor.ColumnMajor}},
		[]RawTensor{{Name: "y", Data: out, Shape: []int{2, 3}, Layout: tensor.ColumnMajor}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 20, 50, 300, 600}, out)

	// Buffer and shape disagree.
	out = []float32{7, 7, 7, 7, 7, 7}
	err = r.InferFloat(ctx, id,
		[]RawTensor{{Data: []float32{1, 2, 3}, Shape: []int{2, 3}}},
		[]RawTensor{{Data: out, Shape: []int{2, 3}}})
	assert.ErrorIs(t, err, errdefs.ErrShape)
	assert.Equal(t, []float32{7, 7, 7, 7, 7, 7}, out)

	// Negative dims whose product still matches the buffer.
	out = []float32{7, 7}
	err = r.InferFloat(ctx, id,
		[]RawTensor{{Name: "x", Data: []float32{1, 2}, Shape: []int{-1, -2}, Layout: tensor.ColumnMajor}},
		[]RawTensor{{Name: "y", Data: out, Shape: []int{-1, -2}, Layout: tensor.ColumnMajor}})
	assert.ErrorIs(t, err, errdefs.ErrShape)
	assert.Equal(t, []float32{7, 7}, out)

	// More tensors than the model declares.
	err = r.InferFloat(ctx, id,
		[]RawTensor{{Data: make([]float32, 6), Shape: []int{2, 3}}, {Data: make([]float32, 6), Shape: []int{2, 3}}},
		[]RawTensor{{Data: out, Shape: []int{2, 3}}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	var buf bytes.Buffer
	require.NoError(t, r.Print(id, &buf))
	assert.Contains(t, buf.String(), "onnx")
	require.NoError(t, r.Finalise(ctx))
}

func TestOpenAcrossGroup(t *testing.T) {
	const ranks = 3
	ctx := context.Background()
	comms := collective.NewLocalGroup(ranks)
	path := writeModel(t)

	outputs := make([]*tensor.Tensor, ranks)
	signatures := make([]engine.Signature, ranks)
	g, ctx := errgroup.WithContext(ctx)
	for rank := range ranks {
		g.Go(func() error {
			r := NewRuntime()
			if err := r.Initialise(ctx, WithCommunicator(comms[rank])); err != nil {
				return err
			}
			// Only the root knows where the model is.
			cfg := config.New(map[string]any{"type": "onnx"})
			if rank == 0 {
				cfg = cfg.With("path", path)
			}
			id, err := r.CreateHandle(cfg)
			if err != nil {
				return err
			}
			if err := r.OpenHandle(ctx, id); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			if signatures[rank], err = r.Describe(id); err != nil {
				return err
			}
			outputs[rank] = tensor.New(1, 1)
			if err := r.Infer(ctx, id, tensor.Full(1, 1, 10), outputs[rank]); err != nil {
				return err
			}
			if err := r.CloseHandle(id); err != nil {
				return err
			}
			if err := r.DeleteHandle(id); err != nil {
				return err
			}
			return r.Finalise(ctx)
		})
	}
	require.NoError(t, g.Wait())

	for rank := 1; rank < ranks; rank++ {
		assert.Equal(t, outputs[0].Data, outputs[rank].Data, "rank %d", rank)
		assert.Equal(t, signatures[0], signatures[rank], "rank %d", rank)
	}
}

func TestRootFailureReachesEveryRank(t *testing.T) {
	const ranks = 2
	comms := collective.NewLocalGroup(ranks)
	missing := filepath.Join(t.TempDir(), "missing.onnx")

	errs := make([]error, ranks)
	var g errgroup.Group
	for rank := range ranks {
		g.Go(func() error {
			h, err := NewHandle(config.New(map[string]any{"type": "onnx", "path": missing}), WithCommunicator(comms[rank]))
			if err != nil {
				return err
			}
			errs[rank] = h.Open(context.Background())
			if h.State() != Created {
				return fmt.Errorf("rank %d: state %v after failed open", rank, h.State())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for rank, err := range errs {
		assert.ErrorIs(t, err, errdefs.ErrIO, "rank %d", rank)
	}
}

func TestHandleIDs(t *testing.T) {
	var table handleTable
	a := table.add(&Handle{})
	b := table.add(&Handle{})
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)

	h, err := table.get(a)
	require.NoError(t, err)
	table.remove(a, h)
	_, err = table.get(a)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	_, err = table.get(newHandleID(99, 1))
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.Equal(t, "handle(1#1)", b.String())
}
