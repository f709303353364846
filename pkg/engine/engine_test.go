package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

type stubEngine struct{ name string }

func (s *stubEngine) Name() string        { return s.name }
func (s *stubEngine) Describe() Signature { return Signature{} }
func (s *stubEngine) Close() error        { return nil }
func (s *stubEngine) Print(w io.Writer)   {}
func (s *stubEngine) Infer(ctx context.Context, in, out *tensor.Tensor) error {
	return nil
}
func (s *stubEngine) InferMIMO(ctx context.Context, inputs, outputs []Named) error {
	return nil
}

func TestRegistry(t *testing.T) {
	Register("stub-ok", func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
		return &stubEngine{name: "stub-ok"}, nil
	})
	Register("stub-fails", func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
		return nil, errdefs.IOf("disk on fire")
	})
	Register("stub-crashes", func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
		return nil, errdefs.Runtimef("warmup run failed")
	})
	Register("stub-rejects", func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
		return nil, errors.New("not a model")
	})

	assert.Contains(t, Registered(), "stub-ok")

	e, err := Create("stub-ok", config.New(nil), modelbuffer.FromBytes([]byte{1}))
	require.NoError(t, err)
	assert.Equal(t, "stub-ok", e.Name())

	_, err = Create("stub-ok", config.New(nil), modelbuffer.FromBytes(nil))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	// Constructor errors keep their kind; only unclassified ones become configuration errors.
	_, err = Create("stub-fails", config.New(nil), modelbuffer.FromBytes([]byte{1}))
	assert.ErrorIs(t, err, errdefs.ErrIO)
	assert.NotErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Create("stub-crashes", config.New(nil), modelbuffer.FromBytes([]byte{1}))
	assert.Equal(t, errdefs.ErrEngineRuntime, errdefs.Kind(err))
	assert.NotErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = Create("stub-rejects", config.New(nil), modelbuffer.FromBytes([]byte{1}))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "creating stub-rejects engine: not a model")

	_, err = Create("no-such-engine", config.New(nil), modelbuffer.FromBytes([]byte{1}))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	assert.Panics(t, func() {
		Register("stub-ok", func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error) {
			return nil, nil
		})
	})
	assert.Panics(t, func() { Register("", nil) })
}

type testNode struct {
	id   string
	deps []string
}

func (n testNode) TensorID() string       { return n.id }
func (n testNode) Dependencies() []string { return n.deps }

func TestBuildDAG(t *testing.T) {
	nodes := []testNode{
		{id: "out", deps: []string{"b", "c"}},
		{id: "c", deps: []string{"a"}},
		{id: "b", deps: []string{"a"}},
		{id: "a"},
		{id: "unused", deps: []string{"a"}},
	}
	order, err := BuildDAG(nodes, []string{"out"})
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a", "c", "b", "out"}, order); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	_, err = BuildDAG(append(nodes, testNode{id: "orphan", deps: []string{"missing"}}), []string{"orphan"})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	cycle := []testNode{{id: "x", deps: []string{"y"}}, {id: "y", deps: []string{"x"}}}
	_, err = BuildDAG(cycle, []string{"x"})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(nil, []int{3, 4}))
	assert.True(t, Compatible([]int{-1, 4}, []int{7, 4}))
	assert.False(t, Compatible([]int{-1, 4}, []int{7, 5}))
	assert.False(t, Compatible([]int{4}, []int{1, 4}))
}

func TestWriteOutputsIsAllOrNothing(t *testing.T) {
	good := tensor.Full(9, 2)
	bad := tensor.Full(9, 3)
	results := map[string]*tensor.Tensor{
		"a": tensor.Full(1, 2),
		"b": tensor.Full(2, 2),
	}
	err := WriteOutputs(map[string]*tensor.Tensor{"a": good, "b": bad}, results)
	assert.ErrorIs(t, err, errdefs.ErrShape)
	assert.Equal(t, []float32{9, 9}, good.Data)
	assert.Equal(t, []float32{9, 9, 9}, bad.Data)

	// The caller's shape is kept when element counts agree.
	reshaped := tensor.New(1, 2)
	require.NoError(t, WriteOutputs(map[string]*tensor.Tensor{"a": reshaped}, results))
	assert.Equal(t, []int{1, 2}, reshaped.Shape)
	assert.Equal(t, []float32{1, 1}, reshaped.Data)
}

func TestBindOutputsRejectsDuplicates(t *testing.T) {
	declared := []IO{{Name: "y"}}
	_, err := BindOutputs(declared, []Named{{Name: "y", Tensor: tensor.New(1)}, {Name: "y", Tensor: tensor.New(1)}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	_, err = BindOutputs(declared, []Named{{Name: "y"}})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestSingleNeedsOneInputAndOutput(t *testing.T) {
	sig := Signature{Inputs: []IO{{Name: "a"}, {Name: "b"}}, Outputs: []IO{{Name: "y"}}}
	_, _, err := Single(sig, tensor.New(1), tensor.New(1))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "stub", Signature{
		Inputs:  []IO{{Name: "x", Shape: []int{-1, 10}}},
		Outputs: []IO{{Name: "y"}},
	}, [][2]string{{"nodes", "3"}})

	out := buf.String()
	assert.Contains(t, out, "Engine")
	assert.Contains(t, out, "stub")
	assert.Contains(t, out, "[?,10]")
	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "nodes")
}
