package tflite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/infero/internal/testmodels"
	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

func load(t *testing.T, m *testmodels.TFLiteModel) (*Engine, error) {
	t.Helper()
	e, err := New(config.New(nil), modelbuffer.FromBytes(m.Bytes()))
	if err != nil {
		return nil, err
	}
	return e.(*Engine), nil
}

func TestParseDense(t *testing.T) {
	m, err := parseModel(testmodels.DenseTFLite().Bytes())
	require.NoError(t, err)

	assert.EqualValues(t, 3, m.version)
	assert.Equal(t, "infero-testmodels", m.description)
	assert.Equal(t, []int32{opFullyConnected, opLogistic}, m.opcodes)
	require.Len(t, m.subgraph.tensors, 8)
	assert.Equal(t, []int{1, testmodels.DenseInputs}, m.subgraph.tensors[0].shape)
	assert.Equal(t, []int{-1, testmodels.DenseInputs}, m.subgraph.tensors[0].signature)
	require.Len(t, m.subgraph.operators, 3)
	assert.True(t, m.subgraph.operators[0].hasOptions)
	assert.EqualValues(t, optionsFullyConnected, m.subgraph.operators[0].optionsType)

	w1, ok := m.floatBuffer(m.subgraph.tensors[1])
	require.True(t, ok)
	assert.Len(t, w1, testmodels.DenseInputs*testmodels.DenseHidden)
}

func TestRejectsWrongVersion(t *testing.T) {
	m := testmodels.DenseTFLite()
	m.Version = 2
	_, err := load(t, m)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestRejectsCustomOperators(t *testing.T) {
	m := testmodels.DenseTFLite()
	m.Custom = "MyOp"
	_, err := load(t, m)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestRejectsMissingIdentifier(t *testing.T) {
	b := testmodels.DenseTFLite().Bytes()
	copy(b[4:8], "XXXX")
	_, err := parseModel(b)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestTruncatedModel(t *testing.T) {
	b := testmodels.DenseTFLite().Bytes()
	_, err := parseModel(b[:len(b)/4])
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestAddMulReshapeSoftmax(t *testing.T) {
	m := &testmodels.TFLiteModel{
		Tensors: []testmodels.TFLiteTensor{
			{Name: "x", Shape: []int32{4}},
			{Name: "two", Shape: []int32{1}, Floats: []float32{2}},
			{Name: "doubled", Shape: []int32{4}},
			{Name: "shifted", Shape: []int32{4}},
			{Name: "shape", Shape: []int32{2}, Ints: []int32{2, 2}},
			{Name: "square", Shape: []int32{2, 2}},
			{Name: "y", Shape: []int32{2, 2}},
		},
		Inputs:  []int32{0},
		Outputs: []int32{6},
		Operators: []testmodels.TFLiteOperator{
			{Builtin: testmodels.TFLiteMul, Inputs: []int32{0, 1}, Outputs: []int32{2}},
			{Builtin: testmodels.TFLiteAdd, Inputs: []int32{2, 1}, Outputs: []int32{3}, FusedActivation: testmodels.TFLiteRelu6Activation},
			{Builtin: testmodels.TFLiteReshape, Inputs: []int32{3, 4}, Outputs: []int32{5}},
			{Builtin: testmodels.TFLiteSoftmax, Inputs: []int32{5}, Outputs: []int32{6}, Beta: 1},
		},
	}
	e, err := load(t, m)
	require.NoError(t, err)

	// 2x+2, clipped at 6: [2, 4, 6, 6].
	in, err := tensor.FromValues([]float32{0, 1, 2, 3}, 4)
	require.NoError(t, err)
	out := tensor.New(2, 2)
	require.NoError(t, e.Infer(context.Background(), in, out))

	assert.InDelta(t, 0.11920292, out.Data[0], 1e-6)
	assert.InDelta(t, 0.88079708, out.Data[1], 1e-6)
	assert.InDelta(t, 0.5, out.Data[2], 1e-6)
	assert.InDelta(t, 0.5, out.Data[3], 1e-6)
}

func TestUnsupportedOperator(t *testing.T) {
	m := testmodels.DenseTFLite()
	m.Operators[2].Builtin = 99
	_, err := load(t, m)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
