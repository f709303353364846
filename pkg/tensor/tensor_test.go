package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

func TestCompareMSE(t *testing.T) {
	a, err := FromValues([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	b, err := FromValues([]float32{1, 2, 3}, 3)
	require.NoError(t, err)

	mse, err := Compare(a, b, MSE)
	require.NoError(t, err)
	assert.Equal(t, 0.0, mse)

	zeros := New(2)
	ones := Full(1, 2)
	mse, err = Compare(zeros, ones, MSE)
	require.NoError(t, err)
	assert.Equal(t, 1.0, mse)
}

func TestCompareOtherMetrics(t *testing.T) {
	a, _ := FromValues([]float32{0, 0, 0, 0}, 2, 2)
	b, _ := FromValues([]float32{1, -3, 0, 0}, 2, 2)

	mae, err := Compare(a, b, MAE)
	require.NoError(t, err)
	assert.Equal(t, 1.0, mae)

	maxAbs, err := Compare(a, b, MaxAbs)
	require.NoError(t, err)
	assert.Equal(t, 3.0, maxAbs)
}

func TestCompareShapeMismatch(t *testing.T) {
	_, err := Compare(New(1, 3), New(3, 1), MSE)
	assert.ErrorIs(t, err, errdefs.ErrShape)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("MAE")
	require.NoError(t, err)
	assert.Equal(t, MAE, m)

	_, err = ParseMetric("psnr")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestWrapBorrowed(t *testing.T) {
	buf := make([]float32, 6)
	tt, err := Wrap(buf, []int{2, 3}, false)
	require.NoError(t, err)
	assert.False(t, tt.OwnsData)

	require.NoError(t, tt.Assign([]float32{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, buf, "assign must write through to caller memory")

	tt.Release()
	assert.NotNil(t, tt.Data, "borrowed data is not released")

	_, err = Wrap(buf, []int{4, 2}, false)
	assert.ErrorIs(t, err, errdefs.ErrShape)
}

func TestAssignAllocatesEmpty(t *testing.T) {
	out := Empty(1, 2)
	assert.False(t, out.Populated())
	require.NoError(t, out.Assign([]float32{7, 8}))
	assert.True(t, out.OwnsData)
	assert.True(t, out.Populated())

	err := out.Assign([]float32{1})
	assert.ErrorIs(t, err, errdefs.ErrShape)
	assert.Equal(t, []float32{7, 8}, out.Data)
}

func TestParseShape(t *testing.T) {
	shape, err := ParseShape("1, 10,")
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 10}, shape); diff != "" {
		t.Errorf("unexpected shape (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "1,x", "-1"} {
		_, err := ParseShape(bad)
		assert.ErrorIs(t, err, errdefs.ErrConfiguration, "shape %q", bad)
	}
}

func TestLayoutRoundTrip(t *testing.T) {
	dims := []int{2, 3}
	rowMajor := []float32{1, 2, 3, 4, 5, 6}
	colMajor := make([]float32, 6)
	require.NoError(t, RowMajorToColumnMajor(dims, rowMajor, colMajor))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, colMajor)

	back := make([]float32, 6)
	require.NoError(t, ColumnMajorToRowMajor(dims, colMajor, back))
	assert.Equal(t, rowMajor, back)

	err := ColumnMajorToRowMajor(dims, colMajor, make([]float32, 5))
	assert.ErrorIs(t, err, errdefs.ErrShape)

	err = ColumnMajorToRowMajor([]int{-1, -2}, []float32{1, 2}, make([]float32, 2))
	assert.ErrorIs(t, err, errdefs.ErrShape)
}

func TestString(t *testing.T) {
	assert.Equal(t, "Tensor(shape=[2], [0.5, 1])", Full(0, 2).withValues(0.5, 1).String())
}

func (t *Tensor) withValues(v ...float32) *Tensor {
	copy(t.Data, v)
	return t
}
