package tensorio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/tensor/csv"
	"k8s.io/examples/AI/infero/pkg/tensor/numpy"
)

// awkward holds values that do not survive a naive decimal round-trip.
var awkward = []float32{
	0, 1, -1, 0.1, 1.0 / 3, float32(math.Pi), 1e-38, -3.4028235e38,
	math.Float32frombits(1), math.SmallestNonzeroFloat32, 123456.789, -0.0,
}

func TestRoundTrip(t *testing.T) {
	shapes := [][]int{{12}, {3, 4}, {2, 3, 2}, {1, 12}}
	for _, ext := range []string{".npy", ".csv"} {
		for _, shape := range shapes {
			original, err := tensor.FromValues(awkward, shape...)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "t"+ext)
			require.NoError(t, Save(original, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, original.Shape, loaded.Shape, "%s %v", ext, shape)
			require.Len(t, loaded.Data, len(original.Data))
			for i := range original.Data {
				assert.Equal(t, math.Float32bits(original.Data[i]), math.Float32bits(loaded.Data[i]),
					"%s %v element %d", ext, shape, i)
			}
		}
	}
}

func TestUnknownExtension(t *testing.T) {
	_, err := Load("tensor.parquet")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.ErrorIs(t, Save(tensor.New(1), "tensor.bin"), errdefs.ErrConfiguration)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.npy"))
	assert.ErrorIs(t, err, errdefs.ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNpyHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, numpy.Write(tensor.Full(1, 1, 10), &buf))
	headerLen := int(binary.LittleEndian.Uint16(buf.Bytes()[8:10]))
	assert.Zero(t, (10+headerLen)%16)
	assert.Equal(t, 10+headerLen+40, buf.Len())
	assert.True(t, strings.Contains(buf.String(), "'shape': (1, 10)"))
}

// npy builds a .npy stream by hand for dtypes the writer never produces.
func npy(descr string, fortran bool, shape string, data []byte) []byte {
	order := "False"
	if fortran {
		order = "True"
	}
	header := "{'descr': '" + descr + "', 'fortran_order': " + order + ", 'shape': " + shape + ", }\n"
	out := []byte("\x93NUMPY\x01\x00")
	out = binary.LittleEndian.AppendUint16(out, uint16(len(header)))
	out = append(out, header...)
	return append(out, data...)
}

func TestNpyDTypes(t *testing.T) {
	var f64 []byte
	for _, v := range []float64{1.5, -2} {
		f64 = binary.LittleEndian.AppendUint64(f64, math.Float64bits(v))
	}
	got, err := numpy.Read(bytes.NewReader(npy("<f8", false, "(2,)", f64)))
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, got.Data)

	var f16 []byte
	for _, v := range []float32{0.5, 4} {
		f16 = binary.LittleEndian.AppendUint16(f16, float16.Fromfloat32(v).Bits())
	}
	got, err = numpy.Read(bytes.NewReader(npy("<f2", false, "(2,)", f16)))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 4}, got.Data)

	var i64 []byte
	for _, v := range []int64{-7, 9} {
		i64 = binary.LittleEndian.AppendUint64(i64, uint64(v))
	}
	got, err = numpy.Read(bytes.NewReader(npy("<i8", false, "(2,)", i64)))
	require.NoError(t, err)
	assert.Equal(t, []float32{-7, 9}, got.Data)

	_, err = numpy.Read(bytes.NewReader(npy(">f4", false, "(1,)", make([]byte, 4))))
	assert.ErrorIs(t, err, errdefs.ErrIO)

	_, err = numpy.Read(bytes.NewReader([]byte("not numpy at all")))
	assert.ErrorIs(t, err, errdefs.ErrIO)
}

func TestNpyFortranOrder(t *testing.T) {
	var data []byte
	// Column-major [[1,2,3],[4,5,6]].
	for _, v := range []float32{1, 4, 2, 5, 3, 6} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	got, err := numpy.Read(bytes.NewReader(npy("<f4", true, "(2, 3)", data)))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.Data)
}

func TestNpzArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.npz")
	in := map[string]*tensor.Tensor{
		"input":  tensor.Full(1, 1, 10),
		"output": tensor.Full(2, 1, 1),
	}
	require.NoError(t, numpy.SaveArchive(in, path))

	out, err := numpy.LoadArchive(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in["input"].Data, out["input"].Data)
	assert.Equal(t, []int{1, 1}, out["output"].Shape)
}

func TestCSVWithoutShapeLine(t *testing.T) {
	got, err := csv.Read(strings.NewReader("1.5, 2\n3\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got.Shape)
	assert.Equal(t, []float32{1.5, 2, 3}, got.Data)

	_, err = csv.Read(strings.NewReader("# shape: 2,2\n1,2,3\n"))
	assert.ErrorIs(t, err, errdefs.ErrIO)
}
