package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/infero/internal/testmodels"
	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/tensor/csv"
	"k8s.io/examples/AI/infero/pkg/tensor/numpy"
)

type fixture struct {
	dir   string
	model string
	input string
	ref   string
	wrong string
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	f := &fixture{
		dir:   dir,
		model: filepath.Join(dir, "model.onnx"),
		input: filepath.Join(dir, "data.npy"),
		ref:   filepath.Join(dir, "ref.csv"),
		wrong: filepath.Join(dir, "wrong.csv"),
	}
	require.NoError(t, os.WriteFile(f.model, testmodels.DenseONNX().Bytes(), 0644))

	in := tensor.Full(1, 1, testmodels.DenseInputs)
	require.NoError(t, numpy.Save(in, f.input))

	want := testmodels.DenseReference(in.Data)
	ref, err := tensor.FromValues(want, 1, testmodels.DenseOutputs)
	require.NoError(t, err)
	require.NoError(t, csv.Save(ref, f.ref))

	for i := range ref.Data {
		ref.Data[i] += 1
	}
	require.NoError(t, csv.Save(ref, f.wrong))
	return f
}

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunMatchesReference(t *testing.T) {
	f := newFixture(t)
	output := filepath.Join(f.dir, "pred.npy")

	_, err := execute(t, "run", "--model", f.model, "--input", f.input, "--ref_path", f.ref, "--output", output)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode(err))

	pred, err := numpy.Load(output)
	require.NoError(t, err)
	assert.Equal(t, []int{1, testmodels.DenseOutputs}, pred.Shape)
}

func TestRunThresholdExceeded(t *testing.T) {
	f := newFixture(t)

	_, err := execute(t, "run", "--model", f.model, "--input", f.input, "--ref_path", f.wrong)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	// A loose enough threshold accepts the same prediction.
	_, err = execute(t, "run", "--model", f.model, "--input", f.input, "--ref-path", f.wrong, "--threshold", "2")
	require.NoError(t, err)

	_, err = execute(t, "run", "--model", f.model, "--input", f.input, "--ref_path", f.wrong, "--metric", "max", "--threshold", "0.5")
	assert.Equal(t, 2, exitCode(err))
}

func TestRunOutputOnlyWhenRequested(t *testing.T) {
	f := newFixture(t)
	t.Chdir(f.dir)

	_, err := execute(t, "run", "--model", f.model, "--input", f.input)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.dir, "out.csv"))

	_, err = execute(t, "run", "--model", f.model, "--input", f.input, "--output", "out.csv")
	require.NoError(t, err)
	pred, err := csv.Load(filepath.Join(f.dir, "out.csv"))
	require.NoError(t, err)
	ref, err := csv.Load(f.ref)
	require.NoError(t, err)
	mse, err := tensor.Compare(pred, ref, tensor.MSE)
	require.NoError(t, err)
	assert.Less(t, mse, 1e-9)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		name string
		args []string
		kind error
	}{
		{"unknown engine", []string{"--engine", "unknown-xyz"}, errdefs.ErrConfiguration},
		{"missing model", []string{"--model", filepath.Join(f.dir, "absent.onnx")}, errdefs.ErrIO},
		{"wrong output shape", []string{"--out_shape", "1,2"}, errdefs.ErrShape},
		{"bad output shape", []string{"--out_shape", "1,x"}, errdefs.ErrConfiguration},
		{"bad metric", []string{"--metric", "rmse"}, errdefs.ErrConfiguration},
		{"engine for another format", []string{"--engine", "tflite"}, errdefs.ErrConfiguration},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"run", "--model", f.model, "--input", f.input}, tc.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, 1, exitCode(err))
		})
	}
}

func TestRunLocalRanks(t *testing.T) {
	f := newFixture(t)

	_, err := execute(t, "run", "--model", f.model, "--input", f.input, "--ref_path", f.ref, "--local-ranks", "3")
	require.NoError(t, err)

	// Every rank learns of the root's failure instead of waiting for model bytes.
	_, err = execute(t, "run", "--model", filepath.Join(f.dir, "absent.onnx"), "--input", f.input, "--local-ranks", "3")
	assert.ErrorIs(t, err, errdefs.ErrIO)
}

func TestEngines(t *testing.T) {
	out, err := execute(t, "engines")
	require.NoError(t, err)
	for _, name := range []string{"onnx", "tflite", "fallback"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "ONNX protobuf")
}

func TestEnv(t *testing.T) {
	t.Setenv("INFERO_WORLD_SIZE", "4")
	out, err := execute(t, "env")
	require.NoError(t, err)
	assert.Regexp(t, `INFERO_WORLD_SIZE\s+4\s`, out)
}
