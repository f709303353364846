// Package engine defines the inference Engine abstraction and the registry that builds
// engines by name.
package engine

import (
	"context"
	"io"

	"k8s.io/examples/AI/infero/pkg/config"
	"k8s.io/examples/AI/infero/pkg/modelbuffer"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

// Engine runs forward passes of one loaded model.
//
// An Engine exclusively owns its runtime state and releases it on Close. It borrows the
// ModelBuffer it was built from. Engines are not safe for concurrent use.
type Engine interface {
	io.Closer

	// Name is the name the engine was registered under.
	Name() string

	// Describe reports the model's declared inputs and outputs.
	Describe() Signature

	// Infer runs a single-input, single-output forward pass, writing into out.Data.
	// On failure out is left untouched.
	Infer(ctx context.Context, in, out *tensor.Tensor) error

	// InferMIMO binds inputs and outputs to the model's declared names.
	InferMIMO(ctx context.Context, inputs, outputs []Named) error

	// Print writes a human readable summary of the engine and its model.
	Print(w io.Writer)
}

// Named binds a tensor to a model input or output.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// IO is one declared model input or output. Dimensions < 0 are dynamic.
type IO struct {
	Name  string
	Shape []int
}

type Signature struct {
	Inputs  []IO
	Outputs []IO
}

// Constructor builds an engine from its configuration and model bytes.
type Constructor func(cfg config.Configuration, buf *modelbuffer.ModelBuffer) (Engine, error)
