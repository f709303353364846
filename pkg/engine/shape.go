package engine

import (
	"slices"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
)

// Compatible reports whether a tensor of shape actual can feed a declared input.
// A nil declared shape accepts anything; negative declared dims accept any size.
func Compatible(declared, actual []int) bool {
	if declared == nil {
		return true
	}
	if len(declared) != len(actual) {
		return false
	}
	for i, d := range declared {
		if d >= 0 && d != actual[i] {
			return false
		}
	}
	return true
}

// Single adapts Infer to InferMIMO for a model with one input and one output.
func Single(sig Signature, in, out *tensor.Tensor) (inputs, outputs []Named, err error) {
	if len(sig.Inputs) != 1 || len(sig.Outputs) != 1 {
		return nil, nil, errdefs.Configurationf("model has %d inputs and %d outputs; use InferMIMO", len(sig.Inputs), len(sig.Outputs))
	}
	return []Named{{Name: sig.Inputs[0].Name, Tensor: in}}, []Named{{Name: sig.Outputs[0].Name, Tensor: out}}, nil
}

// BindInputs matches inputs against the declared model inputs. Every declared input must
// be supplied exactly once, with a compatible shape and a populated buffer.
func BindInputs(declared []IO, inputs []Named) (map[string]*tensor.Tensor, error) {
	bound, err := bind("input", declared, inputs)
	if err != nil {
		return nil, err
	}
	for _, in := range declared {
		t, ok := bound[in.Name]
		if !ok {
			return nil, errdefs.Configurationf("missing input %q", in.Name)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if !t.Populated() {
			return nil, errdefs.Shapef("input %q of shape %v has no data", in.Name, t.Shape)
		}
		if !Compatible(in.Shape, t.Shape) {
			return nil, errdefs.Shapef("input %q has shape %v, model expects %v", in.Name, t.Shape, in.Shape)
		}
	}
	return bound, nil
}

// BindOutputs matches outputs against the declared model outputs. Any subset may be
// requested.
func BindOutputs(declared []IO, outputs []Named) (map[string]*tensor.Tensor, error) {
	return bind("output", declared, outputs)
}

func bind(kind string, declared []IO, named []Named) (map[string]*tensor.Tensor, error) {
	bound := make(map[string]*tensor.Tensor, len(named))
	for _, n := range named {
		if !slices.ContainsFunc(declared, func(d IO) bool { return d.Name == n.Name }) {
			return nil, errdefs.Configurationf("unrecognised %s %q", kind, n.Name)
		}
		if _, dup := bound[n.Name]; dup {
			return nil, errdefs.Configurationf("%s %q given twice", kind, n.Name)
		}
		if n.Tensor == nil {
			return nil, errdefs.Configurationf("%s %q has no tensor", kind, n.Name)
		}
		bound[n.Name] = n.Tensor
	}
	return bound, nil
}

// WriteOutputs copies computed results into the caller's output tensors. Every output is
// checked before any is written, so on error none of them change.
//
// An output with no shape and no buffer takes the result's shape. Otherwise the element
// counts must match; the caller's shape is kept.
func WriteOutputs(outputs map[string]*tensor.Tensor, results map[string]*tensor.Tensor) error {
	for name, out := range outputs {
		result, ok := results[name]
		if !ok {
			return errdefs.Runtimef("output %q was not computed", name)
		}
		if len(out.Shape) == 0 && out.Data == nil {
			continue
		}
		if out.Size() != result.Size() {
			return errdefs.Shapef("output %q has shape %v, model produced %v", name, out.Shape, result.Shape)
		}
		if out.Data != nil && len(out.Data) != out.Size() {
			return errdefs.Shapef("output %q of shape %v has a buffer of %d elements", name, out.Shape, len(out.Data))
		}
	}
	for name, out := range outputs {
		result := results[name]
		if len(out.Shape) == 0 && out.Data == nil {
			out.Shape = slices.Clone(result.Shape)
		}
		if err := out.Assign(result.Data); err != nil {
			return err
		}
	}
	return nil
}
