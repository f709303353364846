package engine

import (
	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Node is a tensor in a computation graph, identified by ID and computed from its
// dependencies. Graph inputs and constants have no dependencies.
type Node[ID comparable] interface {
	TensorID() ID
	Dependencies() []ID
}

// BuildDAG returns an evaluation order for the tensors needed to compute wantTensors.
// Tensors that no wanted tensor depends on are left out.
func BuildDAG[ID comparable, N Node[ID]](allTensors []N, wantTensors []ID) ([]ID, error) {
	byID := make(map[ID]N, len(allTensors))
	for _, tensor := range allTensors {
		byID[tensor.TensorID()] = tensor
	}

	needed := make(map[ID]bool)
	stack := append([]ID(nil), wantTensors...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[id] {
			continue
		}
		needed[id] = true
		if tensor, ok := byID[id]; ok {
			stack = append(stack, tensor.Dependencies()...)
		}
	}

	evaluationOrder := make([]ID, 0, len(needed))
	done := make(map[ID]bool)

	for {
		progress := false
		for _, tensor := range allTensors {
			id := tensor.TensorID()
			if done[id] || !needed[id] {
				continue
			}

			ready := true
			for _, dep := range tensor.Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, id)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range wantTensors {
		if !done[id] {
			return nil, errdefs.Configurationf("tensor %v could not be computed (unreachable in computation graph)", id)
		}
	}

	return evaluationOrder, nil
}
