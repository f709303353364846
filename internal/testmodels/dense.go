// Package testmodels builds small deterministic models for tests, in every format the
// backends read.
//
// The Dense network is the same in every format:
//
//	hidden = relu(input x W1 + B1)     input [1,10], W1 [10,4]
//	output = sigmoid(hidden x W2 + B2) W2 [4,1]
package testmodels

import (
	"math"
)

const (
	DenseInputs  = 10
	DenseHidden  = 4
	DenseOutputs = 1

	DenseInputName  = "input"
	DenseOutputName = "output"
)

// DenseW1 is [DenseInputs][DenseHidden].
func DenseW1() [][]float32 {
	w := make([][]float32, DenseInputs)
	for i := range w {
		w[i] = make([]float32, DenseHidden)
		for j := range w[i] {
			w[i][j] = float32((i*DenseHidden+j)%7-3) / 10
		}
	}
	return w
}

func DenseB1() []float32 {
	return []float32{0.1, -0.2, 0.3, 0.05}
}

// DenseW2 is [DenseHidden][DenseOutputs].
func DenseW2() [][]float32 {
	return [][]float32{{0.5}, {-0.25}, {0.75}, {1}}
}

func DenseB2() []float32 {
	return []float32{-0.1}
}

// DenseReference evaluates the network with plain loops in float64.
func DenseReference(input []float32) []float32 {
	w1, b1, w2, b2 := DenseW1(), DenseB1(), DenseW2(), DenseB2()
	hidden := make([]float64, DenseHidden)
	for j := range hidden {
		sum := float64(b1[j])
		for i := range DenseInputs {
			sum += float64(input[i]) * float64(w1[i][j])
		}
		hidden[j] = math.Max(sum, 0)
	}
	out := make([]float32, DenseOutputs)
	for k := range out {
		sum := float64(b2[k])
		for j := range hidden {
			sum += hidden[j] * float64(w2[j][k])
		}
		out[k] = float32(1 / (1 + math.Exp(-sum)))
	}
	return out
}

func flatten(m [][]float32) []float32 {
	var out []float32
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}

func transpose(m [][]float32) [][]float32 {
	out := make([][]float32, len(m[0]))
	for j := range out {
		out[j] = make([]float32, len(m))
		for i := range m {
			out[j][i] = m[i][j]
		}
	}
	return out
}
