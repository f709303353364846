package testmodels

import (
	"gopkg.in/yaml.v3"

	"k8s.io/examples/AI/infero/pkg/engine/fallback"
)

// DenseNetwork returns the Dense network in the fallback format.
func DenseNetwork() *fallback.Network {
	return &fallback.Network{
		InputName:  DenseInputName,
		OutputName: DenseOutputName,
		InputShape: []int{-1, DenseInputs},
		Layers: []fallback.Layer{
			{Weights: transpose(DenseW1()), Bias: DenseB1(), Activation: "relu"},
			{Weights: transpose(DenseW2()), Bias: DenseB2(), Activation: "sigmoid"},
		},
	}
}

// DenseYAML is DenseNetwork encoded as YAML.
func DenseYAML() []byte {
	b, err := yaml.Marshal(DenseNetwork())
	if err != nil {
		panic(err)
	}
	return b
}
