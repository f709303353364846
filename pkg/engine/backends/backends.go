// Package backends registers every engine backend built into infero. Import it for
// its side effects.
package backends

import (
	_ "k8s.io/examples/AI/infero/pkg/engine/fallback"
	_ "k8s.io/examples/AI/infero/pkg/engine/onnx"
	_ "k8s.io/examples/AI/infero/pkg/engine/tflite"
)
