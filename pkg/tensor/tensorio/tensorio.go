// Package tensorio picks a tensor file format from the file extension.
package tensorio

import (
	"path/filepath"
	"strings"

	"k8s.io/examples/AI/infero/pkg/errdefs"
	"k8s.io/examples/AI/infero/pkg/tensor"
	"k8s.io/examples/AI/infero/pkg/tensor/csv"
	"k8s.io/examples/AI/infero/pkg/tensor/numpy"
)

// Load reads a .npy or .csv tensor file.
func Load(path string) (*tensor.Tensor, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npy":
		return numpy.Load(path)
	case ".csv", ".txt":
		return csv.Load(path)
	default:
		return nil, errdefs.Configurationf("unsupported tensor file extension %q for %q", ext, path)
	}
}

// Save writes t as .npy or .csv depending on the extension of path.
func Save(t *tensor.Tensor, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npy":
		return numpy.Save(t, path)
	case ".csv", ".txt":
		return csv.Save(t, path)
	default:
		return errdefs.Configurationf("unsupported tensor file extension %q for %q", ext, path)
	}
}
