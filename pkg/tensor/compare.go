package tensor

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Metric selects the error measure used by Compare.
type Metric int

const (
	// MSE is the mean squared error.
	MSE Metric = iota
	// MAE is the mean absolute error.
	MAE
	// MaxAbs is the largest absolute element difference.
	MaxAbs
)

func (m Metric) String() string {
	switch m {
	case MSE:
		return "mse"
	case MAE:
		return "mae"
	case MaxAbs:
		return "max"
	default:
		return "unknown"
	}
}

// ParseMetric accepts "mse", "mae" and "max".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mse", "":
		return MSE, nil
	case "mae":
		return MAE, nil
	case "max", "maxabs":
		return MaxAbs, nil
	default:
		return 0, errdefs.Configurationf("unknown error metric %q", s)
	}
}

// Compare computes metric over a and b, which must have identical shapes.
func Compare(a, b *Tensor, metric Metric) (float64, error) {
	if !SameShape(a, b) {
		return 0, errdefs.Shapef("cannot compare tensors of shape %v and %v", a.Shape, b.Shape)
	}
	if !a.Populated() || !b.Populated() {
		return 0, errdefs.Shapef("cannot compare unpopulated tensors")
	}
	n := len(a.Data)
	if n == 0 {
		return 0, nil
	}

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = float64(a.Data[i]) - float64(b.Data[i])
	}

	switch metric {
	case MSE:
		return floats.Dot(diff, diff) / float64(n), nil
	case MAE:
		return floats.Norm(diff, 1) / float64(n), nil
	case MaxAbs:
		return floats.Norm(diff, math.Inf(1)), nil
	default:
		return 0, errdefs.Configurationf("unknown error metric %d", metric)
	}
}
