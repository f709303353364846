package tensor

import "k8s.io/examples/AI/infero/pkg/errdefs"

// Layout is the element order of a caller buffer.
type Layout int

const (
	RowMajor    Layout = iota // C order, last axis fastest.
	ColumnMajor               // Fortran order, first axis fastest.
)

// ColumnMajorToRowMajor reorders src, laid out in Fortran order for dims, into dst in C order.
func ColumnMajorToRowMajor(dims []int, src, dst []float32) error {
	return reorder(dims, src, dst, true)
}

// RowMajorToColumnMajor is the inverse of ColumnMajorToRowMajor.
func RowMajorToColumnMajor(dims []int, src, dst []float32) error {
	return reorder(dims, src, dst, false)
}

func reorder(dims []int, src, dst []float32, fromFortran bool) error {
	if err := ValidateShape(dims); err != nil {
		return err
	}
	total := NumElements(dims)
	if len(src) != total || len(dst) != total {
		return errdefs.Shapef("layout conversion for shape %v needs %d elements, got src=%d dst=%d", dims, total, len(src), len(dst))
	}
	if total == 0 {
		return nil
	}
	if len(dims) <= 1 {
		copy(dst, src)
		return nil
	}

	coordinates := make([]int, len(dims))
	for cIndex := 0; cIndex < total; cIndex++ {
		rest := cIndex
		for i := len(dims) - 1; i >= 0; i-- {
			coordinates[i] = rest % dims[i]
			rest /= dims[i]
		}

		fortranIndex := 0
		multiplier := 1
		for i := range dims {
			fortranIndex += coordinates[i] * multiplier
			multiplier *= dims[i]
		}

		if fromFortran {
			dst[cIndex] = src[fortranIndex]
		} else {
			dst[fortranIndex] = src[cIndex]
		}
	}
	return nil
}
