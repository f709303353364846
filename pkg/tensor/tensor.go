// Package tensor defines the dense float32 tensor passed between callers and engines.
package tensor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"k8s.io/examples/AI/infero/pkg/errdefs"
)

// Tensor is a dense row-major buffer with an explicit shape.
//
// OwnsData reports whether the tensor allocated Data itself. A tensor that does not own
// its data references caller memory: engines write into it in place and never resize or
// release it.
type Tensor struct {
	Shape    []int
	Data     []float32
	OwnsData bool
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape:    slices.Clone(shape),
		Data:     make([]float32, NumElements(shape)),
		OwnsData: true,
	}
}

// Empty declares a tensor of the given shape without a buffer. Engines allocate the
// buffer on first write.
func Empty(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape)}
}

// Wrap builds a tensor over existing data. When owns is false the caller keeps
// ownership of data and must keep it alive while the tensor is in use.
func Wrap(data []float32, shape []int, owns bool) (*Tensor, error) {
	if n := NumElements(shape); n != len(data) {
		return nil, errdefs.Shapef("shape %v holds %d elements, data has %d", shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data, OwnsData: owns}, nil
}

// FromValues copies values into a new owned tensor.
func FromValues(values []float32, shape ...int) (*Tensor, error) {
	return Wrap(slices.Clone(values), shape, true)
}

// Full returns a tensor of the given shape filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// NumElements is the product of dims; 1 for a scalar shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Size() int { return NumElements(t.Shape) }
func (t *Tensor) Rank() int { return len(t.Shape) }

// Populated reports whether the buffer matches the shape.
func (t *Tensor) Populated() bool {
	return t.Data != nil && len(t.Data) == t.Size()
}

// ValidateShape rejects negative dimensions.
func ValidateShape(shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return errdefs.Shapef("dimension %d of %v is negative", i, shape)
		}
	}
	return nil
}

// Validate checks the shape/data invariant.
func (t *Tensor) Validate() error {
	if err := ValidateShape(t.Shape); err != nil {
		return err
	}
	if t.Data != nil && len(t.Data) != t.Size() {
		return errdefs.Shapef("shape %v holds %d elements, data has %d", t.Shape, t.Size(), len(t.Data))
	}
	return nil
}

// Clone returns an owned deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data), OwnsData: true}
}

// Release drops owned data. Borrowed data is left to its owner.
func (t *Tensor) Release() {
	if t.OwnsData {
		t.Data = nil
	}
}

// Assign copies src into t without reallocating t's buffer. A tensor with no buffer
// gets a freshly allocated, owned one.
func (t *Tensor) Assign(src []float32) error {
	if len(src) != t.Size() {
		return errdefs.Shapef("cannot write %d values into tensor of shape %v", len(src), t.Shape)
	}
	if t.Data == nil {
		t.Data = make([]float32, len(src))
		t.OwnsData = true
	}
	if len(t.Data) != len(src) {
		return errdefs.Shapef("tensor of shape %v has a buffer of %d elements", t.Shape, len(t.Data))
	}
	copy(t.Data, src)
	return nil
}

func (t *Tensor) String() string {
	const maxShown = 8
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor(shape=%v, [", t.Shape)
	for i, v := range t.Data {
		if i == maxShown {
			fmt.Fprintf(&b, ", ... %d more", len(t.Data)-maxShown)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', 6, 32))
	}
	b.WriteString("])")
	return b.String()
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// ParseShape parses a comma-separated list of dimensions such as "1,10".
func ParseShape(s string) ([]int, error) {
	var shape []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		d, err := strconv.Atoi(field)
		if err != nil || d < 0 {
			return nil, errdefs.Configurationf("invalid dimension %q in shape %q", field, s)
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		return nil, errdefs.Configurationf("empty shape %q", s)
	}
	return shape, nil
}
