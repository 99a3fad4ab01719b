package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Errors returned by view and layout operations.
var (
	ErrOutOfBounds    = errors.New("view out of storage bounds")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrInvalidStrides = errors.New("invalid strides")
)

// Shape holds the concrete sizes of a tensor.
type Shape []int

// NumElements is the product of the sizes, 1 for a scalar.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects negative sizes.
func (s Shape) Validate() error {
	if i := slices.IndexFunc(s, func(d int) bool { return d < 0 }); i >= 0 {
		return errors.Errorf("negative size %d in dimension %d of %v", s[i], i, s)
	}
	return nil
}

// Equal reports whether s and other have the same sizes.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// RowMajorStrides returns the strides of a contiguous tensor of shape s.
func (s Shape) RowMajorStrides() []int {
	strides := make([]int, len(s))
	step := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = step
		step *= s[i]
	}
	return strides
}

// View describes how the logical elements of a tensor map onto the elements
// of its storage: sizes, strides and offset are counted in elements.
type View struct {
	sizes   []SymInt
	strides []SymInt
	offset  SymInt
}

// NewView builds a concrete view.
func NewView(shape Shape, strides []int, offset int) (View, error) {
	return NewSymView(Ints(shape), Ints(strides), Int(offset))
}

// ContiguousView returns the row-major view of shape at offset 0.
func ContiguousView(shape Shape) View {
	return View{
		sizes:   Ints(shape),
		strides: Ints(shape.RowMajorStrides()),
		offset:  Int(0),
	}
}

// NewSymView builds a view from possibly symbolic sizes, strides and offset.
func NewSymView(sizes, strides []SymInt, offset SymInt) (View, error) {
	if len(sizes) != len(strides) {
		return View{}, errors.Wrapf(ErrShapeMismatch, "%d sizes but %d strides", len(sizes), len(strides))
	}
	for i := range sizes {
		if sizes[i].Hint() < 0 {
			return View{}, errors.Errorf("negative size %s at dim %d", sizes[i], i)
		}
		if strides[i].Hint() < 0 {
			return View{}, errors.Wrapf(ErrInvalidStrides, "negative stride %s at dim %d", strides[i], i)
		}
	}
	if offset.Hint() < 0 {
		return View{}, errors.Errorf("negative storage offset %s", offset)
	}
	return View{
		sizes:   slices.Clone(sizes),
		strides: slices.Clone(strides),
		offset:  offset,
	}, nil
}

// Dim returns the number of dimensions.
func (v View) Dim() int {
	return len(v.sizes)
}

// SymSizes returns a copy of the sizes.
func (v View) SymSizes() []SymInt {
	return slices.Clone(v.sizes)
}

// SymStrides returns a copy of the strides.
func (v View) SymStrides() []SymInt {
	return slices.Clone(v.strides)
}

// SymOffset returns the storage offset.
func (v View) SymOffset() SymInt {
	return v.offset
}

// Shape returns the concrete sizes.
func (v View) Shape() Shape {
	return Shape(Hints(v.sizes))
}

// Strides returns the concrete strides.
func (v View) Strides() []int {
	return Hints(v.strides)
}

// Offset returns the concrete storage offset.
func (v View) Offset() int {
	return v.offset.Hint()
}

// NumElements returns the number of logical elements.
func (v View) NumElements() int {
	return v.Shape().NumElements()
}

// IsSymbolic reports whether any size, stride or the offset is symbolic.
func (v View) IsSymbolic() bool {
	if v.offset.IsSymbolic() {
		return true
	}
	for i := range v.sizes {
		if v.sizes[i].IsSymbolic() || v.strides[i].IsSymbolic() {
			return true
		}
	}
	return false
}

// RequiredElements returns the number of storage elements the view
// addresses: offset + Σ (size_i-1)*stride_i + 1, or 0 for an empty view.
func (v View) RequiredElements() int {
	last := v.offset.Hint()
	for i, s := range v.sizes {
		n := s.Hint()
		if n == 0 {
			return 0
		}
		last += (n - 1) * v.strides[i].Hint()
	}
	return last + 1
}

// CheckBounds verifies that every element of the view lies within a storage
// of capacity elements.
func (v View) CheckBounds(capacity int) error {
	if need := v.RequiredElements(); need > capacity {
		return errors.Wrapf(ErrOutOfBounds, "view %s needs %d elements, storage holds %d", v, need, capacity)
	}
	return nil
}

// IsContiguous reports whether the view is row-major without gaps.
func (v View) IsContiguous() bool {
	expected := 1
	for i := len(v.sizes) - 1; i >= 0; i-- {
		n := v.sizes[i].Hint()
		if n == 1 {
			continue
		}
		if v.strides[i].Hint() != expected {
			return false
		}
		expected *= n
	}
	return true
}

// Equal reports whether both views have the same concrete layout.
func (v View) Equal(o View) bool {
	return slices.Equal(v.Shape(), o.Shape()) &&
		slices.Equal(v.Strides(), o.Strides()) &&
		v.Offset() == o.Offset()
}

// ElementIndices returns the storage element index of every logical element
// in row-major order.
func (v View) ElementIndices() []int {
	shape := v.Shape()
	strides := v.Strides()
	n := shape.NumElements()
	out := make([]int, 0, n)
	if n == 0 {
		return out
	}

	idx := make([]int, len(shape))
	pos := v.Offset()
	for range n {
		out = append(out, pos)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			pos += strides[d]
			if idx[d] < shape[d] {
				break
			}
			pos -= idx[d] * strides[d]
			idx[d] = 0
		}
	}
	return out
}

// ElementIndex returns the storage element index of the logical element at
// idx.
func (v View) ElementIndex(idx []int) (int, error) {
	if len(idx) != len(v.sizes) {
		return 0, errors.Wrapf(ErrShapeMismatch, "index %v for %d-d view", idx, len(v.sizes))
	}
	pos := v.Offset()
	for d, i := range idx {
		if i < 0 || i >= v.sizes[d].Hint() {
			return 0, errors.Wrapf(ErrOutOfBounds, "index %d out of range for dim %d of size %d", i, d, v.sizes[d].Hint())
		}
		pos += i * v.strides[d].Hint()
	}
	return pos, nil
}

// String implements fmt.Stringer.
func (v View) String() string {
	return fmt.Sprintf("%v/%v@%s", v.sizes, v.strides, v.offset)
}
