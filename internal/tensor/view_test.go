package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymIntArithmetic(t *testing.T) {
	six := Int(2).Mul(Int(3))
	assert.Equal(t, 6, six.Hint())
	assert.False(t, six.IsSymbolic())

	b := Symbol("b", 4)
	assert.Equal(t, b, Int(1).Mul(b))
	assert.Equal(t, b, Int(0).Add(b))

	p := b.Mul(Int(6))
	assert.True(t, p.IsSymbolic())
	assert.Equal(t, 24, p.Hint())
	assert.Equal(t, "b*6", p.Expr())

	s := Int(1).Add(b)
	assert.Equal(t, 5, s.Hint())
	assert.Equal(t, "(1+b)", s.String())
	assert.True(t, s.Eq(Int(5)))
	assert.Equal(t, "7", Int(7).Expr())
}

func TestViewRequiredElements(t *testing.T) {
	tests := []struct {
		name    string
		shape   Shape
		strides []int
		offset  int
		want    int
	}{
		{"contiguous", Shape{2, 3}, []int{3, 1}, 0, 6},
		{"offset", Shape{2, 3}, []int{3, 1}, 2, 8},
		{"transposed", Shape{3, 2}, []int{1, 3}, 0, 6},
		{"broadcast", Shape{4, 3}, []int{0, 1}, 0, 3},
		{"empty", Shape{0, 3}, []int{3, 1}, 5, 0},
		{"scalar", Shape{}, []int{}, 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewView(tt.shape, tt.strides, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.RequiredElements())
			assert.NoError(t, v.CheckBounds(tt.want))
			if tt.want > 0 {
				assert.ErrorIs(t, v.CheckBounds(tt.want-1), ErrOutOfBounds)
			}
		})
	}
}

func TestNewViewValidation(t *testing.T) {
	_, err := NewView(Shape{2, 3}, []int{1}, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewView(Shape{2, 3}, []int{3, -1}, 0)
	assert.ErrorIs(t, err, ErrInvalidStrides)

	_, err = NewView(Shape{2}, []int{1}, -1)
	assert.Error(t, err)

	_, err = NewView(Shape{-2}, []int{1}, 0)
	assert.Error(t, err)
}

func TestViewElementIndices(t *testing.T) {
	v, err := NewView(Shape{3, 2}, []int{1, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 1, 4, 2, 5}, v.ElementIndices())
	assert.False(t, v.IsContiguous())

	e, err := v.ElementIndex([]int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, 5, e)

	_, err = v.ElementIndex([]int{3, 0})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = v.ElementIndex([]int{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	c := ContiguousView(Shape{2, 1, 3})
	assert.True(t, c.IsContiguous())
	assert.Equal(t, []int{3, 3, 1}, c.Strides())
	assert.True(t, c.Equal(ContiguousView(Shape{2, 1, 3})))
	assert.False(t, c.Equal(v))
}

func TestSymView(t *testing.T) {
	v, err := NewSymView(
		[]SymInt{Symbol("n", 4), Int(3)},
		[]SymInt{Int(3), Int(1)},
		Int(0),
	)
	require.NoError(t, err)
	assert.True(t, v.IsSymbolic())
	assert.Equal(t, Shape{4, 3}, v.Shape())
	assert.Equal(t, 12, v.RequiredElements())
	assert.False(t, ContiguousView(Shape{4, 3}).IsSymbolic())

	// Accessors return copies.
	sizes := v.SymSizes()
	sizes[0] = Int(100)
	assert.Equal(t, 4, v.SymSizes()[0].Hint())
}

func TestShape(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 0, Shape{3, 0}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
	assert.Equal(t, []int{12, 4, 1}, Shape{2, 3, 4}.RowMajorStrides())
	assert.Equal(t, []int{}, Shape{}.RowMajorStrides())
	assert.Equal(t, []int{1, 1}, Shape{0, 1}.RowMajorStrides())
	assert.Error(t, Shape{2, -1}.Validate())
	assert.NoError(t, Shape{2, 0}.Validate())
	assert.True(t, Shape{2, 3}.Equal(Shape{2, 3}))
	assert.False(t, Shape{2, 3}.Equal(Shape{3, 2}))
}
