package tensor

import (
	"github.com/pkg/errors"
)

// SameStorageExtent reports whether the storages of a and b hold the same
// number of elements of their respective dtypes.
//
// Only aggregate capacity is compared. Overlap and stride compatibility are
// not checked: in-place updates over views rely on this permissive check.
func SameStorageExtent(a, b *RawTensor) bool {
	return a.storage.CapacityInElements(a.dtype.Size()) == b.storage.CapacityInElements(b.dtype.Size())
}

// NewZerosWithSameFeatureMeta returns a zero tensor laid out exactly like
// other, with the first selfBatchDims sizes of self prepended as batch
// dimensions.
//
// Without batch dimensions the result is a fresh storage of other's storage
// capacity viewed with other's sizes, strides and offset. With batch
// dimensions each batch slice is a copy of other's storage footprint and the
// slices are laid out contiguously, innermost batch dimension first:
//
//	other [6] over 6 elements, self [4, 2, 3], selfBatchDims 2
//	-> sizes [4, 2, 6], strides [12, 6, 1], storage of 48 elements
//
// self's trailing sizes are not compared with other's.
func NewZerosWithSameFeatureMeta(env Env, self, other *RawTensor, selfBatchDims int) (*RawTensor, error) {
	if selfBatchDims < 0 || selfBatchDims > self.Dim() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d batch dims for a %d-d tensor", selfBatchDims, self.Dim())
	}

	otherSizes := other.SymSizes()
	otherStrides := other.SymStrides()
	otherOffset := other.SymOffset()
	otherStorageNumel := other.storage.CapacityInElements(other.dtype.Size())

	if selfBatchDims == 0 {
		flat, err := Zeros(env, Shape{otherStorageNumel}, other.dtype, other.Device())
		if err != nil {
			return nil, err
		}
		defer flat.Release()
		return flat.AsStridedSym(otherSizes, otherStrides, otherOffset)
	}

	selfSizes := self.SymSizes()
	ndim := selfBatchDims + len(otherSizes)

	sizes := make([]SymInt, ndim)
	copy(sizes, selfSizes[:selfBatchDims])
	copy(sizes[selfBatchDims:], otherSizes)

	strides := make([]SymInt, ndim)
	prod := Int(otherStorageNumel)
	for i := selfBatchDims - 1; i >= 0; i-- {
		strides[i] = prod
		prod = prod.Mul(selfSizes[i])
	}
	copy(strides[selfBatchDims:], otherStrides)

	flat, err := Zeros(env, Shape{prod.Hint()}, other.dtype, other.Device())
	if err != nil {
		return nil, err
	}
	defer flat.Release()
	return flat.AsStridedSym(sizes, strides, otherOffset)
}
