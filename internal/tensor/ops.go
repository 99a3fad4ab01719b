package tensor

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// hostBytes returns the storage bytes for reading, copying device memory to
// the host first.
func (r *RawTensor) hostBytes() ([]byte, error) {
	if b := r.storage.Bytes(); b != nil || r.storage.NBytes() == 0 {
		return b, nil
	}
	return r.storage.CopyToHost()
}

// mutate materializes the storage and hands its bytes to f. Device memory
// goes through a host round trip.
func (r *RawTensor) mutate(f func(b []byte)) error {
	if _, err := r.storage.MaterializeIfShared(); err != nil {
		return err
	}
	if b := r.storage.Bytes(); b != nil || r.storage.NBytes() == 0 {
		f(b)
		return nil
	}
	buf, err := r.storage.CopyToHost()
	if err != nil {
		return err
	}
	f(buf)
	return r.storage.WriteFromHost(0, buf)
}

// Values returns the logical elements in row-major order as float64.
func (r *RawTensor) Values() ([]float64, error) {
	b, err := r.hostBytes()
	if err != nil {
		return nil, err
	}
	size := r.dtype.Size()
	idx := r.view.ElementIndices()
	out := make([]float64, len(idx))
	for i, e := range idx {
		out[i] = loadElement(b[e*size:], r.dtype)
	}
	return out, nil
}

// ContiguousBytes returns the logical elements in row-major order, each in
// its little-endian storage encoding.
func (r *RawTensor) ContiguousBytes() ([]byte, error) {
	b, err := r.hostBytes()
	if err != nil {
		return nil, err
	}
	size := r.dtype.Size()
	idx := r.view.ElementIndices()
	out := make([]byte, len(idx)*size)
	for i, e := range idx {
		copy(out[i*size:(i+1)*size], b[e*size:(e+1)*size])
	}
	return out, nil
}

// Float32s returns the logical elements in row-major order as float32.
func (r *RawTensor) Float32s() ([]float32, error) {
	vals, err := r.Values()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out, nil
}

// At returns the element at idx.
func (r *RawTensor) At(idx ...int) (float64, error) {
	e, err := r.view.ElementIndex(idx)
	if err != nil {
		return 0, err
	}
	b, err := r.hostBytes()
	if err != nil {
		return 0, err
	}
	return loadElement(b[e*r.dtype.Size():], r.dtype), nil
}

// SetAt writes v at idx, forking a private copy of shared bytes first.
func (r *RawTensor) SetAt(v float64, idx ...int) error {
	e, err := r.view.ElementIndex(idx)
	if err != nil {
		return err
	}
	size := r.dtype.Size()
	return r.mutate(func(b []byte) {
		storeElement(b[e*size:], r.dtype, v)
	})
}

// Fill sets every element viewed by r to v, forking a private copy of shared
// bytes first.
func (r *RawTensor) Fill(v float64) error {
	size := r.dtype.Size()
	idx := r.view.ElementIndices()
	return r.mutate(func(b []byte) {
		for _, e := range idx {
			storeElement(b[e*size:], r.dtype, v)
		}
	})
}

// CopyFrom writes the elements of src into r through r's layout, forking a
// private copy of shared bytes first. Shapes must match; dtypes may differ.
func (r *RawTensor) CopyFrom(src *RawTensor) error {
	if !slices.Equal(r.Shape(), src.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "copy from %v into %v", src.Shape(), r.Shape())
	}
	vals, err := src.Values()
	if err != nil {
		return err
	}
	size := r.dtype.Size()
	idx := r.view.ElementIndices()
	return r.mutate(func(b []byte) {
		for i, e := range idx {
			storeElement(b[e*size:], r.dtype, vals[i])
		}
	})
}

// Add returns a new contiguous tensor a+b on a's device.
func Add(env Env, a, b *RawTensor) (*RawTensor, error) {
	return elementwise(env, "add", a, b, func(x, y float64) float64 { return x + y })
}

// Mul returns a new contiguous tensor a*b on a's device.
func Mul(env Env, a, b *RawTensor) (*RawTensor, error) {
	return elementwise(env, "mul", a, b, func(x, y float64) float64 { return x * y })
}

// elementwise applies f element-wise to tensors of the same shape.
func elementwise(env Env, name string, a, b *RawTensor, f func(x, y float64) float64) (*RawTensor, error) {
	if !slices.Equal(a.Shape(), b.Shape()) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s %v and %v", name, a.Shape(), b.Shape())
	}
	av, err := a.Values()
	if err != nil {
		return nil, err
	}
	bv, err := b.Values()
	if err != nil {
		return nil, err
	}
	out, err := Zeros(env, a.Shape(), a.dtype, a.Device())
	if err != nil {
		return nil, err
	}
	size := a.dtype.Size()
	err = out.mutate(func(buf []byte) {
		for i := range av {
			storeElement(buf[i*size:], a.dtype, f(av[i], bv[i]))
		}
	})
	if err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// AllClose reports whether a and b have the same shape and every pair of
// elements satisfies |a-b| <= atol + rtol*|b| in float32 precision.
// NaNs compare unequal.
func AllClose(a, b *RawTensor, rtol, atol float32) (bool, error) {
	if !slices.Equal(a.Shape(), b.Shape()) {
		return false, nil
	}
	av, err := a.Float32s()
	if err != nil {
		return false, err
	}
	bv, err := b.Float32s()
	if err != nil {
		return false, err
	}
	for i := range av {
		x, y := av[i], bv[i]
		if math32.IsNaN(x) || math32.IsNaN(y) {
			return false, nil
		}
		if math32.Abs(x-y) > atol+rtol*math32.Abs(y) {
			return false, nil
		}
	}
	return true, nil
}
