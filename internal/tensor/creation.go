package tensor

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/storage"
)

// Option configures tensor creation.
type Option func(*options)

type options struct {
	pinnedFor device.Type
	pinned    bool
}

// WithPinned allocates a host tensor in the pinned memory paired with the
// accelerator type accel.
func WithPinned(accel device.Type) Option {
	return func(o *options) {
		o.pinned = true
		o.pinnedFor = accel
	}
}

// Zeros creates a zero-filled contiguous tensor on dev.
//
// Example:
//
//	t, err := tensor.Zeros(ctx, tensor.Shape{3, 4}, tensor.Float32, device.Host)
func Zeros(env Env, shape Shape, dtype DataType, dev device.Device, opts ...Option) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dev, err := env.ResolveDevice(dev)
	if err != nil {
		return nil, err
	}

	var a alloc.Allocator
	if o.pinned {
		if !dev.IsCPU() {
			return nil, errors.Errorf("pinned memory is host memory, got device %s", dev)
		}
		a, err = env.PinnedAllocator(o.pinnedFor)
	} else {
		a, err = env.Allocator(dev.Type)
	}
	if err != nil {
		return nil, err
	}

	if !dev.IsCPU() {
		hooks, err := env.Hooks(dev.Type)
		if err != nil {
			return nil, err
		}
		restore, err := device.Guard(hooks, dev.Index)
		if err != nil {
			return nil, err
		}
		defer restore()
	}

	s, err := storage.New(shape.NumElements()*dtype.Size(), a, env.Metrics())
	if err != nil {
		return nil, err
	}
	keys := device.DefaultKeySet(dev.Type, env.InferenceModeEnabled())
	return newRaw(s, ContiguousView(shape), dtype, keys)
}

// Full creates a contiguous tensor on dev with every element set to v.
func Full(env Env, shape Shape, dtype DataType, v float64, dev device.Device, opts ...Option) (*RawTensor, error) {
	t, err := Zeros(env, shape, dtype, dev, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Fill(v); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// FromSlice creates a contiguous tensor on dev holding data.
//
// Example:
//
//	t, err := tensor.FromSlice(ctx, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, device.Host)
func FromSlice[T DType](env Env, data []T, shape Shape, dev device.Device, opts ...Option) (*RawTensor, error) {
	if len(data) != shape.NumElements() {
		return nil, errors.Wrapf(ErrShapeMismatch, "data size %d doesn't match shape %v (expected %d elements)",
			len(data), shape, shape.NumElements())
	}
	var dummy T
	dtype := inferDataType(dummy)

	t, err := Zeros(env, shape, dtype, dev, opts...)
	if err != nil {
		return nil, err
	}

	size := dtype.Size()
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		storeElement(buf[i*size:], dtype, toFloat64(v))
	}
	if err := t.storage.WriteFromHost(0, buf); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// FromBytes creates a contiguous tensor on dev from elements in their
// little-endian storage encoding, row-major.
func FromBytes(env Env, data []byte, shape Shape, dtype DataType, dev device.Device, opts ...Option) (*RawTensor, error) {
	if want := shape.NumElements() * dtype.Size(); len(data) != want {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d bytes for shape %v of %s (expected %d)", len(data), shape, dtype, want)
	}
	t, err := Zeros(env, shape, dtype, dev, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.storage.WriteFromHost(0, data); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Alias returns a new tensor viewing the same storage with the same layout.
func (r *RawTensor) Alias() *RawTensor {
	return &RawTensor{
		storage: r.storage.Acquire(),
		view:    r.view,
		dtype:   r.dtype,
		keys:    r.keys,
	}
}

// AsStrided returns a view of the same storage with the given layout.
func (r *RawTensor) AsStrided(shape Shape, strides []int, offset int) (*RawTensor, error) {
	return r.AsStridedSym(Ints(shape), Ints(strides), Int(offset))
}

// AsStridedSym returns a view of the same storage with a possibly symbolic
// layout. The layout must stay within the storage.
func (r *RawTensor) AsStridedSym(sizes, strides []SymInt, offset SymInt) (*RawTensor, error) {
	v, err := NewSymView(sizes, strides, offset)
	if err != nil {
		return nil, err
	}
	if err := v.CheckBounds(r.storage.CapacityInElements(r.dtype.Size())); err != nil {
		return nil, err
	}
	return &RawTensor{
		storage: r.storage.Acquire(),
		view:    v,
		dtype:   r.dtype,
		keys:    r.keys,
	}, nil
}
