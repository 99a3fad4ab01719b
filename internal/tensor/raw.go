package tensor

import (
	"fmt"
	"sync/atomic"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/metrics"
	"github.com/born-ml/lazyclone/internal/storage"
)

// Env resolves the allocators and device hooks tensors are built with.
// A runtime context implements it.
type Env interface {
	// Allocator returns the default allocator for device type t.
	Allocator(t device.Type) (alloc.Allocator, error)

	// PinnedAllocator returns the pinned host allocator paired with the
	// accelerator type accel.
	PinnedAllocator(accel device.Type) (alloc.Allocator, error)

	// Hooks returns the device hooks for t.
	Hooks(t device.Type) (device.Hooks, error)

	// ResolveDevice fills in the current index of an accelerator device.
	ResolveDevice(d device.Device) (device.Device, error)

	// Metrics returns the collectors storages report to. May be nil.
	Metrics() *metrics.Metrics

	// InferenceModeEnabled reports whether new tensors are inference tensors.
	InferenceModeEnabled() bool
}

// RawTensor is a view over a reference-counted storage.
//
// Each RawTensor holds one reference on its storage. Several RawTensors may
// view the same storage (aliases) or share its bytes through copy-on-write
// (lazy clones). Release drops the reference.
type RawTensor struct {
	storage  *storage.Storage
	view     View
	dtype    DataType
	keys     device.KeySet
	released atomic.Bool
}

// newRaw takes ownership of one reference on s.
func newRaw(s *storage.Storage, v View, dtype DataType, keys device.KeySet) (*RawTensor, error) {
	if err := v.CheckBounds(s.CapacityInElements(dtype.Size())); err != nil {
		return nil, err
	}
	return &RawTensor{storage: s, view: v, dtype: dtype, keys: keys}, nil
}

// Storage returns the storage the tensor views.
func (r *RawTensor) Storage() *storage.Storage {
	return r.storage
}

// View returns the view descriptor.
func (r *RawTensor) View() View {
	return r.view
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.view.Shape()
}

// Strides returns the tensor's strides in elements.
func (r *RawTensor) Strides() []int {
	return r.view.Strides()
}

// Offset returns the storage offset in elements.
func (r *RawTensor) Offset() int {
	return r.view.Offset()
}

// SymSizes returns the possibly symbolic sizes.
func (r *RawTensor) SymSizes() []SymInt {
	return r.view.SymSizes()
}

// SymStrides returns the possibly symbolic strides.
func (r *RawTensor) SymStrides() []SymInt {
	return r.view.SymStrides()
}

// SymOffset returns the possibly symbolic storage offset.
func (r *RawTensor) SymOffset() SymInt {
	return r.view.SymOffset()
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the device holding the tensor's bytes.
func (r *RawTensor) Device() device.Device {
	return r.storage.Device()
}

// KeySet returns the dispatch key set.
func (r *RawTensor) KeySet() device.KeySet {
	return r.keys
}

// IsInference reports whether the tensor was created in inference mode.
func (r *RawTensor) IsInference() bool {
	return !r.keys.Has(device.Autograd) && !r.keys.Has(device.ADInplaceOrView)
}

// IsPinned reports whether the tensor lives in pinned host memory.
func (r *RawTensor) IsPinned() bool {
	return r.Device().IsCPU() && alloc.IsPinned(r.storage.Allocator())
}

// IsCOW reports whether the tensor's bytes are shared copy-on-write.
func (r *RawTensor) IsCOW() bool {
	return r.storage.IsCOW()
}

// IsCOWOn reports whether the tensor's bytes are shared copy-on-write and
// were originally allocated on a device of type t.
func (r *RawTensor) IsCOWOn(t device.Type) bool {
	return r.storage.IsCOWOn(t)
}

// NumElements returns the number of logical elements.
func (r *RawTensor) NumElements() int {
	return r.view.NumElements()
}

// Dim returns the number of dimensions.
func (r *RawTensor) Dim() int {
	return r.view.Dim()
}

// IsContiguous reports whether the tensor is row-major without gaps.
func (r *RawTensor) IsContiguous() bool {
	return r.view.IsContiguous()
}

// Release drops the tensor's reference on its storage. Further releases are
// no-ops.
func (r *RawTensor) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.storage.Release()
	}
}

// String implements fmt.Stringer.
func (r *RawTensor) String() string {
	return fmt.Sprintf("RawTensor(%s, %s, %s, %s)", r.view, r.dtype, r.Device(), r.keys)
}
