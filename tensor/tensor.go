// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/lazyclone/internal/config"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/runtime"
	"github.com/born-ml/lazyclone/internal/tensor"
)

// DType is a constraint for tensor element types.
// Supported types: float32, float64, float16, int32, int64, uint8, bool.
type DType = tensor.DType

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Float16 DataType = tensor.Float16
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// SymInt is a size that is either concrete or symbolic with a hint.
type SymInt = tensor.SymInt

// View describes how a tensor addresses its storage.
type View = tensor.View

// RawTensor is a view over a reference-counted storage.
type RawTensor = tensor.RawTensor

// Env supplies allocators, device hooks and the inference mode switch.
type Env = tensor.Env

// Option customizes tensor creation.
type Option = tensor.Option

// Context is the runtime state tensors are created in. It implements Env.
type Context = runtime.Context

// Config holds the runtime parameters of a Context.
type Config = config.Config

// Errors returned by tensor operations.
var (
	ErrOutOfBounds       = tensor.ErrOutOfBounds
	ErrShapeMismatch     = tensor.ErrShapeMismatch
	ErrInvalidStrides    = tensor.ErrInvalidStrides
	ErrPinningRequired   = tensor.ErrPinningRequired
	ErrNullClonedStorage = tensor.ErrNullClonedStorage
)

// NewContext creates a runtime context from cfg.
func NewContext(cfg Config) (*Context, error) {
	return runtime.New(cfg)
}

// DefaultConfig returns a host-only configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a .yaml, .toml or .json configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Int returns a concrete SymInt.
func Int(v int) SymInt {
	return tensor.Int(v)
}

// Symbol returns a symbolic SymInt with a concrete hint.
func Symbol(name string, hint int) SymInt {
	return tensor.Symbol(name, hint)
}

// NewView validates and returns a concrete view.
func NewView(shape Shape, strides []int, offset int) (View, error) {
	return tensor.NewView(shape, strides, offset)
}

// WithPinned allocates host tensors in memory pinned for accel.
func WithPinned(accel device.Type) Option {
	return tensor.WithPinned(accel)
}

// Zeros creates a contiguous zero-filled tensor on dev.
//
// Example:
//
//	z, err := tensor.Zeros(ctx, tensor.Shape{2, 3}, tensor.Float32, device.Host)
func Zeros(env Env, shape Shape, dtype DataType, dev device.Device, opts ...Option) (*RawTensor, error) {
	return tensor.Zeros(env, shape, dtype, dev, opts...)
}

// Full creates a contiguous tensor on dev filled with v.
func Full(env Env, shape Shape, dtype DataType, v float64, dev device.Device, opts ...Option) (*RawTensor, error) {
	return tensor.Full(env, shape, dtype, v, dev, opts...)
}

// FromSlice creates a contiguous tensor on dev holding data.
func FromSlice[T DType](env Env, data []T, shape Shape, dev device.Device, opts ...Option) (*RawTensor, error) {
	return tensor.FromSlice(env, data, shape, dev, opts...)
}

// LazyClone returns a tensor with t's view over a copy-on-write clone of its
// storage, on target if given or t's device otherwise.
func LazyClone(env Env, t *RawTensor, target *device.Device) (*RawTensor, error) {
	return tensor.LazyClone(env, t, target)
}

// NewZerosWithSameFeatureMeta returns a zero tensor laid out like other in
// its feature dimensions, with self's leading selfBatchDims batch
// dimensions.
func NewZerosWithSameFeatureMeta(env Env, self, other *RawTensor, selfBatchDims int) (*RawTensor, error) {
	return tensor.NewZerosWithSameFeatureMeta(env, self, other, selfBatchDims)
}

// SameStorageExtent reports whether a and b have storages of equal element
// capacity.
func SameStorageExtent(a, b *RawTensor) bool {
	return tensor.SameStorageExtent(a, b)
}

// Add returns a + b element-wise on a's device.
func Add(env Env, a, b *RawTensor) (*RawTensor, error) {
	return tensor.Add(env, a, b)
}

// Mul returns a * b element-wise on a's device.
func Mul(env Env, a, b *RawTensor) (*RawTensor, error) {
	return tensor.Mul(env, a, b)
}

// AllClose reports whether a and b have equal shapes and
// |a-b| <= atol + rtol*|b| element-wise.
func AllClose(a, b *RawTensor, rtol, atol float32) (bool, error) {
	return tensor.AllClose(a, b, rtol, atol)
}
