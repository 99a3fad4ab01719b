//go:build windows

package webgpu

import (
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
)

// gpuBuffer is the context of a DataPtr backed by a WebGPU buffer.
type gpuBuffer struct {
	buffer *wgpu.Buffer
	size   uint64 // allocated size, may exceed the DataPtr size
}

// Allocator hands out WebGPU storage buffers. Buffer sizes are rounded up to
// a multiple of 4 bytes as WebGPU copies require.
type Allocator struct {
	backend *Backend
}

func alignedSize(n int) uint64 {
	return (uint64(n) + 3) &^ 3 //nolint:gosec // n is non-negative
}

// Allocate implements alloc.Allocator. New WebGPU buffers are zero
// initialized; reused ones are cleared with an upload of zeros.
func (a *Allocator) Allocate(nbytes int) (alloc.DataPtr, error) {
	if nbytes < 0 {
		return alloc.DataPtr{}, errors.Errorf("webgpu: negative allocation size %d", nbytes)
	}
	buffer, size := a.backend.bufferPool.Acquire(max(alignedSize(nbytes), 4))
	p := alloc.DataPtr{
		Ctx:    &gpuBuffer{buffer: buffer, size: size},
		Size:   nbytes,
		Device: device.New(device.WebGPU, 0),
	}
	if err := a.Upload(p, make([]byte, size)); err != nil {
		a.Free(p)
		return alloc.DataPtr{}, err
	}
	return p, nil
}

// Free implements alloc.Allocator.
func (a *Allocator) Free(p alloc.DataPtr) {
	if g, ok := p.Ctx.(*gpuBuffer); ok {
		a.backend.bufferPool.Release(g.buffer, g.size)
	}
}

// CopyData implements alloc.Allocator with a buffer-to-buffer copy.
// Synchronous copies wait for the queue.
func (a *Allocator) CopyData(dst, src alloc.DataPtr, n int, sync bool) error {
	d, okd := dst.Ctx.(*gpuBuffer)
	s, oks := src.Ctx.(*gpuBuffer)
	if !okd || !oks {
		return errors.New("webgpu: copy between foreign blocks")
	}
	encoder := a.backend.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(s.buffer, 0, d.buffer, 0, alignedSize(n))
	a.backend.queueCommand(encoder.Finish(nil))
	if sync {
		return a.backend.Synchronize(0)
	}
	return nil
}

// HasUnifiedMemory implements alloc.Allocator.
func (a *Allocator) HasUnifiedMemory() bool {
	return false
}

// IsSimpleDataPtr implements alloc.Allocator.
func (a *Allocator) IsSimpleDataPtr(p alloc.DataPtr) bool {
	_, ok := p.Ctx.(*gpuBuffer)
	return ok
}

// Upload implements alloc.HostTransfer through a staging buffer mapped at
// creation.
func (a *Allocator) Upload(dst alloc.DataPtr, src []byte) error {
	g, ok := dst.Ctx.(*gpuBuffer)
	if !ok {
		return errors.Errorf("webgpu: upload into foreign block %T", dst.Ctx)
	}
	size := alignedSize(len(src))
	if size == 0 {
		return nil
	}

	staging := a.backend.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, src)
	staging.Unmap()

	encoder := a.backend.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, g.buffer, 0, min(size, g.size))
	a.backend.queueCommand(encoder.Finish(nil))
	return a.backend.Synchronize(0)
}

// Download implements alloc.HostTransfer.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (a *Allocator) Download(dst []byte, src alloc.DataPtr) error {
	g, ok := src.Ctx.(*gpuBuffer)
	if !ok {
		return errors.Errorf("webgpu: download from foreign block %T", src.Ctx)
	}
	size := alignedSize(len(dst))
	if size == 0 {
		return nil
	}

	staging := a.backend.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := a.backend.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(g.buffer, 0, staging, 0, min(size, g.size))
	a.backend.queueCommand(encoder.Finish(nil))
	a.backend.flushCommands()

	if err := staging.MapAsync(a.backend.device, wgpu.MapModeRead, 0, size); err != nil {
		return errors.Wrap(err, "webgpu: failed to map staging buffer")
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(dst, mappedSlice)
	staging.Unmap()
	return nil
}
