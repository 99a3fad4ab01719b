package virtual

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// block is discrete device memory.
type block struct {
	buf []byte
}

// Allocator hands out memory on the current device of its backend.
//
// Unified-memory blocks are plain host-addressable bytes. Discrete blocks are
// opaque: the host reaches them only through Upload and Download, which wait
// for the device queue first.
type Allocator struct {
	backend *Backend
	live    atomic.Int64
	total   atomic.Int64
}

// Allocate implements alloc.Allocator. Blocks are zeroed.
func (a *Allocator) Allocate(nbytes int) (alloc.DataPtr, error) {
	if nbytes < 0 {
		return alloc.DataPtr{}, errors.Errorf("virtual: negative allocation size %d", nbytes)
	}
	dev := device.New(a.backend.cfg.Type, a.backend.CurrentDeviceIndex())
	a.live.Add(1)
	a.total.Add(1)
	if a.backend.cfg.UnifiedMemory {
		return alloc.DataPtr{Data: make([]byte, nbytes), Size: nbytes, Device: dev}, nil
	}
	return alloc.DataPtr{Ctx: &block{buf: make([]byte, nbytes)}, Size: nbytes, Device: dev}, nil
}

// Free implements alloc.Allocator.
func (a *Allocator) Free(p alloc.DataPtr) {
	if p.IsNil() {
		return
	}
	a.live.Add(-1)
}

// CopyData implements alloc.Allocator. Asynchronous copies run on the queue
// of dst's device.
func (a *Allocator) CopyData(dst, src alloc.DataPtr, n int, sync bool) error {
	d, s := DeviceBytes(dst), DeviceBytes(src)
	if len(d) < n || len(s) < n {
		return errors.Errorf("virtual: copy of %d bytes out of range (dst %d, src %d)", n, len(d), len(s))
	}
	copyFn := func() { parallel.Copy(d[:n], s[:n], a.backend.cfg.Copy) }
	if !sync {
		return a.backend.Launch(dst.Device.Index, copyFn)
	}
	if err := a.backend.Synchronize(dst.Device.Index); err != nil {
		return err
	}
	copyFn()
	return nil
}

// HasUnifiedMemory implements alloc.Allocator.
func (a *Allocator) HasUnifiedMemory() bool {
	return a.backend.cfg.UnifiedMemory
}

// IsSimpleDataPtr implements alloc.Allocator.
func (a *Allocator) IsSimpleDataPtr(p alloc.DataPtr) bool {
	if a.backend.cfg.UnifiedMemory {
		return p.Ctx == nil
	}
	_, ok := p.Ctx.(*block)
	return ok
}

// Upload implements alloc.HostTransfer.
func (a *Allocator) Upload(dst alloc.DataPtr, src []byte) error {
	b, ok := dst.Ctx.(*block)
	if !ok {
		return errors.Errorf("virtual: upload into foreign block %T", dst.Ctx)
	}
	if err := a.backend.Synchronize(dst.Device.Index); err != nil {
		return err
	}
	copy(b.buf, src)
	return nil
}

// Download implements alloc.HostTransfer.
func (a *Allocator) Download(dst []byte, src alloc.DataPtr) error {
	b, ok := src.Ctx.(*block)
	if !ok {
		return errors.Errorf("virtual: download from foreign block %T", src.Ctx)
	}
	if err := a.backend.Synchronize(src.Device.Index); err != nil {
		return err
	}
	copy(dst, b.buf)
	return nil
}

// Live returns the number of blocks not yet freed.
func (a *Allocator) Live() int {
	return int(a.live.Load())
}

// Total returns the number of blocks allocated so far.
func (a *Allocator) Total() int {
	return int(a.total.Load())
}

// DeviceBytes returns the bytes behind a virtual device block, for use by
// commands running on the device queue.
func DeviceBytes(p alloc.DataPtr) []byte {
	if b, ok := p.Ctx.(*block); ok {
		return b.buf
	}
	return p.Data
}
