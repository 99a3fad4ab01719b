package alloc

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// Host allocates plain Go memory for the CPU device.
//
// A pinned Host stands in for page-locked memory registered with an
// accelerator: it reports unified memory so accelerators sharing the host
// address space can read its blocks in place.
type Host struct {
	pinned  bool
	copyCfg parallel.Config

	live  atomic.Int64
	bytes atomic.Int64
	total atomic.Int64
}

// NewHost creates an allocator for ordinary host memory.
func NewHost(copyCfg parallel.Config) *Host {
	return &Host{copyCfg: copyCfg}
}

// NewPinnedHost creates an allocator for pinned host memory.
func NewPinnedHost(copyCfg parallel.Config) *Host {
	return &Host{pinned: true, copyCfg: copyCfg}
}

// Allocate implements Allocator. The returned bytes are zeroed.
func (h *Host) Allocate(nbytes int) (DataPtr, error) {
	if nbytes < 0 {
		return DataPtr{}, errors.Errorf("host: negative allocation size %d", nbytes)
	}
	h.live.Add(1)
	h.bytes.Add(int64(nbytes))
	h.total.Add(1)
	return DataPtr{
		Data:   make([]byte, nbytes),
		Size:   nbytes,
		Device: device.Host,
	}, nil
}

// Free implements Allocator.
func (h *Host) Free(p DataPtr) {
	if p.Data == nil {
		return
	}
	h.live.Add(-1)
	h.bytes.Add(-int64(p.Size))
}

// CopyData implements Allocator. Host copies are always synchronous.
func (h *Host) CopyData(dst, src DataPtr, n int, _ bool) error {
	if len(dst.Data) < n || len(src.Data) < n {
		return errors.Errorf("host: copy of %d bytes out of range (dst %d, src %d)", n, len(dst.Data), len(src.Data))
	}
	parallel.Copy(dst.Data[:n], src.Data[:n], h.copyCfg)
	return nil
}

// HasUnifiedMemory implements Allocator.
func (h *Host) HasUnifiedMemory() bool {
	return h.pinned
}

// IsSimpleDataPtr implements Allocator.
func (h *Host) IsSimpleDataPtr(p DataPtr) bool {
	return p.Ctx == nil
}

// IsPinned implements Pinned.
func (h *Host) IsPinned() bool {
	return h.pinned
}

// Stats returns the number of live blocks, live bytes and total allocations.
func (h *Host) Stats() (live, bytes, total int64) {
	return h.live.Load(), h.bytes.Load(), h.total.Load()
}
