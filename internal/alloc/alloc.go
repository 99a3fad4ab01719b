// Package alloc defines the allocator capability consumed by storages and
// provides host allocators plus a per-(device type, pinned) registry.
package alloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/device"
)

// ErrAllocatorUnavailable is returned when no allocator can be resolved for a
// device type / pinned-memory requirement.
var ErrAllocatorUnavailable = errors.New("allocator unavailable")

// DataPtr is a block of memory handed out by an Allocator.
//
// Data is the host-addressable view of the block. It is nil for device memory
// that the host cannot address; such blocks are identified by Ctx and moved
// with HostTransfer.
type DataPtr struct {
	Data   []byte
	Ctx    any
	Size   int
	Device device.Device
}

// IsNil reports whether p holds no memory.
func (p DataPtr) IsNil() bool {
	return p.Data == nil && p.Ctx == nil
}

// HostAddressable reports whether p.Data can be read and written directly.
func (p DataPtr) HostAddressable() bool {
	return p.Data != nil || (p.Size == 0 && p.Ctx == nil)
}

// Allocator is the capability used to obtain and free storage bytes.
type Allocator interface {
	// Allocate returns a block of nbytes bytes on the allocator's current device.
	Allocate(nbytes int) (DataPtr, error)

	// Free releases a block previously returned by Allocate.
	Free(p DataPtr)

	// CopyData copies n bytes from src to dst. Both blocks belong to this
	// allocator's address space. If sync is false the copy may still be in
	// flight when CopyData returns.
	CopyData(dst, src DataPtr, n int, sync bool) error

	// HasUnifiedMemory reports whether the blocks are addressable from both
	// the host and the accelerator.
	HasUnifiedMemory() bool

	// IsSimpleDataPtr reports whether p is a plain block of this allocator,
	// with no foreign context attached.
	IsSimpleDataPtr(p DataPtr) bool
}

// HostTransfer is implemented by allocators whose blocks are not host
// addressable.
type HostTransfer interface {
	// Upload copies src into the device block dst.
	Upload(dst DataPtr, src []byte) error

	// Download copies the device block src into dst.
	Download(dst []byte, src DataPtr) error
}

// Pinned is implemented by host allocators handing out page-locked memory.
type Pinned interface {
	IsPinned() bool
}

// IsPinned reports whether a hands out pinned host memory.
func IsPinned(a Allocator) bool {
	p, ok := a.(Pinned)
	return ok && p.IsPinned()
}

// Clone allocates n bytes with a and copies src into them.
func Clone(a Allocator, src DataPtr, n int, sync bool) (DataPtr, error) {
	dst, err := a.Allocate(n)
	if err != nil {
		return DataPtr{}, err
	}
	if err := a.CopyData(dst, src, n, sync); err != nil {
		a.Free(dst)
		return DataPtr{}, err
	}
	return dst, nil
}

// CloneFromHost allocates n bytes with a and fills them from host bytes.
func CloneFromHost(a Allocator, src []byte, n int) (DataPtr, error) {
	dst, err := a.Allocate(n)
	if err != nil {
		return DataPtr{}, err
	}
	if err := Write(a, dst, src[:n]); err != nil {
		a.Free(dst)
		return DataPtr{}, err
	}
	return dst, nil
}

// Write copies host bytes into p, uploading when p is device memory.
func Write(a Allocator, p DataPtr, src []byte) error {
	if p.HostAddressable() {
		copy(p.Data, src)
		return nil
	}
	ht, ok := a.(HostTransfer)
	if !ok {
		return errors.Errorf("allocator %T cannot upload into device memory", a)
	}
	return ht.Upload(p, src)
}

// Read copies len(dst) bytes of p into dst, downloading when p is device
// memory.
func Read(a Allocator, dst []byte, p DataPtr) error {
	if p.HostAddressable() {
		copy(dst, p.Data)
		return nil
	}
	ht, ok := a.(HostTransfer)
	if !ok {
		return errors.Errorf("allocator %T cannot download device memory", a)
	}
	return ht.Download(dst, p)
}

type registryKey struct {
	typ    device.Type
	pinned bool
}

type registryEntry struct {
	allocator Allocator
	priority  uint8
}

// Registry resolves allocators per (device type, pinned) pair.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]registryEntry
}

// NewRegistry creates an empty allocator registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]registryEntry)}
}

// Set installs a for (t, pinned) if priority is at least the priority of the
// allocator currently installed there.
func (r *Registry) Set(t device.Type, pinned bool, a Allocator, priority uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := registryKey{typ: t, pinned: pinned}
	if cur, ok := r.entries[k]; ok && priority < cur.priority {
		return
	}
	r.entries[k] = registryEntry{allocator: a, priority: priority}
}

// Get returns the allocator installed for (t, pinned).
func (r *Registry) Get(t device.Type, pinned bool) (Allocator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[registryKey{typ: t, pinned: pinned}]
	if !ok {
		kind := "device"
		if pinned {
			kind = "pinned host"
		}
		return nil, errors.Wrapf(ErrAllocatorUnavailable, "no %s allocator for %s", kind, t)
	}
	return e.allocator, nil
}
