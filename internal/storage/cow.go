package storage

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/metrics"
)

// ErrUnsupportedCrossDeviceClone is returned when bytes cannot be cloned
// between the requested pair of devices.
var ErrUnsupportedCrossDeviceClone = errors.New("unsupported cross-device clone")

// cowContext owns bytes shared by several storages. The bytes are freed
// through the original allocator when the last sharer lets go.
//
// Readers copying out of the shared bytes hold mu for reading; freeing the
// bytes takes mu for writing so it waits for in-flight copies.
type cowContext struct {
	refs atomic.Int32
	mu   sync.RWMutex

	original          alloc.DataPtr
	originalDevice    device.Device
	originalAllocator alloc.Allocator
}

func newCOWContext(p alloc.DataPtr, dev device.Device, a alloc.Allocator) *cowContext {
	c := &cowContext{original: p, originalDevice: dev, originalAllocator: a}
	c.refs.Store(1)
	return c
}

func (c *cowContext) acquire() {
	c.refs.Add(1)
}

// release drops a sharer and frees the bytes once none remain.
func (c *cowContext) release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	p := c.original
	c.original = alloc.DataPtr{}
	c.mu.Unlock()
	c.originalAllocator.Free(p)
}

// reclaim takes the bytes back if the caller is the only sharer left. The
// context is dead afterwards.
func (c *cowContext) reclaim() (alloc.DataPtr, bool) {
	if !c.refs.CompareAndSwap(1, 0) {
		return alloc.DataPtr{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.original
	c.original = alloc.DataPtr{}
	return p, true
}

// Target describes where a lazy clone should live. A nil target keeps the
// source's device and allocator.
type Target struct {
	Device    device.Device
	Allocator alloc.Allocator
}

// CheckCloneBetweenDevices fails unless src and dst have the same device type
// or one of them is the host.
func CheckCloneBetweenDevices(src, dst device.Type) error {
	if src == dst || src == device.CPU || dst == device.CPU {
		return nil
	}
	return errors.Wrapf(ErrUnsupportedCrossDeviceClone,
		"can only clone between two different devices if they have the same device type or one of them is cpu, got source %q and destination %q",
		src, dst)
}

// LazyClone returns a new storage observing the same bytes as src.
//
// Without a target, or with a target on src's device, the bytes are shared
// and both storages are tagged SharedPendingCopy. Between the host and a
// unified-memory accelerator the bytes are shared as well, provided both
// allocators address unified memory. Any other cross-device clone copies
// eagerly into a block from the target allocator.
//
// A nil storage and nil error are returned when src holds a foreign data
// block that cannot be shared. On error src is left untouched.
func LazyClone(src *Storage, target *Target) (*Storage, error) {
	src.checkAlive()

	dst := src.device
	dstAlloc := src.allocator
	if target != nil {
		if target.Allocator == nil {
			return nil, errors.Wrapf(alloc.ErrAllocatorUnavailable, "no allocator for lazy clone onto %s", target.Device)
		}
		dst, dstAlloc = target.Device, target.Allocator
	}

	if dst != src.device {
		if err := CheckCloneBetweenDevices(src.device.Type, dst.Type); err != nil {
			return nil, err
		}
		shareable, err := canShareAcross(src, dst, dstAlloc)
		if err != nil {
			return nil, err
		}
		if !shareable {
			return eagerClone(src, dst, dstAlloc)
		}
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	cow := src.cow
	switch {
	case cow != nil:
		cow.acquire()
	case src.allocator.IsSimpleDataPtr(src.data):
		cow = newCOWContext(src.data, src.device, src.allocator)
		cow.acquire()
		src.cow = cow
	default:
		klog.V(2).Infof("lazy clone of %s: foreign data block, no storage", src.device)
		return nil, nil
	}

	src.metrics.StorageShared()
	src.metrics.LazyClone(metrics.CloneShared)
	klog.V(2).Infof("lazy clone %s -> %s: sharing %d bytes (%d sharers)", src.device, dst, src.nbytes, cow.refs.Load())

	p := src.data
	p.Device = dst
	return newStorage(src.nbytes, p, dst, dstAlloc, cow, src.metrics), nil
}

// canShareAcross reports whether src's bytes can be shared with a storage on
// dst. Host memory shared with an accelerator must be unified memory on both
// sides.
func canShareAcross(src *Storage, dst device.Device, dstAlloc alloc.Allocator) (bool, error) {
	if src.device.Type == dst.Type {
		return false, nil
	}
	srcUnified := src.allocator.HasUnifiedMemory()
	dstUnified := dstAlloc.HasUnifiedMemory()
	if src.device.IsCPU() && dstUnified && !srcUnified {
		return false, errors.Wrapf(ErrUnsupportedCrossDeviceClone,
			"unpinned host memory cannot be shared with %s, pin the source first", dst)
	}
	return srcUnified && dstUnified && src.data.HostAddressable(), nil
}

// eagerClone allocates a block on dst and copies src into it.
func eagerClone(src *Storage, dst device.Device, dstAlloc alloc.Allocator) (*Storage, error) {
	p, err := dstAlloc.Allocate(src.nbytes)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %d bytes on %s", src.nbytes, dst)
	}

	src.mu.RLock()
	srcData, srcAlloc := src.data, src.readAllocator()
	if src.cow != nil {
		src.cow.mu.RLock()
	}
	err = copyBetween(p, dstAlloc, srcData, srcAlloc, src.nbytes)
	if src.cow != nil {
		src.cow.mu.RUnlock()
	}
	src.mu.RUnlock()
	if err != nil {
		dstAlloc.Free(p)
		return nil, errors.Wrapf(err, "copying %d bytes %s -> %s", src.nbytes, src.device, dst)
	}

	src.metrics.StorageCreated(src.nbytes)
	src.metrics.LazyClone(metrics.CloneEager)
	klog.V(2).Infof("lazy clone %s -> %s: eager copy of %d bytes", src.device, dst, src.nbytes)
	return newStorage(src.nbytes, p, dst, dstAlloc, nil, src.metrics), nil
}

// MaterializeIfShared forks a private copy of the bytes if s is still
// sharing them and returns s. The last sharer on the original device takes
// the bytes back without copying. Exclusive storages are returned unchanged.
func (s *Storage) MaterializeIfShared() (*Storage, error) {
	s.checkAlive()

	s.mu.Lock()
	defer s.mu.Unlock()

	cow := s.cow
	if cow == nil {
		return s, nil
	}

	if cow.originalDevice == s.device {
		if p, ok := cow.reclaim(); ok {
			s.data = p
			s.cow = nil
			s.metrics.Materialized(metrics.MaterializeReclaim, s.nbytes)
			klog.V(2).Infof("materialize on %s: reclaimed %d bytes", s.device, s.nbytes)
			return s, nil
		}
	}

	p, err := s.allocator.Allocate(s.nbytes)
	if err != nil {
		return nil, errors.Wrapf(err, "materializing %d bytes on %s", s.nbytes, s.device)
	}
	cow.mu.RLock()
	err = copyBetween(p, s.allocator, s.data, cow.originalAllocator, s.nbytes)
	cow.mu.RUnlock()
	if err != nil {
		s.allocator.Free(p)
		return nil, errors.Wrapf(err, "materializing %d bytes on %s", s.nbytes, s.device)
	}

	s.data = p
	s.cow = nil
	cow.release()

	s.metrics.Materialized(metrics.MaterializeCopy, s.nbytes)
	klog.V(2).Infof("materialize on %s: copied %d bytes from %s", s.device, s.nbytes, cow.originalDevice)
	return s, nil
}

// copyBetween copies n bytes from src into dst, each owned by its allocator.
func copyBetween(dst alloc.DataPtr, dstAlloc alloc.Allocator, src alloc.DataPtr, srcAlloc alloc.Allocator, n int) error {
	switch {
	case n == 0:
		return nil
	case dst.HostAddressable() && src.HostAddressable():
		return dstAlloc.CopyData(dst, src, n, true)
	case src.HostAddressable():
		return alloc.Write(dstAlloc, dst, src.Data[:n])
	case dst.HostAddressable():
		return alloc.Read(srcAlloc, dst.Data[:n], src)
	case dstAlloc == srcAlloc:
		return dstAlloc.CopyData(dst, src, n, true)
	}
	buf := make([]byte, n)
	if err := alloc.Read(srcAlloc, buf, src); err != nil {
		return err
	}
	return alloc.Write(dstAlloc, dst, buf)
}
