// Package storage implements reference-counted device byte buffers with
// copy-on-write sharing.
//
// A Storage is shared by every tensor that views it. Lazy clones share the
// underlying bytes through a copy-on-write context; the first write through
// any sharer forks a private copy (see MaterializeIfShared).
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/metrics"
)

// State is the copy-on-write state of a Storage.
type State uint8

const (
	// Exclusive means no sharing is pending; writes go straight to the bytes.
	Exclusive State = iota
	// SharedPendingCopy means the bytes are shared with lazy clones and a
	// writer must fork a private copy first.
	SharedPendingCopy
)

// String returns the state name.
func (s State) String() string {
	if s == SharedPendingCopy {
		return "Shared-Pending-Copy"
	}
	return "Exclusive"
}

// Storage is a reference-counted block of raw bytes on one device.
//
// The byte capacity, device and allocator never change. The data block and
// the copy-on-write context are swapped under mu by MaterializeIfShared.
type Storage struct {
	nbytes    int
	device    device.Device
	allocator alloc.Allocator
	metrics   *metrics.Metrics

	refs  atomic.Int32
	freed atomic.Bool

	mu   sync.RWMutex
	data alloc.DataPtr
	cow  *cowContext
}

// New allocates nbytes with a and returns a storage holding one reference.
func New(nbytes int, a alloc.Allocator, m *metrics.Metrics) (*Storage, error) {
	if a == nil {
		return nil, errors.WithStack(alloc.ErrAllocatorUnavailable)
	}
	p, err := a.Allocate(nbytes)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %d bytes", nbytes)
	}
	m.StorageCreated(nbytes)
	return newStorage(nbytes, p, p.Device, a, nil, m), nil
}

// FromDataPtr wraps an existing block. The storage takes ownership of p and
// frees it with a once the last reference is released.
func FromDataPtr(p alloc.DataPtr, a alloc.Allocator, m *metrics.Metrics) *Storage {
	m.StorageCreated(p.Size)
	return newStorage(p.Size, p, p.Device, a, nil, m)
}

func newStorage(nbytes int, p alloc.DataPtr, dev device.Device, a alloc.Allocator, cow *cowContext, m *metrics.Metrics) *Storage {
	s := &Storage{
		nbytes:    nbytes,
		device:    dev,
		allocator: a,
		metrics:   m,
		data:      p,
		cow:       cow,
	}
	s.refs.Store(1)
	return s
}

func (s *Storage) checkAlive() {
	if s.freed.Load() {
		panic("storage: use after free")
	}
}

// Acquire adds a reference and returns s.
func (s *Storage) Acquire() *Storage {
	s.checkAlive()
	s.refs.Add(1)
	return s
}

// Release drops a reference. The bytes are freed through the allocator when
// the last reference goes away.
func (s *Storage) Release() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		klog.Errorf("storage: release of freed storage (%d bytes on %s), refcount %d", s.nbytes, s.device, n)
		return
	}
	if !s.freed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	data, cow := s.data, s.cow
	s.data, s.cow = alloc.DataPtr{}, nil
	s.mu.Unlock()

	if cow != nil {
		cow.release()
	} else {
		s.allocator.Free(data)
	}
	s.metrics.StorageFreed()
}

// RefCount returns the number of live references.
func (s *Storage) RefCount() int {
	return int(s.refs.Load())
}

// Freed reports whether the bytes have been returned to the allocator.
func (s *Storage) Freed() bool {
	return s.freed.Load()
}

// NBytes returns the byte capacity.
func (s *Storage) NBytes() int {
	return s.nbytes
}

// Device returns the device holding the bytes.
func (s *Storage) Device() device.Device {
	return s.device
}

// Allocator returns the allocator used to free the bytes.
func (s *Storage) Allocator() alloc.Allocator {
	return s.allocator
}

// CapacityInElements returns the byte capacity divided by elemSize.
func (s *Storage) CapacityInElements(elemSize int) int {
	if elemSize <= 0 {
		return 0
	}
	return s.nbytes / elemSize
}

// State returns the copy-on-write state.
func (s *Storage) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cow != nil {
		return SharedPendingCopy
	}
	return Exclusive
}

// IsCOW reports whether the bytes are shared through a copy-on-write context.
func (s *Storage) IsCOW() bool {
	return s.State() == SharedPendingCopy
}

// IsCOWOn reports whether the bytes are shared through a copy-on-write
// context whose original bytes live on a device of type t.
func (s *Storage) IsCOWOn(t device.Type) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cow != nil && s.cow.originalDevice.Type == t
}

// SharerCount returns the number of storages sharing the bytes through the
// copy-on-write context, or 0 for an exclusive storage.
func (s *Storage) SharerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cow == nil {
		return 0
	}
	return int(s.cow.refs.Load())
}

// DataPtr returns the current data block.
func (s *Storage) DataPtr() alloc.DataPtr {
	s.checkAlive()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Bytes returns the host-addressable bytes for reading. It is nil for
// device memory; use CopyToHost instead.
func (s *Storage) Bytes() []byte {
	return s.DataPtr().Data
}

// MutableBytes materializes a shared storage and returns its bytes for
// writing. It fails for memory the host cannot address.
func (s *Storage) MutableBytes() ([]byte, error) {
	if _, err := s.MaterializeIfShared(); err != nil {
		return nil, err
	}
	p := s.DataPtr()
	if !p.HostAddressable() {
		return nil, errors.Errorf("storage on %s is not host addressable", s.device)
	}
	return p.Data, nil
}

// CopyToHost copies the whole storage into a fresh host slice.
func (s *Storage) CopyToHost() ([]byte, error) {
	s.checkAlive()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cow != nil {
		s.cow.mu.RLock()
		defer s.cow.mu.RUnlock()
	}

	out := make([]byte, s.nbytes)
	if err := alloc.Read(s.readAllocator(), out, s.data); err != nil {
		return nil, errors.Wrapf(err, "reading storage on %s", s.device)
	}
	return out, nil
}

// WriteFromHost materializes the storage and copies src into its bytes
// starting at byte offset off.
func (s *Storage) WriteFromHost(off int, src []byte) error {
	if off < 0 || off+len(src) > s.nbytes {
		return errors.Errorf("write of %d bytes at offset %d exceeds storage of %d bytes", len(src), off, s.nbytes)
	}
	if _, err := s.MaterializeIfShared(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.HostAddressable() {
		copy(s.data.Data[off:], src)
		return nil
	}
	if off == 0 && len(src) == s.nbytes {
		return alloc.Write(s.allocator, s.data, src)
	}
	// Partial writes to device memory go through a host round trip.
	buf := make([]byte, s.nbytes)
	if err := alloc.Read(s.allocator, buf, s.data); err != nil {
		return err
	}
	copy(buf[off:], src)
	return alloc.Write(s.allocator, s.data, buf)
}

// readAllocator returns the allocator owning the bytes currently referenced.
// Callers hold s.mu.
func (s *Storage) readAllocator() alloc.Allocator {
	if s.cow != nil {
		return s.cow.originalAllocator
	}
	return s.allocator
}

// String implements fmt.Stringer.
func (s *Storage) String() string {
	return fmt.Sprintf("Storage(%d bytes, %s, %s, refs=%d)", s.nbytes, s.device, s.State(), s.RefCount())
}
