// Package virtual implements software accelerator devices.
//
// A virtual device executes launched commands asynchronously on a per-device
// queue, like a real accelerator stream, so host code must synchronize before
// it reads results. Devices come in two flavours: unified memory, where the
// host addresses device blocks directly, and discrete memory, where blocks
// are opaque and move through uploads and downloads.
package virtual

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// Config describes a family of virtual devices.
type Config struct {
	Type          device.Type     // Accelerator type the devices pose as.
	Count         int             // Number of devices.
	UnifiedMemory bool            // Whether the host can address device blocks.
	Latency       time.Duration   // Delay applied to every queued command.
	Copy          parallel.Config // Parallel copy settings for host-side copies.
}

// Backend is a family of virtual devices of one type.
type Backend struct {
	cfg     Config
	queues  []*queue
	current atomic.Int32
	syncs   atomic.Int64

	allocator *Allocator
	pinned    *alloc.Host
}

// New creates cfg.Count virtual devices of type cfg.Type.
func New(cfg Config) (*Backend, error) {
	if cfg.Type == device.CPU {
		return nil, errors.New("virtual: cpu cannot be virtualized")
	}
	if cfg.Count <= 0 {
		return nil, errors.Errorf("virtual: device count must be > 0, got %d", cfg.Count)
	}
	b := &Backend{
		cfg:    cfg,
		queues: make([]*queue, cfg.Count),
		pinned: alloc.NewPinnedHost(cfg.Copy),
	}
	for i := range b.queues {
		b.queues[i] = newQueue(cfg.Latency)
	}
	b.allocator = &Allocator{backend: b}
	klog.V(1).Infof("virtual: %d %s device(s), unified memory %t, latency %s", cfg.Count, cfg.Type, cfg.UnifiedMemory, cfg.Latency)
	return b, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "virtual-" + b.cfg.Type.String()
}

// Allocator returns the device allocator.
func (b *Backend) Allocator() *Allocator {
	return b.allocator
}

// PinnedAllocator returns the pinned host allocator paired with the devices.
func (b *Backend) PinnedAllocator() *alloc.Host {
	return b.pinned
}

// Register installs the hooks, the device allocator and the pinned host
// allocator of the backend.
func (b *Backend) Register(hooks *device.Registry, allocs *alloc.Registry) {
	hooks.Register(b)
	allocs.Set(b.cfg.Type, false, b.allocator, 0)
	allocs.Set(b.cfg.Type, true, b.pinned, 0)
}

// Launch enqueues fn on device idx and returns without waiting for it.
func (b *Backend) Launch(idx int, fn func()) error {
	q, err := b.queue(idx)
	if err != nil {
		return err
	}
	q.submit(fn)
	return nil
}

// Pending returns the number of commands queued on device idx that have not
// run yet.
func (b *Backend) Pending(idx int) int {
	q, err := b.queue(idx)
	if err != nil {
		return 0
	}
	return int(q.pending.Load())
}

// Syncs returns the number of Synchronize calls served.
func (b *Backend) Syncs() int {
	return int(b.syncs.Load())
}

// Close stops the device queues after draining them.
func (b *Backend) Close() {
	for _, q := range b.queues {
		q.close()
	}
}

func (b *Backend) queue(idx int) (*queue, error) {
	if idx < 0 {
		idx = b.CurrentDeviceIndex()
	}
	if idx >= len(b.queues) {
		return nil, errors.Errorf("virtual: no %s device with index %d", b.cfg.Type, idx)
	}
	return b.queues[idx], nil
}

// DeviceType implements device.Hooks.
func (b *Backend) DeviceType() device.Type {
	return b.cfg.Type
}

// IsAccelerator implements device.Hooks.
func (b *Backend) IsAccelerator() bool {
	return true
}

// HasUnifiedMemory implements device.Hooks.
func (b *Backend) HasUnifiedMemory() bool {
	return b.cfg.UnifiedMemory
}

// DeviceCount implements device.Hooks.
func (b *Backend) DeviceCount() int {
	return len(b.queues)
}

// CurrentDeviceIndex implements device.Hooks.
func (b *Backend) CurrentDeviceIndex() int {
	return int(b.current.Load())
}

// SetDeviceIndex implements device.Hooks.
func (b *Backend) SetDeviceIndex(idx int) error {
	if idx < 0 || idx >= len(b.queues) {
		return errors.Errorf("virtual: no %s device with index %d", b.cfg.Type, idx)
	}
	b.current.Store(int32(idx)) //nolint:gosec // bounded by device count
	return nil
}

// Synchronize implements device.Hooks.
func (b *Backend) Synchronize(idx int) error {
	q, err := b.queue(idx)
	if err != nil {
		return err
	}
	q.wait()
	b.syncs.Add(1)
	return nil
}
