//go:build windows

// Package webgpu implements a WebGPU accelerator device: hooks, a buffer
// allocator and host transfers.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
package webgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
)

// Backend is a single WebGPU device.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu sync.RWMutex

	// Device info
	adapterInfo *wgpu.AdapterInfo

	// Buffer pool for memory management
	bufferPool *BufferPool
	allocator  *Allocator

	// Command batching: copies are accumulated and submitted together on
	// Synchronize or before a host transfer.
	pendingCommands []*wgpu.CommandBuffer
	pendingMu       sync.Mutex

	syncs atomic.Int64
}

// New creates a new WebGPU backend.
// Returns an error if WebGPU is not available or initialization fails.
func New() (backend *Backend, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, errors.Wrap(adapterErr, "webgpu: failed to request adapter")
	}

	adapterInfo := adapter.GetInfo()

	dev, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(deviceErr, "webgpu: failed to request device")
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}

	b := &Backend{
		instance:    instance,
		adapter:     adapter,
		device:      dev,
		queue:       queue,
		adapterInfo: &adapterInfo,
		bufferPool:  NewBufferPool(dev),
	}
	b.allocator = &Allocator{backend: b}
	klog.V(1).Infof("webgpu: using adapter %s", b.Name())
	return b, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()

	return true
}

// Name returns the backend name.
func (b *Backend) Name() string {
	if b.adapterInfo != nil {
		return fmt.Sprintf("WebGPU (%s %s)", b.adapterInfo.Name, b.adapterInfo.VendorName)
	}
	return "WebGPU"
}

// Allocator returns the buffer allocator.
func (b *Backend) Allocator() *Allocator {
	return b.allocator
}

// Register installs the hooks and the buffer allocator. WebGPU has no
// pinned host memory.
func (b *Backend) Register(hooks *device.Registry, allocs *alloc.Registry) {
	hooks.Register(b)
	allocs.Set(device.WebGPU, false, b.allocator, 0)
}

// queueCommand adds a command buffer to the pending queue for batch
// submission.
func (b *Backend) queueCommand(cmdBuffer *wgpu.CommandBuffer) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.pendingCommands = append(b.pendingCommands, cmdBuffer)
}

// flushCommands submits all pending command buffers to the GPU queue.
func (b *Backend) flushCommands() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if len(b.pendingCommands) == 0 {
		return
	}
	b.queue.Submit(b.pendingCommands...)
	b.pendingCommands = b.pendingCommands[:0]
}

// Release releases all WebGPU resources.
// Must be called when the backend is no longer needed.
func (b *Backend) Release() {
	b.flushCommands()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bufferPool != nil {
		b.bufferPool.Clear()
		b.bufferPool = nil
	}
	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

// DeviceType implements device.Hooks.
func (b *Backend) DeviceType() device.Type {
	return device.WebGPU
}

// IsAccelerator implements device.Hooks.
func (b *Backend) IsAccelerator() bool {
	return true
}

// HasUnifiedMemory implements device.Hooks. WebGPU buffers are never host
// addressable.
func (b *Backend) HasUnifiedMemory() bool {
	return false
}

// DeviceCount implements device.Hooks.
func (b *Backend) DeviceCount() int {
	return 1
}

// CurrentDeviceIndex implements device.Hooks.
func (b *Backend) CurrentDeviceIndex() int {
	return 0
}

// SetDeviceIndex implements device.Hooks.
func (b *Backend) SetDeviceIndex(idx int) error {
	if idx != 0 {
		return errors.Errorf("webgpu: no device with index %d", idx)
	}
	return nil
}

// Synchronize implements device.Hooks. It submits pending commands and waits
// for the queue by mapping a fence buffer, which completes only after all
// previously submitted work.
func (b *Backend) Synchronize(int) error {
	b.flushCommands()

	const fenceSize = 4
	fence := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  fenceSize,
	})
	defer fence.Release()

	if err := fence.MapAsync(b.device, wgpu.MapModeRead, 0, fenceSize); err != nil {
		return errors.Wrap(err, "webgpu: synchronize")
	}
	fence.Unmap()
	b.syncs.Add(1)
	return nil
}

// Syncs returns the number of Synchronize calls served.
func (b *Backend) Syncs() int {
	return int(b.syncs.Load())
}
