// Package cpu implements the host device: its hooks and its allocator.
package cpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// Config configures the host allocator.
type Config struct {
	Caching     bool            // Pool freed blocks for reuse.
	MaxPoolSize int             // Max pooled blocks per size class.
	Copy        parallel.Config // Parallel copy settings for large blocks.
}

// CPUBackend provides the host device hooks and allocator.
type CPUBackend struct {
	host      *alloc.Host
	allocator alloc.Allocator
}

// New creates a new CPU backend.
func New(cfg Config) *CPUBackend {
	host := alloc.NewHost(cfg.Copy)
	var a alloc.Allocator = host
	if cfg.Caching {
		a = alloc.NewCaching(host, cfg.MaxPoolSize)
	}
	return &CPUBackend{host: host, allocator: a}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the host device.
func (cpu *CPUBackend) Device() device.Device {
	return device.Host
}

// Allocator returns the host allocator.
func (cpu *CPUBackend) Allocator() alloc.Allocator {
	return cpu.allocator
}

// Stats returns the number of live blocks, live bytes and total allocations
// of the underlying host allocator. Pooled blocks count as live.
func (cpu *CPUBackend) Stats() (live, bytes, total int64) {
	return cpu.host.Stats()
}

// Register installs the hooks and allocator of the host.
func (cpu *CPUBackend) Register(hooks *device.Registry, allocs *alloc.Registry) {
	hooks.Register(cpu)
	allocs.Set(device.CPU, false, cpu.allocator, 0)
}

// Close frees pooled blocks.
func (cpu *CPUBackend) Close() {
	if c, ok := cpu.allocator.(*alloc.Caching); ok {
		c.Clear()
	}
}

// DeviceType implements device.Hooks.
func (cpu *CPUBackend) DeviceType() device.Type {
	return device.CPU
}

// IsAccelerator implements device.Hooks.
func (cpu *CPUBackend) IsAccelerator() bool {
	return false
}

// HasUnifiedMemory implements device.Hooks.
func (cpu *CPUBackend) HasUnifiedMemory() bool {
	return false
}

// DeviceCount implements device.Hooks.
func (cpu *CPUBackend) DeviceCount() int {
	return 1
}

// CurrentDeviceIndex implements device.Hooks. The host carries no index.
func (cpu *CPUBackend) CurrentDeviceIndex() int {
	return device.Host.Index
}

// SetDeviceIndex implements device.Hooks.
func (cpu *CPUBackend) SetDeviceIndex(idx int) error {
	if idx > 0 {
		return errors.Errorf("cpu: no device with index %d", idx)
	}
	return nil
}

// Synchronize implements device.Hooks. Host work is always complete.
func (cpu *CPUBackend) Synchronize(int) error {
	return nil
}
