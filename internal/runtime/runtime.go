// Package runtime holds the process-wide state tensors are built with: the
// allocator and device hook registries, the inference-mode switch and the
// metrics. A Context is created once from a config.Config and passed by
// reference.
package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/backend/cpu"
	"github.com/born-ml/lazyclone/internal/backend/virtual"
	"github.com/born-ml/lazyclone/internal/config"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/metrics"
)

// Context is the runtime state shared by all tensors of a process.
type Context struct {
	cfg           config.Config
	allocators    *alloc.Registry
	hooks         *device.Registry
	metrics       *metrics.Metrics
	defaultDevice device.Device
	inference     atomic.Int32

	cpu     *cpu.CPUBackend
	virtual map[device.Type]*virtual.Backend

	closeOnce sync.Once
	closers   []func()
}

// New builds a context: the host backend, the virtual devices declared in
// cfg and, where available and enabled, the WebGPU device.
func New(cfg config.Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	c := &Context{
		cfg:        cfg,
		allocators: alloc.NewRegistry(),
		hooks:      device.NewRegistry(),
		metrics:    metrics.New(),
		virtual:    make(map[device.Type]*virtual.Backend),
	}

	c.cpu = cpu.New(cpu.Config{
		Caching:     cfg.CachingAllocator.Enabled,
		MaxPoolSize: cfg.CachingAllocator.MaxPoolSize,
		Copy:        cfg.ParallelCopy,
	})
	c.cpu.Register(c.hooks, c.allocators)
	c.closers = append(c.closers, c.cpu.Close)

	for _, vd := range cfg.VirtualDevices {
		t, err := device.ParseType(vd.Type)
		if err != nil {
			c.Close()
			return nil, err
		}
		if _, dup := c.virtual[t]; dup {
			c.Close()
			return nil, errors.Errorf("virtual devices of type %s declared twice", t)
		}
		b, err := virtual.New(virtual.Config{
			Type:          t,
			Count:         vd.Count,
			UnifiedMemory: vd.UnifiedMemory,
			Latency:       time.Duration(vd.Latency),
			Copy:          cfg.ParallelCopy,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		b.Register(c.hooks, c.allocators)
		c.virtual[t] = b
		c.closers = append(c.closers, b.Close)
	}

	if cfg.WebGPU.Enabled {
		if err := registerWebGPU(c); err != nil {
			klog.Warningf("webgpu unavailable, continuing without it: %v", err)
		}
	}

	if cfg.DefaultDevice != "" {
		d, err := device.Parse(cfg.DefaultDevice)
		if err != nil {
			c.Close()
			return nil, err
		}
		if c.defaultDevice, err = c.ResolveDevice(d); err != nil {
			c.Close()
			return nil, errors.WithMessage(err, "default_device")
		}
	} else {
		c.defaultDevice = device.Host
	}
	return c, nil
}

// Config returns the configuration the context was built from.
func (c *Context) Config() config.Config {
	return c.cfg
}

// DefaultDevice returns the configured default device.
func (c *Context) DefaultDevice() device.Device {
	return c.defaultDevice
}

// Allocator returns the default allocator for device type t.
func (c *Context) Allocator(t device.Type) (alloc.Allocator, error) {
	return c.allocators.Get(t, false)
}

// PinnedAllocator returns the pinned host allocator paired with accelerator
// type accel.
func (c *Context) PinnedAllocator(accel device.Type) (alloc.Allocator, error) {
	if accel == device.CPU {
		return nil, errors.Wrap(alloc.ErrAllocatorUnavailable, "pinned memory is paired with an accelerator, got cpu")
	}
	return c.allocators.Get(accel, true)
}

// SetAllocator installs a for (t, pinned) unless an allocator of higher
// priority is already installed there.
func (c *Context) SetAllocator(t device.Type, pinned bool, a alloc.Allocator, priority uint8) {
	c.allocators.Set(t, pinned, a, priority)
}

// Hooks returns the hooks registered for device type t.
func (c *Context) Hooks(t device.Type) (device.Hooks, error) {
	return c.hooks.Get(t)
}

// ResolveDevice fills in the current index of an accelerator device and
// checks the index exists.
func (c *Context) ResolveDevice(d device.Device) (device.Device, error) {
	d, err := c.hooks.Resolve(d)
	if err != nil {
		return d, err
	}
	if d.IsCPU() {
		return d, nil
	}
	h, err := c.hooks.Get(d.Type)
	if err != nil {
		return d, err
	}
	if d.Index >= h.DeviceCount() {
		return d, errors.Errorf("device %s out of range, %d %s device(s) available", d, h.DeviceCount(), d.Type)
	}
	return d, nil
}

// Devices lists every addressable device, host first.
func (c *Context) Devices() []device.Device {
	var out []device.Device
	for _, h := range c.hooks.Registered() {
		if !h.IsAccelerator() {
			out = append(out, device.Host)
			continue
		}
		for i := range h.DeviceCount() {
			out = append(out, device.New(h.DeviceType(), i))
		}
	}
	return out
}

// RegisteredHooks returns the hooks of every registered device type.
func (c *Context) RegisteredHooks() []device.Hooks {
	return c.hooks.Registered()
}

// CPU returns the host backend.
func (c *Context) CPU() *cpu.CPUBackend {
	return c.cpu
}

// Virtual returns the virtual backend posing as device type t.
func (c *Context) Virtual(t device.Type) (*virtual.Backend, bool) {
	b, ok := c.virtual[t]
	return b, ok
}

// Metrics returns the context's collectors.
func (c *Context) Metrics() *metrics.Metrics {
	return c.metrics
}

// InferenceModeEnabled reports whether inference mode is on.
func (c *Context) InferenceModeEnabled() bool {
	return c.inference.Load() > 0
}

// EnterInferenceMode turns inference mode on and returns a function turning
// it back off. Calls nest.
//
// Example:
//
//	defer ctx.EnterInferenceMode()()
func (c *Context) EnterInferenceMode() func() {
	c.inference.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.inference.Add(-1) })
	}
}

// Close releases the backends. Tensors must not be used afterwards.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		for i := len(c.closers) - 1; i >= 0; i-- {
			c.closers[i]()
		}
	})
}
