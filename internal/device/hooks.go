package device

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoHooks is returned when no hooks are registered for a device type.
var ErrNoHooks = errors.New("no hooks registered for device type")

// Hooks is the accelerator hook interface consumed by the storage layer.
// The host device registers hooks too, with IsAccelerator returning false.
type Hooks interface {
	// DeviceType returns the device type the hooks serve.
	DeviceType() Type

	// IsAccelerator reports whether the device type is an accelerator.
	IsAccelerator() bool

	// HasUnifiedMemory reports whether host and device share an address space.
	HasUnifiedMemory() bool

	// DeviceCount returns the number of devices of this type.
	DeviceCount() int

	// CurrentDeviceIndex returns the current device index.
	CurrentDeviceIndex() int

	// SetDeviceIndex changes the current device index.
	SetDeviceIndex(idx int) error

	// Synchronize blocks until all work queued on device idx has completed.
	Synchronize(idx int) error
}

// Registry maps device types to their hooks.
type Registry struct {
	mu    sync.RWMutex
	hooks [numTypes]Hooks
	order []Type
}

// NewRegistry creates an empty hooks registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs hooks for h.DeviceType(), replacing any previous ones.
func (r *Registry) Register(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := h.DeviceType()
	if r.hooks[t] == nil {
		r.order = append(r.order, t)
	}
	r.hooks[t] = h
}

// Get returns the hooks registered for t.
func (r *Registry) Get(t Type) (Hooks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t < 0 || t >= numTypes || r.hooks[t] == nil {
		return nil, errors.Wrapf(ErrNoHooks, "%s", t)
	}
	return r.hooks[t], nil
}

// IsAccelerator reports whether t is registered as an accelerator.
func (r *Registry) IsAccelerator(t Type) bool {
	h, err := r.Get(t)
	return err == nil && h.IsAccelerator()
}

// Accelerator returns the first registered accelerator.
func (r *Registry) Accelerator() (Hooks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.order {
		if h := r.hooks[t]; h.IsAccelerator() {
			return h, true
		}
	}
	return nil, false
}

// Registered returns the hooks in registration order.
func (r *Registry) Registered() []Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Hooks, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.hooks[t])
	}
	return out
}

// Resolve fills in the current index of an accelerator device that has
// none. Host devices never carry an index.
func (r *Registry) Resolve(d Device) (Device, error) {
	if d.IsCPU() {
		return Host, nil
	}
	if d.HasIndex() {
		return d, nil
	}
	h, err := r.Get(d.Type)
	if err != nil {
		return d, err
	}
	d.Index = h.CurrentDeviceIndex()
	return d, nil
}

// Guard switches the current device of h to idx and returns a function
// restoring the previous one. A negative idx leaves the device unchanged.
//
// Example:
//
//	restore, err := device.Guard(hooks, 1)
//	if err != nil {
//	    return err
//	}
//	defer restore()
func Guard(h Hooks, idx int) (func(), error) {
	prev := h.CurrentDeviceIndex()
	if idx < 0 || idx == prev {
		return func() {}, nil
	}
	if err := h.SetDeviceIndex(idx); err != nil {
		return nil, errors.Wrapf(err, "switching %s device to %d", h.DeviceType(), idx)
	}
	return func() {
		_ = h.SetDeviceIndex(prev)
	}, nil
}
