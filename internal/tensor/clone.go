package tensor

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/storage"
)

// Errors returned by LazyClone.
var (
	// ErrPinningRequired is returned when a host tensor must be pinned before
	// it can be cloned onto a unified-memory accelerator.
	ErrPinningRequired = errors.New("pinning required")

	// ErrNullClonedStorage is the panic value raised when the storage layer
	// yields no storage for a clone whose allocator was resolved.
	ErrNullClonedStorage = errors.New("lazy clone produced no storage")
)

// LazyClone returns a tensor observing the same values as t, optionally on
// the target device.
//
// Within one device, and between the host and a unified-memory accelerator,
// the bytes are shared copy-on-write and copied only when either side
// writes. Other cross-device clones copy eagerly. The clone keeps t's dtype,
// sizes, strides and offset; its key set has t's backend component replaced
// by the target's.
//
// When the source lives on an accelerator and the target device differs,
// the source device is synchronized before the bytes are read so pending
// writes are visible to the clone.
//
// On error t is left untouched.
func LazyClone(env Env, t *RawTensor, target *device.Device) (*RawTensor, error) {
	src := t.Device()
	dst := src

	var tgt *storage.Target
	if target != nil {
		var err error
		if dst, err = env.ResolveDevice(*target); err != nil {
			return nil, allocatorUnavailable(*target, err)
		}
		a, err := resolveCloneAllocator(env, t, dst)
		if err != nil {
			return nil, err
		}
		tgt = &storage.Target{Device: dst, Allocator: a}
	}

	if dst != src && !src.IsCPU() {
		if err := synchronize(env, src); err != nil {
			return nil, err
		}
	}

	if !dst.IsCPU() {
		hooks, err := env.Hooks(dst.Type)
		if err != nil {
			return nil, allocatorUnavailable(dst, err)
		}
		restore, err := device.Guard(hooks, dst.Index)
		if err != nil {
			return nil, err
		}
		defer restore()
	}

	s, err := storage.LazyClone(t.storage, tgt)
	if err != nil {
		return nil, errors.Wrapf(err, "lazy clone %s -> %s", src, dst)
	}
	if s == nil {
		panic(errors.Wrapf(ErrNullClonedStorage, "lazy clone %s -> %s", src, dst))
	}

	keys := t.keys
	if dst.Type != src.Type {
		keys = keys.RemoveBackend(device.ToBackendComponent(src.Type)).
			Union(device.BackendKeySet(device.ToBackendComponent(dst.Type)))
	}

	return &RawTensor{
		storage: s,
		view:    t.view,
		dtype:   t.dtype,
		keys:    keys,
	}, nil
}

// resolveCloneAllocator picks the allocator a clone of t onto dst uses.
func resolveCloneAllocator(env Env, t *RawTensor, dst device.Device) (alloc.Allocator, error) {
	src := t.Device()

	switch {
	case src.IsCPU() && !dst.IsCPU():
		hooks, err := env.Hooks(dst.Type)
		if err != nil {
			return nil, allocatorUnavailable(dst, err)
		}
		if hooks.HasUnifiedMemory() {
			if !t.IsPinned() {
				return nil, errors.Wrapf(ErrPinningRequired,
					"pinning required to clone cpu storage onto %s, pin the source first", dst)
			}
			a := t.storage.Allocator()
			if !a.HasUnifiedMemory() {
				panic(errors.Errorf("pinned allocator %T does not report unified memory", a))
			}
			return a, nil
		}

	case !src.IsCPU() && dst.IsCPU():
		hooks, err := env.Hooks(src.Type)
		if err != nil {
			return nil, allocatorUnavailable(dst, err)
		}
		if hooks.HasUnifiedMemory() {
			a, err := env.PinnedAllocator(src.Type)
			if err != nil {
				return nil, allocatorUnavailable(dst, err)
			}
			if !a.HasUnifiedMemory() {
				panic(errors.Errorf("pinned allocator %T for %s does not report unified memory", a, src.Type))
			}
			return a, nil
		}
	}

	// A zero-size tensor on the target tells us its default allocator.
	probe, err := Zeros(env, Shape{0}, t.dtype, dst)
	if err != nil {
		return nil, allocatorUnavailable(dst, err)
	}
	defer probe.Release()
	return probe.storage.Allocator(), nil
}

// allocatorUnavailable reports err as a failure to resolve an allocator for
// dst, keeping err's chain when it already is one.
func allocatorUnavailable(dst device.Device, err error) error {
	if errors.Is(err, alloc.ErrAllocatorUnavailable) {
		return errors.Wrapf(err, "lazy clone onto %s", dst)
	}
	return errors.Wrapf(alloc.ErrAllocatorUnavailable, "lazy clone onto %s: %v", dst, err)
}

func synchronize(env Env, d device.Device) error {
	hooks, err := env.Hooks(d.Type)
	if err != nil {
		return err
	}
	klog.V(3).Infof("synchronizing %s before cross-device clone", d)
	if err := hooks.Synchronize(d.Index); err != nil {
		return errors.Wrapf(err, "synchronizing %s", d)
	}
	env.Metrics().Synchronized(d.String())
	return nil
}
