// Package device describes compute devices, their dispatch key sets and the
// accelerator hooks consumed by the storage layer.
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownDevice is returned when a device string cannot be parsed.
var ErrUnknownDevice = errors.New("unknown device")

// Type represents the family of a compute device.
type Type int

// Supported device types.
const (
	CPU Type = iota
	CUDA
	Vulkan
	Metal
	WebGPU

	numTypes
)

// Types returns every known device type in declaration order.
func Types() []Type {
	return []Type{CPU, CUDA, Vulkan, Metal, WebGPU}
}

// String returns the lower-case device type name used in device strings.
func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Vulkan:
		return "vulkan"
	case Metal:
		return "metal"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// ParseType parses a device type name such as "cuda".
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "mps" {
		return Metal, nil
	}
	for _, t := range Types() {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownDevice, "device type %q", s)
}

// Device identifies a single device: a type plus an index.
// Index -1 means "the current device of that type".
type Device struct {
	Type  Type
	Index int
}

// New returns a device of the given type and index.
func New(t Type, index int) Device {
	return Device{Type: t, Index: index}
}

// Host is the CPU device.
var Host = Device{Type: CPU, Index: -1}

// Parse parses strings of the form "cpu", "cuda", "cuda:1".
func Parse(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(s, ":")
	t, err := ParseType(name)
	if err != nil {
		return Device{}, err
	}
	d := Device{Type: t, Index: -1}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, errors.Wrapf(ErrUnknownDevice, "invalid device index in %q", s)
		}
		d.Index = n
	}
	return d, nil
}

// IsCPU reports whether the device is host memory.
func (d Device) IsCPU() bool {
	return d.Type == CPU
}

// HasIndex reports whether the device names a concrete index.
func (d Device) HasIndex() bool {
	return d.Index >= 0
}

// String returns the canonical device string.
func (d Device) String() string {
	if !d.HasIndex() {
		return d.Type.String()
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}
