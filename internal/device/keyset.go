package device

import (
	"math/bits"
	"strings"
)

// BackendComponent is the device-family discriminator inside a KeySet.
type BackendComponent uint8

// Backend components, one per device type.
const (
	InvalidBit BackendComponent = iota
	CPUBit
	CUDABit
	VulkanBit
	MetalBit
	WebGPUBit

	numBackendComponents
)

// String returns the backend component name.
func (b BackendComponent) String() string {
	switch b {
	case CPUBit:
		return "CPUBit"
	case CUDABit:
		return "CUDABit"
	case VulkanBit:
		return "VulkanBit"
	case MetalBit:
		return "MetalBit"
	case WebGPUBit:
		return "WebGPUBit"
	default:
		return "InvalidBit"
	}
}

// ToBackendComponent maps a device type to its backend component.
func ToBackendComponent(t Type) BackendComponent {
	switch t {
	case CPU:
		return CPUBit
	case CUDA:
		return CUDABit
	case Vulkan:
		return VulkanBit
	case Metal:
		return MetalBit
	case WebGPU:
		return WebGPUBit
	default:
		return InvalidBit
	}
}

// Key is a functionality key. Functionality keys are independent of the
// backend component they run on.
type Key uint8

// Functionality keys.
const (
	Dense Key = iota
	ADInplaceOrView
	Autograd
	Conjugate
	Negative
	Python

	numKeys
)

var keyNames = [numKeys]string{"Dense", "ADInplaceOrView", "Autograd", "Conjugate", "Negative", "Python"}

// String returns the key name.
func (k Key) String() string {
	if k >= numKeys {
		return "UndefinedKey"
	}
	return keyNames[k]
}

// KeySet is a bitset of backend components (low bits) and functionality
// keys (high bits).
type KeySet uint64

const functionalityShift = 16

func backendBit(b BackendComponent) KeySet {
	if b == InvalidBit || b >= numBackendComponents {
		return 0
	}
	return 1 << (b - 1)
}

func keyBit(k Key) KeySet {
	return 1 << (functionalityShift + uint(k))
}

const backendMask = KeySet(1<<functionalityShift - 1)

// NewKeySet returns a key set holding the given functionality keys.
func NewKeySet(keys ...Key) KeySet {
	var ks KeySet
	for _, k := range keys {
		ks |= keyBit(k)
	}
	return ks
}

// BackendKeySet returns a key set holding only the given backend component.
func BackendKeySet(b BackendComponent) KeySet {
	return backendBit(b)
}

// DefaultKeySet is the key set of an ordinary tensor on a device of type t.
// Inference tensors carry neither Autograd nor ADInplaceOrView.
func DefaultKeySet(t Type, inference bool) KeySet {
	ks := NewKeySet(Dense) | BackendKeySet(ToBackendComponent(t))
	if !inference {
		ks |= NewKeySet(ADInplaceOrView, Autograd)
	}
	return ks
}

// Add returns ks with key k added.
func (ks KeySet) Add(k Key) KeySet {
	return ks | keyBit(k)
}

// Remove returns ks with key k removed.
func (ks KeySet) Remove(k Key) KeySet {
	return ks &^ keyBit(k)
}

// Has reports whether functionality key k is present.
func (ks KeySet) Has(k Key) bool {
	return ks&keyBit(k) != 0
}

// HasBackend reports whether backend component b is present.
func (ks KeySet) HasBackend(b BackendComponent) bool {
	bit := backendBit(b)
	return bit != 0 && ks&bit != 0
}

// RemoveBackend returns ks without backend component b. Functionality keys
// are left untouched.
func (ks KeySet) RemoveBackend(b BackendComponent) KeySet {
	return ks &^ backendBit(b)
}

// Union returns the union of both sets.
func (ks KeySet) Union(other KeySet) KeySet {
	return ks | other
}

// Functionality returns only the functionality keys of ks.
func (ks KeySet) Functionality() KeySet {
	return ks &^ backendMask
}

// Backend returns the highest-priority backend component in ks.
func (ks KeySet) Backend() BackendComponent {
	b := ks & backendMask
	if b == 0 {
		return InvalidBit
	}
	return BackendComponent(bits.Len64(uint64(b)))
}

// String lists the keys and backend components of the set.
func (ks KeySet) String() string {
	var parts []string
	for b := CPUBit; b < numBackendComponents; b++ {
		if ks.HasBackend(b) {
			parts = append(parts, b.String())
		}
	}
	for k := Key(0); k < numKeys; k++ {
		if ks.Has(k) {
			parts = append(parts, k.String())
		}
	}
	return "KeySet(" + strings.Join(parts, ", ") + ")"
}
