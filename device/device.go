// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device names the compute devices tensors live on.
//
// Example:
//
//	d, err := device.Parse("cuda:1")
//	host := device.Host
package device

import (
	"github.com/born-ml/lazyclone/internal/device"
)

// Type represents the family of a compute device.
type Type = device.Type

// Device type constants.
const (
	CPU    Type = device.CPU
	CUDA   Type = device.CUDA
	Vulkan Type = device.Vulkan
	Metal  Type = device.Metal
	WebGPU Type = device.WebGPU
)

// Device identifies a device by type and index. Index -1 selects the
// current device of the type.
type Device = device.Device

// Hooks is the interface accelerator backends implement.
type Hooks = device.Hooks

// Host is the CPU device.
var Host = device.Host

// Errors returned by device lookups.
var (
	ErrUnknownDevice = device.ErrUnknownDevice
	ErrNoHooks       = device.ErrNoHooks
)

// New returns the device of type t at index.
func New(t Type, index int) Device {
	return device.New(t, index)
}

// Parse parses device strings such as "cpu", "cuda" or "metal:0".
func Parse(s string) (Device, error) {
	return device.Parse(s)
}

// ParseType parses a device type name.
func ParseType(s string) (Type, error) {
	return device.ParseType(s)
}

// Guard makes idx the current device of h and returns a function restoring
// the previous one.
func Guard(h Hooks, idx int) (func(), error) {
	return device.Guard(h, idx)
}
