package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

func TestCPUBackend_New(t *testing.T) {
	backend := New(Config{})
	assert.Equal(t, "CPU", backend.Name())
	assert.Equal(t, device.Host, backend.Device())
	assert.IsType(t, &alloc.Host{}, backend.Allocator())
	assert.False(t, backend.IsAccelerator())
	assert.Equal(t, 1, backend.DeviceCount())
	assert.NoError(t, backend.Synchronize(0))
	assert.NoError(t, backend.SetDeviceIndex(0))
	assert.Error(t, backend.SetDeviceIndex(1))
}

func TestCPUBackend_Caching(t *testing.T) {
	backend := New(Config{Caching: true, MaxPoolSize: 4, Copy: parallel.DefaultConfig()})
	a := backend.Allocator()
	require.IsType(t, &alloc.Caching{}, a)

	p, err := a.Allocate(128)
	require.NoError(t, err)
	a.Free(p)
	live, _, _ := backend.Stats()
	assert.Equal(t, int64(1), live, "freed block stays pooled")

	backend.Close()
	live, _, _ = backend.Stats()
	assert.Zero(t, live)
}

func TestCPUBackend_Register(t *testing.T) {
	backend := New(Config{})
	hooks := device.NewRegistry()
	allocs := alloc.NewRegistry()
	backend.Register(hooks, allocs)

	h, err := hooks.Get(device.CPU)
	require.NoError(t, err)
	assert.Same(t, backend, h)

	a, err := allocs.Get(device.CPU, false)
	require.NoError(t, err)
	assert.Same(t, backend.Allocator(), a)

	_, err = allocs.Get(device.CPU, true)
	assert.ErrorIs(t, err, alloc.ErrAllocatorUnavailable)
}
