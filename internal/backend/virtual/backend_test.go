package virtual

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Type: device.CPU, Count: 1})
	assert.Error(t, err)
	_, err = New(Config{Type: device.CUDA})
	assert.ErrorContains(t, err, "count must be > 0")
}

func TestHooks(t *testing.T) {
	b := must.M1(New(Config{Type: device.CUDA, Count: 2}))
	defer b.Close()

	assert.Equal(t, device.CUDA, b.DeviceType())
	assert.True(t, b.IsAccelerator())
	assert.False(t, b.HasUnifiedMemory())
	assert.Equal(t, 2, b.DeviceCount())
	assert.Equal(t, 0, b.CurrentDeviceIndex())

	require.NoError(t, b.SetDeviceIndex(1))
	assert.Equal(t, 1, b.CurrentDeviceIndex())
	assert.Error(t, b.SetDeviceIndex(2))

	p := must.M1(b.Allocator().Allocate(8))
	assert.Equal(t, device.New(device.CUDA, 1), p.Device)

	assert.Error(t, b.Launch(5, func() {}))
}

func TestSynchronizeWaitsForLaunchedWork(t *testing.T) {
	b := must.M1(New(Config{Type: device.Metal, Count: 1, UnifiedMemory: true, Latency: 5 * time.Millisecond}))
	defer b.Close()

	var done atomic.Int32
	for range 3 {
		require.NoError(t, b.Launch(0, func() { done.Add(1) }))
	}
	assert.Less(t, done.Load(), int32(3), "launch must not block")

	require.NoError(t, b.Synchronize(0))
	assert.Equal(t, int32(3), done.Load())
	assert.Equal(t, 0, b.Pending(0))
	assert.Equal(t, 1, b.Syncs())
}

func TestUnifiedAllocator(t *testing.T) {
	b := must.M1(New(Config{Type: device.Metal, Count: 1, UnifiedMemory: true}))
	defer b.Close()
	a := b.Allocator()

	p := must.M1(a.Allocate(4))
	assert.True(t, p.HostAddressable())
	assert.True(t, a.IsSimpleDataPtr(p))
	assert.True(t, a.HasUnifiedMemory())

	copy(p.Data, []byte{1, 2, 3, 4})
	q := must.M1(alloc.Clone(a, p, 4, true))
	assert.Equal(t, []byte{1, 2, 3, 4}, q.Data)

	a.Free(p)
	a.Free(q)
	assert.Zero(t, a.Live())
	assert.Equal(t, 2, a.Total())

	assert.True(t, alloc.IsPinned(b.PinnedAllocator()))
	assert.True(t, b.PinnedAllocator().HasUnifiedMemory())
}

func TestDiscreteAllocator(t *testing.T) {
	b := must.M1(New(Config{Type: device.CUDA, Count: 1, Latency: time.Millisecond}))
	defer b.Close()
	a := b.Allocator()

	p := must.M1(alloc.CloneFromHost(a, []byte{5, 6, 7}, 3))
	assert.False(t, p.HostAddressable())
	assert.True(t, a.IsSimpleDataPtr(p))
	assert.False(t, a.IsSimpleDataPtr(alloc.DataPtr{Data: []byte{1}}))

	// A kernel writes the block asynchronously; downloads wait for it.
	require.NoError(t, b.Launch(0, func() { DeviceBytes(p)[0] = 42 }))
	out := make([]byte, 3)
	require.NoError(t, alloc.Read(a, out, p))
	assert.Equal(t, []byte{42, 6, 7}, out)

	// Asynchronous device-to-device copy.
	q := must.M1(a.Allocate(3))
	require.NoError(t, a.CopyData(q, p, 3, false))
	require.NoError(t, alloc.Read(a, out, q))
	assert.Equal(t, []byte{42, 6, 7}, out)
}

func TestRegister(t *testing.T) {
	b := must.M1(New(Config{Type: device.Vulkan, Count: 1}))
	defer b.Close()

	hooks := device.NewRegistry()
	allocs := alloc.NewRegistry()
	b.Register(hooks, allocs)

	h := must.M1(hooks.Get(device.Vulkan))
	assert.Same(t, b, h)
	assert.Same(t, b.Allocator(), must.M1(allocs.Get(device.Vulkan, false)))
	assert.Same(t, b.PinnedAllocator(), must.M1(allocs.Get(device.Vulkan, true)))
}
