package alloc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

func TestHostAllocateFree(t *testing.T) {
	h := NewHost(parallel.Config{})

	p, err := h.Allocate(16)
	require.NoError(t, err)
	assert.Len(t, p.Data, 16)
	assert.Equal(t, device.Host, p.Device)
	assert.True(t, p.HostAddressable())
	assert.True(t, h.IsSimpleDataPtr(p))
	assert.False(t, h.HasUnifiedMemory())
	assert.False(t, IsPinned(h))

	live, bytes, total := h.Stats()
	assert.Equal(t, int64(1), live)
	assert.Equal(t, int64(16), bytes)
	assert.Equal(t, int64(1), total)

	h.Free(p)
	live, bytes, _ = h.Stats()
	assert.Zero(t, live)
	assert.Zero(t, bytes)

	_, err = h.Allocate(-1)
	assert.Error(t, err)
}

func TestPinnedHostHasUnifiedMemory(t *testing.T) {
	h := NewPinnedHost(parallel.DefaultConfig())
	assert.True(t, h.HasUnifiedMemory())
	assert.True(t, IsPinned(h))
	assert.True(t, IsPinned(NewCaching(h, 0)))
}

func TestClone(t *testing.T) {
	h := NewHost(parallel.Config{})
	src, err := CloneFromHost(h, []byte{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	dst, err := Clone(h, src, 4, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Data)

	dst.Data[0] = 9
	assert.Equal(t, byte(1), src.Data[0], "clone must not alias its source")

	out := make([]byte, 4)
	require.NoError(t, Read(h, out, dst))
	assert.Equal(t, []byte{9, 2, 3, 4}, out)

	assert.Error(t, h.CopyData(dst, src, 8, true))
}

func TestRegistryPriority(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(device.CUDA, false)
	assert.True(t, errors.Is(err, ErrAllocatorUnavailable))
	_, err = r.Get(device.CUDA, true)
	assert.ErrorContains(t, err, "pinned host")

	low := NewHost(parallel.Config{})
	high := NewHost(parallel.Config{})
	r.Set(device.CPU, false, low, 0)
	r.Set(device.CPU, false, high, 5)
	r.Set(device.CPU, false, low, 1)

	got, err := r.Get(device.CPU, false)
	require.NoError(t, err)
	assert.Same(t, high, got)

	r.Set(device.CPU, false, low, 5)
	got, err = r.Get(device.CPU, false)
	require.NoError(t, err)
	assert.Same(t, low, got, "equal priority replaces")
}

func TestCachingAcquireRelease(t *testing.T) {
	inner := NewHost(parallel.Config{})
	pool := NewCaching(inner, 0)

	p1, err := pool.Allocate(1024)
	require.NoError(t, err)
	allocated, released, hits, misses, pooled := pool.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(0), released)
	assert.Equal(t, uint64(0), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 0, pooled)

	p1.Data[0] = 42
	pool.Free(p1)
	_, released, _, _, pooled = pool.Stats()
	assert.Equal(t, uint64(1), released)
	assert.Equal(t, 1, pooled)

	// A smaller request in the same class reuses the block, zeroed.
	p2, err := pool.Allocate(100)
	require.NoError(t, err)
	assert.Len(t, p2.Data, 100)
	assert.Equal(t, byte(0), p2.Data[0])
	_, _, hits, _, pooled = pool.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, 0, pooled)

	// The full block goes back on free.
	pool.Free(p2)
	p3, err := pool.Allocate(1024)
	require.NoError(t, err)
	assert.Len(t, p3.Data, 1024)
	_, _, hits, _, _ = pool.Stats()
	assert.Equal(t, uint64(2), hits)

	live, _, _ := inner.Stats()
	assert.Equal(t, int64(1), live)
}

func TestCachingSizeClasses(t *testing.T) {
	pool := NewCaching(NewHost(parallel.Config{}), 0)

	small, _ := pool.Allocate(100)
	medium, _ := pool.Allocate(64 * 1024)
	large, _ := pool.Allocate(2 * 1024 * 1024)
	pool.Free(small)
	pool.Free(medium)
	pool.Free(large)

	// A medium request must not be served from the small pool.
	_, _, hits, _, _ := pool.Stats()
	p, err := pool.Allocate(8 * 1024)
	require.NoError(t, err)
	_, _, hits2, _, _ := pool.Stats()
	assert.Equal(t, hits+1, hits2)
	assert.GreaterOrEqual(t, cap(p.Data), 64*1024)

	assert.Equal(t, SmallBlock, classify(4095))
	assert.Equal(t, MediumBlock, classify(4096))
	assert.Equal(t, LargeBlock, classify(1024*1024))
}

func TestCachingPoolLimitAndClear(t *testing.T) {
	inner := NewHost(parallel.Config{})
	pool := NewCaching(inner, 2)

	blocks := make([]DataPtr, 3)
	for i := range blocks {
		blocks[i], _ = pool.Allocate(64)
	}
	for _, b := range blocks {
		pool.Free(b)
	}

	_, _, _, _, pooled := pool.Stats()
	assert.Equal(t, 2, pooled)
	live, _, _ := inner.Stats()
	assert.Equal(t, int64(2), live, "overflowing block is freed immediately")

	pool.Clear()
	_, _, _, _, pooled = pool.Stats()
	assert.Equal(t, 0, pooled)
	live, _, _ = inner.Stats()
	assert.Zero(t, live)
}
