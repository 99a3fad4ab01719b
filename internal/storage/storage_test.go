package storage

import (
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lazyclone/internal/alloc"
	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/metrics"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// opaqueBlock is device memory the host cannot address.
type opaqueBlock struct {
	buf []byte
}

// opaqueAllocator hands out device blocks reachable only via HostTransfer.
type opaqueAllocator struct {
	dev     device.Device
	unified bool
	allocs  int
	live    int
}

func (a *opaqueAllocator) Allocate(n int) (alloc.DataPtr, error) {
	a.allocs++
	a.live++
	return alloc.DataPtr{Ctx: &opaqueBlock{buf: make([]byte, n)}, Size: n, Device: a.dev}, nil
}

func (a *opaqueAllocator) Free(p alloc.DataPtr) {
	if p.Ctx != nil {
		a.live--
	}
}

func (a *opaqueAllocator) CopyData(dst, src alloc.DataPtr, n int, _ bool) error {
	copy(dst.Ctx.(*opaqueBlock).buf[:n], src.Ctx.(*opaqueBlock).buf[:n])
	return nil
}

func (a *opaqueAllocator) HasUnifiedMemory() bool { return a.unified }

func (a *opaqueAllocator) IsSimpleDataPtr(p alloc.DataPtr) bool {
	_, ok := p.Ctx.(*opaqueBlock)
	return ok
}

func (a *opaqueAllocator) Upload(dst alloc.DataPtr, src []byte) error {
	copy(dst.Ctx.(*opaqueBlock).buf, src)
	return nil
}

func (a *opaqueAllocator) Download(dst []byte, src alloc.DataPtr) error {
	copy(dst, src.Ctx.(*opaqueBlock).buf)
	return nil
}

// foreignAllocator marks every block as carrying a foreign context.
type foreignAllocator struct {
	*alloc.Host
}

func (foreignAllocator) IsSimpleDataPtr(alloc.DataPtr) bool { return false }

func hostStorage(t *testing.T, a alloc.Allocator, m *metrics.Metrics, data []byte) *Storage {
	t.Helper()
	s := must.M1(New(len(data), a, m))
	require.NoError(t, s.WriteFromHost(0, data))
	return s
}

func TestReleaseFreesOnce(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	m := metrics.New()
	s := must.M1(New(64, h, m))

	const n = 5
	for range n {
		s.Acquire()
	}
	for range n {
		s.Release()
	}
	assert.False(t, s.Freed())
	assert.Equal(t, 1, s.RefCount())

	s.Release()
	assert.True(t, s.Freed())
	live, bytes, _ := h.Stats()
	assert.Zero(t, live)
	assert.Zero(t, bytes)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoragesAlive()))

	// A stray release must not free twice.
	s.Release()
	live, _, total := h.Stats()
	assert.Zero(t, live)
	assert.Equal(t, int64(1), total)

	assert.PanicsWithValue(t, "storage: use after free", func() { s.Acquire() })
	assert.Panics(t, func() { s.DataPtr() })
}

func TestConcurrentAcquireRelease(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	s := must.M1(New(8, h, nil))

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Acquire()
				s.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.RefCount())
	s.Release()
	assert.True(t, s.Freed())
}

func TestCapacityInElements(t *testing.T) {
	s := must.M1(New(24, alloc.NewHost(parallel.Config{}), nil))
	assert.Equal(t, 6, s.CapacityInElements(4))
	assert.Equal(t, 3, s.CapacityInElements(8))
	assert.Equal(t, 0, s.CapacityInElements(0))
}

func TestLazyCloneSharesBytes(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	m := metrics.New()
	src := hostStorage(t, h, m, []byte{1, 2, 3, 4, 5, 6})

	clone, err := LazyClone(src, nil)
	require.NoError(t, err)
	require.NotNil(t, clone)

	assert.Equal(t, SharedPendingCopy, src.State())
	assert.Equal(t, SharedPendingCopy, clone.State())
	assert.True(t, clone.IsCOWOn(device.CPU))
	assert.False(t, clone.IsCOWOn(device.CUDA))
	assert.Equal(t, 2, src.SharerCount())
	assert.Equal(t, src.Bytes(), clone.Bytes())
	assert.Same(t, &src.Bytes()[0], &clone.Bytes()[0], "no bytes copied yet")
	assert.Equal(t, src.CapacityInElements(2), clone.CapacityInElements(2))

	live, _, _ := h.Stats()
	assert.Equal(t, int64(1), live)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LazyClones().WithLabelValues(metrics.CloneShared)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoragesAlive()))

	// A second clone joins the same context.
	clone2 := must.M1(LazyClone(clone, nil))
	assert.Equal(t, 3, src.SharerCount())

	clone2.Release()
	clone.Release()
	src.Release()
	live, _, _ = h.Stats()
	assert.Zero(t, live, "shared bytes freed exactly once")
}

func TestMaterializeCopyThenReclaim(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	m := metrics.New()
	src := hostStorage(t, h, m, []byte{1, 2, 3, 4})
	clone := must.M1(LazyClone(src, nil))

	// The writer forks a private copy; the source keeps the original bytes.
	require.NoError(t, clone.WriteFromHost(0, []byte{9}))
	assert.Equal(t, Exclusive, clone.State())
	assert.Equal(t, []byte{9, 2, 3, 4}, clone.Bytes())
	assert.Equal(t, []byte{1, 2, 3, 4}, src.Bytes())
	assert.Equal(t, SharedPendingCopy, src.State(), "still tagged until it writes")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Materializations().WithLabelValues(metrics.MaterializeCopy)))

	// The last sharer takes the bytes back without a copy.
	before := &src.Bytes()[0]
	got, err := src.MaterializeIfShared()
	require.NoError(t, err)
	assert.Same(t, src, got)
	assert.Equal(t, Exclusive, src.State())
	assert.Same(t, before, &src.Bytes()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Materializations().WithLabelValues(metrics.MaterializeReclaim)))

	live, _, total := h.Stats()
	assert.Equal(t, int64(2), live)
	assert.Equal(t, int64(2), total)

	src.Release()
	clone.Release()
	live, _, _ = h.Stats()
	assert.Zero(t, live)
}

func TestMaterializeIdempotent(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	src := hostStorage(t, h, nil, []byte{7, 7})
	clone := must.M1(LazyClone(src, nil))

	first := must.M1(clone.MaterializeIfShared())
	ptr := &first.Bytes()[0]
	_, _, total := h.Stats()

	second := must.M1(clone.MaterializeIfShared())
	assert.Same(t, first, second)
	assert.Same(t, ptr, &second.Bytes()[0])
	_, _, total2 := h.Stats()
	assert.Equal(t, total, total2, "no redundant copy")
}

func TestConcurrentMaterialize(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	src := hostStorage(t, h, nil, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	clones := make([]*Storage, 16)
	for i := range clones {
		clones[i] = must.M1(LazyClone(src, nil))
	}

	var wg sync.WaitGroup
	for i, c := range clones {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := c.MutableBytes()
			if assert.NoError(t, err) {
				b[0] = byte(100 + i)
			}
		}()
	}
	wg.Wait()

	for i, c := range clones {
		assert.Equal(t, byte(100+i), c.Bytes()[0])
		assert.Equal(t, byte(8), c.Bytes()[7])
		c.Release()
	}
	assert.Equal(t, byte(1), src.Bytes()[0])
	src.Release()

	live, _, _ := h.Stats()
	assert.Zero(t, live)
}

func TestReleaseSharedBeforeMaterialize(t *testing.T) {
	h := alloc.NewHost(parallel.Config{})
	src := hostStorage(t, h, nil, []byte{1, 2})
	clone := must.M1(LazyClone(src, nil))

	src.Release()
	live, _, _ := h.Stats()
	assert.Equal(t, int64(1), live, "clone keeps the bytes alive")
	assert.Equal(t, []byte{1, 2}, clone.Bytes())

	clone.Release()
	live, _, _ = h.Stats()
	assert.Zero(t, live)
}

func TestLazyCloneForeignDataPtr(t *testing.T) {
	a := foreignAllocator{alloc.NewHost(parallel.Config{})}
	src := must.M1(New(4, a, nil))

	clone, err := LazyClone(src, nil)
	assert.NoError(t, err)
	assert.Nil(t, clone)
	assert.Equal(t, Exclusive, src.State())
}

func TestLazyCloneCrossDevice(t *testing.T) {
	host := alloc.NewHost(parallel.Config{})
	pinned := alloc.NewPinnedHost(parallel.Config{})
	cuda := device.New(device.CUDA, 0)
	metal := device.New(device.Metal, 0)

	t.Run("unsupported device pair", func(t *testing.T) {
		dev := &opaqueAllocator{dev: cuda}
		src := must.M1(New(8, dev, nil))
		src.device = cuda
		_, err := LazyClone(src, &Target{Device: metal, Allocator: &opaqueAllocator{dev: metal}})
		assert.True(t, errors.Is(err, ErrUnsupportedCrossDeviceClone))
		assert.Equal(t, Exclusive, src.State())
	})

	t.Run("unpinned host onto unified memory", func(t *testing.T) {
		src := hostStorage(t, host, nil, []byte{1, 2, 3, 4})
		_, err := LazyClone(src, &Target{Device: metal, Allocator: pinned})
		assert.True(t, errors.Is(err, ErrUnsupportedCrossDeviceClone))
		assert.ErrorContains(t, err, "pin the source")
		assert.Equal(t, Exclusive, src.State())
		assert.Equal(t, 1, src.RefCount())
	})

	t.Run("pinned host shares with unified accelerator", func(t *testing.T) {
		src := hostStorage(t, pinned, nil, []byte{1, 2, 3, 4})
		clone := must.M1(LazyClone(src, &Target{Device: metal, Allocator: pinned}))
		assert.Equal(t, metal, clone.Device())
		assert.Equal(t, SharedPendingCopy, clone.State())
		assert.True(t, clone.IsCOWOn(device.CPU))
		assert.Same(t, &src.Bytes()[0], &clone.Bytes()[0])

		// Different devices: materialization always copies.
		must.M1(clone.MaterializeIfShared())
		assert.NotSame(t, &src.Bytes()[0], &clone.Bytes()[0])
		assert.Equal(t, []byte{1, 2, 3, 4}, clone.Bytes())
	})

	t.Run("eager copy onto discrete device", func(t *testing.T) {
		dev := &opaqueAllocator{dev: cuda}
		m := metrics.New()
		src := hostStorage(t, host, m, []byte{5, 6, 7, 8})
		clone := must.M1(LazyClone(src, &Target{Device: cuda, Allocator: dev}))

		assert.Equal(t, Exclusive, clone.State())
		assert.Equal(t, Exclusive, src.State())
		assert.Equal(t, cuda, clone.Device())
		assert.Nil(t, clone.Bytes())
		assert.Equal(t, []byte{5, 6, 7, 8}, must.M1(clone.CopyToHost()))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.LazyClones().WithLabelValues(metrics.CloneEager)))

		// And back to the host.
		back := must.M1(LazyClone(clone, &Target{Device: device.Host, Allocator: host}))
		assert.Equal(t, []byte{5, 6, 7, 8}, back.Bytes())

		clone.Release()
		assert.Zero(t, dev.live)
	})

	t.Run("missing target allocator", func(t *testing.T) {
		src := hostStorage(t, host, nil, []byte{1})
		_, err := LazyClone(src, &Target{Device: cuda})
		assert.True(t, errors.Is(err, alloc.ErrAllocatorUnavailable))
	})
}

func TestWriteFromHostDeviceMemory(t *testing.T) {
	dev := &opaqueAllocator{dev: device.New(device.CUDA, 0)}
	s := must.M1(New(4, dev, nil))

	require.NoError(t, s.WriteFromHost(0, []byte{1, 2, 3, 4}))
	require.NoError(t, s.WriteFromHost(2, []byte{9}))
	assert.Equal(t, []byte{1, 2, 9, 4}, must.M1(s.CopyToHost()))

	assert.Error(t, s.WriteFromHost(3, []byte{1, 2}))
	_, err := s.MutableBytes()
	assert.ErrorContains(t, err, "not host addressable")
}

func TestCheckCloneBetweenDevices(t *testing.T) {
	assert.NoError(t, CheckCloneBetweenDevices(device.CPU, device.CUDA))
	assert.NoError(t, CheckCloneBetweenDevices(device.Metal, device.CPU))
	assert.NoError(t, CheckCloneBetweenDevices(device.CUDA, device.CUDA))
	assert.Error(t, CheckCloneBetweenDevices(device.CUDA, device.Vulkan))
}
