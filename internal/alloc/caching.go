package alloc

import (
	"sync"
)

// SizeClass represents the buffer size categories used for pooling.
type SizeClass int

const (
	// SmallBlock for blocks < 4KB.
	SmallBlock SizeClass = iota
	// MediumBlock for blocks 4KB-1MB.
	MediumBlock
	// LargeBlock for blocks > 1MB.
	LargeBlock
)

const (
	smallThreshold     = 4 * 1024    // 4KB
	mediumThreshold    = 1024 * 1024 // 1MB
	defaultMaxPoolSize = 100         // Max blocks per size class
)

// Caching wraps a host-addressable allocator and keeps freed blocks in
// per-size-class pools for reuse. Blocks handed out are always zeroed.
type Caching struct {
	inner       Allocator
	maxPoolSize int

	mu    sync.Mutex
	pools [3][]DataPtr

	// Statistics
	totalAllocated uint64
	totalReleased  uint64
	poolHits       uint64
	poolMisses     uint64
}

// NewCaching creates a caching allocator over inner. maxPoolSize <= 0 uses
// the default of 100 blocks per size class.
func NewCaching(inner Allocator, maxPoolSize int) *Caching {
	if maxPoolSize <= 0 {
		maxPoolSize = defaultMaxPoolSize
	}
	return &Caching{inner: inner, maxPoolSize: maxPoolSize}
}

// Inner returns the wrapped allocator.
func (c *Caching) Inner() Allocator {
	return c.inner
}

func classify(size int) SizeClass {
	switch {
	case size < smallThreshold:
		return SmallBlock
	case size < mediumThreshold:
		return MediumBlock
	default:
		return LargeBlock
	}
}

// Allocate implements Allocator. It reuses a pooled block whose capacity
// fits nbytes before falling back to the wrapped allocator.
func (c *Caching) Allocate(nbytes int) (DataPtr, error) {
	c.mu.Lock()
	class := classify(nbytes)
	pool := c.pools[class]
	for i, blk := range pool {
		if blk.Size >= nbytes {
			c.pools[class] = append(pool[:i], pool[i+1:]...)
			c.poolHits++
			c.mu.Unlock()

			data := blk.Data[:nbytes]
			clear(data)
			blk.Data = data
			blk.Size = nbytes
			return blk, nil
		}
	}
	c.poolMisses++
	c.totalAllocated++
	c.mu.Unlock()

	return c.inner.Allocate(nbytes)
}

// Free implements Allocator. The block returns to its pool unless the pool
// is full, in which case it is freed immediately.
func (c *Caching) Free(p DataPtr) {
	if p.Data == nil {
		c.inner.Free(p)
		return
	}
	full := p.Data[:cap(p.Data)]
	p.Data = full
	p.Size = len(full)

	c.mu.Lock()
	c.totalReleased++
	class := classify(p.Size)
	if len(c.pools[class]) < c.maxPoolSize {
		c.pools[class] = append(c.pools[class], p)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.inner.Free(p)
}

// CopyData implements Allocator.
func (c *Caching) CopyData(dst, src DataPtr, n int, sync bool) error {
	return c.inner.CopyData(dst, src, n, sync)
}

// HasUnifiedMemory implements Allocator.
func (c *Caching) HasUnifiedMemory() bool {
	return c.inner.HasUnifiedMemory()
}

// IsSimpleDataPtr implements Allocator.
func (c *Caching) IsSimpleDataPtr(p DataPtr) bool {
	return c.inner.IsSimpleDataPtr(p)
}

// IsPinned implements Pinned.
func (c *Caching) IsPinned() bool {
	return IsPinned(c.inner)
}

// Clear frees all pooled blocks.
func (c *Caching) Clear() {
	c.mu.Lock()
	pools := c.pools
	c.pools = [3][]DataPtr{}
	c.mu.Unlock()

	for _, pool := range pools {
		for _, p := range pool {
			c.inner.Free(p)
		}
	}
}

// Stats returns statistics about pool usage.
func (c *Caching) Stats() (allocated, released, hits, misses uint64, pooled int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pool := range c.pools {
		pooled += len(pool)
	}
	return c.totalAllocated, c.totalReleased, c.poolHits, c.poolMisses, pooled
}
