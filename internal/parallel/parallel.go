// Package parallel provides chunked parallel execution for large host copies.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled       bool `json:"enabled" yaml:"enabled" toml:"enabled"`                         // Whether parallel execution is enabled.
	NumWorkers    int  `json:"num_workers" yaml:"num_workers" toml:"num_workers"`             // Number of worker goroutines to use.
	MinChunkBytes int  `json:"min_chunk_bytes" yaml:"min_chunk_bytes" toml:"min_chunk_bytes"` // Minimum bytes per goroutine.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:       n > 1,
		NumWorkers:    n,
		MinChunkBytes: 1 << 20, // Below 1MB a single memmove wins.
	}
}

// For executes f(start, end) over [0, n) split into chunks of at least
// minChunk items. Falls back to a single call if parallelism is disabled or
// n is too small.
func For(n, minChunk int, f func(start, end int), cfg Config) {
	workers := cfg.NumWorkers
	if !cfg.Enabled || workers <= 1 || n < 2*minChunk {
		f(0, n)
		return
	}

	chunkSize := max((n+workers-1)/workers, minChunk)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// Copy copies min(len(dst), len(src)) bytes from src to dst, splitting large
// copies across workers. Returns the number of bytes copied.
func Copy(dst, src []byte, cfg Config) int {
	n := min(len(dst), len(src))
	minChunk := max(cfg.MinChunkBytes, 1)
	For(n, minChunk, func(s, e int) {
		copy(dst[s:e], src[s:e])
	}, cfg)
	return n
}
