// Package parallel provides the worker helpers used for element-wise
// conversions and for batch checkpoint jobs.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 64, // Typical cache line aware chunk.
	}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is too small.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < cfg.MinChunkSize {
		// Sequential fallback.
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Each runs f(ctx, i) for i in [0, n) on at most workers goroutines.
//
// Unlike For, items are handed out one at a time, which suits work items of
// very different cost such as whole checkpoint files. Once ctx is done no
// new items are started; items already running are expected to observe ctx
// themselves. Each returns the number of items that were started.
func Each(ctx context.Context, n, workers int, f func(ctx context.Context, i int)) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, n)

	var (
		next    atomic.Int64
		started atomic.Int64
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				started.Add(1)
				f(ctx, i)
			}
		}()
	}
	wg.Wait()
	return int(started.Load())
}
