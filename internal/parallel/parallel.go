// Package parallel runs index-addressed work across a bounded set of
// goroutines. Callers write results into pre-sized slices by index, so output
// order never depends on scheduling.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Workers      int // Number of worker goroutines; <= 1 runs sequentially.
	MinChunkSize int // Minimum items per goroutine.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:      runtime.NumCPU(),
		MinChunkSize: 256,
	}
}

// For calls f(i) for every i in [0, n).
//
// Work is split into contiguous chunks. The first error returned by f stops
// the remaining chunks and is returned; ctx cancellation is checked before
// each item.
func For(ctx context.Context, n int, cfg Config, f func(i int) error) error {
	if n <= 0 {
		return ctx.Err()
	}

	if cfg.Workers <= 1 || n < cfg.MinChunkSize {
		return run(ctx, 0, n, f)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunk := max((n+cfg.Workers-1)/cfg.Workers, cfg.MinChunkSize)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			if err := run(ctx, s, e, f); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(start, end)
	}
	wg.Wait()

	return firstErr
}

func run(ctx context.Context, start, end int, f func(i int) error) error {
	for i := start; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(i); err != nil {
			return err
		}
	}
	return nil
}
