// Package workerpool runs a bounded number of indexed jobs concurrently and
// stops at the first failure.
//
// It is adapted from the racing helpers (FirstResponse/FirstSuccess)
// elsewhere in this lineage: those stop the group on the first success and
// let the loser goroutines keep running. Builder's per-chunk workers need
// the opposite shape — every job must finish if all succeed, and the first
// failure should cancel the rest — which plain errgroup.WithContext and
// SetLimit already provide without the extra result-channel bookkeeping the
// racing helpers needed.
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Run calls fn(ctx, i) for every i in [0, n) using up to concurrency
// goroutines at a time. If concurrency <= 0, it defaults to the number of
// jobs (unbounded). It returns the first non-nil error any job returns;
// once a job fails, its context is cancelled so in-flight jobs can stop
// early, and jobs not yet started are skipped.
func Run(ctx context.Context, n, concurrency int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var next atomic.Int64
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= n {
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := fn(gctx, i); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
