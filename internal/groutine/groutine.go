// Package groutine starts goroutines carrying a pprof label, so the worker
// loops of the SPS core show up with meaningful names in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go starts a named goroutine.
//
//	groutine.Go(ctx, "sps-data-worker", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, fn)
}
