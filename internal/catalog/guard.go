package catalog

import (
	"context"
	"errors"
	"sync"
)

// rebuildGuard enforces last-request-wins for one view. Every rebuild takes a generation; an explicit rebuild
// or invalidation cancels the one in flight, and only the current generation may publish its snapshot.
// Plain reads never supersede: they join the rebuild in flight. The zero value is ready to use.
type rebuildGuard[T any] struct {
	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	settled    chan struct{}

	snapshot           T
	snapshotGeneration uint64
	hasSnapshot        bool

	failure           error
	failureGeneration uint64
}

type buildFunc[T any] func(context.Context) (T, error)

// rebuild runs build under a fresh generation. When a newer rebuild supersedes this one, the stale result
// is dropped and the caller receives the newer snapshot once it lands; onStale runs for every drop.
func (g *rebuildGuard[T]) rebuild(ctx context.Context, build buildFunc[T], onStale func()) (T, error) {
	buildCtx, generation := g.begin(ctx)
	return g.complete(ctx, buildCtx, generation, build, onStale)
}

// load returns the published snapshot, or waits on the rebuild in flight instead of superseding it, or
// starts one when neither exists. A build failure is shared with every reader that waited on it, unless it
// came from the starting caller's own cancellation; those readers start over.
func (g *rebuildGuard[T]) load(ctx context.Context, build buildFunc[T], onStale func()) (T, error) {
	var zero T
	for {
		g.mu.Lock()
		if g.hasSnapshot {
			snapshot := g.snapshot
			g.mu.Unlock()
			return snapshot, nil
		}
		if g.cancel == nil {
			buildCtx, generation := g.beginLocked(ctx)
			g.mu.Unlock()
			return g.complete(ctx, buildCtx, generation, build, onStale)
		}
		settled := g.settled
		joined := g.generation
		g.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		g.mu.Lock()
		if g.hasSnapshot && g.snapshotGeneration >= joined {
			snapshot := g.snapshot
			g.mu.Unlock()
			return snapshot, nil
		}
		failure := g.failure
		if g.failureGeneration != joined || isCancellation(failure) {
			failure = nil
		}
		g.mu.Unlock()
		if failure != nil {
			return zero, failure
		}
	}
}

func (g *rebuildGuard[T]) complete(ctx, buildCtx context.Context, generation uint64, build buildFunc[T], onStale func()) (T, error) {
	for {
		result, err := build(buildCtx)
		if g.finish(generation, result, err) {
			return result, err
		}
		if onStale != nil {
			onStale()
		}
		if err := g.awaitSettled(ctx); err != nil {
			var zero T
			return zero, err
		}
		if snapshot, ok := g.newerThan(generation); ok {
			return snapshot, nil
		}
		buildCtx, generation = g.begin(ctx)
	}
}

// current returns the last published snapshot, if any.
func (g *rebuildGuard[T]) current() (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot, g.hasSnapshot
}

// invalidate drops the snapshot and supersedes any rebuild in flight.
func (g *rebuildGuard[T]) invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settle()
	g.generation++
	var zero T
	g.snapshot = zero
	g.hasSnapshot = false
}

func (g *rebuildGuard[T]) begin(parent context.Context) (context.Context, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.beginLocked(parent)
}

func (g *rebuildGuard[T]) beginLocked(parent context.Context) (context.Context, uint64) {
	g.settle()
	g.generation++
	buildCtx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.settled = make(chan struct{})
	return buildCtx, g.generation
}

// finish publishes result when generation is still current and reports whether it was.
func (g *rebuildGuard[T]) finish(generation uint64, result T, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if generation != g.generation {
		return false
	}
	if err == nil {
		g.snapshot = result
		g.snapshotGeneration = generation
		g.hasSnapshot = true
		g.failure = nil
	} else {
		g.failure = err
		g.failureGeneration = generation
	}
	g.settle()
	return true
}

// settle cancels the rebuild in flight and wakes its waiters. Callers hold mu.
func (g *rebuildGuard[T]) settle() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.cancel = nil
	close(g.settled)
}

// awaitSettled blocks until no rebuild is in flight.
func (g *rebuildGuard[T]) awaitSettled(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.cancel == nil {
			g.mu.Unlock()
			return nil
		}
		settled := g.settled
		g.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *rebuildGuard[T]) newerThan(generation uint64) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasSnapshot && g.snapshotGeneration > generation {
		return g.snapshot, true
	}
	var zero T
	return zero, false
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
