// Package workerpool provides the one general-purpose bounded worker pool
// shared by the Thumbnail Pipeline and the Download Orchestrator, each
// parameterized by its own concurrency limit, plus the Generation token
// the Thumbnail Pipeline uses to cancel superseded batches.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// Pool runs jobs with bounded concurrency. It wraps a conc pool rather
// than hand-rolling a channel-and-WaitGroup loop. It supports two usage
// shapes: Run for a one-shot batch (the Thumbnail Pipeline's LoadAll),
// and Go/Wait for a long-lived pool fed continuously over time (the
// Download Orchestrator's coordinator loop).
type Pool struct {
	concurrency int

	mu    sync.Mutex
	inner *pool.Pool
}

// New returns a Pool that runs at most concurrency jobs at once.
func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency}
}

// Run submits jobs and blocks until all have returned. Each job receives
// its own bound function; errors are swallowed by the caller's job
// closure since the two consumers (thumbnail, download) report terminal
// outcomes through injected sinks, not through Run's return value.
func (p *Pool) Run(jobs []func()) {
	wp := pool.New().WithMaxGoroutines(p.concurrency)
	for _, job := range jobs {
		job := job
		wp.Go(func() {
			job()
		})
	}
	wp.Wait()
}

// Go submits one job to the pool's long-lived internal conc pool,
// starting it lazily on first use. Go returns once a worker has accepted
// the job; while every slot is busy, the caller blocks until one frees.
// Safe for concurrent callers.
func (p *Pool) Go(job func()) {
	p.mu.Lock()
	if p.inner == nil {
		p.inner = pool.New().WithMaxGoroutines(p.concurrency)
	}
	inner := p.inner
	p.mu.Unlock()
	inner.Go(job)
}

// Wait drains the long-lived pool started by Go, blocking until every
// submitted job has returned.
func (p *Pool) Wait() {
	p.mu.Lock()
	inner := p.inner
	p.mu.Unlock()
	if inner != nil {
		inner.Wait()
	}
}

// Generation is a monotonically increasing cancellation token. Workers
// capture the current value before starting a unit of work and compare it
// against Current() at checkpoints; a mismatch means the batch that owns
// this work has been superseded and the worker should abandon it. This is
// strictly cooperative — Generation never forcibly terminates a goroutine.
type Generation struct {
	value atomic.Uint64
}

// Next atomically advances the generation and returns the new value.
func (g *Generation) Next() uint64 {
	return g.value.Add(1)
}

// Current returns the generation's present value without advancing it.
func (g *Generation) Current() uint64 {
	return g.value.Load()
}

// Stale reports whether captured no longer matches the current generation.
func (g *Generation) Stale(captured uint64) bool {
	return captured != g.Current()
}
