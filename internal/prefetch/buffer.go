// Package prefetch keeps leased jobs ready ahead of the worker so the next
// lease call overlaps with the current render.
package prefetch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

const (
	// SeedCount is leased synchronously when the buffer is empty: one job to
	// return now and one to have ready for the next draw.
	SeedCount = 2
	// RefillCount replaces the job a steady-state draw just consumed.
	RefillCount = 1
)

// Buffer is a FIFO of leased-but-unprocessed jobs. Jobs in the buffer are
// owned by this process; if it exits they are abandoned and the control
// plane reclaims them once their lease times out.
type Buffer struct {
	source crawler.JobSource
	logger *zap.Logger

	mu        sync.Mutex
	refilled  *sync.Cond
	jobs      []crawler.Job
	refillErr error
	pending   int

	wg sync.WaitGroup
}

// New constructs an empty Buffer that leases from source.
func New(source crawler.JobSource, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Buffer{
		source: source,
		logger: logger,
	}
	b.refilled = sync.NewCond(&b.mu)
	return b
}

// Draw returns the next job. ok is false when the control plane had nothing
// to hand out, which is not an error.
//
// With jobs buffered, the head is returned immediately and one replacement
// is leased in the background. An empty buffer with refills in flight waits
// for them, so a slow refill is never overtaken by a newer lease. If the
// buffer is still empty after that, a failure from a background refill is
// returned first; otherwise SeedCount jobs are leased synchronously and the
// oldest is returned. The wait does not observe ctx; refills are bounded by
// the source's own lease timeout.
func (b *Buffer) Draw(ctx context.Context) (job crawler.Job, ok bool, err error) {
	b.mu.Lock()
	for len(b.jobs) == 0 && b.pending > 0 {
		b.refilled.Wait()
	}
	if len(b.jobs) > 0 {
		job = b.popLocked()
		b.startRefillLocked(ctx)
		b.mu.Unlock()
		return job, true, nil
	}
	if refillErr := b.refillErr; refillErr != nil {
		b.refillErr = nil
		b.mu.Unlock()
		return crawler.Job{}, false, fmt.Errorf("background refill: %w", refillErr)
	}
	b.mu.Unlock()

	leased, err := b.source.Lease(ctx, SeedCount)
	if err != nil {
		metrics.ObservePrefetchRefill("sync", "error")
		return crawler.Job{}, false, fmt.Errorf("lease %d jobs: %w", SeedCount, err)
	}
	metrics.ObservePrefetchRefill("sync", outcome(leased))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, leased...)
	if len(b.jobs) == 0 {
		metrics.SetPrefetchBuffered(0)
		return crawler.Job{}, false, nil
	}
	return b.popLocked(), true, nil
}

// Len reports the number of buffered jobs.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.jobs)
}

// Pending reports the number of background refills still in flight.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Wait blocks until every background refill has finished.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

// Close waits for background refills (bounded by ctx) and then empties the
// buffer, returning the jobs whose leases are being abandoned.
func (b *Buffer) Close(ctx context.Context) []crawler.Job {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("prefetch refills still running at close", zap.Int("pending", b.Pending()))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	abandoned := b.jobs
	b.jobs = nil
	metrics.SetPrefetchBuffered(0)
	return abandoned
}

func (b *Buffer) popLocked() crawler.Job {
	job := b.jobs[0]
	b.jobs[0] = crawler.Job{}
	b.jobs = b.jobs[1:]
	metrics.SetPrefetchBuffered(len(b.jobs))
	return job
}

// startRefillLocked leases RefillCount jobs in the background. The lease runs
// on a context detached from ctx's cancellation so a stop request never cuts
// a lease off halfway. b.mu must be held.
func (b *Buffer) startRefillLocked(ctx context.Context) {
	b.pending++
	b.wg.Add(1)
	refillCtx := context.WithoutCancel(ctx)
	go func() {
		defer b.wg.Done()
		b.refill(refillCtx)
	}()
}

func (b *Buffer) refill(ctx context.Context) {
	leased, err := b.source.Lease(ctx, RefillCount)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	defer b.refilled.Broadcast()
	if err != nil {
		metrics.ObservePrefetchRefill("async", "error")
		b.logger.Warn("background refill failed", zap.Error(err))
		b.refillErr = err
		return
	}
	metrics.ObservePrefetchRefill("async", outcome(leased))
	b.refillErr = nil
	b.jobs = append(b.jobs, leased...)
	metrics.SetPrefetchBuffered(len(b.jobs))
}

func outcome(jobs []crawler.Job) string {
	if len(jobs) == 0 {
		return "empty"
	}
	return "ok"
}
