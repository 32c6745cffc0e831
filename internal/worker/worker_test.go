package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/prefetch"
)

type leaseReply struct {
	jobs []crawler.Job
	err  error
}

// fakeSource scripts Lease replies and records submit/delete calls in order.
// Once the script is exhausted Lease returns no jobs.
type fakeSource struct {
	mu        sync.Mutex
	leases    []leaseReply
	leaseCnt  int
	events    []string
	submitted map[string]crawler.PageResult
	submitErr error
	deleteErr error
}

func newFakeSource(leases ...leaseReply) *fakeSource {
	return &fakeSource{leases: leases, submitted: map[string]crawler.PageResult{}}
}

func (s *fakeSource) Lease(_ context.Context, _ int) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseCnt++
	if len(s.leases) == 0 {
		return nil, nil
	}
	reply := s.leases[0]
	s.leases = s.leases[1:]
	return reply.jobs, reply.err
}

func (s *fakeSource) Submit(_ context.Context, pageID string, result crawler.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "submit:"+pageID)
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted[pageID] = result
	return nil
}

func (s *fakeSource) Delete(_ context.Context, crawlID, deleteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "delete:"+crawlID+"/"+deleteID)
	return s.deleteErr
}

func (s *fakeSource) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSource) leaseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseCnt
}

// fakeRenderer returns a page with one link per URL, or the configured error.
// When gate is set, Render blocks until it is closed.
type fakeRenderer struct {
	mu       sync.Mutex
	failures map[string]error
	gate     chan struct{}
	rendered []string
	ctxErrs  []error
	closed   int
}

func (r *fakeRenderer) Render(ctx context.Context, rawURL string) (crawler.PageResult, error) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, rawURL)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if err := r.failures[rawURL]; err != nil {
		return crawler.PageResult{}, err
	}
	return crawler.PageResult{
		HTML:  "<html>" + rawURL + "</html>",
		Links: []string{"https://example.com/from/" + rawURL},
	}, nil
}

func (r *fakeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRenderer) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeClock fires cooldowns immediately unless block is set, and records
// every requested duration.
type fakeClock struct {
	mu        sync.Mutex
	cooldowns []time.Duration
	block     bool
}

func (c *fakeClock) Now() time.Time { return time.Unix(100, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns = append(c.cooldowns, d)
	ch := make(chan time.Time, 1)
	if !c.block {
		ch <- time.Unix(100, 0).Add(d)
	}
	return ch
}

func (c *fakeClock) waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.cooldowns...)
}

func job(name string) crawler.Job {
	return crawler.Job{URL: name, PageID: "p-" + name, CrawlID: "c1", DeleteID: "d-" + name}
}

func newWorker(source *fakeSource, renderer *fakeRenderer, clock *fakeClock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return New(prefetch.New(source, logger), source, renderer, clock, cfg, logger)
}

func runAsync(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func TestRun_CompletesJobsInOrder(t *testing.T) {
	t.Parallel()

	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a"), job("b")}})
	renderer := &fakeRenderer{}
	w := newWorker(source, renderer, &fakeClock{}, Config{MaxJobs: 2}, nil)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []string{
		"submit:p-a", "delete:c1/d-a",
		"submit:p-b", "delete:c1/d-b",
	}, source.log())
	require.Equal(t, crawler.PageResult{
		HTML:  "<html>a</html>",
		Links: []string{"https://example.com/from/a"},
	}, source.submitted["p-a"])
	require.Equal(t, 2, w.Handled())
	require.Equal(t, crawler.StateDrained, w.State())
	require.Equal(t, 1, renderer.closeCount())
}

func TestRun_AcquisitionErrorsCoolDownAndRetry(t *testing.T) {
	t.Parallel()

	leaseErr := fmt.Errorf("lease: %w", crawler.ErrSourceUnavailable)
	source := newFakeSource(
		leaseReply{err: leaseErr},
		leaseReply{err: leaseErr},
		leaseReply{jobs: []crawler.Job{job("a")}},
	)
	clock := &fakeClock{}
	w := newWorker(source, &fakeRenderer{}, clock, Config{MaxJobs: 1}, nil)

	require.NoError(t, w.Run(context.Background()), "acquisition failures are never fatal")
	require.Equal(t, []time.Duration{DefaultCooldown, DefaultCooldown}, clock.waits())
	require.Equal(t, []string{"submit:p-a", "delete:c1/d-a"}, source.log())
}

func TestRun_EmptyLeaseCoolsDownThenContinues(t *testing.T) {
	t.Parallel()

	source := newFakeSource(
		leaseReply{jobs: []crawler.Job{}},
		leaseReply{jobs: []crawler.Job{job("a")}},
	)
	clock := &fakeClock{}
	w := newWorker(source, &fakeRenderer{}, clock, Config{MaxJobs: 1, Cooldown: time.Second}, nil)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []time.Duration{time.Second}, clock.waits())
	require.Equal(t, []string{"submit:p-a", "delete:c1/d-a"}, source.log())
}

func TestRun_RenderFailureAbandonsJob(t *testing.T) {
	t.Parallel()

	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a"), job("b")}})
	renderer := &fakeRenderer{failures: map[string]error{
		"a": fmt.Errorf("navigate: %w", crawler.ErrRenderFailure),
	}}
	w := newWorker(source, renderer, &fakeClock{}, Config{MaxJobs: 2}, nil)

	require.NoError(t, w.Run(context.Background()))
	require.Equal(t, []string{"submit:p-b", "delete:c1/d-b"}, source.log(),
		"the failed job is neither submitted nor deleted")
	require.Equal(t, 2, w.Handled())
}

func TestRun_SubmitFailureIsFatal(t *testing.T) {
	t.Parallel()

	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a"), job("b")}})
	source.submitErr = errors.New("connection reset")
	renderer := &fakeRenderer{}
	w := newWorker(source, renderer, &fakeClock{}, Config{}, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrSourceUnavailable)
	require.Contains(t, err.Error(), "connection reset")
	require.Equal(t, []string{"submit:p-a"}, source.log(), "no delete after a failed submit")
	require.Equal(t, crawler.StateDrained, w.State())
	require.Equal(t, 1, renderer.closeCount())
}

func TestRun_DeleteFailureIsFatal(t *testing.T) {
	t.Parallel()

	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a")}})
	source.deleteErr = fmt.Errorf("delete: %w", crawler.ErrSourceUnavailable)
	w := newWorker(source, &fakeRenderer{}, &fakeClock{}, Config{}, nil)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrSourceUnavailable)
	require.Equal(t, []string{"submit:p-a", "delete:c1/d-a"}, source.log())
	require.Equal(t, crawler.StateDrained, w.State())
}

func TestRun_StopDuringRenderFinishesJobThenDrains(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a"), job("b")}})
	renderer := &fakeRenderer{gate: make(chan struct{})}
	w := newWorker(source, renderer, &fakeClock{}, Config{}, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, w)

	require.Eventually(t, func() bool {
		return w.State() == crawler.StateRendering
	}, time.Second, 5*time.Millisecond)
	cancel()
	close(renderer.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain after stop")
	}

	require.Equal(t, []string{"submit:p-a", "delete:c1/d-a"}, source.log(),
		"the in-flight job completes; the buffered one is not started")
	require.NoError(t, renderer.ctxErrs[0], "render context is detached from the stop signal")
	require.Equal(t, crawler.StateDrained, w.State())
	require.Equal(t, 1, renderer.closeCount())
	require.Equal(t, 1, logs.FilterMessage("abandoning buffered job; its lease will expire").Len())
}

func TestRun_StopDuringCooldownReturnsPromptly(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	clock := &fakeClock{block: true}
	w := newWorker(source, &fakeRenderer{}, clock, Config{Cooldown: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, w)

	require.Eventually(t, func() bool {
		return len(clock.waits()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cooldown was not interrupted by stop")
	}
	require.Equal(t, crawler.StateDrained, w.State())
}

func TestRun_StoppedBeforeStartLeasesNothing(t *testing.T) {
	t.Parallel()

	source := newFakeSource(leaseReply{jobs: []crawler.Job{job("a")}})
	renderer := &fakeRenderer{}
	w := newWorker(source, renderer, &fakeClock{}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))
	require.Zero(t, source.leaseCalls())
	require.Empty(t, source.log())
	require.Equal(t, crawler.StateDrained, w.State())
	require.Equal(t, 1, renderer.closeCount())
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	w := New(prefetch.New(newFakeSource(), nil), newFakeSource(), &fakeRenderer{}, &fakeClock{}, Config{}, nil)
	require.Equal(t, DefaultCooldown, w.cfg.Cooldown)
	require.Equal(t, DefaultDrainTimeout, w.cfg.DrainTimeout)
	require.Equal(t, crawler.StateAcquiring, w.State())
}

func TestSourceErrorAlwaysWrapsSentinel(t *testing.T) {
	t.Parallel()

	plain := sourceError("submit page p", errors.New("boom"))
	require.ErrorIs(t, plain, crawler.ErrSourceUnavailable)
	require.Contains(t, plain.Error(), "boom")

	wrapped := sourceError("submit page p", fmt.Errorf("x: %w", crawler.ErrSourceUnavailable))
	require.ErrorIs(t, wrapped, crawler.ErrSourceUnavailable)
	require.Equal(t, 1, strings.Count(wrapped.Error(), crawler.ErrSourceUnavailable.Error()))
}

// orderedSource numbers jobs in the order lease calls reach it and answers
// single-job refills only after refillDelay.
type orderedSource struct {
	mu          sync.Mutex
	next        int
	refillDelay time.Duration
	submitted   []string
}

func (s *orderedSource) Lease(_ context.Context, count int) ([]crawler.Job, error) {
	s.mu.Lock()
	jobs := make([]crawler.Job, 0, count)
	for i := 0; i < count; i++ {
		s.next++
		jobs = append(jobs, job(fmt.Sprintf("job-%d", s.next)))
	}
	s.mu.Unlock()
	if count == prefetch.RefillCount {
		time.Sleep(s.refillDelay)
	}
	return jobs, nil
}

func (s *orderedSource) Submit(_ context.Context, pageID string, _ crawler.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, pageID)
	return nil
}

func (s *orderedSource) Delete(context.Context, string, string) error { return nil }

func TestRun_SlowRefillKeepsLeaseOrder(t *testing.T) {
	t.Parallel()

	source := &orderedSource{refillDelay: 30 * time.Millisecond}
	w := New(prefetch.New(source, zap.NewNop()), source, &fakeRenderer{}, &fakeClock{}, Config{MaxJobs: 5}, zap.NewNop())

	require.NoError(t, w.Run(context.Background()))

	source.mu.Lock()
	defer source.mu.Unlock()
	require.Equal(t, []string{"p-job-1", "p-job-2", "p-job-3", "p-job-4", "p-job-5"}, source.submitted)
}
