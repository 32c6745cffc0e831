// Package worker runs the single-job crawl loop: acquire a leased job, render
// it, submit the result and acknowledge the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/logging"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

const instrumentationName = "github.com/JakeFAU/crawl-worker/internal/worker"

const (
	// DefaultCooldown is the pause after a failed or empty acquisition.
	DefaultCooldown = 5 * time.Second
	// DefaultDrainTimeout bounds the wait for background refills on shutdown.
	DefaultDrainTimeout = 10 * time.Second
)

// JobBuffer hands out leased jobs. *prefetch.Buffer satisfies it.
type JobBuffer interface {
	Draw(ctx context.Context) (crawler.Job, bool, error)
	Close(ctx context.Context) []crawler.Job
}

// Config controls Worker behavior.
type Config struct {
	Cooldown     time.Duration
	MaxJobs      int
	DrainTimeout time.Duration
}

// Worker drives one job at a time through the lifecycle. It is not safe to
// call Run more than once.
type Worker struct {
	buffer   JobBuffer
	source   crawler.JobSource
	renderer crawler.Renderer
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram

	state   atomic.Value
	handled atomic.Int64
}

// New constructs a Worker.
func New(
	buffer JobBuffer,
	source crawler.JobSource,
	renderer crawler.Renderer,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	w := &Worker{
		buffer:   buffer,
		source:   source,
		renderer: renderer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	hist, err := otel.Meter(instrumentationName).Float64Histogram("crawl_worker.job.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time from render start to acknowledgement, by outcome."),
	)
	if err != nil {
		logger.Warn("job duration histogram unavailable", zap.Error(err))
		hist = noop.Float64Histogram{}
	}
	w.duration = hist
	w.setState(crawler.StateAcquiring)
	return w
}

// State reports where the loop currently is.
func (w *Worker) State() crawler.State {
	state, _ := w.state.Load().(crawler.State)
	return state
}

// Handled reports how many jobs have left the loop, completed or abandoned.
func (w *Worker) Handled() int {
	return int(w.handled.Load())
}

// Run blocks until ctx is cancelled, MaxJobs is reached or a submit/delete
// call fails. Cancellation is only observed between jobs and during
// cooldowns; a job that has been drawn always runs to completion. Run returns
// nil on a cooperative stop and always leaves the worker drained.
func (w *Worker) Run(ctx context.Context) error {
	defer w.drain()

	// Job work is detached so a stop request never cuts a job off halfway.
	workCtx := context.WithoutCancel(ctx)
	for {
		w.setState(crawler.StateAcquiring)
		if ctx.Err() != nil {
			w.logger.Info("stop requested; draining", zap.Int("handled", w.Handled()))
			return nil
		}

		job, ok, err := w.buffer.Draw(workCtx)
		if err != nil {
			w.logger.Warn("job acquisition failed; cooling down",
				zap.Error(err),
				zap.Duration("cooldown", w.cfg.Cooldown),
			)
			w.cooldown(ctx, "error")
			continue
		}
		if !ok {
			w.logger.Info("no jobs available; cooling down", zap.Duration("cooldown", w.cfg.Cooldown))
			w.cooldown(ctx, "empty")
			continue
		}

		if err := w.process(workCtx, job); err != nil {
			w.logger.Error("job acknowledgement failed; stopping worker",
				append(logging.JobFields(job.CrawlID, job.PageID, job.URL), zap.Error(err))...,
			)
			return err
		}

		if w.cfg.MaxJobs > 0 && w.Handled() >= w.cfg.MaxJobs {
			w.logger.Info("job limit reached", zap.Int("max_jobs", w.cfg.MaxJobs))
			return nil
		}
	}
}

// process renders, submits and acknowledges one job. Render failures abandon
// the job and return nil; the lease expires on the control plane. Submit and
// delete failures are returned.
func (w *Worker) process(ctx context.Context, job crawler.Job) error {
	defer w.handled.Add(1)

	ctx, span := w.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("crawl.id", job.CrawlID),
		attribute.String("crawl.page_id", job.PageID),
		attribute.String("url.full", job.URL),
	))
	defer span.End()

	logger := w.logger.With(logging.JobFields(job.CrawlID, job.PageID, job.URL)...)
	start := w.clock.Now()
	outcome := "completed"
	defer func() {
		w.duration.Record(ctx, w.clock.Now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	w.setState(crawler.StateRendering)
	logger.Debug("rendering page")
	result, err := w.renderer.Render(ctx, job.URL)
	if err != nil {
		outcome = "render_failed"
		metrics.ObserveJob(outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		logger.Warn("render failed; abandoning job", zap.Error(err))
		return nil
	}
	span.SetAttributes(attribute.Int("page.links", len(result.Links)))

	w.setState(crawler.StateSubmitting)
	if err := w.source.Submit(ctx, job.PageID, result); err != nil {
		outcome = "submit_failed"
		metrics.ObserveJob(outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return sourceError(fmt.Sprintf("submit page %s", job.PageID), err)
	}

	w.setState(crawler.StateCompleting)
	if err := w.source.Delete(ctx, job.CrawlID, job.DeleteID); err != nil {
		outcome = "delete_failed"
		metrics.ObserveJob(outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return sourceError(fmt.Sprintf("delete job %s", job.DeleteID), err)
	}

	metrics.ObserveJob(outcome)
	logger.Info("job completed",
		zap.Int("links", len(result.Links)),
		zap.Int("html_bytes", len(result.HTML)),
		zap.Duration("elapsed", w.clock.Now().Sub(start)),
	)
	return nil
}

// cooldown waits out the configured pause, returning early on stop.
func (w *Worker) cooldown(ctx context.Context, reason string) {
	metrics.ObserveCooldown(reason)
	select {
	case <-ctx.Done():
	case <-w.clock.After(w.cfg.Cooldown):
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	abandoned := w.buffer.Close(ctx)
	for _, job := range abandoned {
		w.logger.Warn("abandoning buffered job; its lease will expire",
			logging.JobFields(job.CrawlID, job.PageID, job.URL)...,
		)
	}
	if err := w.renderer.Close(); err != nil {
		w.logger.Warn("renderer close failed", zap.Error(err))
	}
	w.setState(crawler.StateDrained)
	w.logger.Info("worker drained",
		zap.Int("handled", w.Handled()),
		zap.Int("abandoned", len(abandoned)),
	)
}

func (w *Worker) setState(state crawler.State) {
	w.state.Store(state)
	metrics.SetWorkerState(string(state), stateLabels)
}

var stateLabels = func() []string {
	states := crawler.States()
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}()

func sourceError(op string, err error) error {
	if errors.Is(err, crawler.ErrSourceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrSourceUnavailable, err)
}
