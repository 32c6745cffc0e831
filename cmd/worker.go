package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/api"
	"github.com/JakeFAU/crawl-worker/internal/clock/system"
	"github.com/JakeFAU/crawl-worker/internal/config"
	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/id/uuid"
	"github.com/JakeFAU/crawl-worker/internal/jobsource"
	"github.com/JakeFAU/crawl-worker/internal/logging"
	"github.com/JakeFAU/crawl-worker/internal/prefetch"
	"github.com/JakeFAU/crawl-worker/internal/renderer"
	"github.com/JakeFAU/crawl-worker/internal/renderer/headless"
	"github.com/JakeFAU/crawl-worker/internal/renderer/playwright"
	"github.com/JakeFAU/crawl-worker/internal/shutdown"
	"github.com/JakeFAU/crawl-worker/internal/telemetry"
	"github.com/JakeFAU/crawl-worker/internal/worker"
)

// newRenderer builds the configured browser engine. Tests replace it.
var newRenderer = buildRenderer

// signalHook subscribes the controller to OS signals. Tests replace it.
var signalHook = func(c *shutdown.Controller) { c.Notify() }

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ids := uuid.New()
	workerID := ids.MustID()
	logger = logger.With(zap.String("worker_id", workerID))
	zap.ReplaceGlobals(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		GCPProjectID:   cfg.Telemetry.GCPProjectID,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctrl := shutdown.New(ctx, logger.Named("shutdown"))
	signalHook(ctrl)
	defer ctrl.Close()

	if cfg.Source.PartialAuthHeader() {
		logger.Warn("auth header needs both source.auth_header_name and source.auth_header_value; sending none")
	}
	source, err := jobsource.New(jobsource.Config{
		BaseURL:         cfg.Source.URL,
		AuthHeaderName:  cfg.Source.AuthHeaderName,
		AuthHeaderValue: cfg.Source.AuthHeaderValue,
		UserAgent:       cfg.Render.UserAgent,
		LeaseTimeout:    cfg.Source.LeaseTimeout,
	}, ids, logger.Named("jobsource"))
	if err != nil {
		return fmt.Errorf("init job source: %w", err)
	}

	rend, err := newRenderer(cfg.Render, logger.Named("renderer"))
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	w := worker.New(
		prefetch.New(source, logger.Named("prefetch")),
		source,
		rend,
		system.New(),
		worker.Config{
			Cooldown:     cfg.Worker.Cooldown,
			MaxJobs:      cfg.Worker.MaxJobs,
			DrainTimeout: cfg.Worker.DrainTimeout,
		},
		logger.Named("worker"),
	)

	if cfg.Status.Addr != "" {
		statusCtx, stopStatus := context.WithCancel(context.WithoutCancel(ctx))
		defer stopStatus()
		status := api.NewServer(w, ids, workerID, logger.Named("status"))
		go func() {
			if err := status.ListenAndServe(statusCtx, cfg.Status.Addr); err != nil {
				logger.Error("status listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("crawl worker starting",
		zap.String("source", cfg.Source.URL),
		zap.String("engine", cfg.Render.Engine),
		zap.Duration("cooldown", cfg.Worker.Cooldown),
		zap.Int("max_jobs", cfg.Worker.MaxJobs),
	)
	if err := w.Run(ctrl.Context()); err != nil {
		logger.Error("crawl worker stopped on error", zap.Error(err))
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("crawl worker exited", zap.Int("handled", w.Handled()), zap.String("reason", ctrl.Reason()))
	return nil
}

func buildRenderer(cfg config.RenderConfig, logger *zap.Logger) (crawler.Renderer, error) {
	opts := renderer.Options{
		UserAgent:         cfg.UserAgent,
		SettleTimeout:     cfg.SettleTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
		DomainQPS:         cfg.DomainQPS,
		NoSandbox:         cfg.NoSandbox,
	}
	switch cfg.Engine {
	case config.EngineChromedp, "":
		r, err := headless.New(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("start chromedp: %w", err)
		}
		return r, nil
	case config.EnginePlaywright:
		r, err := playwright.New(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown render engine %q", cfg.Engine)
	}
}
