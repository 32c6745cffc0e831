// Package playwright renders pages with Chromium driven by playwright-go.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
	"github.com/JakeFAU/crawl-worker/internal/renderer"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("renderer closed")

// Renderer implements crawler.Renderer on a single Chromium instance. Each
// render gets its own browser context so cookies and storage never leak
// between pages.
type Renderer struct {
	opts    renderer.Options
	logger  *zap.Logger
	limiter *renderer.HostLimiter

	driver  *pw.Playwright
	browser pw.Browser

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ crawler.Renderer = (*Renderer)(nil)

// New starts the playwright driver and launches Chromium.
func New(opts renderer.Options, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithDefaults()

	driver, err := pw.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright run: %w", err)
	}
	browser, err := driver.Chromium.Launch(launchOptions(opts))
	if err != nil {
		_ = driver.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	logger.Info("playwright browser started", zap.String("version", browser.Version()))

	return &Renderer{
		opts:    opts,
		logger:  logger,
		limiter: renderer.NewHostLimiter(opts.DomainQPS),
		driver:  driver,
		browser: browser,
	}, nil
}

func launchOptions(opts renderer.Options) pw.BrowserTypeLaunchOptions {
	return pw.BrowserTypeLaunchOptions{
		Headless:          pw.Bool(true),
		Args:              renderer.LaunchArgs(opts.NoSandbox),
		IgnoreDefaultArgs: []string{"--enable-automation"},
	}
}

func contextOptions(opts renderer.Options) pw.BrowserNewContextOptions {
	out := pw.BrowserNewContextOptions{
		Viewport: &pw.Size{Width: 1920, Height: 1080},
	}
	if opts.UserAgent != "" {
		out.UserAgent = pw.String(opts.UserAgent)
	}
	return out
}

// Close shuts down the browser and the driver. It is safe to call more than once.
func (r *Renderer) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if r.browser != nil {
			if err := r.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if r.driver != nil {
			if err := r.driver.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// Render opens rawURL, waits for network idle up to the settle timeout and
// returns the page content with its links.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.PageResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return crawler.PageResult{}, fmt.Errorf("%w: %w", crawler.ErrRenderFailure, ErrClosed)
	}

	start := time.Now()
	result, err := r.render(ctx, rawURL)
	if err != nil {
		metrics.ObserveRender(rawURL, "error", time.Since(start))
		return crawler.PageResult{}, fmt.Errorf("%w: %w", crawler.ErrRenderFailure, err)
	}
	metrics.ObserveRender(rawURL, "ok", time.Since(start))
	return result, nil
}

func (r *Renderer) render(ctx context.Context, rawURL string) (crawler.PageResult, error) {
	if err := r.limiter.Wait(ctx, rawURL); err != nil {
		return crawler.PageResult{}, fmt.Errorf("render rate limit: %w", err)
	}

	bctx, err := r.browser.NewContext(contextOptions(r.opts))
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("new browser context: %w", err)
	}
	defer func() {
		if closeErr := bctx.Close(); closeErr != nil {
			r.logger.Debug("close browser context", zap.Error(closeErr))
		}
	}()
	if err := bctx.AddInitScript(pw.Script{Content: pw.String(renderer.StealthScript)}); err != nil {
		return crawler.PageResult{}, fmt.Errorf("add stealth script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("new page: %w", err)
	}

	resp, err := page.Goto(rawURL, pw.PageGotoOptions{
		WaitUntil: pw.WaitUntilStateLoad,
		Timeout:   milliseconds(r.opts.NavigationTimeout),
	})
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("goto %s: %w", rawURL, err)
	}
	if resp != nil && resp.Status() >= 400 {
		r.logger.Debug("document returned error status", zap.String("url", rawURL), zap.Int("status", resp.Status()))
	}

	if err := page.WaitForLoadState(pw.PageWaitForLoadStateOptions{
		State:   pw.LoadStateNetworkidle,
		Timeout: milliseconds(r.opts.SettleTimeout),
	}); err != nil {
		if !isTimeout(err) {
			return crawler.PageResult{}, fmt.Errorf("wait for settle: %w", err)
		}
		r.logger.Debug("page did not reach network idle; extracting anyway",
			zap.String("url", rawURL),
			zap.Duration("settle_timeout", r.opts.SettleTimeout),
		)
	}
	if err := ctx.Err(); err != nil {
		return crawler.PageResult{}, fmt.Errorf("render cancelled: %w", err)
	}

	html, err := page.Content()
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("read content: %w", err)
	}
	links, err := renderer.ExtractLinks(html, page.URL())
	if err != nil {
		return crawler.PageResult{}, err
	}
	return crawler.PageResult{HTML: html, Links: links}, nil
}

func milliseconds(d time.Duration) *float64 {
	return pw.Float(float64(d.Milliseconds()))
}

func isTimeout(err error) bool {
	return errors.Is(err, pw.ErrTimeout) || errors.Is(err, renderer.ErrSettleTimeout)
}
