// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
	"github.com/JakeFAU/crawl-worker/internal/renderer"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("renderer closed")

// Renderer implements crawler.Renderer with one long-lived browser and a
// fresh tab per page.
type Renderer struct {
	opts    renderer.Options
	logger  *zap.Logger
	limiter *renderer.HostLimiter

	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ crawler.Renderer = (*Renderer)(nil)

// New launches Chrome and waits for the browser to come up.
func New(opts renderer.Options, logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithDefaults()

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("chromedp browser started", zap.Bool("no_sandbox", opts.NoSandbox))

	return &Renderer{
		opts:            opts,
		logger:          logger,
		limiter:         renderer.NewHostLimiter(opts.DomainQPS),
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
	}, nil
}

func allocatorOptions(opts renderer.Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.NoSandbox {
		out = append(out, chromedp.NoSandbox)
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	return out
}

// Close shuts the browser down. It is safe to call more than once.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if r.browserCtx != nil {
			if err := chromedp.Cancel(r.browserCtx); err != nil {
				r.logger.Debug("chromedp browser cancel", zap.Error(err))
			}
		}
		if r.browserCancel != nil {
			r.browserCancel()
		}
		if r.allocatorCancel != nil {
			r.allocatorCancel()
		}
	})
	return nil
}

// Render navigates to rawURL in a new tab, waits for the network to go idle
// (bounded by the settle timeout) and returns the serialized DOM with every
// anchor link.
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

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.opts.NavigationTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	watcher := newIdleWatcher()
	meta := &documentMeta{}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		watcher.observe(ev)
		meta.observe(ev)
	})

	navigate := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if r.opts.UserAgent == "" {
				return nil
			}
			return emulation.SetUserAgentOverride(r.opts.UserAgent).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(renderer.StealthScript).Do(ctx)
			return err
		}),
		chromedp.ActionFunc(func(context.Context) error {
			watcher.arm()
			return nil
		}),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, navigate); err != nil {
		return crawler.PageResult{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	if err := renderer.Settle(taskCtx, watcher.idle, r.opts.SettleTimeout, rawURL, r.logger); err != nil {
		return crawler.PageResult{}, err
	}

	var (
		html     string
		finalURL string
	)
	if err := chromedp.Run(taskCtx,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return crawler.PageResult{}, fmt.Errorf("capture dom: %w", err)
	}
	finalURL = meta.finalURL(finalURL, rawURL)
	if status := meta.status(); status >= 400 {
		r.logger.Debug("document returned error status", zap.String("url", finalURL), zap.Int("status", status))
	}

	links, err := renderer.ExtractLinks(html, finalURL)
	if err != nil {
		return crawler.PageResult{}, err
	}
	return crawler.PageResult{HTML: html, Links: links}, nil
}

// idleWatcher closes idle on the first networkIdle lifecycle event that
// belongs to the navigation started after arm. Events from the blank tab are
// ignored because their loader never matches.
type idleWatcher struct {
	mu     sync.Mutex
	armed  bool
	loader cdp.LoaderID
	once   sync.Once
	idle   chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{idle: make(chan struct{})}
}

func (w *idleWatcher) arm() {
	w.mu.Lock()
	w.armed = true
	w.loader = ""
	w.mu.Unlock()
}

func (w *idleWatcher) observe(ev any) {
	lifecycle, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	switch lifecycle.Name {
	case "init":
		w.loader = lifecycle.LoaderID
	case "networkIdle":
		if w.loader != "" && lifecycle.LoaderID == w.loader {
			w.once.Do(func() { close(w.idle) })
		}
	}
}

// documentMeta remembers the first main-document response.
type documentMeta struct {
	mu         sync.Mutex
	statusCode int
	url        string
}

func (m *documentMeta) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusCode != 0 {
		return
	}
	m.statusCode = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *documentMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

// finalURL prefers the location the page reports, then the document
// response URL, then the requested URL.
func (m *documentMeta) finalURL(location, requested string) string {
	if location != "" && location != "about:blank" {
		return location
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url != "" {
		return m.url
	}
	return requested
}

// forwardCancel cancels the browser task when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
