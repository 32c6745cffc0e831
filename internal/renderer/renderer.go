// Package renderer holds the engine-independent parts of page rendering:
// settle waiting, stealth setup and link extraction. Browser engines live in
// the headless (chromedp) and playwright subpackages.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Defaults applied when an Options field is left zero.
const (
	DefaultSettleTimeout     = 5 * time.Second
	DefaultNavigationTimeout = 45 * time.Second
)

// ErrSettleTimeout reports that the page never reached network idle within
// the settle timeout. Engines log it and extract what is there.
var ErrSettleTimeout = errors.New("page did not settle before timeout")

// Options configures a browser engine.
type Options struct {
	UserAgent         string
	SettleTimeout     time.Duration
	NavigationTimeout time.Duration
	DomainQPS         float64
	NoSandbox         bool
}

// WithDefaults fills zero timeouts.
func (o Options) WithDefaults() Options {
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = DefaultSettleTimeout
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = DefaultNavigationTimeout
	}
	return o
}

// WaitSettled blocks until idle is closed, timeout passes, or ctx ends.
// A timeout returns ErrSettleTimeout; callers treat it as success.
func WaitSettled(ctx context.Context, idle <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return nil
	case <-timer.C:
		return ErrSettleTimeout
	case <-ctx.Done():
		return fmt.Errorf("wait for settle: %w", ctx.Err())
	}
}

// Settle is WaitSettled with the timeout downgraded to a debug log, so a page
// that keeps polling is still extracted as-is.
func Settle(ctx context.Context, idle <-chan struct{}, timeout time.Duration, rawURL string, logger *zap.Logger) error {
	err := WaitSettled(ctx, idle, timeout)
	if errors.Is(err, ErrSettleTimeout) {
		if logger != nil {
			logger.Debug("page did not reach network idle; extracting anyway",
				zap.String("url", rawURL),
				zap.Duration("settle_timeout", timeout),
			)
		}
		return nil
	}
	return err
}
