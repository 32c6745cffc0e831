package renderer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

// HostLimiter spaces out renders per host. A zero QPS disables it.
type HostLimiter struct {
	qps      float64
	limiters sync.Map
}

// NewHostLimiter returns a limiter allowing qps renders per second per host.
func NewHostLimiter(qps float64) *HostLimiter {
	return &HostLimiter{qps: qps}
}

// Wait blocks until rawURL's host may be rendered again.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	val, _ := l.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(l.qps), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
