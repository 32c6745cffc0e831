package playwright

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/renderer"
)

func TestLaunchOptions(t *testing.T) {
	t.Parallel()

	opts := launchOptions(renderer.Options{NoSandbox: true})
	require.NotNil(t, opts.Headless)
	require.True(t, *opts.Headless)
	require.Contains(t, opts.Args, "--disable-blink-features=AutomationControlled")
	require.Contains(t, opts.Args, "--no-sandbox")
	require.Equal(t, []string{"--enable-automation"}, opts.IgnoreDefaultArgs)
}

func TestContextOptions(t *testing.T) {
	t.Parallel()

	require.Nil(t, contextOptions(renderer.Options{}).UserAgent)

	opts := contextOptions(renderer.Options{UserAgent: "crawl-bot"})
	require.NotNil(t, opts.UserAgent)
	require.Equal(t, "crawl-bot", *opts.UserAgent)
	require.Equal(t, 1920, opts.Viewport.Width)
}

func TestMilliseconds(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 5000.0, *milliseconds(5 * time.Second), 0.001)
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	require.True(t, isTimeout(fmt.Errorf("wait: %w", pw.ErrTimeout)))
	require.True(t, isTimeout(renderer.ErrSettleTimeout))
	require.False(t, isTimeout(errors.New("target closed")))
}

func TestRenderAfterCloseFails(t *testing.T) {
	t.Parallel()

	r := &Renderer{logger: zap.NewNop()}
	require.NoError(t, r.Close())

	_, err := r.Render(context.Background(), "https://example.com")
	require.ErrorIs(t, err, crawler.ErrRenderFailure)
	require.ErrorIs(t, err, ErrClosed)
}
