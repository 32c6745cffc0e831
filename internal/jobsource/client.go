// Package jobsource implements crawler.JobSource against the crawl control-plane HTTP API.
package jobsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

const (
	defaultUserAgent = "crawl-worker/1.0"
	errorBodyLimit   = 512
	requestIDHeader  = "X-Request-ID"
)

// Config points the client at the control plane. LeaseTimeout bounds Lease
// only; zero means no bound. Submit and Delete are never cut off mid-request.
type Config struct {
	BaseURL         string
	AuthHeaderName  string
	AuthHeaderValue string
	UserAgent       string
	LeaseTimeout    time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client talks to the control plane. It is stateless and never retries;
// retry policy belongs to the worker loop.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	ids    crawler.IDGenerator
	logger *zap.Logger
}

var _ crawler.JobSource = (*Client)(nil)

// New builds a Client. ids may be nil, in which case no request ID is sent.
func New(cfg Config, ids crawler.IDGenerator, logger *zap.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.LeaseTimeout < 0 {
		cfg.LeaseTimeout = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		base:   base,
		cfg:    cfg,
		http:   &http.Client{Transport: newHTTPTransport()},
		ids:    ids,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lease asks the control plane for up to count jobs. Any non-success
// response fails the whole call; no partial results are returned.
func (c *Client) Lease(ctx context.Context, count int) ([]crawler.Job, error) {
	if count <= 0 {
		return nil, fmt.Errorf("lease count must be > 0, got %d", count)
	}
	if c.cfg.LeaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.LeaseTimeout)
		defer cancel()
	}
	endpoint := c.base.JoinPath("job")
	endpoint.RawQuery = url.Values{"num": []string{strconv.Itoa(count)}}.Encode()

	resp, err := c.do(ctx, "lease", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if !isSuccess(resp.StatusCode) {
		return nil, c.statusError("lease", resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var jobs []crawler.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("lease: decode jobs: %v: %w", err, crawler.ErrSourceUnavailable)
	}
	return jobs, nil
}

// Delete acknowledges a finished job so it is not handed out again.
// The control plane is expected to treat repeated deletes as a no-op.
func (c *Client) Delete(ctx context.Context, crawlID, deleteID string) error {
	endpoint := c.base.JoinPath("crawl", url.PathEscape(crawlID), "job", url.PathEscape(deleteID))
	resp, err := c.do(ctx, "delete", http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return c.statusError("delete", resp)
	}
	return nil
}

// Submit reports the rendered content and links for a page.
func (c *Client) Submit(ctx context.Context, pageID string, result crawler.PageResult) error {
	body, err := json.Marshal(crawler.NewSubmitPayload(result))
	if err != nil {
		return fmt.Errorf("submit: encode payload: %w", err)
	}
	endpoint := c.base.JoinPath("page", url.PathEscape(pageID))
	resp, err := c.do(ctx, "submit", http.MethodPut, endpoint, body)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if !isSuccess(resp.StatusCode) {
		return c.statusError("submit", resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method string, endpoint *url.URL, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	c.decorate(req, body != nil)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveSourceRequest(op, "transport_error", time.Since(start))
		c.logger.Debug("control plane request failed",
			zap.String("op", op),
			zap.String("url", endpoint.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %s %s: %w: %w", op, method, endpoint.Path, crawler.ErrSourceUnavailable, err)
	}
	metrics.ObserveSourceRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	return resp, nil
}

func (c *Client) decorate(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthHeaderName != "" && c.cfg.AuthHeaderValue != "" {
		req.Header.Set(c.cfg.AuthHeaderName, c.cfg.AuthHeaderValue)
	}
	if c.ids != nil {
		if id, err := c.ids.NewID(); err == nil {
			req.Header.Set(requestIDHeader, id)
		}
	}
}

func (c *Client) statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

// StatusError carries the details of a non-success control-plane response.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %s: %s", e.Op, e.Status, e.Body)
}

// Unwrap lets callers match with errors.Is(err, crawler.ErrSourceUnavailable).
func (e *StatusError) Unwrap() error {
	return crawler.ErrSourceUnavailable
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
