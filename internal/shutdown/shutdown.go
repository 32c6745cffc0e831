// Package shutdown turns termination signals into a cancellation token for
// the worker loop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// ErrStopRequested is the cancellation cause once Stop has been called.
var ErrStopRequested = errors.New("stop requested")

// ForceExitCode is the exit status used when a second signal arrives.
const ForceExitCode = 130

// Option customizes a Controller.
type Option func(*Controller)

// WithForceExit replaces the hook run on a second signal. The default exits
// the process with ForceExitCode.
func WithForceExit(fn func()) Option {
	return func(c *Controller) {
		if fn != nil {
			c.force = fn
		}
	}
}

// Controller owns the stop flag. The first signal requests a cooperative
// stop; the worker finishes its current job and drains. A second signal runs
// the force hook. The controller never interrupts in-flight work itself.
type Controller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *zap.Logger
	force  func()

	mu       sync.Mutex
	reason   string
	received int
	notified []chan os.Signal

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Controller whose Context is derived from parent.
func New(parent context.Context, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(parent)
	c := &Controller{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		force:  func() { os.Exit(ForceExitCode) },
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Context is cancelled once a stop has been requested.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Stop requests a cooperative stop. Only the first reason is kept.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	first := c.reason == ""
	if first {
		c.reason = reason
	}
	c.mu.Unlock()
	if first {
		c.cancel(fmt.Errorf("%w: %s", ErrStopRequested, reason))
	}
}

// Stopped reports whether the stop flag is set, either by Stop or by the
// parent context ending.
func (c *Controller) Stopped() bool {
	return c.ctx.Err() != nil
}

// Reason returns the reason passed to the first Stop call.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Notify subscribes to OS signals, SIGINT and SIGTERM when none are given.
func (c *Controller) Notify(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)
	c.mu.Lock()
	c.notified = append(c.notified, ch)
	c.mu.Unlock()
	c.Watch(ch)
}

// Watch treats every value received on ch as a termination signal.
func (c *Controller) Watch(ch <-chan os.Signal) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				c.handle(sig)
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Controller) handle(sig os.Signal) {
	c.mu.Lock()
	c.received++
	n := c.received
	c.mu.Unlock()

	if n == 1 {
		c.logger.Info("stop signal received; finishing current job", zap.String("signal", sig.String()))
		c.Stop("signal " + sig.String())
		return
	}
	c.logger.Warn("second stop signal received; forcing exit",
		zap.String("signal", sig.String()),
		zap.Int("signals", n),
	)
	c.force()
}

// Close unsubscribes from signals, stops the watchers and releases the
// context.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for _, ch := range c.notified {
			signal.Stop(ch)
		}
		c.notified = nil
		c.mu.Unlock()
		close(c.done)
		c.wg.Wait()
		c.cancel(context.Canceled)
	})
}
