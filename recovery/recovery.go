// Package recovery wraps core operations with per-error-kind handling:
// transient errors are retried with exponential backoff, persistent errors
// surface immediately, and critical errors mark the owning component
// unavailable until an explicit reset.
//
// The coordinator maintains per-kind counters for observability but never
// alters business outcomes beyond the retry/backoff policy itself.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/collabmesh/core"
	"github.com/hupe1980/collabmesh/logging"
)

// Kind classifies an error for recovery purposes.
type Kind string

const (
	// KindTransient errors are retried with exponential backoff.
	KindTransient Kind = "transient"
	// KindPersistent errors surface immediately without retry.
	KindPersistent Kind = "persistent"
	// KindCritical errors halt the owning component until an explicit reset.
	KindCritical Kind = "critical"
)

// Classify maps the core error taxonomy onto recovery kinds. Timeouts are
// transient; internal invariant violations are critical; everything else
// (capacity, permissions, lock conflicts) is persistent because retrying
// without intervention cannot change the outcome.
func Classify(err error) Kind {
	var (
		timeoutErr  *core.TimeoutError
		internalErr *core.InternalError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return KindTransient
	case errors.As(err, &internalErr):
		return KindCritical
	default:
		return KindPersistent
	}
}

// Options configures a Coordinator using the functional options pattern.
type Options struct {
	// Config supplies the retry attempt cap and backoff base interval.
	Config core.Config

	// Logger provides structured logging. Defaults to NoOp if nil.
	Logger logging.Logger

	// Classifier overrides the default error classification.
	Classifier func(error) Kind
}

// Stats is a snapshot of the per-kind error counters.
type Stats struct {
	Transient  int
	Persistent int
	Critical   int
	Retries    int
}

// Coordinator executes operations under the recovery policy.
type Coordinator struct {
	opts Options

	mu          sync.Mutex
	stats       Stats
	unavailable map[string]error
}

// New creates a Coordinator with optional overrides.
func New(optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		Config:     core.DefaultConfig,
		Logger:     logging.NoOpLogger{},
		Classifier: Classify,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Classifier == nil {
		opts.Classifier = Classify
	}
	return &Coordinator{opts: opts, unavailable: make(map[string]error)}
}

// Execute runs fn under the recovery policy on behalf of the named
// component. While the component is marked unavailable every call fails
// immediately with the critical error that halted it.
func (c *Coordinator) Execute(ctx context.Context, component, operation string, fn func() error) error {
	if err := c.Unavailable(component); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	if c.opts.Config.BackoffBase > 0 {
		bo.InitialInterval = c.opts.Config.BackoffBase
	}
	attempts := uint64(c.opts.Config.RetryAttempts)

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		switch c.opts.Classifier(err) {
		case KindTransient:
			c.count(KindTransient)
			c.opts.Logger.Debug("transient error, will retry", "component", component, "operation", operation, "error", err.Error())
			return err
		case KindCritical:
			c.count(KindCritical)
			c.markUnavailable(component, err)
			c.opts.Logger.Error("critical error, component marked unavailable", "component", component, "operation", operation, "error", err.Error())
			return backoff.Permanent(err)
		default:
			c.count(KindPersistent)
			return backoff.Permanent(err)
		}
	}

	retrying := backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx)
	err := backoff.RetryNotify(wrapped, retrying, func(error, time.Duration) {
		c.countRetry()
	})
	return err
}

// Unavailable returns the critical error halting a component, or nil.
func (c *Coordinator) Unavailable(component string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable[component]
}

// Reset clears a component's unavailable mark after external intervention.
func (c *Coordinator) Reset(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unavailable, component)
}

// Stats returns a snapshot of the error counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) count(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case KindTransient:
		c.stats.Transient++
	case KindPersistent:
		c.stats.Persistent++
	case KindCritical:
		c.stats.Critical++
	}
}

func (c *Coordinator) countRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Retries++
}

func (c *Coordinator) markUnavailable(component string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable[component] = err
}
