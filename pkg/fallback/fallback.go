// Package fallback keeps the client usable while the authority cannot be
// reached: bounded retries, cached-data reads, feature degradation and user
// notifications.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbodonnell/tally/pkg/errs"
	"github.com/cbodonnell/tally/pkg/events"
	"github.com/cbodonnell/tally/pkg/log"
	"github.com/cbodonnell/tally/pkg/notify"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxDelay = 30 * time.Second
)

// Operation is a unit of work retried by Retry. Errors for which the
// policy's retryable predicate is false stop the retry loop immediately.
type Operation func(ctx context.Context) error

type Strategy interface {
	// Retry runs op up to maxAttempts times with exponential backoff and
	// reports whether an attempt succeeded. It never panics.
	Retry(ctx context.Context, op Operation, maxAttempts int, initialDelay time.Duration) bool
	UseCachedData()
	UsingCachedData() bool
	RestoreLive()
	DisableFeature(name, reason string)
	EnableFeature(name string)
	FeatureEnabled(name string) bool
	// CheckFeature returns a FeatureUnavailableError for disabled features.
	CheckFeature(name string) error
	NotifyUser(notification notify.Notification) (notify.Notification, error)
	// RecordFailure and RecordSuccess feed the circuit breaker with the
	// outcome of every authority round trip.
	RecordFailure(cause error)
	RecordSuccess()
}

// ModeChanged is published when reads switch between live and cached data.
type ModeChanged struct {
	CachedData bool
	Reason     string
	At         time.Time
}

// FeatureToggled is published when a feature is disabled or re-enabled.
type FeatureToggled struct {
	Feature string
	Enabled bool
	Reason  string
}

// Policy is the default Strategy.
type Policy struct {
	bus        *events.Bus
	notifier   *notify.Notifier
	breaker    *CircuitBreaker
	maxDelay   time.Duration
	retryable  func(error) bool
	cachedData atomic.Bool

	lock     sync.RWMutex
	disabled map[string]string
}

type NewPolicyOptions struct {
	Bus *events.Bus
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// FailureThreshold consecutive failures switch to cached data.
	FailureThreshold int
	// SuccessThreshold consecutive successes restore live data.
	SuccessThreshold int
	// Retryable decides which errors are worth retrying. Defaults to
	// connectivity errors.
	Retryable func(error) bool
}

var _ Strategy = (*Policy)(nil)

func NewPolicy(opts NewPolicyOptions) *Policy {
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Retryable == nil {
		opts.Retryable = errs.IsConnectivity
	}
	return &Policy{
		bus:       opts.Bus,
		notifier:  notify.NewNotifier(opts.Bus),
		breaker:   NewCircuitBreaker(opts.FailureThreshold, opts.SuccessThreshold),
		maxDelay:  opts.MaxDelay,
		retryable: opts.Retryable,
		disabled:  make(map[string]string),
	}
}

func (p *Policy) Retry(ctx context.Context, op Operation, maxAttempts int, initialDelay time.Duration) bool {
	if op == nil || maxAttempts <= 0 {
		return false
	}
	if initialDelay <= 0 {
		initialDelay = time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.maxDelay
	if b.MaxInterval < initialDelay {
		b.MaxInterval = initialDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := p.safeRun(ctx, op)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx), func(err error, delay time.Duration) {
		log.Debug("Attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, delay, err)
	})
	if err != nil {
		log.Debug("Retry stopped after %d attempts: %v", attempt, err)
		return false
	}
	return true
}

func (p *Policy) safeRun(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errs.ConnectivityError{Operation: "retry", Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return op(ctx)
}

func (p *Policy) UseCachedData() {
	p.switchMode(true, "authority unreachable")
}

func (p *Policy) UsingCachedData() bool {
	return p.cachedData.Load()
}

func (p *Policy) RestoreLive() {
	p.switchMode(false, "authority reachable")
}

func (p *Policy) switchMode(cached bool, reason string) {
	if p.cachedData.Swap(cached) == cached {
		return
	}
	if cached {
		log.Warn("Switching to cached data: %s", reason)
	} else {
		log.Info("Restoring live data: %s", reason)
	}
	if err := events.Publish(p.bus, ModeChanged{CachedData: cached, Reason: reason, At: time.Now()}); err != nil {
		log.Error("Failed to publish mode change: %v", err)
	}
}

func (p *Policy) DisableFeature(name, reason string) {
	p.lock.Lock()
	_, already := p.disabled[name]
	p.disabled[name] = reason
	p.lock.Unlock()
	if already {
		return
	}
	log.Warn("Disabling feature %s: %s", name, reason)
	if err := events.Publish(p.bus, FeatureToggled{Feature: name, Reason: reason}); err != nil {
		log.Error("Failed to publish feature toggle: %v", err)
	}
}

func (p *Policy) EnableFeature(name string) {
	p.lock.Lock()
	_, wasDisabled := p.disabled[name]
	delete(p.disabled, name)
	p.lock.Unlock()
	if !wasDisabled {
		return
	}
	log.Info("Enabling feature %s", name)
	if err := events.Publish(p.bus, FeatureToggled{Feature: name, Enabled: true}); err != nil {
		log.Error("Failed to publish feature toggle: %v", err)
	}
}

func (p *Policy) FeatureEnabled(name string) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	_, disabled := p.disabled[name]
	return !disabled
}

func (p *Policy) CheckFeature(name string) error {
	if name == "" {
		return nil
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	if reason, disabled := p.disabled[name]; disabled {
		return &errs.FeatureUnavailableError{Feature: name, Reason: reason}
	}
	return nil
}

func (p *Policy) NotifyUser(notification notify.Notification) (notify.Notification, error) {
	return p.notifier.Notify(notification)
}

func (p *Policy) RecordFailure(cause error) {
	if p.breaker.RecordFailure() {
		log.Warn("Circuit opened after repeated failures: %v", cause)
		p.UseCachedData()
	}
}

func (p *Policy) RecordSuccess() {
	if p.breaker.RecordSuccess() {
		p.RestoreLive()
	}
}

// CircuitOpen reports whether the breaker is currently open.
func (p *Policy) CircuitOpen() bool {
	return p.breaker.IsOpen()
}
