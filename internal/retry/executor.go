// Package retry runs operations under the failure taxonomy: each error is
// classified, retried with a category-tuned exponential backoff when its
// policy allows, and returned with diagnostic context when it does not.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// Recoverer rebuilds the browser session before a Browser retry.
type Recoverer interface {
	Recover(ctx context.Context) (*session.Handle, error)
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Config tunes the delay schedule. The delay after failed attempt k is
// BaseDelay * multiplier^(k-1), capped at MaxDelay.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Randomization spreads each delay by ±factor; zero keeps delays exact.
	Randomization float64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRecoverer installs the session recoverer used for Browser errors.
func WithRecoverer(r Recoverer) Option {
	return func(e *Executor) { e.recoverer = r }
}

// WithSleeper overrides how delays are waited out.
func WithSleeper(s throttle.Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithClock overrides the clock used for elapsed time.
func WithClock(c automation.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Executor runs operations with retries.
type Executor struct {
	cfg       Config
	recoverer Recoverer
	sleep     throttle.Sleeper
	clock     automation.Clock
	logger    *zap.Logger
}

// New builds an Executor.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("retry base delay must be > 0")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("retry max delay must be >= base delay")
	}
	if cfg.Randomization < 0 || cfg.Randomization >= 1 {
		return nil, fmt.Errorf("retry randomization must be in [0, 1)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:    cfg,
		sleep:  throttle.Sleep,
		clock:  utcClock{},
		logger: logger.Named("retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Do runs op until it succeeds, its error is not retryable, or the attempt
// limit is reached. The limit is the smaller of maxRetries and the failing
// category's MaxRetries; maxRetries <= 0 defers to the category. The returned
// error is a *faults.Error carrying info plus attempt and elapsed context.
func (e *Executor) Do(ctx context.Context, name string, maxRetries int, op Operation, info map[string]string) error {
	start := e.clock.Now()
	schedules := map[faults.Category]*backoff.ExponentialBackOff{}

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		category := faults.CategoryOf(err)
		policy := faults.PolicyFor(category)

		limit := maxRetries
		if limit <= 0 || policy.MaxRetries < limit {
			limit = policy.MaxRetries
		}
		if ctx.Err() != nil || !policy.Retryable || attempt >= limit {
			return e.fail(name, err, category, attempt, start, info)
		}

		schedule, ok := schedules[category]
		if !ok {
			schedule = e.schedule(policy.BackoffMultiplier)
			schedules[category] = schedule
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return e.fail(name, err, category, attempt, start, info)
		}

		if policy.RecoverSession && e.recoverer != nil {
			if _, rerr := e.recoverer.Recover(ctx); rerr != nil {
				return e.fail(name, errors.Join(err, rerr), category, attempt, start, info)
			}
		}

		e.logger.Warn("operation failed, retrying",
			zap.String("operation", name),
			zap.String("category", string(category)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", limit),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(string(category))
		if serr := e.sleep(ctx, delay); serr != nil {
			return e.fail(name, errors.Join(err, serr), category, attempt, start, info)
		}
	}
}

func (e *Executor) schedule(multiplier float64) *backoff.ExponentialBackOff {
	if multiplier <= 1 {
		multiplier = 2
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = e.cfg.Randomization
	b.MaxInterval = e.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Executor) fail(name string, err error, category faults.Category, attempt int, start time.Time, info map[string]string) error {
	fields := make(map[string]string, len(info)+2)
	for k, v := range info {
		fields[k] = v
	}
	fields["attempts"] = strconv.Itoa(attempt)
	fields["elapsed"] = e.clock.Now().Sub(start).Round(time.Millisecond).String()
	return &faults.Error{Category: category, Op: name, Err: err, Context: fields}
}
