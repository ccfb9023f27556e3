// Package throttle gates outgoing UI actions behind per-minute and per-hour
// caps, randomized cooldowns and suspicion heuristics, and produces the
// human-like pacing used while driving the browser.
package throttle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/outreach-crawler/internal/metrics"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default context-aware Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Limits caps the number of actions per window. Zero disables a cap.
type Limits struct {
	PerMinute int
	PerHour   int
}

// SuspicionConfig tunes DetectSuspiciousActivity.
type SuspicionConfig struct {
	// SampleSize is how many recent actions are inspected.
	SampleSize int
	// RegularityThreshold is the coefficient of variation below which
	// intervals look machine-regular.
	RegularityThreshold float64
	// MinHumanInterval is the mean interval below which activity is rapid fire.
	MinHumanInterval time.Duration
	BurstWindow      time.Duration
	BurstCount       int
}

// Config controls a Throttle.
type Config struct {
	Limits      Limits
	CooldownMin time.Duration
	CooldownMax time.Duration
	// MinInterval spaces consecutive actions through a token bucket.
	MinInterval time.Duration
	Suspicion   SuspicionConfig
	// StrictFactorMin and StrictFactorMax bound the scale applied to caps
	// while activity looks suspicious.
	StrictFactorMin float64
	StrictFactorMax float64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Limits:      Limits{PerMinute: 3, PerHour: 60},
		CooldownMin: 30 * time.Second,
		CooldownMax: 90 * time.Second,
		MinInterval: 5 * time.Second,
		Suspicion: SuspicionConfig{
			SampleSize:          10,
			RegularityThreshold: 0.1,
			MinHumanInterval:    2 * time.Second,
			BurstWindow:         10 * time.Second,
			BurstCount:          5,
		},
		StrictFactorMin: 0.5,
		StrictFactorMax: 0.7,
	}
}

// Option customizes a Throttle.
type Option func(*Throttle)

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(t *Throttle) { t.clock = c }
}

// WithSleeper overrides how cooldowns are waited out.
func WithSleeper(s Sleeper) Option {
	return func(t *Throttle) { t.sleep = s }
}

// WithHistory overrides the activity history.
func WithHistory(h History) Option {
	return func(t *Throttle) { t.history = h }
}

// WithSeed makes cooldown and strict-factor draws deterministic.
func WithSeed(seed uint64) Option {
	return func(t *Throttle) { t.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// Throttle enforces action caps. It is safe for concurrent use.
type Throttle struct {
	cfg     Config
	history History
	clock   Clock
	sleep   Sleeper
	limiter *rate.Limiter
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Throttle.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Throttle, error) {
	if cfg.Limits.PerMinute < 0 || cfg.Limits.PerHour < 0 {
		return nil, fmt.Errorf("throttle limits must be >= 0")
	}
	if cfg.CooldownMax < cfg.CooldownMin {
		return nil, fmt.Errorf("cooldown max must be >= cooldown min")
	}
	if cfg.StrictFactorMin <= 0 || cfg.StrictFactorMax > 1 || cfg.StrictFactorMax < cfg.StrictFactorMin {
		return nil, fmt.Errorf("strict factors must satisfy 0 < min <= max <= 1")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Throttle{
		cfg:     cfg,
		history: NewRingHistory(0),
		clock:   systemClock{},
		sleep:   Sleep,
		logger:  logger.Named("throttle"),
		// #nosec G404 -- pacing jitter, not security sensitive.
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	if cfg.MinInterval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Record appends an action to the history.
func (t *Throttle) Record(ctx context.Context, action string, meta map[string]string) error {
	e := Entry{At: t.clock.Now(), Action: action, Metadata: meta}
	if err := t.history.Append(ctx, e); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	metrics.ObserveAction(action)
	return nil
}

// CheckAndApplyCooldown blocks when the next action would exceed a cap. The
// wait covers the time until the window frees up plus a randomized cooldown.
// It returns how long it waited.
func (t *Throttle) CheckAndApplyCooldown(ctx context.Context, override *Limits) (time.Duration, error) {
	limits := t.cfg.Limits
	if override != nil {
		limits = *override
	}
	now := t.clock.Now()
	lastHour, err := t.history.Since(ctx, now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("load activity: %w", err)
	}
	var lastMinute []Entry
	for _, e := range lastHour {
		if !e.At.Before(now.Add(-time.Minute)) {
			lastMinute = append(lastMinute, e)
		}
	}

	var (
		wait     time.Duration
		exceeded string
	)
	if free, over := untilFree(lastMinute, limits.PerMinute, time.Minute, now); over {
		wait, exceeded = max(wait, free), "minute"
	}
	if free, over := untilFree(lastHour, limits.PerHour, time.Hour, now); over {
		wait, exceeded = max(wait, free), "hour"
	}
	if exceeded == "" {
		return 0, nil
	}
	wait += t.between(t.cfg.CooldownMin, t.cfg.CooldownMax)
	if wait <= 0 {
		wait = time.Millisecond
	}
	t.logger.Info("action cap reached, cooling down",
		zap.String("window", exceeded),
		zap.Int("minute_count", len(lastMinute)),
		zap.Int("hour_count", len(lastHour)),
		zap.Duration("wait", wait),
	)
	metrics.ObserveCooldown(exceeded, wait)
	if err := t.sleep(ctx, wait); err != nil {
		return wait, err
	}
	return wait, nil
}

// untilFree reports whether entries reach limit and how long until enough of
// them leave the window to allow one more action.
func untilFree(entries []Entry, limit int, window time.Duration, now time.Time) (time.Duration, bool) {
	if limit <= 0 || len(entries) < limit {
		return 0, false
	}
	oldest := entries[len(entries)-limit]
	return max(oldest.At.Add(window).Sub(now), 0), true
}

// Gate waits until action may run: caps are tightened while activity looks
// suspicious, cooldowns are applied, then the minimum spacing is honoured.
func (t *Throttle) Gate(ctx context.Context, action string) error {
	assessment, err := t.DetectSuspiciousActivity(ctx)
	if err != nil {
		return err
	}
	var override *Limits
	if assessment.IsSuspicious {
		strict := t.StrictLimits()
		override = &strict
		t.logger.Warn("suspicious activity pattern, tightening caps",
			zap.String("action", action),
			zap.Strings("patterns", assessment.Patterns),
			zap.Int("per_minute", strict.PerMinute),
			zap.Int("per_hour", strict.PerHour),
		)
	}
	if _, err := t.CheckAndApplyCooldown(ctx, override); err != nil {
		return err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("action spacing wait: %w", err)
		}
	}
	return nil
}

// StrictLimits returns the configured caps scaled by a random factor drawn
// from [StrictFactorMin, StrictFactorMax]. Caps never drop below one.
func (t *Throttle) StrictLimits() Limits {
	t.mu.Lock()
	f := t.cfg.StrictFactorMin + t.rng.Float64()*(t.cfg.StrictFactorMax-t.cfg.StrictFactorMin)
	t.mu.Unlock()
	scale := func(n int) int {
		if n <= 0 {
			return n
		}
		return max(int(float64(n)*f), 1)
	}
	return Limits{PerMinute: scale(t.cfg.Limits.PerMinute), PerHour: scale(t.cfg.Limits.PerHour)}
}

func (t *Throttle) between(lo, hi time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return between(t.rng, lo, hi)
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}
