// Package supervisor re-invokes workers on healable checkpoints until the run
// completes, fails for good, or exhausts its healing budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/healing"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// ErrFatal wraps a run that recorded a non-recoverable error.
var ErrFatal = errors.New("run failed")

// Spawner runs one worker over a checkpoint and reports its exit code.
type Spawner interface {
	Spawn(ctx context.Context, statePath string) (int, error)
}

// Config tunes the restart policy.
type Config struct {
	MaxRecursion int
	RestartDelay time.Duration
	// MaxRestarts bounds re-invocations independent of the recorded
	// recursion count. Zero means MaxRecursion+1.
	MaxRestarts int
}

// Supervisor owns the re-invocation policy for checkpoints.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	sleep   throttle.Sleeper
	logger  *zap.Logger
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSleeper overrides how restart delays are waited out.
func WithSleeper(s throttle.Sleeper) Option {
	return func(sv *Supervisor) { sv.sleep = s }
}

// New builds a Supervisor.
func New(cfg Config, spawner Spawner, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if cfg.RestartDelay < 0 {
		return nil, fmt.Errorf("restart delay must be >= 0")
	}
	if cfg.MaxRecursion <= 0 {
		cfg.MaxRecursion = healing.DefaultMaxRecursion
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = cfg.MaxRecursion + 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{cfg: cfg, spawner: spawner, sleep: throttle.Sleep, logger: logger.Named("supervisor")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Supervise runs workers over statePath until the checkpoint is gone. It
// returns nil on success, ErrFatal for a recorded non-recoverable error and
// healing.ErrRecursionLimit once the healing budget is spent.
func (s *Supervisor) Supervise(ctx context.Context, statePath string) error {
	logger := s.logger.With(zap.String("checkpoint", statePath))
	for restarts := 0; ; restarts++ {
		st, err := checkpoint.LoadState(statePath)
		if errors.Is(err, checkpoint.ErrNotFound) {
			if restarts == 0 {
				return err
			}
			logger.Info("run completed", zap.Int("restarts", restarts-1))
			return nil
		}
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		logger = logger.With(zap.String("request_id", st.RequestID))
		if err := s.admit(st, restarts); err != nil {
			logger.Error("not restarting worker", zap.Int("recursion", st.RecursionCount), zap.Error(err))
			return err
		}

		if restarts > 0 {
			metrics.ObserveRestart()
			logger.Info("restarting worker",
				zap.Int("recursion", st.RecursionCount),
				zap.String("heal_phase", string(st.HealPhase)),
				zap.String("heal_reason", st.HealReason),
				zap.Duration("delay", s.cfg.RestartDelay),
			)
			if err := s.sleep(ctx, s.cfg.RestartDelay); err != nil {
				return err
			}
		}

		code, err := s.spawner.Spawn(ctx, statePath)
		if err != nil {
			return fmt.Errorf("spawn worker: %w", err)
		}
		if code == 0 {
			if _, err := checkpoint.LoadState(statePath); err == nil {
				return fmt.Errorf("worker exited 0 but left checkpoint %s", statePath)
			}
			logger.Info("run completed", zap.Int("restarts", restarts))
			return nil
		}
		logger.Warn("worker exited", zap.Int("code", code))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// admit decides whether another worker may run over st.
func (s *Supervisor) admit(st *checkpoint.CrawlState, restarts int) error {
	if st.RecursionCount > s.cfg.MaxRecursion {
		return fmt.Errorf("%w (%d > %d)", healing.ErrRecursionLimit, st.RecursionCount, s.cfg.MaxRecursion)
	}
	if st.LastError != nil && !st.LastError.Recoverable {
		return fmt.Errorf("%w: %s error: %s", ErrFatal, st.LastError.Category, st.LastError.Message)
	}
	if restarts > 0 && st.LastError == nil {
		return fmt.Errorf("%w: worker exited without recording an error", ErrFatal)
	}
	if restarts > s.cfg.MaxRestarts {
		return fmt.Errorf("%w: %d restarts", healing.ErrRecursionLimit, restarts-1)
	}
	return nil
}
