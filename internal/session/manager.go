// Package session owns the single live browser session of a process. The
// Manager hands out a Handle, tracks its health and error budget, and swaps
// in a freshly launched Handle when the old one is no longer usable.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
)

// Browser is a launched browser with one active page.
type Browser interface {
	automation.Surface
	// Ping runs a trivial script to prove the page still responds.
	Ping(ctx context.Context) error
	Connected() bool
	PageClosed() bool
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Authenticator signs a freshly launched session in.
type Authenticator func(ctx context.Context, h *Handle) error

// Config bounds a session's life.
type Config struct {
	MaxLifetime  time.Duration
	MaxErrors    int
	ProbeTimeout time.Duration
}

// Handle is one launched session. A Handle is never reused across a
// recovery; the Manager replaces it with a new one.
type Handle struct {
	Browser

	generation uint64
	startedAt  time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	authenticated bool
	errorCount    int
}

// Generation increases with every launch.
func (h *Handle) Generation() uint64 { return h.generation }

// StartedAt is when the browser was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// LastActivity is when the session was last used.
func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Authenticated reports whether login completed on this session.
func (h *Handle) Authenticated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authenticated
}

// ErrorCount is the number of errors recorded against this session.
func (h *Handle) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCount
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(c automation.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithAuthenticator installs a login hook run after every launch.
func WithAuthenticator(a Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Manager guards the one live Handle.
type Manager struct {
	launcher Launcher
	cfg      Config
	clock    automation.Clock
	auth     Authenticator
	logger   *zap.Logger

	mu         sync.Mutex
	handle     *Handle
	generation uint64
}

// NewManager returns a Manager that launches browsers through launcher.
func NewManager(launcher Launcher, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MaxErrors <= 0 {
		return nil, fmt.Errorf("max errors must be > 0")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		launcher: launcher,
		cfg:      cfg,
		clock:    utcClock{},
		logger:   logger.Named("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire returns the live handle when it is healthy and launches a new one
// otherwise.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil && m.healthyLocked(ctx) {
		m.touchLocked()
		return m.handle, nil
	}
	return m.recoverLocked(ctx)
}

// Current returns the live handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// IsHealthy reports whether the live handle exists, is connected, has an open
// page, answers a probe within the timeout, and is younger than MaxLifetime.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked(ctx)
}

func (m *Manager) healthyLocked(ctx context.Context) bool {
	h := m.handle
	if h == nil {
		return false
	}
	if !h.Connected() || h.PageClosed() {
		return false
	}
	if m.cfg.MaxLifetime > 0 && m.clock.Now().Sub(h.startedAt) >= m.cfg.MaxLifetime {
		m.logger.Info("session reached max lifetime", zap.Uint64("generation", h.generation))
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := h.Ping(probeCtx); err != nil {
		m.logger.Warn("session probe failed", zap.Uint64("generation", h.generation), zap.Error(err))
		return false
	}
	return true
}

// RecordError counts err against the live handle. Reaching MaxErrors forces a
// recovery; if that recovery fails the returned error wraps faults.ErrSessionLost.
func (m *Manager) RecordError(ctx context.Context, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handle
	if h == nil {
		return nil
	}
	h.mu.Lock()
	h.errorCount++
	count := h.errorCount
	h.mu.Unlock()
	m.logger.Debug("session error recorded",
		zap.Uint64("generation", h.generation),
		zap.Int("error_count", count),
		zap.Error(err),
	)
	if count < m.cfg.MaxErrors {
		return nil
	}
	m.logger.Warn("session error budget exhausted, recovering", zap.Int("error_count", count))
	if _, rerr := m.recoverLocked(ctx); rerr != nil {
		return rerr
	}
	return nil
}

// Recover discards the live handle and launches a new one.
func (m *Manager) Recover(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoverLocked(ctx)
}

func (m *Manager) recoverLocked(ctx context.Context) (*Handle, error) {
	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.logger.Warn("close stale session", zap.Error(err))
		}
		m.handle = nil
	}
	browser, err := m.launcher.Launch(ctx)
	if err != nil {
		metrics.ObserveSessionRecovery("failure")
		return nil, faults.New(faults.Browser, "launch session", fmt.Errorf("%w: %w", faults.ErrSessionLost, err))
	}
	m.generation++
	now := m.clock.Now()
	h := &Handle{
		Browser:      browser,
		generation:   m.generation,
		startedAt:    now,
		lastActivity: now,
	}
	if m.auth != nil {
		if err := m.auth(ctx, h); err != nil {
			if cerr := browser.Close(); cerr != nil {
				m.logger.Warn("close unauthenticated session", zap.Error(cerr))
			}
			metrics.ObserveSessionRecovery("auth_failure")
			return nil, fmt.Errorf("authenticate session: %w", err)
		}
		h.authenticated = true
	}
	m.handle = h
	metrics.ObserveSessionRecovery("success")
	m.logger.Info("session ready", zap.Uint64("generation", h.generation), zap.Bool("authenticated", h.authenticated))
	return h, nil
}

// MarkAuthenticated flags the live handle as logged in.
func (m *Manager) MarkAuthenticated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return
	}
	m.handle.mu.Lock()
	m.handle.authenticated = true
	m.handle.mu.Unlock()
}

// Touch records activity on the live handle.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()
}

func (m *Manager) touchLocked() {
	if m.handle == nil {
		return
	}
	m.handle.mu.Lock()
	m.handle.lastActivity = m.clock.Now()
	m.handle.mu.Unlock()
}

// Release closes the live handle. The handle is cleared even when closing fails.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handle
	m.handle = nil
	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// IsSessionLost reports whether err means the session could not be rebuilt.
func IsSessionLost(err error) bool {
	return errors.Is(err, faults.ErrSessionLost)
}
