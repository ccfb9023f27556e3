// Package headless drives a real Chrome through chromedp. It implements the
// session launcher and browser contracts with human-paced input.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultWaitTimeout = 10 * time.Second
	defaultWidth       = 1366
	defaultHeight      = 900
)

// Config controls how Chrome is started.
type Config struct {
	ExecPath string
	// UserDataDir keeps cookies between launches so a signed-in profile survives restarts.
	UserDataDir string
	Headless    bool
	UserAgent   string
	NavTimeout  time.Duration
	WaitTimeout time.Duration
	Width       int
	Height      int
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.Width <= 0 {
		c.Width = defaultWidth
	}
	if c.Height <= 0 {
		c.Height = defaultHeight
	}
	return c
}

// Launcher starts Chrome instances.
type Launcher struct {
	cfg    Config
	pacer  *throttle.Pacer
	sleep  throttle.Sleeper
	logger *zap.Logger
}

// NewLauncher returns a Launcher. A nil pacer falls back to default pacing.
func NewLauncher(cfg Config, pacer *throttle.Pacer, logger *zap.Logger) *Launcher {
	if pacer == nil {
		pacer = throttle.NewPacer(throttle.DefaultPacing(), 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg.withDefaults(), pacer: pacer, sleep: throttle.Sleep, logger: logger}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Launch starts Chrome and opens the first tab.
func (l *Launcher) Launch(ctx context.Context) (session.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Warnf),
	)

	b := newBrowser(browserCtx, func() {
		browserCancel()
		allocCancel()
	}, l.cfg, l.pacer, l.sleep)
	chromedp.ListenTarget(browserCtx, b.observe)

	warmCtx, cancel := context.WithTimeout(browserCtx, l.cfg.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(warmCtx, l.setup()); err != nil {
		_ = b.Close()
		return nil, classify("launch", ctx, browserCtx, fmt.Errorf("chromedp warmup: %w", err))
	}
	l.logger.Info("browser launched",
		zap.Bool("headless", l.cfg.Headless),
		zap.String("user_data_dir", l.cfg.UserDataDir))
	return b, nil
}

func (l *Launcher) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(l.cfg.Width), int64(l.cfg.Height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// forwardCancel cancels a task context when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
