package crawl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// LoginConfig describes the sign-in page.
type LoginConfig struct {
	URL       string
	Selectors automation.Selectors
	// LookupEnv resolves the secret named by the credentials. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Sleep     throttle.Sleeper
	Think     func() time.Duration
}

// Login returns an authenticator that signs a fresh session in with creds.
// A session whose profile directory is still signed in is accepted as is.
func Login(cfg LoginConfig, creds checkpoint.Credentials) session.Authenticator {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.Sleep == nil {
		cfg.Sleep = throttle.Sleep
	}
	if cfg.Think == nil {
		cfg.Think = func() time.Duration { return 0 }
	}
	return func(ctx context.Context, h *session.Handle) error {
		if err := h.Navigate(ctx, cfg.URL); err != nil {
			return fmt.Errorf("open login page: %w", err)
		}
		ok, err := h.Exists(ctx, cfg.Selectors.LoggedIn)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		password, found := "", false
		if creds.SecretEnv != "" {
			password, found = cfg.LookupEnv(creds.SecretEnv)
		}
		if creds.Username == "" || !found || password == "" {
			return faults.Errorf(faults.Unknown, "login", "credentials for %q are not configured", creds.Username)
		}
		if err := h.Type(ctx, cfg.Selectors.LoginUsername, creds.Username); err != nil {
			return err
		}
		if err := h.Type(ctx, cfg.Selectors.LoginPassword, password); err != nil {
			return err
		}
		if err := h.Click(ctx, cfg.Selectors.LoginSubmit); err != nil {
			return err
		}
		if err := cfg.Sleep(ctx, cfg.Think()); err != nil {
			return err
		}

		challenged, err := h.Exists(ctx, cfg.Selectors.LoginChallenge)
		if err != nil {
			return err
		}
		if challenged {
			return faults.Errorf(faults.Authentication, "login", "security verification challenge for %q", creds.Username)
		}
		ok, err = h.Exists(ctx, cfg.Selectors.LoggedIn)
		if err != nil {
			return err
		}
		if !ok {
			return faults.Errorf(faults.Authentication, "login", "sign-in for %q was not confirmed", creds.Username)
		}
		return nil
	}
}
