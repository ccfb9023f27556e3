package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
checkpoint:
  spool_dir: /var/spool/outreach
  batch_size: 25
  max_recursion: 4
supervisor:
  restart_delay: 1m
site:
  base_url: https://social.test
  login_url: https://social.test/login
  lists:
    allies: https://social.test/a
    incoming: https://social.test/i
    outgoing: https://social.test/o
  selectors:
    load_more: ["#more"]
throttle:
  per_minute: 2
  per_hour: 30
  cooldown_min: 10s
  cooldown_max: 20s
  history_path: /tmp/activity.db
edges:
  backend: postgres
  dsn: postgres://localhost/outreach
artifacts:
  backend: gcs
  bucket: shots
events:
  backend: pubsub
  project_id: proj
  topic: runs
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Checkpoint.BatchSize != 25 || cfg.Checkpoint.MaxRecursion != 4 {
		t.Fatalf("expected checkpoint overrides, got %+v", cfg.Checkpoint)
	}
	if cfg.Supervisor.RestartDelay != time.Minute {
		t.Fatalf("expected restart delay 1m, got %v", cfg.Supervisor.RestartDelay)
	}
	if got := cfg.ListURLs()[checkpoint.KindIncoming]; got != "https://social.test/i" {
		t.Fatalf("unexpected incoming url %q", got)
	}
	if got := cfg.Site.Selectors.LoadMore; len(got) != 1 || got[0] != "#more" {
		t.Fatalf("expected load_more override, got %v", got)
	}
	if got := cfg.Site.Selectors.ConnectButton; len(got) == 0 || got[0] != automation.DefaultSelectors().ConnectButton[0] {
		t.Fatalf("expected default connect selectors, got %v", got)
	}
	th := cfg.ThrottleSettings()
	if th.Limits.PerMinute != 2 || th.Limits.PerHour != 30 || th.CooldownMax != 20*time.Second {
		t.Fatalf("unexpected throttle settings %+v", th)
	}
	if th.Suspicion.SampleSize == 0 {
		t.Fatalf("expected suspicion defaults to be kept")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Checkpoint.BatchSize != 100 || cfg.Checkpoint.MaxRecursion != 10 {
		t.Fatalf("unexpected checkpoint defaults %+v", cfg.Checkpoint)
	}
	if cfg.Retry.BaseDelay != 2*time.Second || cfg.Retry.MaxDelay != 2*time.Minute {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Edges.Backend != BackendMemory || cfg.Events.Backend != BackendNone {
		t.Fatalf("unexpected backend defaults %+v %+v", cfg.Edges, cfg.Events)
	}
	if got := cfg.BatchDelay(); got.Min != 20*time.Second || got.Max != time.Minute {
		t.Fatalf("unexpected batch delay %+v", got)
	}
	if got := cfg.PacingSettings(); got != throttle.DefaultPacing() {
		t.Fatalf("expected default pacing, got %+v", got)
	}
}

func TestLoadPacingOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "pacing:\n  keystroke:\n    min: 20ms\n    max: 40ms\n  scroll_step_px:\n    max: 500\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := cfg.PacingSettings()
	if got.Keystroke.Min != 20*time.Millisecond || got.Keystroke.Max != 40*time.Millisecond {
		t.Fatalf("keystroke override not applied: %+v", got.Keystroke)
	}
	def := throttle.DefaultPacing()
	if got.ScrollStepPx != [2]int{def.ScrollStepPx[0], 500} {
		t.Fatalf("expected scroll step [%d 500], got %v", def.ScrollStepPx[0], got.ScrollStepPx)
	}
	if got.Think != def.Think || got.MouseSteps != def.MouseSteps {
		t.Fatalf("untouched ranges should keep defaults: %+v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTREACH_SERVER_PORT", "7070")
	t.Setenv("OUTREACH_CHECKPOINT_BATCH_SIZE", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Checkpoint.BatchSize != 7 {
		t.Fatalf("expected env overrides, got port=%d batch=%d", cfg.Server.Port, cfg.Checkpoint.BatchSize)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"checkpoint.batch_size":   "checkpoint:\n  batch_size: 0\n",
		"max_recursion":           "checkpoint:\n  max_recursion: -1\n",
		"retry delays":            "retry:\n  base_delay: 10s\n  max_delay: 1s\n",
		"cooldown_max":            "throttle:\n  cooldown_min: 10s\n  cooldown_max: 1s\n",
		"edges.dsn":               "edges:\n  backend: postgres\n",
		"edges.url":               "edges:\n  backend: http\n",
		"unknown edges.backend":   "edges:\n  backend: redis\n",
		"artifacts.bucket":        "artifacts:\n  backend: gcs\n",
		"artifacts.digest_length": "artifacts:\n  digest_length: 80\n",
		"events.project_id":       "events:\n  backend: pubsub\n",
		"pacing.think":            "pacing:\n  think:\n    min: 5s\n    max: 1s\n",
		"pacing.mouse_steps":      "pacing:\n  mouse_steps:\n    min: 0\n",
		"unknown events.backend":  "events:\n  backend: kafka\n",
	}
	for want, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
