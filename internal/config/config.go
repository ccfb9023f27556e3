// Package config loads and validates outreach configuration via Viper.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/healing"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Site       SiteConfig       `mapstructure:"site"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Session    SessionConfig    `mapstructure:"session"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Pacing     PacingConfig     `mapstructure:"pacing"`
	Lister     ListerConfig     `mapstructure:"lister"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Edges      EdgesConfig      `mapstructure:"edges"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// CheckpointConfig locates checkpoints and sizes their files.
type CheckpointConfig struct {
	// SpoolDir holds one <requestId>.json per run plus its run directory.
	SpoolDir     string `mapstructure:"spool_dir"`
	BatchSize    int    `mapstructure:"batch_size"`
	LinkFileSize int    `mapstructure:"link_file_size"`
	MaxRecursion int    `mapstructure:"max_recursion"`
}

// SupervisorConfig controls worker re-invocation.
type SupervisorConfig struct {
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	MaxRestarts  int           `mapstructure:"max_restarts"`
}

// SiteConfig describes the target site. Selectors left empty fall back to
// automation.DefaultSelectors.
type SiteConfig struct {
	BaseURL   string               `mapstructure:"base_url"`
	LoginURL  string               `mapstructure:"login_url"`
	Lists     ListURLs             `mapstructure:"lists"`
	Selectors automation.Selectors `mapstructure:"selectors"`
}

// ListURLs locates each connection list.
type ListURLs struct {
	Allies   string `mapstructure:"allies"`
	Incoming string `mapstructure:"incoming"`
	Outgoing string `mapstructure:"outgoing"`
}

// BrowserConfig configures the Chrome session.
type BrowserConfig struct {
	ExecPath    string        `mapstructure:"exec_path"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	Headless    bool          `mapstructure:"headless"`
	UserAgent   string        `mapstructure:"user_agent"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	Width       int           `mapstructure:"width"`
	Height      int           `mapstructure:"height"`
}

// SessionConfig bounds a browser session's life.
type SessionConfig struct {
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	MaxErrors    int           `mapstructure:"max_errors"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// RetryConfig tunes the retry executor.
type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Randomization float64       `mapstructure:"randomization"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// ThrottleConfig caps outgoing actions.
type ThrottleConfig struct {
	PerMinute   int           `mapstructure:"per_minute"`
	PerHour     int           `mapstructure:"per_hour"`
	CooldownMin time.Duration `mapstructure:"cooldown_min"`
	CooldownMax time.Duration `mapstructure:"cooldown_max"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	// HistoryPath is a SQLite file; empty keeps history in memory.
	HistoryPath string `mapstructure:"history_path"`
}

// DurationRange is an inclusive range of durations.
type DurationRange struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// IntRange is an inclusive range of counts.
type IntRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// PacingConfig holds the ranges typing, pointer, scroll and think pauses are
// drawn from.
type PacingConfig struct {
	Keystroke      DurationRange `mapstructure:"keystroke"`
	WordPause      DurationRange `mapstructure:"word_pause"`
	MouseSteps     IntRange      `mapstructure:"mouse_steps"`
	MouseStepDelay DurationRange `mapstructure:"mouse_step_delay"`
	ScrollStepPx   IntRange      `mapstructure:"scroll_step_px"`
	ScrollDelay    DurationRange `mapstructure:"scroll_delay"`
	Think          DurationRange `mapstructure:"think"`
}

// ListerConfig tunes list expansion.
type ListerConfig struct {
	MaxIterations  int `mapstructure:"max_iterations"`
	ScrollDistance int `mapstructure:"scroll_distance"`
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchDelayMin time.Duration `mapstructure:"batch_delay_min"`
	BatchDelayMax time.Duration `mapstructure:"batch_delay_max"`
}

// ArtifactsConfig selects where screenshots are stored.
type ArtifactsConfig struct {
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
	// DigestLength truncates content digests in artifact keys; 0 keeps all 64.
	DigestLength int `mapstructure:"digest_length"`
}

// EdgesConfig selects the edge graph backend.
type EdgesConfig struct {
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Table   string        `mapstructure:"table"`
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EventsConfig selects where run lifecycle events go.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendHTTP     = "http"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	fillSelectors(&cfg.Site.Selectors, automation.DefaultSelectors())

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "outreach-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("checkpoint.spool_dir", "./spool")
	v.SetDefault("checkpoint.batch_size", 100)
	v.SetDefault("checkpoint.link_file_size", 100)
	v.SetDefault("checkpoint.max_recursion", healing.DefaultMaxRecursion)
	v.SetDefault("supervisor.restart_delay", "30s")
	v.SetDefault("supervisor.max_restarts", 0)
	v.SetDefault("site.base_url", "https://social.example")
	v.SetDefault("site.login_url", "https://social.example/login")
	v.SetDefault("site.lists.allies", "https://social.example/mynetwork/connections/")
	v.SetDefault("site.lists.incoming", "https://social.example/mynetwork/invitations/received/")
	v.SetDefault("site.lists.outgoing", "https://social.example/mynetwork/invitations/sent/")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.wait_timeout", "10s")
	v.SetDefault("browser.width", 1366)
	v.SetDefault("browser.height", 768)
	v.SetDefault("session.max_lifetime", "2h")
	v.SetDefault("session.max_errors", 5)
	v.SetDefault("session.probe_timeout", "5s")
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "2m")
	v.SetDefault("retry.randomization", 0.0)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("throttle.per_minute", 3)
	v.SetDefault("throttle.per_hour", 60)
	v.SetDefault("throttle.cooldown_min", "30s")
	v.SetDefault("throttle.cooldown_max", "90s")
	v.SetDefault("throttle.min_interval", "5s")
	setPacingDefaults(v, throttle.DefaultPacing())
	v.SetDefault("lister.max_iterations", 200)
	v.SetDefault("lister.scroll_distance", 1200)
	v.SetDefault("workflow.timeout", "3m")
	v.SetDefault("workflow.batch_delay_min", "20s")
	v.SetDefault("workflow.batch_delay_max", "60s")
	v.SetDefault("artifacts.backend", BackendLocal)
	v.SetDefault("artifacts.base_dir", "./artifacts")
	v.SetDefault("artifacts.prefix", "screenshots")
	v.SetDefault("artifacts.digest_length", 0)
	v.SetDefault("edges.backend", BackendMemory)
	v.SetDefault("edges.table", "edges")
	v.SetDefault("edges.timeout", "10s")
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.topic", "outreach-runs")
}

func setPacingDefaults(v *viper.Viper, p throttle.PacingConfig) {
	durations := map[string]throttle.Range{
		"keystroke":        p.Keystroke,
		"word_pause":       p.WordPause,
		"mouse_step_delay": p.MouseStepDelay,
		"scroll_delay":     p.ScrollDelay,
		"think":            p.Think,
	}
	for name, r := range durations {
		v.SetDefault("pacing."+name+".min", r.Min.String())
		v.SetDefault("pacing."+name+".max", r.Max.String())
	}
	v.SetDefault("pacing.mouse_steps.min", p.MouseSteps[0])
	v.SetDefault("pacing.mouse_steps.max", p.MouseSteps[1])
	v.SetDefault("pacing.scroll_step_px.min", p.ScrollStepPx[0])
	v.SetDefault("pacing.scroll_step_px.max", p.ScrollStepPx[1])
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	case strings.TrimSpace(c.Checkpoint.SpoolDir) == "":
		return fmt.Errorf("checkpoint.spool_dir is required")
	case c.Checkpoint.BatchSize <= 0:
		return fmt.Errorf("checkpoint.batch_size must be > 0")
	case c.Checkpoint.LinkFileSize <= 0:
		return fmt.Errorf("checkpoint.link_file_size must be > 0")
	case c.Checkpoint.MaxRecursion <= 0:
		return fmt.Errorf("checkpoint.max_recursion must be > 0")
	case c.Supervisor.RestartDelay < 0:
		return fmt.Errorf("supervisor.restart_delay must be >= 0")
	case c.Site.BaseURL == "" || c.Site.LoginURL == "":
		return fmt.Errorf("site.base_url and site.login_url are required")
	case c.Site.Lists.Allies == "" || c.Site.Lists.Incoming == "" || c.Site.Lists.Outgoing == "":
		return fmt.Errorf("site.lists must name allies, incoming and outgoing urls")
	case c.Browser.NavTimeout <= 0:
		return fmt.Errorf("browser.nav_timeout must be > 0")
	case c.Session.MaxErrors <= 0:
		return fmt.Errorf("session.max_errors must be > 0")
	case c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	case c.Retry.MaxRetries <= 0:
		return fmt.Errorf("retry.max_retries must be > 0")
	case c.Throttle.PerMinute < 0 || c.Throttle.PerHour < 0:
		return fmt.Errorf("throttle caps must be >= 0")
	case c.Throttle.CooldownMax < c.Throttle.CooldownMin:
		return fmt.Errorf("throttle.cooldown_max must be >= cooldown_min")
	case c.Pacing.MouseSteps.Min < 1 || c.Pacing.ScrollStepPx.Min < 1:
		return fmt.Errorf("pacing.mouse_steps.min and pacing.scroll_step_px.min must be >= 1")
	case c.Lister.MaxIterations <= 0:
		return fmt.Errorf("lister.max_iterations must be > 0")
	case c.Workflow.BatchDelayMax < c.Workflow.BatchDelayMin:
		return fmt.Errorf("workflow.batch_delay_max must be >= batch_delay_min")
	}
	if err := c.validatePacing(); err != nil {
		return err
	}
	return c.validateBackends()
}

func (c Config) validatePacing() error {
	durations := []struct {
		name string
		r    DurationRange
	}{
		{"keystroke", c.Pacing.Keystroke},
		{"word_pause", c.Pacing.WordPause},
		{"mouse_step_delay", c.Pacing.MouseStepDelay},
		{"scroll_delay", c.Pacing.ScrollDelay},
		{"think", c.Pacing.Think},
	}
	for _, d := range durations {
		if d.r.Min < 0 || d.r.Max < d.r.Min {
			return fmt.Errorf("pacing.%s must satisfy 0 <= min <= max", d.name)
		}
	}
	if c.Pacing.MouseSteps.Max < c.Pacing.MouseSteps.Min {
		return fmt.Errorf("pacing.mouse_steps.max must be >= min")
	}
	if c.Pacing.ScrollStepPx.Max < c.Pacing.ScrollStepPx.Min {
		return fmt.Errorf("pacing.scroll_step_px.max must be >= min")
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Artifacts.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend)
	}
	if c.Artifacts.DigestLength < 0 || c.Artifacts.DigestLength > 64 {
		return fmt.Errorf("artifacts.digest_length must be between 0 and 64")
	}
	switch c.Edges.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Edges.DSN == "" {
			return fmt.Errorf("edges.dsn is required for the postgres backend")
		}
	case BackendHTTP:
		if c.Edges.URL == "" {
			return fmt.Errorf("edges.url is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown edges.backend %q", c.Edges.Backend)
	}
	switch c.Events.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("unknown events.backend %q", c.Events.Backend)
	}
	return nil
}

// ListURLs maps each list kind to its URL.
func (c Config) ListURLs() map[checkpoint.ListKind]string {
	return map[checkpoint.ListKind]string{
		checkpoint.KindAllies:   c.Site.Lists.Allies,
		checkpoint.KindIncoming: c.Site.Lists.Incoming,
		checkpoint.KindOutgoing: c.Site.Lists.Outgoing,
	}
}

// ThrottleSettings converts the throttle section, keeping suspicion
// defaults.
func (c Config) ThrottleSettings() throttle.Config {
	out := throttle.DefaultConfig()
	out.Limits = throttle.Limits{PerMinute: c.Throttle.PerMinute, PerHour: c.Throttle.PerHour}
	out.CooldownMin = c.Throttle.CooldownMin
	out.CooldownMax = c.Throttle.CooldownMax
	out.MinInterval = c.Throttle.MinInterval
	return out
}

// PacingSettings converts the pacing section for the pacer.
func (c Config) PacingSettings() throttle.PacingConfig {
	p := c.Pacing
	return throttle.PacingConfig{
		Keystroke:      throttle.Range(p.Keystroke),
		WordPause:      throttle.Range(p.WordPause),
		MouseSteps:     [2]int{p.MouseSteps.Min, p.MouseSteps.Max},
		MouseStepDelay: throttle.Range(p.MouseStepDelay),
		ScrollStepPx:   [2]int{p.ScrollStepPx.Min, p.ScrollStepPx.Max},
		ScrollDelay:    throttle.Range(p.ScrollDelay),
		Think:          throttle.Range(p.Think),
	}
}

// BatchDelay is the pause range between workflows in a batch.
func (c Config) BatchDelay() throttle.Range {
	return throttle.Range{Min: c.Workflow.BatchDelayMin, Max: c.Workflow.BatchDelayMax}
}

// fillSelectors replaces empty selector sets in dst with defaults.
func fillSelectors(dst *automation.Selectors, defaults automation.Selectors) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(defaults)
	for i := range dv.NumField() {
		if dv.Field(i).Len() == 0 {
			dv.Field(i).Set(sv.Field(i))
		}
	}
}
