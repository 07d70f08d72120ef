// Package config loads and validates fetcher configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kekewolf/web-fetcher/internal/browser"
	"github.com/kekewolf/web-fetcher/internal/logging"
	"github.com/kekewolf/web-fetcher/internal/policy/ratelimit"
	"github.com/kekewolf/web-fetcher/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. WEBFETCHER_MANUAL_TIMEOUT.
const EnvPrefix = "WEBFETCHER"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging logging.Config `mapstructure:"logging"`
	Fetch   FetchConfig    `mapstructure:"fetch"`
	Direct  DirectConfig   `mapstructure:"direct"`
	Browser BrowserConfig  `mapstructure:"browser"`
	Manual  ManualConfig   `mapstructure:"manual"`
	Domains DomainsConfig  `mapstructure:"domains"`
	Reports ReportsConfig  `mapstructure:"reports"`
	API     APIConfig      `mapstructure:"api"`
}

// FetchConfig governs the orchestrator and the batch workers.
type FetchConfig struct {
	Deadline         time.Duration     `mapstructure:"deadline"`
	MinContentBytes  int               `mapstructure:"min_content_bytes"`
	ReconnectBackoff time.Duration     `mapstructure:"reconnect_backoff"`
	Concurrency      int               `mapstructure:"concurrency"`
	QueueDepth       int               `mapstructure:"queue_depth"`
	OutputPrefix     string            `mapstructure:"output_prefix"`
	Headers          map[string]string `mapstructure:"headers"`
}

// DirectConfig configures the plain HTTP strategy.
type DirectConfig struct {
	Enabled            bool             `mapstructure:"enabled"`
	Timeout            time.Duration    `mapstructure:"timeout"`
	UserAgent          string           `mapstructure:"user_agent"`
	MaxBodyBytes       int              `mapstructure:"max_body_bytes"`
	RespectRobots      bool             `mapstructure:"respect_robots"`
	InsecureSkipVerify bool             `mapstructure:"insecure_skip_verify"`
	RateLimit          ratelimit.Config `mapstructure:"rate_limit"`
}

// BrowserConfig locates the debug-port browser and tunes the automated strategy.
type BrowserConfig struct {
	Automated         bool          `mapstructure:"automated"`
	Host              string        `mapstructure:"host"`
	DebugPort         int           `mapstructure:"debug_port"`
	Binary            string        `mapstructure:"binary"`
	UserDataDir       string        `mapstructure:"user_data_dir"`
	ExtraFlags        []string      `mapstructure:"extra_flags"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// ManualConfig configures the human-assisted strategy.
type ManualConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	AutoDetect    bool          `mapstructure:"auto_detect"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout"`
	AttachBackoff time.Duration `mapstructure:"attach_backoff"`
	Prompt        string        `mapstructure:"prompt"`
}

// DomainsConfig seeds the problematic-domain list.
type DomainsConfig struct {
	Problematic []string `mapstructure:"problematic"`
	File        string   `mapstructure:"file"`
}

// ReportsConfig selects where failure reports and Markdown go.
type ReportsConfig struct {
	storage.Config `mapstructure:",squash"`
	Prefix         string `mapstructure:"prefix"`
	Language       string `mapstructure:"language"`
}

// APIConfig controls the local control server.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	return LoadWith(v, path)
}

// LoadWith reads into a caller-provided Viper so that bound CLI flags apply.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("fetch.deadline", "10m")
	v.SetDefault("fetch.min_content_bytes", 1024)
	v.SetDefault("fetch.reconnect_backoff", "2s")
	v.SetDefault("fetch.concurrency", 2)
	v.SetDefault("fetch.queue_depth", 64)
	v.SetDefault("fetch.output_prefix", "pages")
	v.SetDefault("direct.enabled", true)
	v.SetDefault("direct.timeout", "20s")
	v.SetDefault("direct.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	v.SetDefault("direct.max_body_bytes", 10<<20)
	v.SetDefault("direct.respect_robots", false)
	v.SetDefault("direct.rate_limit.default_rps", 1.0)
	v.SetDefault("direct.rate_limit.default_burst", 2)
	v.SetDefault("browser.automated", true)
	v.SetDefault("browser.host", "127.0.0.1")
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.connect_timeout", "10s")
	v.SetDefault("browser.launch_timeout", "20s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.settle_delay", "500ms")
	v.SetDefault("manual.enabled", true)
	v.SetDefault("manual.timeout", "120s")
	v.SetDefault("manual.poll_interval", "1s")
	v.SetDefault("manual.auto_detect", true)
	v.SetDefault("manual.attach_timeout", "10s")
	v.SetDefault("manual.attach_backoff", "2s")
	v.SetDefault("domains.problematic", []string{"cebbank.com", "icbc.com.cn", "ccb.com", "boc.cn", "bankcomm.com", "abchina.com", "cmbchina.com", "spdb.com.cn", "cib.com.cn", "citicbank.com", "cmbc.com.cn", "pbc.gov.cn"})
	v.SetDefault("reports.backend", storage.BackendLocal)
	v.SetDefault("reports.local.base_dir", "output")
	v.SetDefault("reports.prefix", "reports")
	v.SetDefault("reports.language", "zh")
	v.SetDefault("api.addr", "127.0.0.1:8765")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.Deadline <= 0 {
		return fmt.Errorf("fetch.deadline must be > 0")
	}
	if c.Fetch.MinContentBytes < 0 {
		return fmt.Errorf("fetch.min_content_bytes must be >= 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.QueueDepth < 1 {
		return fmt.Errorf("fetch.queue_depth must be >= 1")
	}
	if c.Direct.Enabled && c.Direct.Timeout <= 0 {
		return fmt.Errorf("direct.timeout must be > 0 when direct fetching is enabled")
	}
	if c.Browser.DebugPort < 1 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be between 1 and 65535, got %d", c.Browser.DebugPort)
	}
	if strings.TrimSpace(c.Browser.Host) == "" {
		return fmt.Errorf("browser.host must be set")
	}
	if c.Manual.Enabled && c.Manual.Timeout <= 0 {
		return fmt.Errorf("manual.timeout must be > 0 when the manual session is enabled")
	}
	if !c.Direct.Enabled && !c.Browser.Automated && !c.Manual.Enabled {
		return fmt.Errorf("at least one of direct.enabled, browser.automated or manual.enabled must be true")
	}
	switch strings.ToLower(c.Reports.Backend) {
	case "", storage.BackendLocal, storage.BackendMemory:
	case storage.BackendGCS:
		if c.Reports.GCS.Bucket == "" {
			return fmt.Errorf("reports.gcs.bucket must be set when reports.backend is gcs")
		}
	default:
		return fmt.Errorf("reports.backend must be one of local, memory, gcs, got %q", c.Reports.Backend)
	}
	switch strings.ToLower(c.Reports.Language) {
	case "", "zh", "en":
	default:
		return fmt.Errorf("reports.language must be zh or en, got %q", c.Reports.Language)
	}
	return nil
}

// Endpoint returns the configured debug endpoint.
func (c Config) Endpoint() browser.Endpoint {
	return browser.Endpoint{Host: c.Browser.Host, Port: c.Browser.DebugPort}
}

// Headers converts fetch.headers to an http.Header.
func (c Config) Headers() http.Header {
	if len(c.Fetch.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.Fetch.Headers))
	for k, v := range c.Fetch.Headers {
		h.Set(k, v)
	}
	return h
}
