// Package config loads and validates crawl worker configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Render engines accepted by render.engine.
const (
	EngineChromedp   = "chromedp"
	EnginePlaywright = "playwright"
)

// Config captures all worker configuration knobs loaded via Viper.
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Render    RenderConfig    `mapstructure:"render"`
	Status    StatusConfig    `mapstructure:"status"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SourceConfig points the worker at the control plane.
type SourceConfig struct {
	URL             string        `mapstructure:"url"`
	AuthHeaderName  string        `mapstructure:"auth_header_name"`
	AuthHeaderValue string        `mapstructure:"auth_header_value"`
	LeaseTimeout    time.Duration `mapstructure:"lease_timeout"`
}

// PartialAuthHeader reports whether only one of the auth header name and
// value is set. The client sends the header only when both are present.
func (s SourceConfig) PartialAuthHeader() bool {
	return (s.AuthHeaderName == "") != (s.AuthHeaderValue == "")
}

// WorkerConfig governs the job loop.
type WorkerConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	MaxJobs      int           `mapstructure:"max_jobs"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// RenderConfig configures the browser engine.
type RenderConfig struct {
	Engine            string        `mapstructure:"engine"`
	UserAgent         string        `mapstructure:"user_agent"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	DomainQPS         float64       `mapstructure:"domain_qps"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
}

// StatusConfig controls the optional health/metrics listener.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces and selects the exporter.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	GCPProjectID   string  `mapstructure:"gcp_project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	v.SetDefault("source.url", "http://localhost:3000")
	v.SetDefault("source.auth_header_name", "")
	v.SetDefault("source.auth_header_value", "")
	v.SetDefault("source.lease_timeout", "30s")
	v.SetDefault("worker.cooldown", "5s")
	v.SetDefault("worker.max_jobs", 0)
	v.SetDefault("worker.drain_timeout", "30s")
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.user_agent", "")
	v.SetDefault("render.settle_timeout", "5s")
	v.SetDefault("render.navigation_timeout", "45s")
	v.SetDefault("render.domain_qps", 0)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("status.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "crawl-worker")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.gcp_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// bindLegacyEnv keeps the plain variable names the worker has always read.
// The CRAWLER_ prefixed form wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"source.url":               "CRAWL_SERVICE_URL",
		"source.auth_header_name":  "AUTH_HEADER_NAME",
		"source.auth_header_value": "AUTH_HEADER_VALUE",
	}
	for key, legacy := range bindings {
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Source.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source.url must be an absolute URL, got %q", c.Source.URL)
	}
	if c.Source.LeaseTimeout < 0 {
		return fmt.Errorf("source.lease_timeout must be >= 0")
	}
	if c.Worker.Cooldown <= 0 {
		return fmt.Errorf("worker.cooldown must be > 0")
	}
	if c.Worker.MaxJobs < 0 {
		return fmt.Errorf("worker.max_jobs must be >= 0")
	}
	switch c.Render.Engine {
	case EngineChromedp, EnginePlaywright:
	default:
		return fmt.Errorf("render.engine must be %q or %q, got %q", EngineChromedp, EnginePlaywright, c.Render.Engine)
	}
	if c.Render.SettleTimeout <= 0 {
		return fmt.Errorf("render.settle_timeout must be > 0")
	}
	if c.Render.NavigationTimeout <= 0 {
		return fmt.Errorf("render.navigation_timeout must be > 0")
	}
	if c.Render.DomainQPS < 0 {
		return fmt.Errorf("render.domain_qps must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}
