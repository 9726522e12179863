package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/xraph/herald"
	"github.com/xraph/herald/crm"
)

// Config holds configuration for the heraldd daemon. It is loaded from
// herald.yaml (in the working directory or /etc/herald/) and HERALD_*
// environment variables, e.g. HERALD_STORE_DRIVER or HERALD_CONCURRENCY.
type Config struct {
	// Config embeds the engine configuration.
	herald.Config `json:",inline" yaml:",inline" mapstructure:",squash"`

	// Addr is the listen address for the admin API and /metrics.
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// BasePath is the URL prefix for the admin API routes.
	BasePath string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`

	Store StoreConfig `json:"store" yaml:"store" mapstructure:"store"`
	Log   LogConfig   `json:"log" yaml:"log" mapstructure:"log"`

	// DisableMigrate skips schema migration at startup.
	DisableMigrate bool `json:"disable_migrate" yaml:"disable_migrate" mapstructure:"disable_migrate"`

	// RegisterCRMTypes registers the default CRM event types at startup.
	RegisterCRMTypes bool `json:"register_crm_types" yaml:"register_crm_types" mapstructure:"register_crm_types"`

	// BigDealAlerts configures the big deal watcher. None disables it.
	BigDealAlerts []AlertConfig `json:"big_deal_alerts" yaml:"big_deal_alerts" mapstructure:"big_deal_alerts"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis or mongo.
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`

	// DSN is the file path, connection string or URL for the driver.
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`

	// Database names the mongo database.
	Database string `json:"database" yaml:"database" mapstructure:"database"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"` // json or text
}

// AlertConfig is one big deal alert rule.
type AlertConfig struct {
	Name                   string  `json:"name" yaml:"name" mapstructure:"name"`
	TenantID               string  `json:"tenant_id" yaml:"tenant_id" mapstructure:"tenant_id"`
	TriggerAmount          float64 `json:"trigger_amount" yaml:"trigger_amount" mapstructure:"trigger_amount"`
	TriggerProbability     int     `json:"trigger_probability" yaml:"trigger_probability" mapstructure:"trigger_probability"`
	SenderName             string  `json:"sender_name" yaml:"sender_name" mapstructure:"sender_name"`
	SenderEmail            string  `json:"sender_email" yaml:"sender_email" mapstructure:"sender_email"`
	NotifyEmails           string  `json:"notify_emails" yaml:"notify_emails" mapstructure:"notify_emails"`
	NotifyCCEmails         string  `json:"notify_cc_emails" yaml:"notify_cc_emails" mapstructure:"notify_cc_emails"`
	NotifyBCCEmails        string  `json:"notify_bcc_emails" yaml:"notify_bcc_emails" mapstructure:"notify_bcc_emails"`
	NotifyOpportunityOwner bool    `json:"notify_opportunity_owner" yaml:"notify_opportunity_owner" mapstructure:"notify_opportunity_owner"`
}

// Rule converts the config entry into an active alert rule.
func (a AlertConfig) Rule() *crm.AlertRule {
	r := crm.NewAlertRule(a.Name, a.TriggerAmount, a.TriggerProbability)
	r.TenantID = a.TenantID
	r.SenderName = a.SenderName
	r.SenderEmail = a.SenderEmail
	r.NotifyEmails = crm.SplitEmails(a.NotifyEmails)
	r.NotifyCCEmails = crm.SplitEmails(a.NotifyCCEmails)
	r.NotifyBCCEmails = crm.SplitEmails(a.NotifyBCCEmails)
	r.NotifyOpportunityOwner = a.NotifyOpportunityOwner
	return r
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Config:           herald.DefaultConfig(),
		Addr:             ":8080",
		BasePath:         "/api",
		Store:            StoreConfig{Driver: "sqlite", DSN: "herald.db", Database: "herald"},
		Log:              LogConfig{Level: "info", Format: "json"},
		RegisterCRMTypes: true,
	}
}

// Load reads the daemon configuration. A non-empty path names the config
// file explicitly; otherwise herald.yaml is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("herald")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/herald/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("herald: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("herald: decode config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// setDefaults registers every key so environment variables bind even when
// no config file mentions them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("call_timeout", d.CallTimeout)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("base_delay", d.BaseDelay)
	v.SetDefault("max_delay", d.MaxDelay)
	v.SetDefault("redrive_floor", d.RedriveFloor)
	v.SetDefault("reclaim_after", d.ReclaimAfter)
	v.SetDefault("resync_interval", d.ResyncInterval)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("cache_ttl", d.CacheTTL)
	v.SetDefault("strict_event_types", d.StrictEventTypes)

	v.SetDefault("addr", d.Addr)
	v.SetDefault("base_path", d.BasePath)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.database", d.Store.Database)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("disable_migrate", d.DisableMigrate)
	v.SetDefault("register_crm_types", d.RegisterCRMTypes)
}

// Validate checks the fields the daemon cannot run without.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "redis", "mongo":
	default:
		return fmt.Errorf("herald: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("herald: store.dsn is required for %s", c.Store.Driver)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("herald: unknown log format %q", c.Log.Format)
	}
	return nil
}

// ToOptions converts the embedded engine Config into herald.Option values.
func (c Config) ToOptions() []herald.Option {
	var opts []herald.Option

	if c.Concurrency > 0 {
		opts = append(opts, herald.WithConcurrency(c.Concurrency))
	}
	if c.PollInterval > 0 {
		opts = append(opts, herald.WithPollInterval(c.PollInterval))
	}
	if c.BatchSize > 0 {
		opts = append(opts, herald.WithBatchSize(c.BatchSize))
	}
	if c.CallTimeout > 0 {
		opts = append(opts, herald.WithCallTimeout(c.CallTimeout))
	}
	if c.MaxAttempts > 0 || c.BaseDelay > 0 || c.MaxDelay > 0 {
		opts = append(opts, herald.WithRetryPolicy(c.Policy()))
	}
	if c.RedriveFloor > 0 {
		opts = append(opts, herald.WithRedriveFloor(c.RedriveFloor))
	}
	if c.ReclaimAfter > 0 {
		opts = append(opts, herald.WithReclaimAfter(c.ReclaimAfter))
	}
	if c.ResyncInterval > 0 {
		opts = append(opts, herald.WithResyncInterval(c.ResyncInterval))
	}
	if c.ShutdownTimeout > 0 {
		opts = append(opts, herald.WithShutdownTimeout(c.ShutdownTimeout))
	}
	if c.CacheTTL > 0 {
		opts = append(opts, herald.WithCacheTTL(c.CacheTTL))
	}
	if c.StrictEventTypes {
		opts = append(opts, herald.WithStrictEventTypes(true))
	}

	return opts
}

// NewLogger builds the process logger from c.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
}
