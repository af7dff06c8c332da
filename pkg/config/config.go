package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hutchhq/hutch/pkg/log"
)

// Config is the full control-plane configuration. Values come from the
// YAML file, then HUTCH_* environment overrides, then defaults.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Bot      BotConfig      `yaml:"bot"`
	Pool     PoolConfig     `yaml:"pool"`
	Worker   WorkerConfig   `yaml:"worker"`
	Enforcer EnforcerConfig `yaml:"enforcer"`
	Election ElectionConfig `yaml:"election"`
	API      APIConfig      `yaml:"api"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
	// ControlSchema holds the control-plane tables (tenants, payments,
	// audit_log).
	ControlSchema string `yaml:"control_schema"`
	// CommandTimeout bounds every statement the control plane issues.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AuditRetentionDays of 0 keeps audit rows forever.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces the control plane's own keys (queue, results,
	// dedupe) in the shared cache.
	KeyPrefix string `yaml:"key_prefix"`
	// MaxPartitions is the tenant ordinal ceiling. 0 selects key-prefix
	// isolation with no ceiling.
	MaxPartitions int `yaml:"max_partitions"`
}

func (c CacheConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// PrefixMode reports whether tenants isolate by key prefix rather than by
// a numbered cache partition.
func (c CacheConfig) PrefixMode() bool { return c.MaxPartitions <= 0 }

type RuntimeConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	// LogDir receives one log file per managed container; the health wait
	// scans these for readiness markers.
	LogDir string `yaml:"log_dir"`
}

// BotConfig describes the tenant bot image and the domain defaults passed
// to every bot container.
type BotConfig struct {
	Image            string        `yaml:"image"`
	Timezone         string        `yaml:"timezone"`
	WorkingHoursFrom string        `yaml:"working_hours_from"`
	WorkingHoursTo   string        `yaml:"working_hours_to"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	StopGrace        time.Duration `yaml:"stop_grace"`
}

type PoolConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MinFree    int           `yaml:"min_free"`
	MaxTotal   int           `yaml:"max_total"`
	ScaleBatch int           `yaml:"scale_batch"`
	Interval   time.Duration `yaml:"interval"`
	// ActivationTTL bounds how long an activation record waits for its
	// bot before the claim is reverted.
	ActivationTTL time.Duration `yaml:"activation_ttl"`
	ClaimWait     time.Duration `yaml:"claim_wait"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	PopWait     time.Duration `yaml:"pop_wait"`
	MaxAttempts int           `yaml:"max_attempts"`
	ResultTTL   time.Duration `yaml:"result_ttl"`
	JournalPath string        `yaml:"journal_path"`
}

type EnforcerConfig struct {
	Interval      time.Duration `yaml:"interval"`
	WarningWindow time.Duration `yaml:"warning_window"`
}

type ElectionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
	// Bootstrap starts a fresh single-node cluster; the standby joins via
	// the admin API.
	Bootstrap bool `yaml:"bootstrap"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type NotifyConfig struct {
	// TelegramToken is the platform's notification bot token. Empty
	// disables outbound notifications.
	TelegramToken string `yaml:"telegram_token"`
}

// Load reads the optional YAML file at path, applies environment
// overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HUTCH_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("HUTCH_CACHE_HOST"); v != "" {
		c.Cache.Host = v
	}
	if v := os.Getenv("HUTCH_CACHE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Cache.Port = p
		}
	}
	if v := os.Getenv("HUTCH_CACHE_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("HUTCH_RUNTIME_SOCKET"); v != "" {
		c.Runtime.Socket = v
	}
	if v := os.Getenv("HUTCH_BOT_IMAGE"); v != "" {
		c.Bot.Image = v
	}
	if v := os.Getenv("HUTCH_TELEGRAM_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
	if v := os.Getenv("HUTCH_LOG_LEVEL"); v != "" {
		c.Log.Level = log.Level(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
	if c.Database.ControlSchema == "" {
		c.Database.ControlSchema = "master_bot"
	}
	if c.Database.CommandTimeout == 0 {
		c.Database.CommandTimeout = 60 * time.Second
	}
	if c.Cache.Host == "" {
		c.Cache.Host = "127.0.0.1"
	}
	if c.Cache.Port == 0 {
		c.Cache.Port = 6379
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "hutch"
	}
	if c.Runtime.Socket == "" {
		c.Runtime.Socket = "/run/containerd/containerd.sock"
	}
	if c.Runtime.Namespace == "" {
		c.Runtime.Namespace = "hutch"
	}
	if c.Runtime.LogDir == "" {
		c.Runtime.LogDir = "/var/log/hutch/containers"
	}
	if c.Bot.Timezone == "" {
		c.Bot.Timezone = "UTC"
	}
	if c.Bot.WorkingHoursFrom == "" {
		c.Bot.WorkingHoursFrom = "09:00"
	}
	if c.Bot.WorkingHoursTo == "" {
		c.Bot.WorkingHoursTo = "20:00"
	}
	if c.Bot.HealthTimeout == 0 {
		c.Bot.HealthTimeout = 30 * time.Second
	}
	if c.Bot.StopGrace == 0 {
		c.Bot.StopGrace = 5 * time.Second
	}
	if c.Pool.MinFree == 0 {
		c.Pool.MinFree = 2
	}
	if c.Pool.MaxTotal == 0 {
		c.Pool.MaxTotal = 10
	}
	if c.Pool.ScaleBatch == 0 {
		c.Pool.ScaleBatch = 2
	}
	if c.Pool.Interval == 0 {
		c.Pool.Interval = 30 * time.Second
	}
	if c.Pool.ActivationTTL == 0 {
		c.Pool.ActivationTTL = 300 * time.Second
	}
	if c.Pool.ClaimWait == 0 {
		c.Pool.ClaimWait = 10 * time.Second
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.PopWait == 0 {
		c.Worker.PopWait = 5 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.ResultTTL == 0 {
		c.Worker.ResultTTL = 24 * time.Hour
	}
	if c.Worker.JournalPath == "" {
		c.Worker.JournalPath = "/var/lib/hutch/jobs.db"
	}
	if c.Enforcer.Interval == 0 {
		c.Enforcer.Interval = time.Hour
	}
	if c.Enforcer.WarningWindow == 0 {
		c.Enforcer.WarningWindow = 72 * time.Hour
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Election.DataDir == "" {
		c.Election.DataDir = "/var/lib/hutch/election"
	}
	if c.Election.BindAddr == "" {
		c.Election.BindAddr = "127.0.0.1:7946"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Bot.Image == "" {
		return fmt.Errorf("bot.image is required")
	}
	if c.Cache.MaxPartitions < 0 {
		return fmt.Errorf("cache.max_partitions must be >= 0")
	}
	if c.Pool.MinFree > c.Pool.MaxTotal {
		return fmt.Errorf("pool.min_free (%d) exceeds pool.max_total (%d)", c.Pool.MinFree, c.Pool.MaxTotal)
	}
	if c.Election.Enabled && c.Election.NodeID == "" {
		return fmt.Errorf("election.node_id is required when election is enabled")
	}
	return nil
}
