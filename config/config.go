package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	AuditCore AuditCoreConfig `yaml:"auditcore"`
}

// AuditCoreConfig is the project configuration.
type AuditCoreConfig struct {
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Broker   BrokerConfig   `yaml:"broker"`
	LLM      LLMConfig      `yaml:"llm"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Report   ReportConfig   `yaml:"report"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Rules    RulesConfig    `yaml:"rules"`
	Sinks    SinksConfig    `yaml:"sinks"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig selects the audit log backend by URL scheme:
// memory://, sqlite://path, badger://dir or postgres://...
type StoreConfig struct {
	URL   string      `yaml:"url"`
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds append retries.
type RetryConfig struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// CacheConfig controls the Redis primary cache tier. An empty host runs the
// cache on process memory only.
type CacheConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	KeyPrefix        string        `yaml:"key_prefix"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Addr returns host:port, or "" when no host is configured.
func (c CacheConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Broker modes.
const (
	BrokerNone  = "none"
	BrokerRedis = "redis"
	BrokerKafka = "kafka"
)

// BrokerConfig controls the event broker.
type BrokerConfig struct {
	Mode             string        `yaml:"mode"`
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	KeyPrefix        string        `yaml:"key_prefix"`
	BlockTimeout     time.Duration `yaml:"block_timeout"`
	TopicPrefix      string        `yaml:"topic_prefix"`
	ConsumerGroup    string        `yaml:"consumer_group"`
	ClientID         string        `yaml:"client_id"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Brokers splits a comma separated Kafka seed list.
func (c BrokerConfig) Brokers() []string {
	var out []string
	for _, part := range strings.Split(c.Addr, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LLMConfig controls the narrative collaborator. An empty endpoint always
// uses the template narrative.
type LLMConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Model            string        `yaml:"model"`
	Timeout          time.Duration `yaml:"timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// AnomalyConfig controls the rate anomaly detector.
type AnomalyConfig struct {
	Window             time.Duration `yaml:"window"`
	Slide              time.Duration `yaml:"slide"`
	Threshold          float64       `yaml:"threshold"`
	MinSupport         int           `yaml:"min_support"`
	MinBaselineWindows int           `yaml:"min_baseline_windows"`
	Alpha              float64       `yaml:"alpha"`
	Epsilon            float64       `yaml:"epsilon"`
	CooldownWindows    *int          `yaml:"cooldown_windows"`
	Scopes             []string      `yaml:"scopes"`
	MaxRelated         int           `yaml:"max_related"`
	WarmPeriod         time.Duration `yaml:"warm_period"`
}

// MetricsConfig controls windowed compliance metrics.
type MetricsConfig struct {
	Window        time.Duration `yaml:"window"`
	Grace         time.Duration `yaml:"grace"`
	SummaryPeriod time.Duration `yaml:"summary_period"`
	Retention     time.Duration `yaml:"retention"`
	Mirror        MirrorConfig  `yaml:"mirror"`
}

// MirrorConfig controls the Redis real-time counter mirror.
type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ReportConfig controls report generation.
type ReportConfig struct {
	DefaultRange time.Duration `yaml:"default_range"`
}

// PipelineConfig controls broker consumption and sink batching.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RulesConfig controls Sigma flag rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SinksConfig controls external exports.
type SinksConfig struct {
	Records    RecordSinkConfig `yaml:"records"`
	Alerts     AlertSinkConfig  `yaml:"alerts"`
	DeadLetter FileOutputConfig `yaml:"dead_letter"`
}

// RecordSinkConfig exports persisted records.
type RecordSinkConfig struct {
	Mode       string                 `yaml:"mode"` // none|file|clickhouse
	File       FileOutputConfig       `yaml:"file"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// AlertSinkConfig exports anomaly alerts.
type AlertSinkConfig struct {
	Mode string           `yaml:"mode"` // none|file|http
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// APIConfig controls the HTTP query API.
type APIConfig struct {
	Addr               string        `yaml:"addr"`
	MaxMonitorDuration time.Duration `yaml:"max_monitor_duration"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
	Format  string `yaml:"format"`
}

// ConfigurationError reports missing or invalid settings. It is only ever
// fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads path (skipped when empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		} else {
			cfg = loaded
		}
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	c := &cfg.AuditCore
	if v := getenv("AUDITCORE_DATABASE_URL"); v != "" {
		c.Store.URL = v
	} else if v := getenv("DATABASE_URL"); v != "" && c.Store.URL == "" {
		c.Store.URL = v
	}
	if v := getenv("AUDITCORE_REDIS_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			host, port = v, ""
		}
		c.Cache.Host = host
		if p, err := strconv.Atoi(port); err == nil {
			c.Cache.Port = p
		}
	}
	if v := getenv("AUDITCORE_BROKER_ADDR"); v != "" {
		c.Broker.Addr = v
	}
	if v := getenv("AUDITCORE_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
}

// ApplyDefaults fills every unset option.
func ApplyDefaults(cfg *Config) {
	c := &cfg.AuditCore

	if c.Store.Retry.Attempts <= 0 {
		c.Store.Retry.Attempts = 5
	}
	if c.Store.Retry.InitialInterval <= 0 {
		c.Store.Retry.InitialInterval = 100 * time.Millisecond
	}
	if c.Store.Retry.MaxInterval <= 0 {
		c.Store.Retry.MaxInterval = 2 * time.Second
	}

	if c.Cache.Host != "" && c.Cache.Port == 0 {
		c.Cache.Port = 6379
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "auditcore:cache"
	}
	if c.Cache.Timeout <= 0 {
		c.Cache.Timeout = 200 * time.Millisecond
	}
	if c.Cache.FailureThreshold <= 0 {
		c.Cache.FailureThreshold = 3
	}
	if c.Cache.Cooldown <= 0 {
		c.Cache.Cooldown = 10 * time.Second
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}

	c.Broker.Mode = strings.ToLower(strings.TrimSpace(c.Broker.Mode))
	if c.Broker.Mode == "" {
		c.Broker.Mode = BrokerNone
		if c.Broker.Addr != "" {
			c.Broker.Mode = BrokerRedis
		}
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = "auditcore"
	}
	if c.Broker.KeyPrefix == "" {
		c.Broker.KeyPrefix = "auditcore:queue"
	}
	if c.Broker.BlockTimeout <= 0 {
		c.Broker.BlockTimeout = 5 * time.Second
	}
	if c.Broker.ConsumerGroup == "" {
		c.Broker.ConsumerGroup = "auditcore"
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "auditcore"
	}
	if c.Broker.PublishTimeout <= 0 {
		c.Broker.PublishTimeout = 2 * time.Second
	}
	if c.Broker.FailureThreshold <= 0 {
		c.Broker.FailureThreshold = 3
	}
	if c.Broker.Cooldown <= 0 {
		c.Broker.Cooldown = 10 * time.Second
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "llama3"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.LLM.CacheTTL <= 0 {
		c.LLM.CacheTTL = time.Hour
	}
	if c.LLM.FailureThreshold <= 0 {
		c.LLM.FailureThreshold = 2
	}
	if c.LLM.Cooldown <= 0 {
		c.LLM.Cooldown = time.Minute
	}

	if c.Anomaly.Window <= 0 {
		c.Anomaly.Window = 5 * time.Minute
	}
	if c.Anomaly.Slide <= 0 {
		c.Anomaly.Slide = c.Anomaly.Window
	}
	if c.Anomaly.Threshold <= 0 {
		c.Anomaly.Threshold = 3
	}
	if c.Anomaly.MinSupport <= 0 {
		c.Anomaly.MinSupport = 10
	}
	if c.Anomaly.MinBaselineWindows <= 0 {
		c.Anomaly.MinBaselineWindows = 3
	}
	if c.Anomaly.Alpha <= 0 {
		c.Anomaly.Alpha = 0.3
	}
	if c.Anomaly.Epsilon <= 0 {
		c.Anomaly.Epsilon = 1
	}
	if c.Anomaly.CooldownWindows == nil {
		one := 1
		c.Anomaly.CooldownWindows = &one
	}
	if len(c.Anomaly.Scopes) == 0 {
		c.Anomaly.Scopes = []string{"customer", "global"}
	}
	if c.Anomaly.MaxRelated <= 0 {
		c.Anomaly.MaxRelated = 50
	}
	if c.Anomaly.WarmPeriod <= 0 {
		c.Anomaly.WarmPeriod = time.Hour
	}

	if c.Metrics.Window <= 0 {
		c.Metrics.Window = 5 * time.Minute
	}
	if c.Metrics.Grace <= 0 {
		c.Metrics.Grace = 30 * time.Second
	}
	if c.Metrics.SummaryPeriod <= 0 {
		c.Metrics.SummaryPeriod = 24 * time.Hour
	}
	if c.Metrics.Mirror.KeyPrefix == "" {
		c.Metrics.Mirror.KeyPrefix = "auditcore"
	}
	if c.Metrics.Mirror.Enabled && c.Metrics.Mirror.Addr == "" {
		c.Metrics.Mirror.Addr = c.Cache.Addr()
	}

	if c.Report.DefaultRange <= 0 {
		c.Report.DefaultRange = 24 * time.Hour
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 8
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 500
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 2 * time.Second
	}

	if c.Sinks.Records.Mode == "" {
		c.Sinks.Records.Mode = "none"
	}
	if c.Sinks.Records.File.Path == "" {
		c.Sinks.Records.File.Path = "output/records.jsonl"
	}
	if c.Sinks.Records.ClickHouse.Database == "" {
		c.Sinks.Records.ClickHouse.Database = "auditcore"
	}
	if c.Sinks.Records.ClickHouse.Table == "" {
		c.Sinks.Records.ClickHouse.Table = "audit_records"
	}
	if c.Sinks.Alerts.Mode == "" {
		c.Sinks.Alerts.Mode = "file"
	}
	if c.Sinks.Alerts.File.Path == "" {
		c.Sinks.Alerts.File.Path = "output/alerts.jsonl"
	}
	if c.Sinks.DeadLetter.Path == "" {
		c.Sinks.DeadLetter.Path = "output/dead_letter.jsonl"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.MaxMonitorDuration <= 0 {
		c.API.MaxMonitorDuration = 5 * time.Minute
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.ShutdownTimeout <= 0 {
		c.API.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration after defaults were applied.
func Validate(cfg *Config) error {
	c := &cfg.AuditCore

	if strings.TrimSpace(c.Store.URL) == "" {
		return invalid("store.url", "a store connection string is required (or set AUDITCORE_DATABASE_URL)")
	}

	switch c.Broker.Mode {
	case BrokerNone:
	case BrokerRedis, BrokerKafka:
		if len(c.Broker.Brokers()) == 0 {
			return invalid("broker.addr", "required for broker mode %q", c.Broker.Mode)
		}
	default:
		return invalid("broker.mode", "unknown mode %q (none|redis|kafka)", c.Broker.Mode)
	}

	if c.Cache.Port < 0 || c.Cache.Port > 65535 {
		return invalid("cache.port", "out of range: %d", c.Cache.Port)
	}

	if c.Anomaly.Alpha > 1 {
		return invalid("anomaly.alpha", "must be within (0, 1], got %g", c.Anomaly.Alpha)
	}
	if c.Anomaly.Slide > c.Anomaly.Window {
		return invalid("anomaly.slide", "must not exceed anomaly.window")
	}
	for _, s := range c.Anomaly.Scopes {
		if s != "customer" && s != "global" {
			return invalid("anomaly.scopes", "unknown scope %q", s)
		}
	}
	if c.Anomaly.CooldownWindows != nil && *c.Anomaly.CooldownWindows < 0 {
		return invalid("anomaly.cooldown_windows", "must not be negative")
	}

	if c.Metrics.Retention > 0 && c.Metrics.Retention < c.Metrics.SummaryPeriod {
		return invalid("metrics.retention", "must cover metrics.summary_period")
	}
	if c.Metrics.Mirror.Enabled && c.Metrics.Mirror.Addr == "" {
		return invalid("metrics.mirror.addr", "required when the counter mirror is enabled")
	}

	if c.Rules.Enabled && strings.TrimSpace(c.Rules.Path) == "" {
		return invalid("rules.path", "required when rules are enabled")
	}

	switch c.Sinks.Records.Mode {
	case "none", "file":
	case "clickhouse":
		if c.Sinks.Records.ClickHouse.URL == "" {
			return invalid("sinks.records.clickhouse.url", "required for clickhouse mode")
		}
	default:
		return invalid("sinks.records.mode", "unknown mode %q (none|file|clickhouse)", c.Sinks.Records.Mode)
	}
	switch c.Sinks.Alerts.Mode {
	case "none", "file":
	case "http":
		if c.Sinks.Alerts.HTTP.URL == "" {
			return invalid("sinks.alerts.http.url", "required for http mode")
		}
	default:
		return invalid("sinks.alerts.mode", "unknown mode %q (none|file|http)", c.Sinks.Alerts.Mode)
	}

	return nil
}
