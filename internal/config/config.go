// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvDBPassword   = "SWITCHYARD_DB_PASSWORD"
	EnvGatewayToken = "SWITCHYARD_GATEWAY_TOKEN"
	EnvServerToken  = "SWITCHYARD_SERVER_TOKEN"
	EnvRedisPass    = "SWITCHYARD_REDIS_PASSWORD"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Redis      RedisConfig      `yaml:"redis"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Session    SessionConfig    `yaml:"session"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Engine     EngineConfig     `yaml:"engine"`
	Content    ContentConfig    `yaml:"content"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

// DatabaseConfig selects the SQL backend. Driver "mysql" uses Host/Port/Name;
// driver "sqlite" uses Path.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"` // shared secret expected in X-Switchyard-Token
}

// GatewayConfig selects the outbound gateway client.
type GatewayConfig struct {
	Kind    string        `yaml:"kind"` // "http" or "console"
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig enables distributed per-conversation locking when Host is set.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// ComplianceConfig holds the opt-in/opt-out keywords and fixed replies.
type ComplianceConfig struct {
	StopKeywords       []string `yaml:"stop_keywords"`
	StartKeywords      []string `yaml:"start_keywords"`
	HelpKeywords       []string `yaml:"help_keywords"`
	OptOutConfirmation string   `yaml:"opt_out_confirmation"`
	OptedOutNotice     string   `yaml:"opted_out_notice"`
	HelpText           string   `yaml:"help_text"`
	DefaultLocale      string   `yaml:"default_locale"`
}

// SessionConfig controls session lifetime and retry limits.
type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxRetries  int           `yaml:"max_retries"`
	SweepCron   string        `yaml:"sweep_cron"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// DispatchConfig controls outbound rendering and retry.
type DispatchConfig struct {
	Attempts       int           `yaml:"attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	SMSLimit       int           `yaml:"sms_limit"`
	SMSMaxSegments int           `yaml:"sms_max_segments"`
	USSDLimit      int           `yaml:"ussd_limit"`
}

// EngineConfig holds per-request limits and generic replies.
type EngineConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FallbackMessage  string        `yaml:"fallback_message"`
	ErrorExitMessage string        `yaml:"error_exit_message"`
}

// ContentConfig names the session variables used for content targeting and
// the reference returned when no rule matches.
type ContentConfig struct {
	GradeVar    string `yaml:"grade_var"`
	SubjectVar  string `yaml:"subject_var"`
	LanguageVar string `yaml:"language_var"`
	DefaultKind string `yaml:"default_kind"`
	DefaultID   string `yaml:"default_id"`
}

// CatalogConfig controls how often the read-mostly tables are reloaded.
type CatalogConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config, if present, is loaded into the process
// environment first; environment values then override secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are not applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated config for a local sqlite database and the
// console gateway.
func Default() *Config {
	cfg := Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "switchyard.db"},
		Gateway:  GatewayConfig{Kind: "console"},
	}
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv(EnvServerToken); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv(EnvRedisPass); v != "" {
		c.Redis.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Gateway.Kind == "" {
		c.Gateway.Kind = "http"
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 5 * time.Second
	}
	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	cc := &c.Compliance
	if len(cc.StopKeywords) == 0 {
		cc.StopKeywords = []string{"STOP", "UNSUBSCRIBE", "CANCEL"}
	}
	if len(cc.StartKeywords) == 0 {
		cc.StartKeywords = []string{"START"}
	}
	if len(cc.HelpKeywords) == 0 {
		cc.HelpKeywords = []string{"HELP", "INFO"}
	}
	if cc.OptOutConfirmation == "" {
		cc.OptOutConfirmation = "You have been unsubscribed and will receive no more messages. Text START to resume."
	}
	if cc.OptedOutNotice == "" {
		cc.OptedOutNotice = "You are opted out. Text START to resume."
	}
	if cc.HelpText == "" {
		cc.HelpText = "Text START to begin a lesson, STOP to unsubscribe."
	}
	if cc.DefaultLocale == "" {
		cc.DefaultLocale = "en"
	}

	if c.Session.TTL == 0 {
		c.Session.TTL = 15 * time.Minute
	}
	if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = 3
	}
	if c.Session.SweepCron == "" {
		c.Session.SweepCron = "* * * * *"
	}
	if c.Session.LockTimeout == 0 {
		c.Session.LockTimeout = 5 * time.Second
	}

	d := &c.Dispatch
	if d.Attempts == 0 {
		d.Attempts = 3
	}
	if d.BaseBackoff == 0 {
		d.BaseBackoff = 2 * time.Second
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = 30 * time.Second
	}
	if d.SMSLimit == 0 {
		d.SMSLimit = 160
	}
	if d.SMSMaxSegments == 0 {
		d.SMSMaxSegments = 4
	}
	if d.USSDLimit == 0 {
		d.USSDLimit = 182
	}

	if c.Engine.RequestTimeout == 0 {
		c.Engine.RequestTimeout = 10 * time.Second
	}
	if c.Engine.FallbackMessage == "" {
		c.Engine.FallbackMessage = "Sorry, something went wrong. Please try again later."
	}
	if c.Engine.ErrorExitMessage == "" {
		c.Engine.ErrorExitMessage = "We could not understand your reply. Please text HELP for assistance."
	}

	if c.Content.GradeVar == "" {
		c.Content.GradeVar = "grade"
	}
	if c.Content.SubjectVar == "" {
		c.Content.SubjectVar = "subject"
	}
	if c.Content.LanguageVar == "" {
		c.Content.LanguageVar = "language"
	}
	if c.Content.DefaultKind == "" {
		c.Content.DefaultKind = "lesson"
	}

	if c.Catalog.RefreshInterval == 0 {
		c.Catalog.RefreshInterval = 5 * time.Second
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}

	switch c.Gateway.Kind {
	case "http":
		if c.Gateway.URL == "" {
			errs = append(errs, "gateway.url is required for the http gateway")
		}
	case "console":
	default:
		errs = append(errs, fmt.Sprintf("gateway.kind %q is not supported (http, console)", c.Gateway.Kind))
	}

	cc := c.Compliance
	for _, kw := range cc.StartKeywords {
		if containsFold(cc.StopKeywords, kw) {
			errs = append(errs, fmt.Sprintf("compliance: %q is both a start and a stop keyword", kw))
		}
	}
	for _, kw := range cc.HelpKeywords {
		if containsFold(cc.StopKeywords, kw) || containsFold(cc.StartKeywords, kw) {
			errs = append(errs, fmt.Sprintf("compliance: help keyword %q overlaps start/stop keywords", kw))
		}
	}

	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Session.MaxRetries < 0 {
		errs = append(errs, "session.max_retries must not be negative")
	}
	if _, err := cron.ParseStandard(c.Session.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("session.sweep_cron: %v", err))
	}

	if c.Dispatch.Attempts < 1 {
		errs = append(errs, "dispatch.attempts must be at least 1")
	}
	if c.Dispatch.SMSLimit < 20 {
		errs = append(errs, "dispatch.sms_limit must be at least 20")
	}

	switch c.Content.DefaultKind {
	case "book", "lesson", "practice_pack":
	default:
		errs = append(errs, fmt.Sprintf("content.default_kind %q is not supported (book, lesson, practice_pack)", c.Content.DefaultKind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool {
		return strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(s))
	})
}
