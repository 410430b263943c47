package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"
	"github.com/ifuryst/postflow/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Publisher PublisherConfig `yaml:"publisher"`
	Renderer  RendererConfig  `yaml:"renderer"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	// Type is one of postgres, sqlite or memory.
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Enabled              *bool  `yaml:"enabled"`
	TickInterval         string `yaml:"tick_interval"`
	Workers              int    `yaml:"workers"`
	DefaultUpcomingHours int    `yaml:"default_upcoming_hours"`
	RenderRetryDelay     string `yaml:"render_retry_delay"`
	CoalesceMissed       *bool  `yaml:"coalesce_missed"`
	BackoffInitial       string `yaml:"backoff_initial"`
	BackoffMax           string `yaml:"backoff_max"`
}

type PublisherConfig struct {
	BaseURL       string   `yaml:"base_url"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Timeout       string   `yaml:"timeout"`
	RateLimit     float64  `yaml:"rate_limit"`
	Burst         int      `yaml:"burst"`
	SessionTTL    string   `yaml:"session_ttl"`
	StoryEnabled  *bool    `yaml:"story_enabled"`
	Hashtags      []string `yaml:"hashtags"`
	CaptionHeader string   `yaml:"caption_header"`
}

type RendererConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills every unset field.
func (cfg *Config) SetDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/postflow.db"
	}

	s := &cfg.Scheduler
	if s.Enabled == nil {
		s.Enabled = boolPtr(true)
	}
	if s.TickInterval == "" {
		s.TickInterval = "5s"
	}
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.DefaultUpcomingHours <= 0 {
		s.DefaultUpcomingHours = 24
	}
	if s.RenderRetryDelay == "" {
		s.RenderRetryDelay = "5m"
	}
	if s.CoalesceMissed == nil {
		s.CoalesceMissed = boolPtr(true)
	}
	if s.BackoffInitial == "" {
		s.BackoffInitial = "1s"
	}
	if s.BackoffMax == "" {
		s.BackoffMax = "1m"
	}

	p := &cfg.Publisher
	if p.Timeout == "" {
		p.Timeout = "60s"
	}
	if p.RateLimit == 0 {
		p.RateLimit = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	if p.SessionTTL == "" {
		p.SessionTTL = "24h"
	}
	if p.StoryEnabled == nil {
		p.StoryEnabled = boolPtr(true)
	}

	if cfg.Renderer.Timeout == "" {
		cfg.Renderer.Timeout = "30s"
	}
}

// Validate checks the values SetDefaults cannot repair.
func (cfg *Config) Validate() error {
	switch cfg.Database.Type {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}

	durations := map[string]string{
		"scheduler.tick_interval":      cfg.Scheduler.TickInterval,
		"scheduler.render_retry_delay": cfg.Scheduler.RenderRetryDelay,
		"scheduler.backoff_initial":    cfg.Scheduler.BackoffInitial,
		"scheduler.backoff_max":        cfg.Scheduler.BackoffMax,
		"publisher.timeout":            cfg.Publisher.Timeout,
		"publisher.session_ttl":        cfg.Publisher.SessionTTL,
		"renderer.timeout":             cfg.Renderer.Timeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s %q: must be positive", key, value)
		}
	}
	return nil
}

func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s SchedulerConfig) Coalesce() bool {
	return s.CoalesceMissed == nil || *s.CoalesceMissed
}

func (s SchedulerConfig) TickDuration() time.Duration {
	return parseDuration(s.TickInterval, 5*time.Second)
}

func (s SchedulerConfig) RenderRetryDuration() time.Duration {
	return parseDuration(s.RenderRetryDelay, 5*time.Minute)
}

func (s SchedulerConfig) BackoffBounds() (time.Duration, time.Duration) {
	return parseDuration(s.BackoffInitial, time.Second), parseDuration(s.BackoffMax, time.Minute)
}

func (p PublisherConfig) IsStoryEnabled() bool {
	return p.StoryEnabled == nil || *p.StoryEnabled
}

func (p PublisherConfig) TimeoutDuration() time.Duration {
	return parseDuration(p.Timeout, 60*time.Second)
}

func (p PublisherConfig) SessionTTLDuration() time.Duration {
	return parseDuration(p.SessionTTL, 24*time.Hour)
}

func (r RendererConfig) TimeoutDuration() time.Duration {
	return parseDuration(r.Timeout, 30*time.Second)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func boolPtr(b bool) *bool {
	return &b
}
