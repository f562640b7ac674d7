package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/utils"
)

// Config is the root configuration for the collector process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Database  DatabaseConfig  `yaml:"database"`
	Collector CollectorConfig `yaml:"collector"`
}

// ServerConfig controls the trigger HTTP surface.
type ServerConfig struct {
	TriggerPort string `yaml:"trigger_port"`
	Debug       bool   `yaml:"debug"`
	LogFile     string `yaml:"log_file"`
	// Per-IP limits for the manual trigger endpoints.
	TriggerRPS   int `yaml:"trigger_rps"`
	TriggerBurst int `yaml:"trigger_burst"`
}

// ProxyConfig points at the upstream CLIProxy management API.
type ProxyConfig struct {
	BaseURL       string `yaml:"base_url"`
	ManagementKey string `yaml:"management_key"`
}

// DatabaseConfig describes the Supabase Postgres connection.
// DSN wins when set; otherwise URL is used when it is already a postgres://
// connection string, with SecretKey injected as the password when the DSN
// carries none.
type DatabaseConfig struct {
	DSN       string `yaml:"dsn"`
	URL       string `yaml:"url"`
	SecretKey string `yaml:"secret_key"`
}

// CollectorConfig controls tick cadence and the reporting timezone.
type CollectorConfig struct {
	IntervalSeconds     int    `yaml:"interval_seconds"`
	TimezoneOffsetHours int    `yaml:"timezone_offset_hours"`
	Timezone            string `yaml:"timezone"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TriggerPort:  "5001",
			TriggerRPS:   2,
			TriggerBurst: 5,
		},
		Proxy: ProxyConfig{
			BaseURL: "http://localhost:8317",
		},
		Collector: CollectorConfig{
			IntervalSeconds:     300,
			TimezoneOffsetHours: 7,
		},
	}
}

// Interval returns the tick period.
func (c *Config) Interval() time.Duration {
	secs := c.Collector.IntervalSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// Location resolves the reporting timezone. An explicit IANA/UTC± name takes
// precedence over the fixed hour offset.
func (c *Config) Location() (*time.Location, error) {
	if tz := strings.TrimSpace(c.Collector.Timezone); tz != "" {
		return utils.ParseLocation(tz)
	}
	return utils.OffsetLocation(c.Collector.TimezoneOffsetHours), nil
}

// DatabaseDSN resolves the effective Postgres DSN.
func (c *Config) DatabaseDSN() (string, error) {
	dsn := strings.TrimSpace(c.Database.DSN)
	if dsn == "" {
		u := strings.TrimSpace(c.Database.URL)
		if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
			dsn = u
		}
	}
	if dsn == "" {
		return "", fmt.Errorf("no database DSN configured (set SUPABASE_DB_DSN or a postgres:// SUPABASE_URL)")
	}
	if c.Database.SecretKey == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database DSN: %w", err)
	}
	if parsed.User != nil {
		if _, has := parsed.User.Password(); !has {
			parsed.User = url.UserPassword(parsed.User.Username(), c.Database.SecretKey)
		}
	}
	return parsed.String(), nil
}

// Validate checks the fields the collector cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Proxy.BaseURL) == "" {
		return fmt.Errorf("proxy base URL must be set")
	}
	if _, err := c.DatabaseDSN(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	return nil
}
