package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from an optional YAML file overlaid with
// environment variables. Env vars win. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			log.WithField("path", path).Info("configuration loaded")
		case os.IsNotExist(err):
			log.WithField("path", path).Debug("config file absent, using env and defaults")
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.mergeEnvVars()
	return cfg, nil
}

func (c *Config) mergeEnvVars() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SUPABASE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SUPABASE_SECRET_KEY"); v != "" {
		c.Database.SecretKey = v
	}
	if v := os.Getenv("CLIPROXY_URL"); v != "" {
		c.Proxy.BaseURL = v
	}
	if v := os.Getenv("CLIPROXY_MANAGEMENT_KEY"); v != "" {
		c.Proxy.ManagementKey = v
	}
	if v := os.Getenv("COLLECTOR_INTERVAL_SECONDS"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Collector.IntervalSeconds = n
		}
	}
	if v := os.Getenv("COLLECTOR_TRIGGER_PORT"); v != "" {
		if _, err := parsePort(v); err == nil {
			c.Server.TriggerPort = v
		}
	}
	if v := os.Getenv("COLLECTOR_TRIGGER_RPS"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Server.TriggerRPS = n
		}
	}
	if v := os.Getenv("COLLECTOR_TRIGGER_BURST"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Server.TriggerBurst = n
		}
	}
	if v := os.Getenv("TIMEZONE_OFFSET_HOURS"); v != "" {
		if n, err := parseInt(v); err == nil {
			c.Collector.TimezoneOffsetHours = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TIMEZONE")); v != "" {
		c.Collector.Timezone = v
	}
	if v := os.Getenv("DEBUG"); v == "true" || v == "1" {
		c.Server.Debug = true
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Server.LogFile = v
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port out of range: %d", n)
	}
	return n, nil
}
