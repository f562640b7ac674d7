package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.TriggerPort != "5001" {
		t.Errorf("TriggerPort = %q, want 5001", cfg.Server.TriggerPort)
	}
	if cfg.Proxy.BaseURL != "http://localhost:8317" {
		t.Errorf("BaseURL = %q", cfg.Proxy.BaseURL)
	}
	if got := cfg.Interval(); got != 300*time.Second {
		t.Errorf("Interval = %v, want 5m", got)
	}
	if cfg.Collector.TimezoneOffsetHours != 7 {
		t.Errorf("TimezoneOffsetHours = %d, want 7", cfg.Collector.TimezoneOffsetHours)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := writeConfig(t, `
server:
  trigger_port: "6000"
proxy:
  base_url: http://file:8317
collector:
  interval_seconds: 120
`)
	t.Setenv("CLIPROXY_URL", "http://env:8317")
	t.Setenv("COLLECTOR_INTERVAL_SECONDS", "60")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.BaseURL != "http://env:8317" {
		t.Errorf("env must win over file, got %q", cfg.Proxy.BaseURL)
	}
	if cfg.Interval() != time.Minute {
		t.Errorf("Interval = %v, want 1m", cfg.Interval())
	}
	if cfg.Server.TriggerPort != "6000" {
		t.Errorf("TriggerPort = %q, want file value 6000", cfg.Server.TriggerPort)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadIgnoresInvalidEnvPort(t *testing.T) {
	t.Setenv("COLLECTOR_TRIGGER_PORT", "99999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.TriggerPort != "5001" {
		t.Errorf("out-of-range port must be ignored, got %q", cfg.Server.TriggerPort)
	}
}

func TestDatabaseDSN(t *testing.T) {
	tests := []struct {
		name    string
		db      DatabaseConfig
		want    string
		wantErr bool
	}{
		{
			name: "explicit dsn wins",
			db: DatabaseConfig{
				DSN: "postgres://u:p@db:5432/app",
				URL: "postgres://other@db:5432/app",
			},
			want: "postgres://u:p@db:5432/app",
		},
		{
			name: "postgres url used as dsn",
			db:   DatabaseConfig{URL: "postgresql://u:p@db:5432/app"},
			want: "postgresql://u:p@db:5432/app",
		},
		{
			name:    "http url rejected",
			db:      DatabaseConfig{URL: "https://project.supabase.co"},
			wantErr: true,
		},
		{
			name: "secret key injected when password absent",
			db: DatabaseConfig{
				DSN:       "postgres://postgres@db:5432/app?sslmode=require",
				SecretKey: "s3cret",
			},
			want: "postgres://postgres:s3cret@db:5432/app?sslmode=require",
		},
		{
			name: "existing password kept",
			db: DatabaseConfig{
				DSN:       "postgres://postgres:orig@db:5432/app",
				SecretKey: "s3cret",
			},
			want: "postgres://postgres:orig@db:5432/app",
		},
		{
			name:    "nothing configured",
			db:      DatabaseConfig{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Database: tt.db}
			got, err := cfg.DatabaseDSN()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DatabaseDSN: %v", err)
			}
			if got != tt.want {
				t.Errorf("DatabaseDSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocationPrecedence(t *testing.T) {
	cfg := defaultConfig()
	cfg.Collector.TimezoneOffsetHours = 7
	cfg.Collector.Timezone = "UTC-3"

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	_, offset := time.Date(2025, 6, 1, 0, 0, 0, 0, loc).Zone()
	if offset != -3*3600 {
		t.Errorf("named timezone must win over offset, got %d", offset)
	}

	cfg.Collector.Timezone = ""
	loc, err = cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	_, offset = time.Date(2025, 6, 1, 0, 0, 0, 0, loc).Zone()
	if offset != 7*3600 {
		t.Errorf("offset fallback = %d, want +7h", offset)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.DSN = "postgres://u:p@db:5432/app"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Proxy.BaseURL = " "
	if err := cfg.Validate(); err == nil {
		t.Error("empty proxy base URL must fail validation")
	}

	cfg = defaultConfig()
	cfg.Database.DSN = "postgres://u:p@db:5432/app"
	cfg.Collector.Timezone = "Bogus/Zone"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid timezone must fail validation")
	}
}
