// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.Server.Mode != "production" {
		t.Errorf("Expected mode 'production', got '%s'", cfg.Server.Mode)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Expected driver 'sqlite', got '%s'", cfg.Database.Driver)
	}
	if cfg.Scheduler.TaskRefreshSeconds != 60 {
		t.Errorf("Expected task_refresh_seconds 60, got %d", cfg.Scheduler.TaskRefreshSeconds)
	}
	if cfg.Monitor.Threshold != 1 {
		t.Errorf("Expected monitor threshold 1, got %d", cfg.Monitor.Threshold)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"1", true},
		{"yes", true},
		{"YES", true},
		{"true", true},
		{"enable", true},
		{"enabled", true},
		{"on", true},
		{"0", false},
		{"no", false},
		{"false", false},
		{"disable", false},
		{"disabled", false},
		{"off", false},
		{"", false},
		{"invalid", false},
		{"maybe", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseBool(tt.input)
			if result != tt.expected {
				t.Errorf("ParseBool(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"dev", "development"},
		{"DEV", "development"},
		{"development", "development"},
		{"prod", "production"},
		{"production", "production"},
		{"", "production"},
		{"invalid", "production"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := NormalizeMode(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeMode(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestGetPaths(t *testing.T) {
	customConfig := "/tmp/test-config"
	customData := "/tmp/test-data"

	paths := GetPaths(customConfig, customData)

	if paths.Config != customConfig {
		t.Errorf("Expected config path %q, got %q", customConfig, paths.Config)
	}
	if paths.Data != customData {
		t.Errorf("Expected data path %q, got %q", customData, paths.Data)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := filepath.Join(os.TempDir(), "orcha-test", "config-test")
	defer os.RemoveAll(tmpDir)

	configDir := filepath.Join(tmpDir, "config")
	dataDir := filepath.Join(tmpDir, "data")

	cfg, configPath, err := Load(configDir, dataDir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}
	if configPath == "" {
		t.Fatal("Load() returned empty config path")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Errorf("Config file not created at %s", configPath)
	}

	cfg.Server.AppName = "test-app"
	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg2, _, err := Load(configDir, dataDir)
	if err != nil {
		t.Fatalf("Load() after save error: %v", err)
	}
	if cfg2.Server.AppName != "test-app" {
		t.Errorf("Expected app_name 'test-app', got '%s'", cfg2.Server.AppName)
	}
}

func TestGetFQDN(t *testing.T) {
	os.Setenv("DOMAIN", "test.example.com")
	defer os.Unsetenv("DOMAIN")

	fqdn := GetFQDN()
	if fqdn != "test.example.com" {
		t.Errorf("Expected FQDN 'test.example.com', got '%s'", fqdn)
	}
}

func TestIsDevelopmentMode(t *testing.T) {
	cfg := Default()

	cfg.Server.Mode = "production"
	if cfg.IsDevelopmentMode() {
		t.Error("Expected production mode, got development")
	}

	cfg.Server.Mode = "development"
	if !cfg.IsDevelopmentMode() {
		t.Error("Expected development mode, got production")
	}
}

func TestSchedulerDurations(t *testing.T) {
	sc := SchedulerConfig{
		PruneRunsMaxAgeDays:    180,
		PruneLogsMaxAgeDays:    90,
		FailHistoricalAgeHours: 24,
	}
	if sc.PruneRunsMaxAge().Hours() != 180*24 {
		t.Errorf("PruneRunsMaxAge() = %v, want 4320h", sc.PruneRunsMaxAge())
	}
	if sc.PruneLogsMaxAge().Hours() != 90*24 {
		t.Errorf("PruneLogsMaxAge() = %v, want 2160h", sc.PruneLogsMaxAge())
	}
	if sc.FailHistoricalAge().Hours() != 24 {
		t.Errorf("FailHistoricalAge() = %v, want 24h", sc.FailHistoricalAge())
	}
}
