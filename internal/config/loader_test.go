package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	loader := NewLoader("SCOREGATE")
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen.Port != 8080 {
		t.Fatalf("port = %d", cfg.Server.Listen.Port)
	}
	if cfg.Limits.MaxMessageLength != 2000 || cfg.Limits.RatePerMinute != 60 {
		t.Fatalf("unexpected limits: %#v", cfg.Limits)
	}
	if cfg.Limits.InjectionRiskThreshold != 0.5 {
		t.Fatalf("threshold = %v", cfg.Limits.InjectionRiskThreshold)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.TTLSeconds != 300 {
		t.Fatalf("unexpected cache config: %#v", cfg.Cache)
	}
	if cfg.Upstream.Retry.MaxAttempts != 2 || cfg.Upstream.Retry.BackoffMillis != 250 {
		t.Fatalf("unexpected retry config: %#v", cfg.Upstream.Retry)
	}
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "server.yaml")
	contents := `
server:
  listen:
    port: 9090
  logging:
    level: debug
limits:
  ratePerMinute: 10
upstream:
  teamId: team-42
  apiToken: secret
`
	if err := os.WriteFile(cfgFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader("SCOREGATE", cfgFile)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Listen.Port)
	}
	if cfg.Server.Logging.Level != "debug" {
		t.Fatalf("level = %s", cfg.Server.Logging.Level)
	}
	if cfg.Limits.RatePerMinute != 10 {
		t.Fatalf("ratePerMinute = %d", cfg.Limits.RatePerMinute)
	}
	if cfg.Upstream.TeamID != "team-42" || cfg.Upstream.APIToken != "secret" {
		t.Fatalf("upstream creds not loaded: %#v", cfg.Upstream)
	}
	// File overrides leave untouched defaults alone.
	if cfg.Limits.MaxMessageLength != 2000 {
		t.Fatalf("maxMessageLength = %d", cfg.Limits.MaxMessageLength)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(cfgFile, []byte("limits:\n  ratePerMinute: 10\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SCOREGATE_LIMITS__RATEPERMINUTE", "25")
	t.Setenv("SCOREGATE_UPSTREAM__TEAMID", "env-team")
	t.Setenv("SCOREGATE_CACHE__KEYSALT", "env-salt")

	loader := NewLoader("SCOREGATE", cfgFile)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.RatePerMinute != 25 {
		t.Fatalf("env override lost: ratePerMinute = %d", cfg.Limits.RatePerMinute)
	}
	if cfg.Upstream.TeamID != "env-team" {
		t.Fatalf("teamId = %s", cfg.Upstream.TeamID)
	}
	if cfg.Cache.KeySalt != "env-salt" {
		t.Fatalf("keySalt = %s", cfg.Cache.KeySalt)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	loader := NewLoader("SCOREGATE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidSnapshot(t *testing.T) {
	t.Setenv("SCOREGATE_LIMITS__RATEPERMINUTE", "0")
	loader := NewLoader("SCOREGATE")
	_, err := loader.Load(context.Background())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "limits.ratePerMinute") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadResolvesDetectionRules(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	rules := `
rules:
  - id: base64_blob
    description: long base64 payloads
    pattern: "[A-Za-z0-9+/]{80,}={0,2}"
    weight: 0.6
`
	if err := os.WriteFile(rulesFile, []byte(rules), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	t.Setenv("SCOREGATE_DETECTION__RULESFILE", rulesFile)
	loader := NewLoader("SCOREGATE")
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.DetectionRules) != 1 || cfg.DetectionRules[0].ID != "base64_blob" {
		t.Fatalf("unexpected rules: %#v", cfg.DetectionRules)
	}
	if len(cfg.RuleSources) != 1 || cfg.RuleSources[0] != rulesFile {
		t.Fatalf("unexpected sources: %v", cfg.RuleSources)
	}
}
