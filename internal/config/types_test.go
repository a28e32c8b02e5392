package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Listen.Port = 0
	cfg.Server.Logging.Level = "verbose"
	cfg.Limits.InjectionRiskThreshold = 2.0
	cfg.Cache.Backend = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, fragment := range []string{
		"server.listen.port",
		"server.logging.level",
		"limits.injectionRiskThreshold",
		"cache.backend",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error missing %q: %v", fragment, err)
		}
	}
}

func TestValidateRedisRequiresAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Backend = "redis"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "cache.redis.address") {
		t.Fatalf("expected redis address error, got %v", err)
	}

	cfg.Cache.Redis.Address = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid redis config rejected: %v", err)
	}
}

func TestValidateUpstreamBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Temperature = 1.5
	cfg.Upstream.Retry.MaxAttempts = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "upstream.temperature") || !strings.Contains(err.Error(), "upstream.retry.maxAttempts") {
		t.Fatalf("unexpected error: %v", err)
	}
}
