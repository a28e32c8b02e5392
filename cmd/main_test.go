package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/calmline/scoregate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildScoreCacheDefaultsToMemory(t *testing.T) {
	for _, backend := range []string{"", "memory", "MEMORY", "  memory  "} {
		if c := buildScoreCache(discardLogger(), config.CacheConfig{Backend: backend, TTLSeconds: 60}); c == nil {
			t.Fatalf("backend %q: nil cache", backend)
		}
	}
}

func TestBuildScoreCacheUnknownBackendFallsBack(t *testing.T) {
	if c := buildScoreCache(discardLogger(), config.CacheConfig{Backend: "postgres", TTLSeconds: 60}); c == nil {
		t.Fatal("unknown backend must fall back to memory")
	}
}

func TestBuildScoreCacheRedisFailureFallsBack(t *testing.T) {
	cfg := config.CacheConfig{
		Backend:    "redis",
		TTLSeconds: 60,
		Redis:      config.RedisCacheConfig{Address: "127.0.0.1:1"},
	}
	if c := buildScoreCache(discardLogger(), cfg); c == nil {
		t.Fatal("unreachable redis must fall back to memory")
	}
}
