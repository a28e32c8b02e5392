package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules
// and resolves any configured detection rule documents.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"limits.maxmessagelength":       "limits.maxMessageLength",
			"limits.rateperminute":          "limits.ratePerMinute",
			"limits.ratewindowseconds":      "limits.rateWindowSeconds",
			"limits.injectionriskthreshold": "limits.injectionRiskThreshold",
			"cache.ttlseconds":              "cache.ttlSeconds",
			"cache.keysalt":                 "cache.keySalt",
			"cache.redis.tls.cafile":        "cache.redis.tls.caFile",
			"upstream.teamid":               "upstream.teamId",
			"upstream.apitoken":             "upstream.apiToken",
			"upstream.timeoutseconds":       "upstream.timeoutSeconds",
			"upstream.maxtokens":            "upstream.maxTokens",
			"upstream.retry.maxattempts":    "upstream.retry.maxAttempts",
			"upstream.retry.backoffmillis":  "upstream.retry.backoffMillis",
			"detection.rulesfile":           "detection.rulesFile",
			"detection.rulesfolder":         "detection.rulesFolder",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (LIMITS__RATEPERMINUTE ->
			// limits.rateperminute).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers skip double underscores for nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	bundle, err := buildRuleBundle(ctx, cfg.Detection)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectionRules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"limits": map[string]any{
			"maxMessageLength":       cfg.Limits.MaxMessageLength,
			"ratePerMinute":          cfg.Limits.RatePerMinute,
			"rateWindowSeconds":      cfg.Limits.RateWindowSeconds,
			"injectionRiskThreshold": cfg.Limits.InjectionRiskThreshold,
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"ttlSeconds": cfg.Cache.TTLSeconds,
			"keySalt":    cfg.Cache.KeySalt,
			"epoch":      cfg.Cache.Epoch,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"upstream": map[string]any{
			"endpoint":       cfg.Upstream.Endpoint,
			"teamId":         cfg.Upstream.TeamID,
			"apiToken":       cfg.Upstream.APIToken,
			"model":          cfg.Upstream.Model,
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
			"maxTokens":      cfg.Upstream.MaxTokens,
			"temperature":    cfg.Upstream.Temperature,
			"retry": map[string]any{
				"maxAttempts":   cfg.Upstream.Retry.MaxAttempts,
				"backoffMillis": cfg.Upstream.Retry.BackoffMillis,
			},
		},
		"detection": map[string]any{
			"rulesFile":   cfg.Detection.RulesFile,
			"rulesFolder": cfg.Detection.RulesFolder,
		},
	}
}
