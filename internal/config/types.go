package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the merged detection rule
// documents once they are loaded.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Limits    LimitsConfig    `koanf:"limits"`
	Cache     CacheConfig     `koanf:"cache"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Detection DetectionConfig `koanf:"detection"`

	// DetectionRules records the custom detection rules resolved from the
	// configured sources. Excluded from koanf so the value only reflects
	// runtime discovery rather than static input documents.
	DetectionRules []DetectionRuleConfig `koanf:"-"`
	// RuleSources records which files contributed detection rules.
	RuleSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid rules the
	// loader intentionally disabled so health checks can surface them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle server.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// LimitsConfig bounds inbound traffic before any upstream spend happens.
type LimitsConfig struct {
	MaxMessageLength       int     `koanf:"maxMessageLength"`
	RatePerMinute          int     `koanf:"ratePerMinute"`
	RateWindowSeconds      int     `koanf:"rateWindowSeconds"`
	InjectionRiskThreshold float64 `koanf:"injectionRiskThreshold"`
}

// CacheConfig selects the score cache backend and its retention.
type CacheConfig struct {
	Backend    string           `koanf:"backend"`
	TTLSeconds int              `koanf:"ttlSeconds"`
	KeySalt    string           `koanf:"keySalt"`
	Epoch      int              `koanf:"epoch"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSCacheConfig `koanf:"tls"`
}

type RedisTLSCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig describes the external scoring collaborator.
type UpstreamConfig struct {
	Endpoint       string      `koanf:"endpoint"`
	TeamID         string      `koanf:"teamId"`
	APIToken       string      `koanf:"apiToken"`
	Model          string      `koanf:"model"`
	TimeoutSeconds int         `koanf:"timeoutSeconds"`
	MaxTokens      int         `koanf:"maxTokens"`
	Temperature    float64     `koanf:"temperature"`
	Retry          RetryConfig `koanf:"retry"`
}

// RetryConfig is handed to the orchestrator as an explicit policy value so
// retry behavior stays independently testable.
type RetryConfig struct {
	MaxAttempts   int `koanf:"maxAttempts"`
	BackoffMillis int `koanf:"backoffMillis"`
}

// DetectionConfig announces how custom detection rule documents are sourced.
type DetectionConfig struct {
	RulesFile   string `koanf:"rulesFile"`
	RulesFolder string `koanf:"rulesFolder"`
}

// DetectionRuleConfig mirrors a single custom rule inside a rules document.
// Pattern is a regular expression; Expr is an optional CEL expression that
// confirms or suppresses a match after the pattern fires.
type DetectionRuleConfig struct {
	ID          string  `koanf:"id"`
	Description string  `koanf:"description"`
	Pattern     string  `koanf:"pattern"`
	Weight      float64 `koanf:"weight"`
	Expr        string  `koanf:"expr"`
}

// DefinitionSkip describes a detection rule the loader intentionally ignored
// because it violated invariants (for example duplicate ids across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// DefaultConfig returns the baseline snapshot applied before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Correlation-Id",
			},
		},
		Limits: LimitsConfig{
			MaxMessageLength:       2000,
			RatePerMinute:          60,
			RateWindowSeconds:      60,
			InjectionRiskThreshold: 0.5,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 300,
			Epoch:      1,
		},
		Upstream: UpstreamConfig{
			Model:          "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
			TimeoutSeconds: 30,
			MaxTokens:      1024,
			Temperature:    0.7,
			Retry:          RetryConfig{MaxAttempts: 2, BackoffMillis: 250},
		},
	}
}

// Validate rejects snapshots that would leave the pipeline with ambiguous or
// unsafe settings.
func (c Config) Validate() error {
	var problems []string

	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.listen.port %d out of range", c.Server.Listen.Port))
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("server.logging.level %q unsupported", c.Server.Logging.Level))
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "", "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("server.logging.format %q unsupported", c.Server.Logging.Format))
	}

	if c.Limits.MaxMessageLength <= 0 {
		problems = append(problems, "limits.maxMessageLength must be positive")
	}
	if c.Limits.RatePerMinute <= 0 {
		problems = append(problems, "limits.ratePerMinute must be positive")
	}
	if c.Limits.RateWindowSeconds <= 0 {
		problems = append(problems, "limits.rateWindowSeconds must be positive")
	}
	if c.Limits.InjectionRiskThreshold <= 0 || c.Limits.InjectionRiskThreshold > 1 {
		problems = append(problems, fmt.Sprintf("limits.injectionRiskThreshold %v must be in (0,1]", c.Limits.InjectionRiskThreshold))
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "", "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q unsupported", c.Cache.Backend))
	}
	if c.Cache.TTLSeconds <= 0 {
		problems = append(problems, "cache.ttlSeconds must be positive")
	}
	if strings.EqualFold(c.Cache.Backend, "redis") && strings.TrimSpace(c.Cache.Redis.Address) == "" {
		problems = append(problems, "cache.redis.address required for redis backend")
	}

	if c.Upstream.TimeoutSeconds <= 0 {
		problems = append(problems, "upstream.timeoutSeconds must be positive")
	}
	if c.Upstream.MaxTokens <= 0 {
		problems = append(problems, "upstream.maxTokens must be positive")
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 1 {
		problems = append(problems, fmt.Sprintf("upstream.temperature %v must be in [0,1]", c.Upstream.Temperature))
	}
	if c.Upstream.Retry.MaxAttempts <= 0 {
		problems = append(problems, "upstream.retry.maxAttempts must be positive")
	}
	if c.Upstream.Retry.BackoffMillis < 0 {
		problems = append(problems, "upstream.retry.backoffMillis must not be negative")
	}

	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
