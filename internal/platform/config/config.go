package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"local"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8080"`

	// Database. Rule set snapshots are only persisted when a DSN is set.
	PostgresDSN       string        `env:"POSTGRES_DSN"`
	DBMaxConnections  int32         `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
	DBMinConnections  int32         `env:"DB_MIN_CONNECTIONS" envDefault:"1"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBMaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`

	// Page fetching
	WebFetchRPS     float64       `env:"WEB_FETCH_RPS" envDefault:"2"`
	WebFetchTimeout time.Duration `env:"WEB_FETCH_TIMEOUT" envDefault:"15s"`
	UserAgent       string        `env:"USER_AGENT"`

	// Analysis
	AnalysisDeadline       time.Duration `env:"ANALYSIS_DEADLINE" envDefault:"10s"`
	ValidationDeadline     time.Duration `env:"VALIDATION_DEADLINE"`
	ScriptTimeout          time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"250ms"`
	AnalysisMaxConcurrency int           `env:"ANALYSIS_MAX_CONCURRENCY" envDefault:"8"`
	IncludeDeprecatedRules bool          `env:"INCLUDE_DEPRECATED_RULES" envDefault:"false"`

	// Gateway
	GatewayUserBaseURL  string        `env:"GATEWAY_BASE_URL"`
	GatewayOfficialURL  string        `env:"GATEWAY_OFFICIAL_URL"`
	GatewayDemoURLs     []string      `env:"GATEWAY_DEMO_URLS" envSeparator:","`
	GatewayAccessKey    string        `env:"GATEWAY_ACCESS_KEY"`
	GatewayAccessMode   string        `env:"GATEWAY_ACCESS_MODE" envDefault:"key"`
	GatewayHealthPath   string        `env:"GATEWAY_HEALTH_PATH" envDefault:"/healthz"`
	GatewayProbeTimeout time.Duration `env:"GATEWAY_PROBE_TIMEOUT" envDefault:"5s"`
	GatewayPositiveTTL  time.Duration `env:"GATEWAY_POSITIVE_TTL" envDefault:"30m"`
	GatewayNegativeTTL  time.Duration `env:"GATEWAY_NEGATIVE_TTL" envDefault:"2m"`

	// Rules
	RulesFile            string        `env:"RULES_FILE"`
	RulesWatch           bool          `env:"RULES_WATCH" envDefault:"true"`
	RulesRemoteURL       string        `env:"RULES_REMOTE_URL"`
	RulesRefreshInterval time.Duration `env:"RULES_REFRESH_INTERVAL" envDefault:"6h"`
	RulesFetchTimeout    time.Duration `env:"RULES_FETCH_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	applyGatewayAliases(cfg)
	cfg.GatewayDemoURLs = compact(cfg.GatewayDemoURLs)

	return cfg, nil
}

// applyGatewayAliases honours the RSSHUB_* names used by existing deployments.
func applyGatewayAliases(cfg *Config) {
	if !hasEnv("GATEWAY_BASE_URL") {
		setStringFromEnv("RSSHUB_BASE_URL", &cfg.GatewayUserBaseURL)
	}

	if !hasEnv("GATEWAY_ACCESS_KEY") {
		setStringFromEnv("RSSHUB_ACCESS_KEY", &cfg.GatewayAccessKey)
	}

	if !hasEnv("GATEWAY_ACCESS_MODE") {
		setStringFromEnv("RSSHUB_ACCESS_MODE", &cfg.GatewayAccessMode)
	}
}

func hasEnv(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func setStringFromEnv(key string, target *string) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	val = strings.TrimSpace(val)
	if val == "" {
		return
	}

	*target = val
}

func compact(values []string) []string {
	out := values[:0]

	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	if len(out) == 0 {
		return nil
	}

	return out
}
