package config

import "time"

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	PostgresDSN     string
	MaxConnections  int32
	MinConnections  int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.PostgresDSN != ""
}

// FetchConfig holds page fetcher settings.
type FetchConfig struct {
	RPS       float64
	Timeout   time.Duration
	UserAgent string
}

// AnalysisConfig holds analysis pipeline settings.
type AnalysisConfig struct {
	Deadline           time.Duration
	ValidationDeadline time.Duration
	ScriptTimeout      time.Duration
	MaxConcurrency     int
	IncludeDeprecated  bool
}

// GatewayConfig holds gateway selection and signing settings.
type GatewayConfig struct {
	UserBaseURL  string
	OfficialURL  string
	DemoURLs     []string
	AccessKey    string
	AccessMode   string
	HealthPath   string
	ProbeTimeout time.Duration
	PositiveTTL  time.Duration
	NegativeTTL  time.Duration
}

// RulesConfig holds rule set source settings.
type RulesConfig struct {
	File            string
	Watch           bool
	RemoteURL       string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
}

// DatabaseCfg returns the database configuration extracted from Config.
func (c *Config) DatabaseCfg() DatabaseConfig {
	return DatabaseConfig{
		PostgresDSN:     c.PostgresDSN,
		MaxConnections:  c.DBMaxConnections,
		MinConnections:  c.DBMinConnections,
		MaxConnIdleTime: c.DBMaxConnIdleTime,
		MaxConnLifetime: c.DBMaxConnLifetime,
	}
}

// FetchCfg returns the page fetcher configuration.
func (c *Config) FetchCfg() FetchConfig {
	return FetchConfig{
		RPS:       c.WebFetchRPS,
		Timeout:   c.WebFetchTimeout,
		UserAgent: c.UserAgent,
	}
}

// AnalysisCfg returns the analysis pipeline configuration.
func (c *Config) AnalysisCfg() AnalysisConfig {
	return AnalysisConfig{
		Deadline:           c.AnalysisDeadline,
		ValidationDeadline: c.ValidationDeadline,
		ScriptTimeout:      c.ScriptTimeout,
		MaxConcurrency:     c.AnalysisMaxConcurrency,
		IncludeDeprecated:  c.IncludeDeprecatedRules,
	}
}

// GatewayCfg returns the gateway configuration.
func (c *Config) GatewayCfg() GatewayConfig {
	return GatewayConfig{
		UserBaseURL:  c.GatewayUserBaseURL,
		OfficialURL:  c.GatewayOfficialURL,
		DemoURLs:     c.GatewayDemoURLs,
		AccessKey:    c.GatewayAccessKey,
		AccessMode:   c.GatewayAccessMode,
		HealthPath:   c.GatewayHealthPath,
		ProbeTimeout: c.GatewayProbeTimeout,
		PositiveTTL:  c.GatewayPositiveTTL,
		NegativeTTL:  c.GatewayNegativeTTL,
	}
}

// RulesCfg returns the rule set source configuration.
func (c *Config) RulesCfg() RulesConfig {
	return RulesConfig{
		File:            c.RulesFile,
		Watch:           c.RulesWatch,
		RemoteURL:       c.RulesRemoteURL,
		RefreshInterval: c.RulesRefreshInterval,
		FetchTimeout:    c.RulesFetchTimeout,
	}
}
