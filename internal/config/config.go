package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Reveal       RevealConfig       `yaml:"reveal" mapstructure:"reveal"`
	Quota        QuotaConfig        `yaml:"quota" mapstructure:"quota"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Identity     IdentityConfig     `yaml:"identity" mapstructure:"identity"`
	Filter       FilterConfig       `yaml:"filter" mapstructure:"filter"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint" mapstructure:"checkpoint"`
	Journal      JournalConfig      `yaml:"journal" mapstructure:"journal"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// RevealConfig holds the enrichment service API settings.
type RevealConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	CallSize        int     `yaml:"call_size" mapstructure:"call_size"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	PollIntervalMs  int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PollTimeoutSecs int     `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
}

// QuotaConfig configures the local mirror of the upstream daily cap.
type QuotaConfig struct {
	DailyCap          int    `yaml:"daily_cap" mapstructure:"daily_cap"`
	Timezone          string `yaml:"timezone" mapstructure:"timezone"`
	CountLinkedInOnly bool   `yaml:"count_linkedin_only" mapstructure:"count_linkedin_only"`
	CountNotFound     bool   `yaml:"count_not_found" mapstructure:"count_not_found"`
}

// OrchestratorConfig configures batch reveal processing.
type OrchestratorConfig struct {
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// IdentityConfig lists the candidate input columns for each named field.
// The first non-empty column wins; names match case-insensitively.
type IdentityConfig struct {
	PrimaryFields  []string `yaml:"primary_fields" mapstructure:"primary_fields"`
	FallbackFields []string `yaml:"fallback_fields" mapstructure:"fallback_fields"`
	TitleFields    []string `yaml:"title_fields" mapstructure:"title_fields"`
	CompanyFields  []string `yaml:"company_fields" mapstructure:"company_fields"`
	LocationFields []string `yaml:"location_fields" mapstructure:"location_fields"`
}

// FilterConfig configures the quality filter.
type FilterConfig struct {
	RulesPath string       `yaml:"rules_path" mapstructure:"rules_path"`
	Rules     []RuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RuleConfig is an exclusion rule as written in configuration.
type RuleConfig struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Pattern string   `yaml:"pattern" mapstructure:"pattern"`
	Match   string   `yaml:"match" mapstructure:"match"`
	Fields  []string `yaml:"fields" mapstructure:"fields"`
}

// CheckpointConfig configures the progress store.
type CheckpointConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// JournalConfig configures the transition journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MetricsConfig configures the metrics endpoint served during reveal runs.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path looks
// for an optional config.yaml in the working directory; a non-empty path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("REVEAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reveal.key", "")
	v.SetDefault("reveal.base_url", "")
	v.SetDefault("reveal.call_size", 10)
	v.SetDefault("reveal.timeout_secs", 60)
	v.SetDefault("reveal.rate_limit_rps", 2.0)
	v.SetDefault("reveal.poll_interval_ms", 2000)
	v.SetDefault("reveal.poll_timeout_secs", 300)
	v.SetDefault("quota.daily_cap", 1000)
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.count_linkedin_only", true)
	v.SetDefault("quota.count_not_found", true)
	v.SetDefault("orchestrator.batch_size", 50)
	v.SetDefault("orchestrator.concurrency", 4)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.initial_backoff_ms", 30000)
	v.SetDefault("orchestrator.max_backoff_ms", 3600000)
	v.SetDefault("orchestrator.backoff_multiplier", 2.0)
	v.SetDefault("orchestrator.jitter_fraction", 0.25)
	v.SetDefault("orchestrator.breaker_threshold", 5)
	v.SetDefault("orchestrator.breaker_reset_secs", 60)
	v.SetDefault("identity.primary_fields", []string{"id", "person_id", "contact_id"})
	v.SetDefault("identity.fallback_fields", []string{"linkedin_url", "linkedin", "profile_url"})
	v.SetDefault("identity.title_fields", []string{"title", "job_title", "headline"})
	v.SetDefault("identity.company_fields", []string{"company", "organization_name", "company_name", "organization"})
	v.SetDefault("identity.location_fields", []string{"location", "city", "state"})
	v.SetDefault("checkpoint.path", "reveal-checkpoint.json")
	v.SetDefault("journal.path", "reveal-journal.db")
	v.SetDefault("metrics.addr", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the numeric settings the reveal loop depends on.
func (c *Config) Validate() error {
	if c.Quota.DailyCap < 0 {
		return eris.Errorf("config: quota.daily_cap must be >= 0, got %d", c.Quota.DailyCap)
	}
	if c.Orchestrator.BatchSize <= 0 {
		return eris.Errorf("config: orchestrator.batch_size must be > 0, got %d", c.Orchestrator.BatchSize)
	}
	if c.Orchestrator.Concurrency <= 0 {
		return eris.Errorf("config: orchestrator.concurrency must be > 0, got %d", c.Orchestrator.Concurrency)
	}
	if c.Orchestrator.MaxAttempts <= 0 {
		return eris.Errorf("config: orchestrator.max_attempts must be > 0, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Reveal.CallSize <= 0 {
		return eris.Errorf("config: reveal.call_size must be > 0, got %d", c.Reveal.CallSize)
	}
	return c.Orchestrator.validateBackoff()
}

// validateBackoff checks the retry schedule and breaker settings. Zero
// values select the built-in defaults.
func (o OrchestratorConfig) validateBackoff() error {
	if o.InitialBackoffMs < 0 {
		return eris.Errorf("config: orchestrator.initial_backoff_ms must be >= 0, got %d", o.InitialBackoffMs)
	}
	if o.MaxBackoffMs < 0 || (o.MaxBackoffMs > 0 && o.MaxBackoffMs < o.InitialBackoffMs) {
		return eris.Errorf("config: orchestrator.max_backoff_ms must be >= initial_backoff_ms (%d), got %d", o.InitialBackoffMs, o.MaxBackoffMs)
	}
	if o.BackoffMultiplier != 0 && o.BackoffMultiplier < 1 {
		return eris.Errorf("config: orchestrator.backoff_multiplier must be >= 1, got %g", o.BackoffMultiplier)
	}
	if o.JitterFraction < 0 || o.JitterFraction > 1 {
		return eris.Errorf("config: orchestrator.jitter_fraction must be within [0, 1], got %g", o.JitterFraction)
	}
	if o.BreakerThreshold < 0 {
		return eris.Errorf("config: orchestrator.breaker_threshold must be >= 0, got %d", o.BreakerThreshold)
	}
	if o.BreakerResetSecs < 0 {
		return eris.Errorf("config: orchestrator.breaker_reset_secs must be >= 0, got %d", o.BreakerResetSecs)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
