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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Payout    PayoutConfig    `yaml:"payout" mapstructure:"payout"`
	Dispute   DisputeConfig   `yaml:"dispute" mapstructure:"dispute"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig configures run lifecycle behavior.
type EngineConfig struct {
	Phase                string `yaml:"phase" mapstructure:"phase"`
	ExecutionTimeoutSecs int    `yaml:"execution_timeout_secs" mapstructure:"execution_timeout_secs"`
	WatchdogIntervalSecs int    `yaml:"watchdog_interval_secs" mapstructure:"watchdog_interval_secs"`
	MaxRunAgeMins        int    `yaml:"max_run_age_mins" mapstructure:"max_run_age_mins"`
}

// PricingConfig holds per-mode run costs (in credits) and phase discounts.
type PricingConfig struct {
	CostAI         float64            `yaml:"cost_ai" mapstructure:"cost_ai"`
	CostHuman      float64            `yaml:"cost_human" mapstructure:"cost_human"`
	CostHybrid     float64            `yaml:"cost_hybrid" mapstructure:"cost_hybrid"`
	PhaseDiscounts map[string]float64 `yaml:"phase_discounts" mapstructure:"phase_discounts"`
}

// PayoutConfig holds per-mode tester base fees.
type PayoutConfig struct {
	BaseFeeHuman  float64 `yaml:"base_fee_human" mapstructure:"base_fee_human"`
	BaseFeeHybrid float64 `yaml:"base_fee_hybrid" mapstructure:"base_fee_hybrid"`
}

// DisputeConfig configures the confidence-guarantee settlement.
//
// CreditMultiplier (the validation credits granted at dispute open) and
// PenaltyFee (the deterrent charged when the AI verdict holds) are
// deliberately independent knobs: the penalty is not a reversal of the grant.
type DisputeConfig struct {
	CreditMultiplier float64 `yaml:"credit_multiplier" mapstructure:"credit_multiplier"`
	PenaltyFee       float64 `yaml:"penalty_fee" mapstructure:"penalty_fee"`
	CreditRate       float64 `yaml:"credit_rate" mapstructure:"credit_rate"`
}

// OpLimit is a ceiling/duration pair for one operation kind.
type OpLimit struct {
	MaxRequests   int `yaml:"max_requests" mapstructure:"max_requests"`
	WindowMinutes int `yaml:"window_minutes" mapstructure:"window_minutes"`
}

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	Operations          map[string]OpLimit `yaml:"operations" mapstructure:"operations"`
	Default             OpLimit            `yaml:"default" mapstructure:"default"`
	CleanupIntervalMins int                `yaml:"cleanup_interval_mins" mapstructure:"cleanup_interval_mins"`
}

// AnthropicConfig holds settings for the AI executor, including the retry
// schedule for transient API failures.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec    float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs    int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier   float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitter       float64 `yaml:"retry_jitter" mapstructure:"retry_jitter"`
	CircuitFailures   int     `yaml:"circuit_failures" mapstructure:"circuit_failures"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TESTOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.phase", "phase1")
	v.SetDefault("engine.execution_timeout_secs", 600)
	v.SetDefault("engine.watchdog_interval_secs", 300)
	v.SetDefault("engine.max_run_age_mins", 30)
	v.SetDefault("pricing.cost_ai", 5.0)
	v.SetDefault("pricing.cost_human", 25.0)
	v.SetDefault("pricing.cost_hybrid", 30.0)
	v.SetDefault("pricing.phase_discounts", map[string]float64{
		"phase1": 1.0,
		"phase2": 0.6,
		"phase3": 0.3,
		"phase4": 0.2,
	})
	v.SetDefault("payout.base_fee_human", 15.0)
	v.SetDefault("payout.base_fee_hybrid", 10.0)
	v.SetDefault("dispute.credit_multiplier", 10.0)
	v.SetDefault("dispute.penalty_fee", 5.0)
	v.SetDefault("dispute.credit_rate", 1.5)
	v.SetDefault("rate_limit.operations", map[string]map[string]int{
		"start_execution": {"max_requests": 10, "window_minutes": 60},
		"generate_image":  {"max_requests": 5, "window_minutes": 60},
	})
	v.SetDefault("rate_limit.default.max_requests", 100)
	v.SetDefault("rate_limit.default.window_minutes", 60)
	v.SetDefault("rate_limit.cleanup_interval_mins", 60)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_sec", 0.5)
	v.SetDefault("anthropic.max_retries", 3)
	v.SetDefault("anthropic.retry_backoff_ms", 500)
	v.SetDefault("anthropic.retry_max_backoff_ms", 30000)
	v.SetDefault("anthropic.retry_multiplier", 2.0)
	v.SetDefault("anthropic.retry_jitter", 0.25)
	v.SetDefault("anthropic.circuit_failures", 5)

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

	return &cfg, nil
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
