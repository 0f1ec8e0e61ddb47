package config

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	Fusion     FusionConfig              `mapstructure:"fusion"`
	Sizing     SizingConfig              `mapstructure:"sizing"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Stops      StopsConfig               `mapstructure:"stops"`
	Execution  ExecutionConfig           `mapstructure:"execution"`
	Trading    TradingConfig             `mapstructure:"trading"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the snapshot store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains message fabric settings
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	EnableJetStream bool   `mapstructure:"enable_jetstream"`
	MaxAgeHours     int    `mapstructure:"max_age_hours"`
}

// FusionConfig contains signal buffering and fusion settings
type FusionConfig struct {
	Method                   string  `mapstructure:"method"` // bayesian, consensus, time_decay, hybrid
	MinSignals               int     `mapstructure:"min_signals"`
	SignalRetentionSeconds   int     `mapstructure:"signal_retention_seconds"`
	DecisionIntervalSeconds  int     `mapstructure:"decision_interval_seconds"`
	MinConfidence            float64 `mapstructure:"min_confidence"`
	MinSignalConfidence      float64 `mapstructure:"min_signal_confidence"`
	AgreementThreshold       float64 `mapstructure:"agreement_threshold"`
	TimeDecayHalfLifeMinutes float64 `mapstructure:"time_decay_half_life_minutes"`
	BayesianHistoryWindow    int     `mapstructure:"bayesian_history_window"`
	MaxPendingIntents        int     `mapstructure:"max_pending_intents"`
}

// RetentionWindow returns the signal retention horizon as a duration.
func (c *FusionConfig) RetentionWindow() time.Duration {
	return time.Duration(c.SignalRetentionSeconds) * time.Second
}

// DecisionInterval returns the periodic decision cadence.
func (c *FusionConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalSeconds) * time.Second
}

// HalfLife returns the time-decay half-life.
func (c *FusionConfig) HalfLife() time.Duration {
	return time.Duration(c.TimeDecayHalfLifeMinutes * float64(time.Minute))
}

// SizingConfig contains position sizing settings
type SizingConfig struct {
	Method              string  `mapstructure:"method"` // fixed_fractional, kelly, volatility, hybrid
	RiskPerTrade        float64 `mapstructure:"risk_per_trade"`
	MaxPositionFraction float64 `mapstructure:"max_position_fraction"`
	KellyCap            float64 `mapstructure:"kelly_cap"`
}

// RiskConfig contains trade validation limits
type RiskConfig struct {
	MaxSingleTradeRisk     float64 `mapstructure:"max_single_trade_risk"`
	MaxPortfolioRisk       float64 `mapstructure:"max_portfolio_risk"`
	MinRRRatio             float64 `mapstructure:"min_rr_ratio"`
	MaxCorrelationExposure float64 `mapstructure:"max_correlation_exposure"`
	CorrelationThreshold   float64 `mapstructure:"correlation_threshold"`
	VaRMethod              string  `mapstructure:"var_method"` // historical, parametric, monte_carlo
	VaRConfidence          float64 `mapstructure:"var_confidence"`
}

// StopsConfig contains stop placement settings
type StopsConfig struct {
	Method             string  `mapstructure:"method"` // atr, percentage, volatility, support_resistance, trailing
	ATRMultiplier      float64 `mapstructure:"atr_multiplier"`
	DefaultRRRatio     float64 `mapstructure:"default_rr_ratio"`
	PercentageFraction float64 `mapstructure:"percentage_fraction"`
	VolatilityFactor   float64 `mapstructure:"volatility_factor"`
	TrailFraction      float64 `mapstructure:"trail_fraction"`
	ActivationFraction float64 `mapstructure:"activation_fraction"`
}

// ExecutionConfig contains order execution settings
type ExecutionConfig struct {
	OrderTimeoutSeconds int     `mapstructure:"order_timeout_seconds"`
	MaxRetries          int     `mapstructure:"max_retries"`
	MaxSlippageFraction float64 `mapstructure:"max_slippage_fraction"`
	PaperTrading        bool    `mapstructure:"paper_trading"`
}

// OrderTimeout returns the per-call exchange deadline.
func (c *ExecutionConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSeconds) * time.Second
}

// TradingConfig contains portfolio-level settings
type TradingConfig struct {
	Symbols             []string `mapstructure:"symbols"`
	Exchange            string   `mapstructure:"exchange"`
	InitialCapital      float64  `mapstructure:"initial_capital"`
	SnapshotStalenessMS int      `mapstructure:"snapshot_staleness_ms"`
	ProfilesDir         string   `mapstructure:"profiles_dir"`
}

// SnapshotStaleness returns the maximum tolerated snapshot age.
func (c *TradingConfig) SnapshotStaleness() time.Duration {
	return time.Duration(c.SnapshotStalenessMS) * time.Millisecond
}

// ExchangeConfig contains exchange-specific settings
type ExchangeConfig struct {
	APIKey      string    `mapstructure:"api_key"`
	SecretKey   string    `mapstructure:"secret_key"`
	Testnet     bool      `mapstructure:"testnet"`
	RateLimitMS int       `mapstructure:"rate_limit_ms"`
	Fees        FeeConfig `mapstructure:"fees"`
}

// FeeConfig contains the exchange fee and slippage model
type FeeConfig struct {
	Maker        float64 `mapstructure:"maker"`         // Maker fee fraction (e.g., 0.001 = 0.1%)
	Taker        float64 `mapstructure:"taker"`         // Taker fee fraction
	BaseSlippage float64 `mapstructure:"base_slippage"` // Base slippage fraction for paper fills
	MarketImpact float64 `mapstructure:"market_impact"` // Impact per million notional
	MaxSlippage  float64 `mapstructure:"max_slippage"`  // Slippage ceiling for paper fills
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEFABRIC")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Vault overlays file and environment values before validation so
	// production secret checks run against what will actually be used.
	if vaultCfg := GetVaultConfigFromEnv(); vaultCfg.Enabled {
		if err := LoadSecretsFromVault(context.Background(), &cfg, vaultCfg); err != nil {
			return nil, fmt.Errorf("failed to load secrets from vault: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradefabric")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradefabric")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enable_jetstream", true)
	v.SetDefault("nats.max_age_hours", 24)

	// Fusion defaults
	v.SetDefault("fusion.method", "hybrid")
	v.SetDefault("fusion.min_signals", 2)
	v.SetDefault("fusion.signal_retention_seconds", 300)
	v.SetDefault("fusion.decision_interval_seconds", 30)
	v.SetDefault("fusion.min_confidence", 0.6)
	v.SetDefault("fusion.min_signal_confidence", 0.6)
	v.SetDefault("fusion.agreement_threshold", 0.6)
	v.SetDefault("fusion.time_decay_half_life_minutes", 30.0)
	v.SetDefault("fusion.bayesian_history_window", 100)
	v.SetDefault("fusion.max_pending_intents", 64)

	// Sizing defaults
	v.SetDefault("sizing.method", "hybrid")
	v.SetDefault("sizing.risk_per_trade", 0.02)
	v.SetDefault("sizing.max_position_fraction", 0.10)
	v.SetDefault("sizing.kelly_cap", 0.25)

	// Risk defaults
	v.SetDefault("risk.max_single_trade_risk", 0.05)
	v.SetDefault("risk.max_portfolio_risk", 0.20)
	v.SetDefault("risk.min_rr_ratio", 1.5)
	v.SetDefault("risk.max_correlation_exposure", 0.30)
	v.SetDefault("risk.correlation_threshold", 0.7)
	v.SetDefault("risk.var_method", "historical")
	v.SetDefault("risk.var_confidence", 0.95)

	// Stop placement defaults
	v.SetDefault("stops.method", "atr")
	v.SetDefault("stops.atr_multiplier", 2.0)
	v.SetDefault("stops.default_rr_ratio", 2.0)
	v.SetDefault("stops.percentage_fraction", 0.05)
	v.SetDefault("stops.volatility_factor", 2.0)
	v.SetDefault("stops.trail_fraction", 0.03)
	v.SetDefault("stops.activation_fraction", 0.05)

	// Execution defaults
	v.SetDefault("execution.order_timeout_seconds", 5)
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.max_slippage_fraction", 0.01)
	v.SetDefault("execution.paper_trading", true)

	// Trading defaults
	v.SetDefault("trading.symbols", []string{"BTC/USDT", "ETH/USDT"})
	v.SetDefault("trading.exchange", "binance")
	v.SetDefault("trading.initial_capital", 10000.0)
	v.SetDefault("trading.snapshot_staleness_ms", 1000)
	v.SetDefault("trading.profiles_dir", "")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Exchange fee defaults (Binance-like structure)
	v.SetDefault("exchanges.binance.fees.maker", 0.001)
	v.SetDefault("exchanges.binance.fees.taker", 0.001)
	v.SetDefault("exchanges.binance.fees.base_slippage", 0.0005)
	v.SetDefault("exchanges.binance.fees.market_impact", 0.0001)
	v.SetDefault("exchanges.binance.fees.max_slippage", 0.003)
	v.SetDefault("exchanges.binance.rate_limit_ms", 100)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
