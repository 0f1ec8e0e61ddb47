package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateFusion()...)
	errors = append(errors, c.validateSizing()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateStops()...)
	errors = append(errors, c.validateExecution()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateExchanges()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://' or 'tls://'",
		})
	}

	return errors
}

func (c *Config) validateFusion() ValidationErrors {
	var errors ValidationErrors

	validMethods := []string{"bayesian", "consensus", "time_decay", "hybrid"}
	valid := false
	for _, m := range validMethods {
		if c.Fusion.Method == m {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "fusion.method",
			Message: fmt.Sprintf("Invalid fusion method '%s'. Must be one of: %v", c.Fusion.Method, validMethods),
		})
	}

	if c.Fusion.MinSignals < 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.min_signals",
			Message: "Minimum signal count must be at least 1",
		})
	}

	if c.Fusion.SignalRetentionSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.signal_retention_seconds",
			Message: "Signal retention must be at least 1 second",
		})
	}

	if c.Fusion.DecisionIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.decision_interval_seconds",
			Message: "Decision interval must be at least 1 second",
		})
	}

	if c.Fusion.MinConfidence < 0 || c.Fusion.MinConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.min_confidence",
			Message: fmt.Sprintf("Invalid min_confidence %.2f. Must be between 0-1", c.Fusion.MinConfidence),
		})
	}

	if c.Fusion.MinSignalConfidence < 0 || c.Fusion.MinSignalConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.min_signal_confidence",
			Message: fmt.Sprintf("Invalid min_signal_confidence %.2f. Must be between 0-1", c.Fusion.MinSignalConfidence),
		})
	}

	if c.Fusion.AgreementThreshold < 0 || c.Fusion.AgreementThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.agreement_threshold",
			Message: fmt.Sprintf("Invalid agreement_threshold %.2f. Must be between 0-1", c.Fusion.AgreementThreshold),
		})
	}

	if c.Fusion.TimeDecayHalfLifeMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "fusion.time_decay_half_life_minutes",
			Message: "Time decay half-life must be greater than 0",
		})
	}

	if c.Fusion.BayesianHistoryWindow < 1 {
		errors = append(errors, ValidationError{
			Field:   "fusion.bayesian_history_window",
			Message: "Bayesian history window must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateSizing() ValidationErrors {
	var errors ValidationErrors

	validMethods := []string{"fixed_fractional", "kelly", "volatility", "hybrid"}
	valid := false
	for _, m := range validMethods {
		if c.Sizing.Method == m {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "sizing.method",
			Message: fmt.Sprintf("Invalid sizing method '%s'. Must be one of: %v", c.Sizing.Method, validMethods),
		})
	}

	if c.Sizing.RiskPerTrade <= 0 || c.Sizing.RiskPerTrade > 0.1 {
		errors = append(errors, ValidationError{
			Field:   "sizing.risk_per_trade",
			Message: fmt.Sprintf("Invalid risk_per_trade %.3f. Must be between 0-0.1", c.Sizing.RiskPerTrade),
		})
	}

	if c.Sizing.MaxPositionFraction <= 0 || c.Sizing.MaxPositionFraction > 1 {
		errors = append(errors, ValidationError{
			Field:   "sizing.max_position_fraction",
			Message: fmt.Sprintf("Invalid max_position_fraction %.2f. Must be between 0-1", c.Sizing.MaxPositionFraction),
		})
	}

	if c.Sizing.KellyCap <= 0 || c.Sizing.KellyCap > 1 {
		errors = append(errors, ValidationError{
			Field:   "sizing.kelly_cap",
			Message: fmt.Sprintf("Invalid kelly_cap %.2f. Must be between 0-1", c.Sizing.KellyCap),
		})
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.MaxSingleTradeRisk <= 0 || c.Risk.MaxSingleTradeRisk > 0.1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_single_trade_risk",
			Message: fmt.Sprintf("Invalid max_single_trade_risk %.3f. Must be between 0-0.1", c.Risk.MaxSingleTradeRisk),
		})
	}

	if c.Risk.MaxPortfolioRisk <= 0 || c.Risk.MaxPortfolioRisk > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_portfolio_risk",
			Message: fmt.Sprintf("Invalid max_portfolio_risk %.2f. Must be between 0-1", c.Risk.MaxPortfolioRisk),
		})
	}

	if c.Risk.MinRRRatio < 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.min_rr_ratio",
			Message: fmt.Sprintf("Invalid min_rr_ratio %.2f. Must be at least 1", c.Risk.MinRRRatio),
		})
	}

	if c.Risk.MaxCorrelationExposure <= 0 || c.Risk.MaxCorrelationExposure > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_correlation_exposure",
			Message: fmt.Sprintf("Invalid max_correlation_exposure %.2f. Must be between 0-1", c.Risk.MaxCorrelationExposure),
		})
	}

	if c.Risk.CorrelationThreshold < 0 || c.Risk.CorrelationThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.correlation_threshold",
			Message: fmt.Sprintf("Invalid correlation_threshold %.2f. Must be between 0-1", c.Risk.CorrelationThreshold),
		})
	}

	validVaR := []string{"historical", "parametric", "monte_carlo"}
	valid := false
	for _, m := range validVaR {
		if c.Risk.VaRMethod == m {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "risk.var_method",
			Message: fmt.Sprintf("Invalid var_method '%s'. Must be one of: %v", c.Risk.VaRMethod, validVaR),
		})
	}

	if c.Risk.VaRConfidence != 0.95 && c.Risk.VaRConfidence != 0.99 {
		errors = append(errors, ValidationError{
			Field:   "risk.var_confidence",
			Message: fmt.Sprintf("Invalid var_confidence %.2f. Must be 0.95 or 0.99", c.Risk.VaRConfidence),
		})
	}

	return errors
}

func (c *Config) validateStops() ValidationErrors {
	var errors ValidationErrors

	validMethods := []string{"atr", "percentage", "volatility", "support_resistance", "trailing"}
	valid := false
	for _, m := range validMethods {
		if c.Stops.Method == m {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "stops.method",
			Message: fmt.Sprintf("Invalid stop method '%s'. Must be one of: %v", c.Stops.Method, validMethods),
		})
	}

	if c.Stops.ATRMultiplier <= 0 {
		errors = append(errors, ValidationError{
			Field:   "stops.atr_multiplier",
			Message: "ATR multiplier must be greater than 0",
		})
	}

	if c.Stops.DefaultRRRatio <= 0 {
		errors = append(errors, ValidationError{
			Field:   "stops.default_rr_ratio",
			Message: "Default reward/risk ratio must be greater than 0",
		})
	}

	if c.Stops.PercentageFraction <= 0 || c.Stops.PercentageFraction >= 1 {
		errors = append(errors, ValidationError{
			Field:   "stops.percentage_fraction",
			Message: fmt.Sprintf("Invalid percentage_fraction %.2f. Must be between 0-1 exclusive", c.Stops.PercentageFraction),
		})
	}

	if c.Stops.TrailFraction <= 0 || c.Stops.TrailFraction >= 1 {
		errors = append(errors, ValidationError{
			Field:   "stops.trail_fraction",
			Message: fmt.Sprintf("Invalid trail_fraction %.2f. Must be between 0-1 exclusive", c.Stops.TrailFraction),
		})
	}

	if c.Stops.ActivationFraction <= 0 || c.Stops.ActivationFraction >= 1 {
		errors = append(errors, ValidationError{
			Field:   "stops.activation_fraction",
			Message: fmt.Sprintf("Invalid activation_fraction %.2f. Must be between 0-1 exclusive", c.Stops.ActivationFraction),
		})
	}

	return errors
}

func (c *Config) validateExecution() ValidationErrors {
	var errors ValidationErrors

	if c.Execution.OrderTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "execution.order_timeout_seconds",
			Message: "Order timeout must be at least 1 second",
		})
	}

	if c.Execution.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "execution.max_retries",
			Message: "Max retries must be non-negative",
		})
	}

	if c.Execution.MaxSlippageFraction <= 0 || c.Execution.MaxSlippageFraction > 0.1 {
		errors = append(errors, ValidationError{
			Field:   "execution.max_slippage_fraction",
			Message: fmt.Sprintf("Invalid max_slippage_fraction %.3f. Must be between 0-0.1", c.Execution.MaxSlippageFraction),
		})
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if len(c.Trading.Symbols) == 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.symbols",
			Message: "At least one trading symbol is required",
		})
	}

	for i, symbol := range c.Trading.Symbols {
		if !strings.Contains(symbol, "/") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d]", i),
				Message: fmt.Sprintf("Invalid symbol '%s'. Must be in BASE/QUOTE format", symbol),
			})
		}
	}

	if c.Trading.Exchange == "" {
		errors = append(errors, ValidationError{
			Field:   "trading.exchange",
			Message: "Exchange is required",
		})
	}

	if c.Trading.InitialCapital <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.initial_capital",
			Message: "Initial capital must be greater than 0",
		})
	}

	if c.Trading.SnapshotStalenessMS < 1 {
		errors = append(errors, ValidationError{
			Field:   "trading.snapshot_staleness_ms",
			Message: "Snapshot staleness must be at least 1ms",
		})
	}

	return errors
}

func (c *Config) validateExchanges() ValidationErrors {
	var errors ValidationErrors

	if len(c.Exchanges) == 0 {
		errors = append(errors, ValidationError{
			Field:   "exchanges",
			Message: "At least one exchange must be configured",
		})
	}

	for exchangeName, exchangeConfig := range c.Exchanges {
		// API credentials are only mandatory when orders go to a real venue
		if !c.Execution.PaperTrading && exchangeConfig.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", exchangeName),
				Message: "API key is required for live trading",
			})
		}

		if !c.Execution.PaperTrading && exchangeConfig.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", exchangeName),
				Message: "Secret key is required for live trading",
			})
		}

		if exchangeConfig.RateLimitMS < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.rate_limit_ms", exchangeName),
				Message: "Rate limit must be non-negative",
			})
		}

		if exchangeConfig.Fees.MaxSlippage < exchangeConfig.Fees.BaseSlippage {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.fees.max_slippage", exchangeName),
				Message: "Max slippage must not be below base slippage",
			})
		}
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "production" {
		errors = append(errors, ValidateProductionSecrets(c)...)

		// Ensure no testnet in production
		for exchangeName, exchangeConfig := range c.Exchanges {
			if exchangeConfig.Testnet {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("exchanges.%s.testnet", exchangeName),
					Message: "Testnet mode must be disabled in production",
				})
			}
		}

		// Note: Paper trading in production might be intentional for shadow runs.
		// Not enforcing live mode as a hard requirement.

		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: "SSL must be enabled for database in production",
			})
		}
	}

	return errors
}
