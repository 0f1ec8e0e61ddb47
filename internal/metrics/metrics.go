package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Rejection reasons emitted by the risk validator (bounded set)
	RejectReasonLowConfidence = "low_confidence"
	RejectReasonPoorRR        = "poor_rr"
	RejectReasonTradeRisk     = "trade_risk_limit"
	RejectReasonPortfolioRisk = "portfolio_risk_limit"
	RejectReasonCorrelation   = "correlation_limit"
	RejectReasonStaleIntent   = "stale_intent"
	RejectReasonOther         = "other"

	// Exchange API error categories (bounded set)
	ExchangeErrorTimeout     = "timeout"
	ExchangeErrorRateLimit   = "rate_limit"
	ExchangeErrorAuth        = "authentication"
	ExchangeErrorNetwork     = "network"
	ExchangeErrorInvalidReq  = "invalid_request"
	ExchangeErrorServerError = "server_error"
	ExchangeErrorOther       = "other"

	// Fusion methods (bounded set)
	FusionMethodBayesian  = "bayesian"
	FusionMethodConsensus = "consensus"
	FusionMethodTimeDecay = "time_decay"
	FusionMethodHybrid    = "hybrid"
	FusionMethodOther     = "other"
)

// NormalizeRejectReason maps arbitrary rejection reasons to the bounded set
func NormalizeRejectReason(reason string) string {
	switch strings.ToLower(reason) {
	case RejectReasonLowConfidence:
		return RejectReasonLowConfidence
	case RejectReasonPoorRR:
		return RejectReasonPoorRR
	case RejectReasonTradeRisk:
		return RejectReasonTradeRisk
	case RejectReasonPortfolioRisk:
		return RejectReasonPortfolioRisk
	case RejectReasonCorrelation:
		return RejectReasonCorrelation
	case RejectReasonStaleIntent:
		return RejectReasonStaleIntent
	default:
		return RejectReasonOther
	}
}

// NormalizeFusionMethod maps arbitrary method names to the bounded set
func NormalizeFusionMethod(method string) string {
	switch strings.ToLower(method) {
	case FusionMethodBayesian:
		return FusionMethodBayesian
	case FusionMethodConsensus:
		return FusionMethodConsensus
	case FusionMethodTimeDecay:
		return FusionMethodTimeDecay
	case FusionMethodHybrid:
		return FusionMethodHybrid
	default:
		return FusionMethodOther
	}
}

// NormalizeExchangeError maps arbitrary error messages to the bounded set
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ExchangeErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ExchangeErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ExchangeErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorServerError
	default:
		return ExchangeErrorOther
	}
}

// Pipeline Flow Metrics
var (
	// Signals received by the fusion worker
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_signals_received_total",
		Help: "Total signals received by agent kind and direction",
	}, []string{"agent_kind", "direction"})

	// Signal confidence per agent kind
	SignalConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_signal_confidence",
		Help: "Latest signal confidence by agent kind (0.0 to 1.0)",
	}, []string{"agent_kind"})

	// Buffered signals per symbol
	BufferedSignals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_buffered_signals",
		Help: "Live signals currently buffered by symbol",
	}, []string{"symbol"})

	// Fusion decisions
	FusionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_fusion_decisions_total",
		Help: "Total fusion decisions by method and resulting direction",
	}, []string{"method", "direction"})

	// Fusion latency
	FusionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefabric_fusion_latency_ms",
		Help:    "Fusion decision latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})

	// Trade intents published
	IntentsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_intents_published_total",
		Help: "Total trade intents published to the fabric",
	})

	// Trade intents shed under backpressure
	IntentsShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_intents_shed_total",
		Help: "Total trade intents dropped under downstream saturation",
	})
)

// Risk Metrics
var (
	// Risk assessments by outcome
	RiskAssessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_risk_assessments_total",
		Help: "Total risk assessments by outcome (approved/rejected)",
	}, []string{"outcome"})

	// Rejections by reason
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_risk_rejections_total",
		Help: "Total intent rejections by reason",
	}, []string{"reason"})

	// Latest risk score per symbol
	RiskScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_risk_score",
		Help: "Latest assessed risk score by symbol (0.0 to 1.0)",
	}, []string{"symbol"})

	// Portfolio risk utilization
	PortfolioRiskUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_portfolio_risk_utilization",
		Help: "Committed portfolio risk as a fraction of the portfolio risk budget",
	})

	// Value at risk
	ValueAtRisk = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_value_at_risk",
		Help: "Latest value-at-risk estimate in USD by symbol",
	}, []string{"symbol"})
)

// Execution Metrics
var (
	// Orders submitted
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_orders_submitted_total",
		Help: "Total orders submitted by exchange, side and type",
	}, []string{"exchange", "side", "type"})

	// Order execution latency
	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefabric_order_execution_latency_ms",
		Help:    "Order execution latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	// Order retries
	OrderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_order_retries_total",
		Help: "Total order submission retries",
	})

	// Slippage distribution
	SlippageBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefabric_slippage_bps",
		Help:    "Signed execution slippage in basis points (positive is adverse)",
		Buckets: []float64{-50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 200},
	})

	// Execution quality score distribution
	ExecutionQualityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefabric_execution_quality_score",
		Help:    "Composite execution quality score (0 to 100)",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// Exchange API latency
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_exchange_api_latency_ms",
		Help:    "Exchange API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	// Exchange API errors
	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_exchange_api_errors_total",
		Help: "Total exchange API errors",
	}, []string{"exchange", "error_type"})

	// Circuit breaker status (1 = open/tripped, 0 = closed)
	CircuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_circuit_breaker_status",
		Help: "Exchange circuit breaker status (1 = open/tripped, 0 = closed)",
	}, []string{"breaker"})

	// Circuit breaker trips
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_circuit_breaker_trips_total",
		Help: "Total circuit breaker trips",
	}, []string{"breaker"})
)

// Trading Performance Metrics
var (
	// Total P&L
	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_total_pnl",
		Help: "Total profit and loss in USD",
	})

	// Win rate (0.0 to 1.0)
	WinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_win_rate",
		Help: "Win rate as a ratio (0.0 to 1.0)",
	})

	// Open positions
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_open_positions",
		Help: "Number of currently open positions",
	})

	// Total trades. A gauge because the updater recomputes it from the
	// trades table rather than counting events.
	TotalTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_total_trades",
		Help: "Total number of trades executed",
	})

	// Current drawdown
	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_current_drawdown",
		Help: "Current drawdown as a ratio (0.0 to 1.0)",
	})

	// Position value by symbol
	PositionValueBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_position_value_by_symbol",
		Help: "Position value in USD by trading symbol",
	}, []string{"symbol"})

	// Risk/reward ratio
	RiskRewardRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_risk_reward_ratio",
		Help: "Average realized risk/reward ratio",
	})

	// Winning trades value
	WinningTradesValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_winning_trades_value",
		Help: "Total value of winning trades in USD",
	})

	// Losing trades value
	LosingTradesValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_losing_trades_value",
		Help: "Total value (absolute) of losing trades in USD",
	})

	// Daily return
	DailyReturn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_daily_return",
		Help: "Daily return as a ratio",
	})

	// Weekly return
	WeeklyReturn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_weekly_return",
		Help: "Weekly return as a ratio",
	})

	// Monthly return
	MonthlyReturn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_monthly_return",
		Help: "Monthly return as a ratio",
	})

	// Sharpe ratio
	SharpeRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_sharpe_ratio",
		Help: "Sharpe ratio (risk-adjusted return)",
	})
)

// System Health Metrics
var (
	// Worker status (1 = online, 0 = offline)
	WorkerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradefabric_worker_status",
		Help: "Worker status (1 = online, 0 = offline)",
	}, []string{"worker"})

	// Worker processing duration
	WorkerProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_worker_processing_duration_ms",
		Help:    "Worker record processing duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"worker"})

	// Worker records handled
	WorkerRecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_worker_records_processed_total",
		Help: "Total fabric records handled by each worker",
	}, []string{"worker"})

	// Worker record failures
	WorkerRecordFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_worker_record_failures_total",
		Help: "Total record handling failures by worker",
	}, []string{"worker"})

	// Heartbeats received by the monitor
	HeartbeatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_heartbeats_received_total",
		Help: "Total worker heartbeats observed",
	}, []string{"worker"})

	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Redis cache hit rate
	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefabric_redis_cache_hit_rate",
		Help: "Redis cache hit rate as a ratio (0.0 to 1.0)",
	})

	// Redis operations
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	// Fabric records published
	FabricRecordsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_fabric_records_published_total",
		Help: "Total records published to the message fabric",
	})

	// Fabric records received
	FabricRecordsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradefabric_fabric_records_received_total",
		Help: "Total records received from the message fabric",
	})

	// HTTP requests (metrics/health endpoints)
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// HTTP request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradefabric_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"method", "path", "status_code"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefabric_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})
)

// Helper functions to update metrics

// RecordSignal records a received analyst signal
func RecordSignal(agentKind, direction string, confidence float64) {
	SignalsReceived.WithLabelValues(agentKind, direction).Inc()
	SignalConfidence.WithLabelValues(agentKind).Set(confidence)
}

// UpdateBufferedSignals sets the live buffer depth for a symbol
func UpdateBufferedSignals(symbol string, count int) {
	BufferedSignals.WithLabelValues(symbol).Set(float64(count))
}

// RecordFusionDecision records a fusion outcome with normalized method
func RecordFusionDecision(method, direction string, durationMs float64) {
	FusionDecisions.WithLabelValues(NormalizeFusionMethod(method), direction).Inc()
	FusionLatency.Observe(durationMs)
}

// RecordIntentPublished records a trade intent reaching the fabric
func RecordIntentPublished() {
	IntentsPublished.Inc()
}

// RecordIntentShed records a trade intent dropped under saturation
func RecordIntentShed() {
	IntentsShed.Inc()
}

// RecordRiskAssessment records a risk verdict; reason is only used on rejection
func RecordRiskAssessment(approved bool, reason string) {
	if approved {
		RiskAssessments.WithLabelValues("approved").Inc()
		return
	}
	RiskAssessments.WithLabelValues("rejected").Inc()
	RiskRejections.WithLabelValues(NormalizeRejectReason(reason)).Inc()
}

// UpdateRiskScore sets the latest risk score for a symbol
func UpdateRiskScore(symbol string, score float64) {
	RiskScore.WithLabelValues(symbol).Set(score)
}

// UpdateValueAtRisk sets the latest VaR estimate for a symbol
func UpdateValueAtRisk(symbol string, varUSD float64) {
	ValueAtRisk.WithLabelValues(symbol).Set(varUSD)
}

// RecordOrderSubmitted records an order hitting an exchange
func RecordOrderSubmitted(exchange, side, orderType string) {
	OrdersSubmitted.WithLabelValues(exchange, side, orderType).Inc()
}

// RecordOrderExecution records order execution latency
func RecordOrderExecution(durationMs float64) {
	OrderExecutionLatency.Observe(durationMs)
}

// RecordOrderRetry records an order submission retry
func RecordOrderRetry() {
	OrderRetries.Inc()
}

// RecordExecutionQuality records slippage and the composite quality score
func RecordExecutionQuality(slippageBps, qualityScore float64) {
	SlippageBps.Observe(slippageBps)
	ExecutionQualityScore.Observe(qualityScore)
}

// RecordExchangeAPICall records an exchange API call with normalized error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(exchange, NormalizeExchangeError(err)).Inc()
	}
}

// UpdateCircuitBreaker updates circuit breaker status
func UpdateCircuitBreaker(breaker string, open bool) {
	status := 0.0
	if open {
		status = 1.0
	}
	CircuitBreakerStatus.WithLabelValues(breaker).Set(status)
}

// RecordCircuitBreakerTrip records a circuit breaker opening
func RecordCircuitBreakerTrip(breaker string) {
	CircuitBreakerTrips.WithLabelValues(breaker).Inc()
}

// RecordTrade records a completed trade
func RecordTrade(profitLoss float64) {
	TotalTrades.Inc()
	if profitLoss > 0 {
		WinningTradesValue.Add(profitLoss)
	} else {
		LosingTradesValue.Add(-profitLoss) // Store absolute value
	}
}

// UpdatePositionValue updates position value for a symbol
func UpdatePositionValue(symbol string, value float64) {
	PositionValueBySymbol.WithLabelValues(symbol).Set(value)
}

// SetWorkerStatus sets worker online/offline status
func SetWorkerStatus(worker string, online bool) {
	status := 0.0
	if online {
		status = 1.0
	}
	WorkerStatus.WithLabelValues(worker).Set(status)
}

// RecordWorkerProcessing records record handling duration for a worker
func RecordWorkerProcessing(worker string, durationMs float64) {
	WorkerProcessingDuration.WithLabelValues(worker).Observe(durationMs)
}

// RecordWorkerRecord counts one handled record and its outcome
func RecordWorkerRecord(worker string, failed bool) {
	WorkerRecordsProcessed.WithLabelValues(worker).Inc()
	if failed {
		WorkerRecordFailures.WithLabelValues(worker).Inc()
	}
}

// RecordHeartbeat records an observed worker heartbeat
func RecordHeartbeat(worker string) {
	HeartbeatsReceived.WithLabelValues(worker).Inc()
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an HTTP request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
