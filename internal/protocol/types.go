// Package protocol defines the typed records exchanged between pipeline
// workers over the message fabric. Records are immutable once published;
// workers communicate only through these types, never by direct call.
package protocol

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fabric topics. Symbol-partitioned topics get the symbol appended as a
// subject token by the fabric layer.
const (
	TopicSignalsTechnical   = "signals.technical"
	TopicSignalsFundamental = "signals.fundamental"
	TopicSignalsSentiment   = "signals.sentiment"
	TopicTradeIntent        = "trade.intent"
	TopicTradeOrder         = "trade.order"
	TopicTradeRejection     = "trade.rejection"
	TopicExecutionReport    = "execution.report"
	TopicPositionUpdate     = "position.update"
	TopicSystemFatal        = "system.fatal"
	TopicHeartbeat          = "workers.heartbeat"
)

// Consumer groups. Each worker subscribes under its group so the fabric
// load-balances within a worker kind but delivers to every kind.
const (
	GroupStrategy  = "strategy"
	GroupRisk      = "risk"
	GroupExecution = "execution"
	GroupPosition  = "position"
)

// Direction is the directional opinion carried by signals and intents.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionBuy, DirectionSell, DirectionHold:
		return true
	}
	return false
}

// Side converts a directional decision into an order side. Hold has no side.
func (d Direction) Side() (OrderSide, bool) {
	switch d {
	case DirectionBuy:
		return OrderSideBuy, true
	case DirectionSell:
		return OrderSideSell, true
	}
	return "", false
}

// OrderSide represents buy or sell on an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the supported order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus represents the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// PositionSide represents long or short exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// PositionSideForEntry maps the entry order side to the resulting exposure.
func PositionSideForEntry(side OrderSide) PositionSide {
	if side == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// PositionStatus represents the position lifecycle state.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// FusionMethod selects how buffered signals are combined into a decision.
type FusionMethod string

const (
	FusionBayesian  FusionMethod = "bayesian"
	FusionConsensus FusionMethod = "consensus"
	FusionTimeDecay FusionMethod = "time_decay"
	FusionHybrid    FusionMethod = "hybrid"
)

// Valid reports whether m is a known fusion method.
func (m FusionMethod) Valid() bool {
	switch m {
	case FusionBayesian, FusionConsensus, FusionTimeDecay, FusionHybrid:
		return true
	}
	return false
}

// SizingMethod selects the position sizing model.
type SizingMethod string

const (
	SizingFixedFractional SizingMethod = "fixed_fractional"
	SizingKelly           SizingMethod = "kelly"
	SizingVolatility      SizingMethod = "volatility"
	SizingHybrid          SizingMethod = "hybrid"
)

// Valid reports whether m is a known sizing method.
func (m SizingMethod) Valid() bool {
	switch m {
	case SizingFixedFractional, SizingKelly, SizingVolatility, SizingHybrid:
		return true
	}
	return false
}

// StopMethod selects how stop-loss and take-profit levels are derived.
type StopMethod string

const (
	StopATR               StopMethod = "atr"
	StopPercentage        StopMethod = "percentage"
	StopVolatility        StopMethod = "volatility"
	StopSupportResistance StopMethod = "support_resistance"
	StopTrailing          StopMethod = "trailing"
)

// Valid reports whether m is a known stop method.
func (m StopMethod) Valid() bool {
	switch m {
	case StopATR, StopPercentage, StopVolatility, StopSupportResistance, StopTrailing:
		return true
	}
	return false
}

// RejectReason enumerates risk-validation rejection outcomes. These are
// business outcomes, not errors.
type RejectReason string

const (
	RejectLowConfidence      RejectReason = "low_confidence"
	RejectPoorRR             RejectReason = "poor_rr"
	RejectTradeRiskLimit     RejectReason = "trade_risk_limit"
	RejectPortfolioRiskLimit RejectReason = "portfolio_risk_limit"
	RejectCorrelationLimit   RejectReason = "correlation_limit"
	RejectStaleIntent        RejectReason = "stale_intent"
)

// Signal is a directional opinion with confidence from one analyst worker.
type Signal struct {
	ID         uuid.UUID          `json:"id"`
	AgentKind  string             `json:"agent_kind"`
	Symbol     string             `json:"symbol"`
	Direction  Direction          `json:"direction"`
	Confidence float64            `json:"confidence"`
	PriceHint  decimal.Decimal    `json:"price_hint"`
	StopHint   decimal.Decimal    `json:"stop_hint"`
	TPHint     decimal.Decimal    `json:"take_profit_hint"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// TradeIntent is a fused candidate trade awaiting risk validation.
type TradeIntent struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Confidence   float64         `json:"confidence"`
	PriceHint    decimal.Decimal `json:"price_hint"`
	StopHint     decimal.Decimal `json:"stop_hint"`
	TPHint       decimal.Decimal `json:"take_profit_hint"`
	Reasoning    string          `json:"reasoning,omitempty"`
	FusionMethod FusionMethod    `json:"fusion_method"`
	SignalIDs    []uuid.UUID     `json:"signal_ids"`
	CreatedAt    time.Time       `json:"created_at"`
	ValidUntil   time.Time       `json:"valid_until"`
}

// Stale reports whether the intent has outlived its validity window.
func (ti *TradeIntent) Stale(now time.Time) bool {
	return !ti.ValidUntil.IsZero() && now.After(ti.ValidUntil)
}

// RiskAssessment records the risk engine's verdict on one intent.
type RiskAssessment struct {
	ID          uuid.UUID       `json:"id"`
	IntentID    uuid.UUID       `json:"intent_id"`
	Symbol      string          `json:"symbol"`
	Approved    bool            `json:"approved"`
	RiskScore   float64         `json:"risk_score"`
	Quantity    decimal.Decimal `json:"position_quantity"`
	StopLoss    decimal.Decimal `json:"stop_loss_price"`
	TakeProfit  decimal.Decimal `json:"take_profit_price"`
	MaxLoss     decimal.Decimal `json:"max_loss_value"`
	ValueAtRisk decimal.Decimal `json:"value_at_risk_estimate"`
	Reason      RejectReason    `json:"reason,omitempty"`
	AssessedAt  time.Time       `json:"assessed_at"`
}

// OrderCommand is the trade.order record: an approved, sized, stop-protected
// instruction for the execution worker. IntentID ties it back to the
// approving assessment.
type OrderCommand struct {
	OrderID    uuid.UUID       `json:"order_id"`
	IntentID   uuid.UUID       `json:"intent_id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	RiskScore  float64         `json:"risk_score"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Rejection is the trade.rejection record for a vetoed intent.
type Rejection struct {
	IntentID   uuid.UUID    `json:"intent_id"`
	Symbol     string       `json:"symbol"`
	Reason     RejectReason `json:"reason"`
	RiskScore  float64      `json:"risk_score"`
	Detail     string       `json:"detail,omitempty"`
	RejectedAt time.Time    `json:"rejected_at"`
}

// QualityRating buckets execution quality by absolute slippage.
type QualityRating string

const (
	QualityExcellent  QualityRating = "excellent"
	QualityGood       QualityRating = "good"
	QualityAcceptable QualityRating = "acceptable"
	QualityPoor       QualityRating = "poor"
	QualityVeryPoor   QualityRating = "very_poor"
)

// ExecutionReport summarizes the outcome of one order execution.
type ExecutionReport struct {
	OrderID          uuid.UUID       `json:"order_id"`
	IntentID         uuid.UUID       `json:"intent_id"`
	Exchange         string          `json:"exchange"`
	Symbol           string          `json:"symbol"`
	Side             OrderSide       `json:"side"`
	Status           OrderStatus     `json:"status"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	ExpectedPrice    decimal.Decimal `json:"expected_price"`
	Fees             decimal.Decimal `json:"fees"`
	Notional         decimal.Decimal `json:"notional"`
	SlippagePct      float64         `json:"slippage_pct"`
	SlippageBps      float64         `json:"slippage_bps"`
	CostPct          float64         `json:"cost_pct"`
	Favorable        bool            `json:"favorable"`
	QualityScore     float64         `json:"quality_score"`
	QualityRating    QualityRating   `json:"quality_rating,omitempty"`
	LatencyMillis    float64         `json:"latency_ms"`
	Error            string          `json:"error,omitempty"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

// PositionAction identifies what a position mutation did.
type PositionAction string

const (
	PositionActionOpen     PositionAction = "open"
	PositionActionIncrease PositionAction = "increase"
	PositionActionDecrease PositionAction = "decrease"
	PositionActionClose    PositionAction = "close"
)

// PositionUpdate is the position.update record, one per position mutation.
type PositionUpdate struct {
	PositionID    uuid.UUID       `json:"position_id"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Action        PositionAction  `json:"action"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FatalEvent is published on system.fatal when a worker halts on an
// invariant violation.
type FatalEvent struct {
	Worker        string    `json:"worker"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	At            time.Time `json:"at"`
}

// Heartbeat is the periodic liveness record published by each worker.
type Heartbeat struct {
	Worker string    `json:"worker"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}
