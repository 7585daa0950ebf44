package models

import "time"

// TradeSide сторона сделки
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeReason причина сделки
type TradeReason string

const (
	ReasonStopLoss         TradeReason = "STOP_LOSS"
	ReasonTakeProfit       TradeReason = "TAKE_PROFIT"
	ReasonTrailingStop     TradeReason = "TRAILING_STOP"
	ReasonPartialProfit    TradeReason = "PARTIAL_PROFIT"
	ReasonManual           TradeReason = "MANUAL"
	ReasonAIRecommendation TradeReason = "AI_RECOMMENDATION"
	ReasonWebhookSignal    TradeReason = "WEBHOOK_SIGNAL"
	ReasonDrawdownHalt     TradeReason = "DRAWDOWN_HALT"
)

var validReasons = map[TradeReason]bool{
	ReasonStopLoss:         true,
	ReasonTakeProfit:       true,
	ReasonTrailingStop:     true,
	ReasonPartialProfit:    true,
	ReasonManual:           true,
	ReasonAIRecommendation: true,
	ReasonWebhookSignal:    true,
	ReasonDrawdownHalt:     true,
}

// Valid проверяет, что причина из известного набора
func (r TradeReason) Valid() bool {
	return validReasons[r]
}

// Trade неизменяемая запись журнала сделок
type Trade struct {
	ID            string      `json:"id" db:"id"`
	PositionID    string      `json:"position_id" db:"position_id"`
	ClientOrderID string      `json:"client_order_id" db:"client_order_id"`
	Side          TradeSide   `json:"side" db:"side"`
	InstrumentID  string      `json:"instrument_id" db:"instrument_id"`
	Quantity      float64     `json:"quantity" db:"quantity"`
	Price         float64     `json:"price" db:"price"`
	Fee           float64     `json:"fee" db:"fee"`
	Reason        TradeReason `json:"reason" db:"reason"`
	// RealizedPnL только для выходов
	RealizedPnL *float64  `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Notional объём сделки без комиссии
func (t *Trade) Notional() float64 {
	return t.Quantity * t.Price
}
