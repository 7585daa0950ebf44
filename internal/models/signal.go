package models

import "time"

// ScreenerSignal сигнал технического скринера
type ScreenerSignal string

const (
	SignalStrongBuy  ScreenerSignal = "strong_buy"
	SignalBuy        ScreenerSignal = "buy"
	SignalNeutral    ScreenerSignal = "neutral"
	SignalSell       ScreenerSignal = "sell"
	SignalStrongSell ScreenerSignal = "strong_sell"
)

// IsBuy сигнал на покупку
func (s ScreenerSignal) IsBuy() bool {
	return s == SignalStrongBuy || s == SignalBuy
}

// Valid сигнал из известного набора
func (s ScreenerSignal) Valid() bool {
	switch s {
	case SignalStrongBuy, SignalBuy, SignalNeutral, SignalSell, SignalStrongSell:
		return true
	}
	return false
}

// Opportunity элемент ранжированного списка скринера
type Opportunity struct {
	InstrumentID string         `json:"instrument"`
	Signal       ScreenerSignal `json:"signal"`
	Score        float64        `json:"score"`
	Confidence   float64        `json:"confidence"`
	Price        float64        `json:"price"`
	RSI          *float64       `json:"rsi,omitempty"`
	MACDHist     *float64       `json:"macd_histogram,omitempty"`
}

// AdvisorAction действие, рекомендованное ИИ
type AdvisorAction string

const (
	ActionBuy  AdvisorAction = "buy"
	ActionSell AdvisorAction = "sell"
	ActionHold AdvisorAction = "hold"
)

// Recommendation структурированная рекомендация ИИ-советника
type Recommendation struct {
	Action          AdvisorAction `json:"action"`
	InstrumentID    string        `json:"instrument"`
	Conviction      int           `json:"conviction"` // 0..100
	TargetEntry     float64       `json:"target_entry"`
	StopLoss        float64       `json:"stop_loss"`
	TakeProfit      []float64     `json:"take_profit"`
	PositionSizePct float64       `json:"position_size_pct"` // доля доступного капитала, 0 = по RiskConfig
	Reasoning       string        `json:"reasoning"`
}

// WebhookAction действие вебхука
type WebhookAction string

const (
	WebhookBuy  WebhookAction = "buy"
	WebhookSell WebhookAction = "sell"
)

// WebhookSignal проверенный сигнал вебхука (без секрета)
type WebhookSignal struct {
	Action     WebhookAction `json:"action"`
	Instrument string        `json:"instrument"`
	Price      float64       `json:"price,omitempty"`
	SizeUSD    float64       `json:"size_usd,omitempty"`
	Message    string        `json:"message,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// AdvisorRequest контекст, передаваемый советнику
type AdvisorRequest struct {
	Opportunities []Opportunity  `json:"opportunities"`
	Positions     []PositionView `json:"positions"`
	Capital       CapitalView    `json:"capital"`
	Risk          RiskConfig     `json:"risk"`
	RequestedAt   time.Time      `json:"requested_at"`
}
