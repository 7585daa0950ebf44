package models

import "time"

// PositionStatus статус позиции
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// IsLive позиция учитывается как открытая (OPEN или PARTIALLY_CLOSED)
func (s PositionStatus) IsLive() bool {
	return s == PositionOpen || s == PositionPartiallyClosed
}

// Position представляет длинную спотовую позицию по одному инструменту
type Position struct {
	ID           string  `json:"id" db:"id"`
	InstrumentID string  `json:"instrument_id" db:"instrument_id"` // BTC-USD, уникален среди живых позиций
	Quantity     float64 `json:"quantity" db:"quantity"`           // текущее количество (уменьшается при частичном выходе)
	EntryPrice   float64 `json:"entry_price" db:"entry_price"`
	EntryFee     float64 `json:"entry_fee" db:"entry_fee"`
	// EntryCost стоимость оставшейся части: qty × entry_price + fee,
	// уменьшается пропорционально при частичном выходе
	EntryCost      float64   `json:"entry_cost" db:"entry_cost"`
	EntryTimestamp time.Time `json:"entry_timestamp" db:"entry_timestamp"`

	StopLossPrice      float64  `json:"stop_loss_price" db:"stop_loss_price"`
	TakeProfitPrice    float64  `json:"take_profit_price" db:"take_profit_price"`
	TrailingStopActive bool     `json:"trailing_stop_active" db:"trailing_stop_active"`
	TrailingStopPrice  *float64 `json:"trailing_stop_price,omitempty" db:"trailing_stop_price"`
	PartialProfitTaken bool     `json:"partial_profit_taken" db:"partial_profit_taken"`

	Status    PositionStatus `json:"status" db:"status"`
	Source    IntentSource   `json:"source" db:"source"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Clone возвращает независимую копию (включая указатель трейлинга)
func (p *Position) Clone() *Position {
	c := *p
	if p.TrailingStopPrice != nil {
		v := *p.TrailingStopPrice
		c.TrailingStopPrice = &v
	}
	return &c
}

// PositionView позиция с оценкой по текущей цене для API и дашборда
type PositionView struct {
	Position
	CurrentPrice     float64 `json:"current_price"`
	MarketValue      float64 `json:"market_value"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct"`
	BreakEvenPrice   float64 `json:"break_even_price"`
}
