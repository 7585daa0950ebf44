package models

import "time"

// CapitalState состояние капитала (учётная книга)
//
// Инвариант: AvailableCapital + Σ entry_cost открытых позиций
// == InitialCapital + RealizedPnLTotal, AvailableCapital >= 0.
type CapitalState struct {
	InitialCapital   float64   `json:"initial_capital" db:"initial_capital"`
	AvailableCapital float64   `json:"available_capital" db:"available_capital"`
	CommittedCapital float64   `json:"committed_capital" db:"committed_capital"` // Σ entry_cost открытых позиций
	RealizedPnLTotal float64   `json:"realized_pnl_total" db:"realized_pnl_total"`
	DailyPnL         float64   `json:"daily_pnl" db:"daily_pnl"`
	DailyResetAt     time.Time `json:"daily_reset_at" db:"daily_reset_at"`
	PeakEquity       float64   `json:"peak_equity" db:"peak_equity"`

	// Остановка входов по просадке/дневному убытку, снимается только администратором
	Halted     bool       `json:"halted" db:"halted"`
	HaltReason string     `json:"halt_reason,omitempty" db:"halt_reason"`
	HaltedAt   *time.Time `json:"halted_at,omitempty" db:"halted_at"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CapitalView состояние капитала с производными метриками
type CapitalView struct {
	CapitalState
	OpenPositionValue float64 `json:"open_position_value"`
	Equity            float64 `json:"equity"`
	DrawdownPct       float64 `json:"drawdown_pct"`
	DailyLossPct      float64 `json:"daily_loss_pct"`
	PendingReserved   float64 `json:"pending_reserved"`
}

// Snapshot полное сохраняемое состояние движка
type Snapshot struct {
	Capital   CapitalState `json:"capital"`
	Positions []*Position  `json:"positions"`
	SavedAt   time.Time    `json:"saved_at"`
}
