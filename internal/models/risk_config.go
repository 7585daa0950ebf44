package models

import (
	"fmt"
	"strings"
)

// RiskConfig параметры риск-менеджмента. Движок читает один снимок на тик.
// Доли задаются как 0.05 = 5%.
type RiskConfig struct {
	MaxPositions   int     `json:"max_positions" yaml:"max_positions"`
	MaxPositionPct float64 `json:"max_position_pct" yaml:"max_position_pct"`

	StopLossPct             float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct           float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	TrailingStopTriggerPct  float64 `json:"trailing_stop_trigger_pct" yaml:"trailing_stop_trigger_pct"`
	TrailingStopDistancePct float64 `json:"trailing_stop_distance_pct" yaml:"trailing_stop_distance_pct"`
	PartialProfitTriggerPct float64 `json:"partial_profit_trigger_pct" yaml:"partial_profit_trigger_pct"` // 0 = выключено
	PartialProfitAmountPct  float64 `json:"partial_profit_amount_pct" yaml:"partial_profit_amount_pct"`

	MaxDrawdownPct  float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`

	MinTradeUSD  float64 `json:"min_trade_usd" yaml:"min_trade_usd"`
	MaxFeePct    float64 `json:"max_fee_pct" yaml:"max_fee_pct"`
	MakerFeeRate float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"`

	// Отбор кандидатов
	ConfidenceThreshold int      `json:"claude_confidence_threshold" yaml:"claude_confidence_threshold"` // 0..100
	MinScreenerScore    float64  `json:"min_screener_score" yaml:"min_screener_score"`
	AnalysisSchedule    string   `json:"analysis_schedule" yaml:"analysis_schedule"` // disabled, daily, twice_daily, six_hourly или cron
	DailyAnalysisTime   string   `json:"daily_analysis_time" yaml:"daily_analysis_time"`
	SmallAccountUSD     float64  `json:"small_account_usd" yaml:"small_account_usd"`
	SmallAccountMinConv int      `json:"small_account_min_conviction" yaml:"small_account_min_conviction"`
	SmallAccountAllowed []string `json:"small_account_allowed" yaml:"small_account_allowed"`
}

// DefaultRiskConfig значения по умолчанию, близкие к профилю moderate
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositions:            3,
		MaxPositionPct:          0.25,
		StopLossPct:             0.06,
		TakeProfitPct:           0.10,
		TrailingStopTriggerPct:  0.05,
		TrailingStopDistancePct: 0.03,
		PartialProfitTriggerPct: 0.08,
		PartialProfitAmountPct:  0.5,
		MaxDrawdownPct:          0.20,
		MaxDailyLossPct:         0.05,
		MinTradeUSD:             150,
		MaxFeePct:               0.025,
		MakerFeeRate:            0.005,
		TakerFeeRate:            0.02,
		ConfidenceThreshold:     80,
		MinScreenerScore:        0,
		AnalysisSchedule:        "twice_daily",
		DailyAnalysisTime:       "09:00",
		SmallAccountUSD:         1000,
		SmallAccountMinConv:     90,
		SmallAccountAllowed:     []string{"BTC-USD", "ETH-USD", "SOL-USD"},
	}
}

// Validate проверяет диапазоны. Возвращает ошибку с перечнем всех нарушений.
func (c RiskConfig) Validate() error {
	var problems []string
	frac := func(name string, v float64, allowZero bool) {
		if v < 0 || v > 1 || (!allowZero && v == 0) {
			problems = append(problems, fmt.Sprintf("%s must be in (0, 1], got %v", name, v))
		}
	}

	if c.MaxPositions < 1 {
		problems = append(problems, fmt.Sprintf("max_positions must be >= 1, got %d", c.MaxPositions))
	}
	frac("max_position_pct", c.MaxPositionPct, false)
	frac("stop_loss_pct", c.StopLossPct, false)
	frac("take_profit_pct", c.TakeProfitPct, false)
	frac("trailing_stop_trigger_pct", c.TrailingStopTriggerPct, true)
	frac("trailing_stop_distance_pct", c.TrailingStopDistancePct, true)
	frac("partial_profit_trigger_pct", c.PartialProfitTriggerPct, true)
	frac("partial_profit_amount_pct", c.PartialProfitAmountPct, true)
	frac("max_drawdown_pct", c.MaxDrawdownPct, false)
	frac("max_daily_loss_pct", c.MaxDailyLossPct, false)
	frac("max_fee_pct", c.MaxFeePct, false)
	frac("maker_fee_rate", c.MakerFeeRate, true)
	frac("taker_fee_rate", c.TakerFeeRate, true)

	if c.PartialProfitTriggerPct > 0 && (c.PartialProfitAmountPct <= 0 || c.PartialProfitAmountPct >= 1) {
		problems = append(problems, "partial_profit_amount_pct must be in (0, 1) when partial profit is enabled")
	}
	if c.TrailingStopTriggerPct > 0 && c.TrailingStopDistancePct <= 0 {
		problems = append(problems, "trailing_stop_distance_pct must be > 0 when trailing stop is enabled")
	}
	if c.MinTradeUSD < 0 {
		problems = append(problems, fmt.Sprintf("min_trade_usd must be >= 0, got %v", c.MinTradeUSD))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		problems = append(problems, fmt.Sprintf("claude_confidence_threshold must be in [0, 100], got %d", c.ConfidenceThreshold))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid risk config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// TrailingEnabled трейлинг-стоп включён
func (c RiskConfig) TrailingEnabled() bool {
	return c.TrailingStopTriggerPct > 0 && c.TrailingStopDistancePct > 0
}

// PartialProfitEnabled частичная фиксация включена
func (c RiskConfig) PartialProfitEnabled() bool {
	return c.PartialProfitTriggerPct > 0 && c.PartialProfitAmountPct > 0
}
