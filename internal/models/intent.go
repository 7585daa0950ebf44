package models

import "fmt"

// IntentKind вид торгового намерения
type IntentKind string

const (
	IntentEntry IntentKind = "entry"
	IntentExit  IntentKind = "exit"
)

// IntentSource откуда пришло намерение
type IntentSource string

const (
	SourceRules    IntentSource = "rules"
	SourceScreener IntentSource = "screener"
	SourceAdvisor  IntentSource = "advisor"
	SourceWebhook  IntentSource = "webhook"
	SourceManual   IntentSource = "manual"
)

// Intent намерение войти или выйти. Любое намерение проходит через Gate.
type Intent struct {
	Kind         IntentKind   `json:"kind"`
	InstrumentID string       `json:"instrument_id"`
	Source       IntentSource `json:"source"`
	Reason       TradeReason  `json:"reason"`

	// Вход: размер в USD (включая комиссию)
	SizeUSD float64 `json:"size_usd,omitempty"`
	// Выход: количество к продаже, 0 = вся позиция
	Quantity float64 `json:"quantity,omitempty"`
	// Ориентировочная цена для оценки комиссии и уровней
	Price float64 `json:"price,omitempty"`

	// Уровни от советника; 0 = рассчитать из RiskConfig
	StopLossPrice   float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`

	Note string `json:"note,omitempty"`
}

// Validate структурная проверка до Gate
func (i Intent) Validate() error {
	if i.InstrumentID == "" {
		return fmt.Errorf("instrument_id is required")
	}
	switch i.Kind {
	case IntentEntry:
		if i.SizeUSD <= 0 {
			return fmt.Errorf("size_usd must be positive for entry, got %v", i.SizeUSD)
		}
	case IntentExit:
		if i.Quantity < 0 {
			return fmt.Errorf("quantity must not be negative, got %v", i.Quantity)
		}
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	if i.Price < 0 {
		return fmt.Errorf("price must not be negative, got %v", i.Price)
	}
	if !i.Reason.Valid() {
		return fmt.Errorf("unknown reason %q", i.Reason)
	}
	return nil
}

func (i Intent) String() string {
	if i.Kind == IntentEntry {
		return fmt.Sprintf("entry %s $%.2f (%s)", i.InstrumentID, i.SizeUSD, i.Reason)
	}
	return fmt.Sprintf("exit %s qty=%g (%s)", i.InstrumentID, i.Quantity, i.Reason)
}
