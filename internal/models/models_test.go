package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ============ RiskConfig ============

func TestDefaultRiskConfig_IsValid(t *testing.T) {
	if err := DefaultRiskConfig().Validate(); err != nil {
		t.Fatalf("конфигурация по умолчанию невалидна: %v", err)
	}
}

func TestRiskConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RiskConfig)
		wantErr string
	}{
		{"zero positions", func(c *RiskConfig) { c.MaxPositions = 0 }, "max_positions"},
		{"position pct above one", func(c *RiskConfig) { c.MaxPositionPct = 1.5 }, "max_position_pct"},
		{"zero stop loss", func(c *RiskConfig) { c.StopLossPct = 0 }, "stop_loss_pct"},
		{"partial amount full", func(c *RiskConfig) { c.PartialProfitAmountPct = 1 }, "partial_profit_amount_pct"},
		{"trailing without distance", func(c *RiskConfig) { c.TrailingStopDistancePct = 0 }, "trailing_stop_distance_pct"},
		{"negative min trade", func(c *RiskConfig) { c.MinTradeUSD = -1 }, "min_trade_usd"},
		{"confidence above 100", func(c *RiskConfig) { c.ConfidenceThreshold = 101 }, "claude_confidence_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRiskConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("ожидалась ошибка валидации")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ошибка %q не упоминает %q", err, tt.wantErr)
			}
		})
	}
}

func TestRiskConfig_DisabledFeatures(t *testing.T) {
	cfg := DefaultRiskConfig()
	cfg.PartialProfitTriggerPct = 0
	cfg.TrailingStopTriggerPct = 0
	cfg.TrailingStopDistancePct = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("выключенные трейлинг и частичная фиксация должны быть валидны: %v", err)
	}
	if cfg.TrailingEnabled() || cfg.PartialProfitEnabled() {
		t.Error("функции должны считаться выключенными")
	}
}

// ============ Intent ============

func TestIntent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		intent  Intent
		wantErr bool
	}{
		{"valid entry", Intent{Kind: IntentEntry, InstrumentID: "BTC-USD", SizeUSD: 150, Reason: ReasonWebhookSignal}, false},
		{"valid full exit", Intent{Kind: IntentExit, InstrumentID: "BTC-USD", Reason: ReasonManual}, false},
		{"entry without size", Intent{Kind: IntentEntry, InstrumentID: "BTC-USD", Reason: ReasonManual}, true},
		{"missing instrument", Intent{Kind: IntentExit, Reason: ReasonManual}, true},
		{"unknown kind", Intent{Kind: "hedge", InstrumentID: "BTC-USD", Reason: ReasonManual}, true},
		{"unknown reason", Intent{Kind: IntentExit, InstrumentID: "BTC-USD", Reason: "WHIM"}, true},
		{"negative price", Intent{Kind: IntentExit, InstrumentID: "BTC-USD", Price: -1, Reason: ReasonManual}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.intent.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============ Position ============

func TestPosition_CloneIsIndependent(t *testing.T) {
	stop := 102.82
	p := &Position{InstrumentID: "ETH-USD", Quantity: 1, TrailingStopPrice: &stop, Status: PositionOpen}

	c := p.Clone()
	*c.TrailingStopPrice = 200
	c.Quantity = 5

	if *p.TrailingStopPrice != 102.82 || p.Quantity != 1 {
		t.Error("изменение копии затронуло оригинал")
	}
}

func TestPositionStatus_IsLive(t *testing.T) {
	if !PositionOpen.IsLive() || !PositionPartiallyClosed.IsLive() {
		t.Error("OPEN и PARTIALLY_CLOSED должны быть живыми")
	}
	if PositionClosed.IsLive() {
		t.Error("CLOSED не должен быть живым")
	}
}

func TestPosition_JSONOmitsNilTrailing(t *testing.T) {
	p := Position{InstrumentID: "SOL-USD", EntryTimestamp: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	if strings.Contains(string(data), "trailing_stop_price") {
		t.Errorf("пустой трейлинг не должен попадать в JSON: %s", data)
	}
}

// ============ Signals ============

func TestScreenerSignal_IsBuy(t *testing.T) {
	tests := map[ScreenerSignal]bool{
		SignalStrongBuy: true,
		SignalBuy:       true,
		SignalNeutral:   false,
		SignalSell:      false,
	}
	for signal, want := range tests {
		if signal.IsBuy() != want {
			t.Errorf("%s.IsBuy() = %v, want %v", signal, !want, want)
		}
	}
}
