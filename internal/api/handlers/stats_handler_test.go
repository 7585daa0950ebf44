package handlers

import (
	"net/http"
	"testing"
	"time"

	"cryptobot/internal/models"
	"cryptobot/internal/service"
)

func pnl(v float64) *float64 { return &v }

func journal() []*models.Trade {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*models.Trade{
		{ID: "t4", Side: models.SideSell, InstrumentID: "ETH-USD", Reason: models.ReasonStopLoss, Fee: 1, RealizedPnL: pnl(-6), Timestamp: ts.Add(3 * time.Hour)},
		{ID: "t3", Side: models.SideBuy, InstrumentID: "ETH-USD", Reason: models.ReasonManual, Fee: 1, Timestamp: ts.Add(2 * time.Hour)},
		{ID: "t2", Side: models.SideSell, InstrumentID: "BTC-USD", Reason: models.ReasonTakeProfit, Fee: 2, RealizedPnL: pnl(18), Timestamp: ts.Add(time.Hour)},
		{ID: "t1", Side: models.SideBuy, InstrumentID: "BTC-USD", Reason: models.ReasonManual, Fee: 2, Timestamp: ts},
	}
}

func TestStatsHandler_GetTrades(t *testing.T) {
	h := NewStatsHandler(service.NewStatsService(&mockTradeReader{trades: journal()}))

	w := doRequest(t, h.GetTrades, http.MethodGet, "/api/v1/trades?instrument=btc-usd", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp TradesResponse
	decodeBody(t, w, &resp)
	if resp.Total != 2 {
		t.Fatalf("expected 2 BTC trades, got %d", resp.Total)
	}
	for _, tr := range resp.Trades {
		if tr.InstrumentID != "BTC-USD" {
			t.Errorf("unexpected instrument %s", tr.InstrumentID)
		}
	}
}

func TestStatsHandler_GetTradesErrors(t *testing.T) {
	tests := []struct {
		name       string
		reader     service.TradeReaderInterface
		query      string
		wantStatus int
	}{
		{"bad limit", &mockTradeReader{}, "?limit=abc", http.StatusBadRequest},
		{"negative limit", &mockTradeReader{}, "?limit=-1", http.StatusBadRequest},
		{"unknown reason", &mockTradeReader{}, "?reason=moon", http.StatusBadRequest},
		{"bad instrument", &mockTradeReader{}, "?instrument=%24%24", http.StatusBadRequest},
		{"no journal", nil, "", http.StatusServiceUnavailable},
		{"db error", &mockTradeReader{err: errMockDatabase}, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewStatsHandler(service.NewStatsService(tt.reader))
			w := doRequest(t, h.GetTrades, http.MethodGet, "/api/v1/trades"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestStatsHandler_GetSummary(t *testing.T) {
	h := NewStatsHandler(service.NewStatsService(&mockTradeReader{trades: journal()}))

	w := doRequest(t, h.GetSummary, http.MethodGet, "/api/v1/trades/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		TotalTrades      int     `json:"total_trades"`
		Wins             int     `json:"wins"`
		Losses           int     `json:"losses"`
		RealizedPnLTotal float64 `json:"realized_pnl_total"`
		WinRate          float64 `json:"win_rate"`
	}
	decodeBody(t, w, &resp)

	if resp.TotalTrades != 4 || resp.Wins != 1 || resp.Losses != 1 {
		t.Errorf("unexpected counts %+v", resp)
	}
	if resp.RealizedPnLTotal != 12 {
		t.Errorf("expected realized 12, got %v", resp.RealizedPnLTotal)
	}
	if resp.WinRate != 0.5 {
		t.Errorf("expected win rate 0.5, got %v", resp.WinRate)
	}
}
