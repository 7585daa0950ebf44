package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"cryptobot/internal/bot"
	"cryptobot/internal/models"
)

func TestCapitalHandler_GetCapital(t *testing.T) {
	h := NewCapitalHandler(newMockEngine())

	w := doRequest(t, h.GetCapital, http.MethodGet, "/api/v1/capital", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var view models.CapitalView
	decodeBody(t, w, &view)
	if view.InitialCapital != 1000 || view.AvailableCapital != 1000 {
		t.Errorf("unexpected capital %+v", view.CapitalState)
	}
}

func TestCapitalHandler_ResetHalt(t *testing.T) {
	engine := newMockEngine()
	engine.capital.Halted = true
	engine.capital.HaltReason = "drawdown 21% >= 20%"
	h := NewCapitalHandler(engine)

	w := doRequest(t, h.ResetHalt, http.MethodPost, "/api/v1/capital/reset-halt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if engine.haltResets != 1 {
		t.Errorf("expected one reset, got %d", engine.haltResets)
	}

	var view models.CapitalView
	decodeBody(t, w, &view)
	if view.Halted {
		t.Error("expected halt to be cleared in response")
	}
}

func TestCapitalHandler_ResetCapital(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		engineErr  error
		wantStatus int
	}{
		{"ok", `{"initial_capital": 2500}`, nil, http.StatusOK},
		{"zero", `{"initial_capital": 0}`, nil, http.StatusBadRequest},
		{"negative", `{"initial_capital": -10}`, nil, http.StatusBadRequest},
		{"bad json", `{"initial_capital": "a lot"}`, nil, http.StatusBadRequest},
		{"positions open", `{"initial_capital": 2500}`, fmt.Errorf("reset: %w", bot.ErrPositionsOpen), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.resetErr = tt.engineErr
			h := NewCapitalHandler(engine)

			w := doRequest(t, h.ResetCapital, http.MethodPost, "/api/v1/capital/reset", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK && engine.resetAmount != 2500 {
				t.Errorf("expected reset to 2500, got %v", engine.resetAmount)
			}
		})
	}
}
