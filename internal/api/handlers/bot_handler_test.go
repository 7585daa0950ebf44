package handlers

import (
	"context"
	"net/http"
	"testing"

	"cryptobot/internal/bot"
)

type ctxKey struct{}

func TestBotHandler_GetStatus(t *testing.T) {
	engine := newMockEngine()
	h := NewBotHandler(context.Background(), engine)

	w := doRequest(t, h.GetStatus, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var status bot.EngineStatus
	decodeBody(t, w, &status)
	if status.State != bot.StateIdle {
		t.Errorf("expected IDLE, got %s", status.State)
	}
}

func TestBotHandler_StartUsesBaseContext(t *testing.T) {
	engine := newMockEngine()
	base := context.WithValue(context.Background(), ctxKey{}, "process")
	h := NewBotHandler(base, engine)

	w := doRequest(t, h.Start, http.MethodPost, "/api/v1/bot/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if engine.State() != bot.StateRunning {
		t.Errorf("expected RUNNING, got %s", engine.State())
	}
	// Цикл не должен жить в контексте HTTP запроса
	if engine.startCtx.Value(ctxKey{}) != "process" {
		t.Error("engine was started with request context instead of base context")
	}
}

func TestBotHandler_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		initial    bot.LoopState
		action     func(h *BotHandler) http.HandlerFunc
		wantStatus int
		wantState  bot.LoopState
	}{
		{"pause running", bot.StateRunning, func(h *BotHandler) http.HandlerFunc { return h.Pause }, http.StatusOK, bot.StatePaused},
		{"pause idle", bot.StateIdle, func(h *BotHandler) http.HandlerFunc { return h.Pause }, http.StatusConflict, bot.StateIdle},
		{"resume paused", bot.StatePaused, func(h *BotHandler) http.HandlerFunc { return h.Resume }, http.StatusOK, bot.StateRunning},
		{"resume running", bot.StateRunning, func(h *BotHandler) http.HandlerFunc { return h.Resume }, http.StatusConflict, bot.StateRunning},
		{"start running", bot.StateRunning, func(h *BotHandler) http.HandlerFunc { return h.Start }, http.StatusConflict, bot.StateRunning},
		{"stop paused", bot.StatePaused, func(h *BotHandler) http.HandlerFunc { return h.Stop }, http.StatusOK, bot.StateStopped},
		{"stop stopped", bot.StateStopped, func(h *BotHandler) http.HandlerFunc { return h.Stop }, http.StatusConflict, bot.StateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.state = tt.initial
			h := NewBotHandler(context.Background(), engine)

			w := doRequest(t, tt.action(h), http.MethodPost, "/api/v1/bot/x", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if engine.State() != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, engine.State())
			}

			if tt.wantStatus == http.StatusConflict {
				var resp ErrorResponse
				decodeBody(t, w, &resp)
				if resp.Code != "InvalidTransition" {
					t.Errorf("expected code InvalidTransition, got %q", resp.Code)
				}
			}
		})
	}
}

func TestBotHandler_Restart(t *testing.T) {
	t.Run("running stops then starts", func(t *testing.T) {
		engine := newMockEngine()
		engine.state = bot.StateRunning
		h := NewBotHandler(context.Background(), engine)

		w := doRequest(t, h.Restart, http.MethodPost, "/api/v1/bot/restart", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if len(engine.calls) != 2 || engine.calls[0] != "stop" || engine.calls[1] != "start" {
			t.Errorf("expected [stop start], got %v", engine.calls)
		}
		if engine.State() != bot.StateRunning {
			t.Errorf("expected RUNNING, got %s", engine.State())
		}
	})

	t.Run("stopped only starts", func(t *testing.T) {
		engine := newMockEngine()
		engine.state = bot.StateStopped
		h := NewBotHandler(context.Background(), engine)

		w := doRequest(t, h.Restart, http.MethodPost, "/api/v1/bot/restart", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if len(engine.calls) != 1 || engine.calls[0] != "start" {
			t.Errorf("expected [start], got %v", engine.calls)
		}
	})
}

func TestBotHandler_Analyze(t *testing.T) {
	engine := newMockEngine()
	h := NewBotHandler(context.Background(), engine)

	for _, state := range []bot.LoopState{bot.StateIdle, bot.StatePaused, bot.StateStopped} {
		engine.state = state
		w := doRequest(t, h.Analyze, http.MethodPost, "/api/v1/bot/analyze", "")
		if w.Code != http.StatusConflict {
			t.Errorf("%s: expected 409, got %d", state, w.Code)
		}
	}
	if engine.analyzeNo != 0 {
		t.Fatalf("analysis requested outside RUNNING: %d", engine.analyzeNo)
	}

	engine.state = bot.StateRunning
	w := doRequest(t, h.Analyze, http.MethodPost, "/api/v1/bot/analyze", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if engine.analyzeNo != 1 {
		t.Errorf("expected one analysis request, got %d", engine.analyzeNo)
	}
}
