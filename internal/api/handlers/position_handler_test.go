package handlers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"cryptobot/internal/bot"
	"cryptobot/internal/exchange"
	"cryptobot/internal/models"

	"github.com/gorilla/mux"
)

func TestPositionHandler_GetPositions(t *testing.T) {
	t.Run("empty list is an array", func(t *testing.T) {
		h := NewPositionHandler(newMockEngine())
		w := doRequest(t, h.GetPositions, http.MethodGet, "/api/v1/positions", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if body := w.Body.String(); body != "{\"positions\":[],\"total\":0}\n" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("with positions", func(t *testing.T) {
		engine := newMockEngine()
		engine.positions = []models.PositionView{
			{Position: models.Position{InstrumentID: "BTC-USD", Quantity: 0.01, EntryPrice: 60000}, CurrentPrice: 61000},
		}
		h := NewPositionHandler(engine)

		w := doRequest(t, h.GetPositions, http.MethodGet, "/api/v1/positions", "")
		var resp PositionsResponse
		decodeBody(t, w, &resp)
		if resp.Total != 1 || resp.Positions[0].InstrumentID != "BTC-USD" {
			t.Errorf("unexpected response %+v", resp)
		}
	})
}

func TestPositionHandler_OpenPosition(t *testing.T) {
	engine := newMockEngine()
	h := NewPositionHandler(engine)

	w := doRequest(t, h.OpenPosition, http.MethodPost, "/api/v1/positions", `{"instrument_id": "btc/usd", "size_usd": 200}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.opened) != 1 || engine.opened[0].InstrumentID != "BTC-USD" || engine.opened[0].SizeUSD != 200 {
		t.Errorf("unexpected engine call %+v", engine.opened)
	}

	var trade models.Trade
	decodeBody(t, w, &trade)
	if trade.Side != models.SideBuy || trade.Reason != models.ReasonManual {
		t.Errorf("unexpected trade %+v", trade)
	}
}

func TestPositionHandler_OpenPositionBadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"instrument_id":`},
		{"empty body", ""},
		{"bad instrument", `{"instrument_id": "???", "size_usd": 200}`},
		{"negative size", `{"instrument_id": "BTC-USD", "size_usd": -5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			h := NewPositionHandler(engine)

			w := doRequest(t, h.OpenPosition, http.MethodPost, "/api/v1/positions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if len(engine.opened) != 0 {
				t.Error("engine must not be called for a malformed request")
			}
		})
	}
}

func TestPositionHandler_EngineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "below minimum size",
			err:        &bot.RejectionError{Code: bot.ErrBelowMinimumSize, Constraint: "min_trade_usd", Limit: 150, Attempted: 100},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "BelowMinimumSize",
		},
		{
			name:       "duplicate",
			err:        &bot.RejectionError{Code: bot.ErrDuplicatePosition},
			wantStatus: http.StatusConflict,
			wantCode:   "DuplicatePosition",
		},
		{
			name:       "in flight wrapped",
			err:        fmt.Errorf("manual entry: %w", &bot.RejectionError{Code: bot.ErrIntentInFlight}),
			wantStatus: http.StatusConflict,
			wantCode:   "IntentInFlight",
		},
		{
			name:       "drawdown halt",
			err:        &bot.RejectionError{Code: bot.ErrDrawdownHalt, Message: "drawdown 21%"},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "DrawdownHalt",
		},
		{
			name:       "exchange failure",
			err:        &exchange.ExchangeError{Exchange: "coinbase", Code: "INSUFFICIENT_FUND", Message: "no funds"},
			wantStatus: http.StatusBadGateway,
			wantCode:   "INSUFFICIENT_FUND",
		},
		{
			name:       "order not filled",
			err:        exchange.ErrOrderNotFilled,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unknown",
			err:        errMockDatabase,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newMockEngine()
			engine.openErr = tt.err
			h := NewPositionHandler(engine)

			w := doRequest(t, h.OpenPosition, http.MethodPost, "/api/v1/positions", `{"instrument_id": "BTC-USD", "size_usd": 100}`)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}

			var resp RejectionResponse
			decodeBody(t, w, &resp)
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestPositionHandler_RejectionCarriesConstraint(t *testing.T) {
	engine := newMockEngine()
	engine.openErr = &bot.RejectionError{Code: bot.ErrBelowMinimumSize, Constraint: "min_trade_usd", Limit: 150, Attempted: 100}
	h := NewPositionHandler(engine)

	w := doRequest(t, h.OpenPosition, http.MethodPost, "/api/v1/positions", `{"instrument_id": "BTC-USD", "size_usd": 100}`)

	var resp RejectionResponse
	decodeBody(t, w, &resp)
	if resp.Rejection == nil {
		t.Fatal("expected rejection details")
	}
	if resp.Rejection.Constraint != "min_trade_usd" || resp.Rejection.Limit != 150 || resp.Rejection.Attempted != 100 {
		t.Errorf("unexpected rejection %+v", resp.Rejection)
	}
}

func TestPositionHandler_ClosePosition(t *testing.T) {
	closeReq := func(h *PositionHandler, instrument string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/positions/"+instrument, nil)
		req = mux.SetURLVars(req, map[string]string{"instrument": instrument})
		w := httptest.NewRecorder()
		h.ClosePosition(w, req)
		return w
	}

	t.Run("success", func(t *testing.T) {
		h := NewPositionHandler(newMockEngine())
		w := closeReq(h, "eth-usd")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var trade models.Trade
		decodeBody(t, w, &trade)
		if trade.InstrumentID != "ETH-USD" || trade.Side != models.SideSell {
			t.Errorf("unexpected trade %+v", trade)
		}
	})

	t.Run("no position", func(t *testing.T) {
		engine := newMockEngine()
		engine.closeErr = &bot.RejectionError{Code: bot.ErrNoPosition}
		h := NewPositionHandler(engine)
		if w := closeReq(h, "ETH-USD"); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("invalid instrument", func(t *testing.T) {
		h := NewPositionHandler(newMockEngine())
		if w := closeReq(h, "!!"); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}
