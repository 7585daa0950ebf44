package handlers

import (
	"context"
	"net/http"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	"github.com/gorilla/mux"
)

// PositionEngine позиции и ручные сделки (bot.Engine)
type PositionEngine interface {
	Positions() []models.PositionView
	OpenPosition(ctx context.Context, instrument string, sizeUSD float64) (*models.Trade, error)
	ClosePosition(ctx context.Context, instrument string) (*models.Trade, error)
}

// PositionHandler обрабатывает запросы по позициям
//
// Endpoints:
// - GET    /api/v1/positions              - живые позиции с оценкой
// - POST   /api/v1/positions              - ручной вход через Gate
// - DELETE /api/v1/positions/{instrument} - ручное закрытие
//
// Ручные сделки проходят те же проверки, что и автоматические:
// отказ возвращается с нарушенным ограничением (RejectionResponse).
type PositionHandler struct {
	engine PositionEngine
}

// NewPositionHandler создает PositionHandler
func NewPositionHandler(engine PositionEngine) *PositionHandler {
	return &PositionHandler{engine: engine}
}

// PositionsResponse список позиций
type PositionsResponse struct {
	Positions []models.PositionView `json:"positions"`
	Total     int                   `json:"total"`
}

// GetPositions возвращает открытые позиции с текущей ценой,
// нереализованным P&L и ценой безубыточности
// GET /api/v1/positions
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Positions()
	if positions == nil {
		positions = []models.PositionView{}
	}
	respondWithJSON(w, http.StatusOK, PositionsResponse{Positions: positions, Total: len(positions)})
}

// OpenPositionRequest тело POST /positions.
// size_usd = 0 → размер по RiskConfig от доступного капитала.
type OpenPositionRequest struct {
	InstrumentID string  `json:"instrument_id"`
	SizeUSD      float64 `json:"size_usd"`
}

// OpenPosition ручной вход
// POST /api/v1/positions
//
// HTTP коды:
// - 201 Created: сделка исполнена, в теле Trade
// - 400: некорректный инструмент или размер
// - 409: позиция по инструменту уже есть или намерение в работе
// - 422: отказ по ограничению риска
// - 502: ошибка биржи
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	instrument := utils.NormalizeInstrument(req.InstrumentID)
	if err := utils.ValidateInstrument(instrument); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SizeUSD < 0 {
		respondWithError(w, http.StatusBadRequest, "size_usd must be >= 0")
		return
	}

	trade, err := h.engine.OpenPosition(r.Context(), instrument, req.SizeUSD)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, trade)
}

// ClosePosition ручное закрытие по рынку, работает в любом состоянии цикла
// DELETE /api/v1/positions/{instrument}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	instrument := utils.NormalizeInstrument(mux.Vars(r)["instrument"])
	if err := utils.ValidateInstrument(instrument); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	trade, err := h.engine.ClosePosition(r.Context(), instrument)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, trade)
}
