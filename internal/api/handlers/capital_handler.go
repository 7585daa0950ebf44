package handlers

import (
	"context"
	"net/http"

	"cryptobot/internal/models"
)

// CapitalEngine книга капитала (bot.Engine)
type CapitalEngine interface {
	CapitalState() models.CapitalView
	ResetHalt(ctx context.Context)
	ResetCapital(ctx context.Context, initial float64) error
}

// CapitalHandler капитал и административные сбросы
//
// Endpoints:
// - GET  /api/v1/capital            - доступный/занятый капитал, equity, просадка
// - POST /api/v1/capital/reset-halt - снять остановку входов по просадке
// - POST /api/v1/capital/reset      - новый стартовый капитал, только без позиций
type CapitalHandler struct {
	engine CapitalEngine
}

// NewCapitalHandler создает CapitalHandler
func NewCapitalHandler(engine CapitalEngine) *CapitalHandler {
	return &CapitalHandler{engine: engine}
}

// GetCapital возвращает состояние капитала
// GET /api/v1/capital
func (h *CapitalHandler) GetCapital(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.CapitalState())
}

// ResetHalt снимает остановку входов
// POST /api/v1/capital/reset-halt
func (h *CapitalHandler) ResetHalt(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetHalt(r.Context())
	respondWithJSON(w, http.StatusOK, h.engine.CapitalState())
}

// ResetCapitalRequest тело POST /capital/reset
type ResetCapitalRequest struct {
	InitialCapital float64 `json:"initial_capital"`
}

// ResetCapital начинает книгу заново
// POST /api/v1/capital/reset
//
// HTTP коды:
// - 200 OK: новое состояние капитала
// - 400: initial_capital <= 0
// - 409: есть открытые позиции или незавершённые резервы
func (h *CapitalHandler) ResetCapital(w http.ResponseWriter, r *http.Request) {
	var req ResetCapitalRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InitialCapital <= 0 {
		respondWithError(w, http.StatusBadRequest, "initial_capital must be > 0")
		return
	}

	if err := h.engine.ResetCapital(r.Context(), req.InitialCapital); err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.engine.CapitalState())
}
