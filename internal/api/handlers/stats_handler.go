package handlers

import (
	"errors"
	"net/http"

	"cryptobot/internal/models"
	"cryptobot/internal/repository"
	"cryptobot/internal/service"
)

// StatsHandler обрабатывает HTTP запросы журнала сделок.
//
// Endpoints:
// - GET /api/v1/trades?instrument=BTC-USD&reason=STOP_LOSS&limit=50
// - GET /api/v1/trades/summary
type StatsHandler struct {
	statsService service.StatsServiceInterface
}

// NewStatsHandler создает новый StatsHandler с внедрением зависимостей.
func NewStatsHandler(statsService service.StatsServiceInterface) *StatsHandler {
	return &StatsHandler{
		statsService: statsService,
	}
}

// TradesResponse ответ журнала
type TradesResponse struct {
	Trades []*models.Trade `json:"trades"`
	Total  int             `json:"total"`
}

// SummaryResponse сводка с долей прибыльных выходов
type SummaryResponse struct {
	*repository.TradeSummary
	WinRate float64 `json:"win_rate"`
}

// GetTrades возвращает сделки, новые первыми
// GET /api/v1/trades
func (h *StatsHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	q := r.URL.Query()
	trades, err := h.statsService.GetTrades(r.Context(), service.TradeQuery{
		Instrument: q.Get("instrument"),
		Reason:     q.Get("reason"),
		Limit:      limit,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, TradesResponse{Trades: trades, Total: len(trades)})
}

// GetSummary возвращает агрегаты по журналу
// GET /api/v1/trades/summary
func (h *StatsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.statsService.GetSummary(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SummaryResponse{TradeSummary: summary, WinRate: summary.WinRate()})
}

func (h *StatsHandler) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTradeQuery):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrJournalUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, "failed to read trade journal: "+err.Error())
	}
}
