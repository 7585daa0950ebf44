package handlers

import (
	"errors"
	"net/http"

	"cryptobot/internal/bot"
	"cryptobot/internal/exchange"
)

// RejectionResponse отказ Gate с нарушенным ограничением.
//
//	{
//	  "error": "BelowMinimumSize: min_trade_usd limit 150, attempted 100",
//	  "code": "BelowMinimumSize",
//	  "rejection": {"code": "BelowMinimumSize", "constraint": "min_trade_usd", "limit": 150, "attempted": 100}
//	}
type RejectionResponse struct {
	ErrorResponse
	Rejection *bot.RejectionError `json:"rejection"`
}

// rejectionStatus HTTP статус для кода отказа
func rejectionStatus(code bot.RejectionCode) int {
	switch code {
	case bot.ErrNoPosition:
		return http.StatusNotFound
	case bot.ErrDuplicatePosition, bot.ErrIntentInFlight:
		return http.StatusConflict
	case bot.ErrInvalidIntent:
		return http.StatusBadRequest
	default:
		// Ограничения риска: запрос корректен, но исполнять его нельзя
		return http.StatusUnprocessableEntity
	}
}

// respondWithEngineError переводит ошибку движка в HTTP ответ
func respondWithEngineError(w http.ResponseWriter, err error) {
	if rej, ok := bot.AsRejection(err); ok {
		respondWithJSON(w, rejectionStatus(rej.Code), RejectionResponse{
			ErrorResponse: ErrorResponse{Error: rej.Error(), Code: string(rej.Code)},
			Rejection:     rej,
		})
		return
	}

	var exErr *exchange.ExchangeError
	switch {
	case errors.Is(err, bot.ErrInvalidTransition):
		respondWithDetails(w, http.StatusConflict, "invalid loop state transition", "InvalidTransition", err.Error())
	case errors.Is(err, bot.ErrPositionsOpen):
		respondWithDetails(w, http.StatusConflict, err.Error(), "PositionsOpen", "")
	case errors.Is(err, bot.ErrLoopNotRunning):
		respondWithDetails(w, http.StatusConflict, err.Error(), "LoopNotRunning", "")
	case errors.Is(err, bot.ErrQueueFull):
		respondWithDetails(w, http.StatusServiceUnavailable, err.Error(), "QueueFull", "")
	case errors.As(err, &exErr):
		respondWithDetails(w, http.StatusBadGateway, "exchange error", exErr.Code, exErr.Error())
	case errors.Is(err, exchange.ErrOrderNotFilled), errors.Is(err, exchange.ErrInsufficientFunds):
		respondWithDetails(w, http.StatusBadGateway, "exchange error", "", err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
