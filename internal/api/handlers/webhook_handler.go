package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"cryptobot/internal/bot"
	"cryptobot/internal/models"
	"cryptobot/internal/webhook"
)

// maxWebhookBody сигнал TradingView занимает сотни байт
const maxWebhookBody = 64 << 10

// WebhookProcessor приём сигнала (webhook.Processor)
type WebhookProcessor interface {
	Enabled() bool
	Handle(ctx context.Context, body []byte) (models.Intent, error)
}

// WebhookHandler приём внешних торговых сигналов
//
// Endpoint:
// - POST /api/v1/webhook
//
// Аутентификация по секрету в теле сигнала, JWT не требуется.
// Принятый сигнал только ставится в очередь: исполнение и все
// проверки риска происходят в цикле на ближайшем тике.
type WebhookHandler struct {
	processor WebhookProcessor
}

// NewWebhookHandler создает WebhookHandler
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// WebhookResponse ответ на принятый сигнал
type WebhookResponse struct {
	Accepted bool          `json:"accepted"`
	Intent   models.Intent `json:"intent"`
}

// Receive принимает сигнал
// POST /api/v1/webhook
//
// HTTP коды:
// - 202 Accepted: сигнал в очереди цикла
// - 400: некорректный сигнал
// - 401: неверный секрет
// - 404: вебхук выключен (WEBHOOK_SECRET не задан)
// - 409: цикл не работает
// - 413: слишком большое тело
// - 422: сигнал не подтверждён индикаторами
// - 429: превышен лимит частоты
// - 503: очередь цикла переполнена
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.processor == nil || !h.processor.Enabled() {
		respondWithError(w, http.StatusNotFound, "webhook is disabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		bot.RecordWebhookSignal("invalid")
		respondWithError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}

	intent, err := h.processor.Handle(r.Context(), body)
	if err != nil {
		status, result := webhookStatus(err)
		bot.RecordWebhookSignal(result)
		respondWithDetails(w, status, err.Error(), result, "")
		return
	}

	bot.RecordWebhookSignal("accepted")
	respondWithJSON(w, http.StatusAccepted, WebhookResponse{Accepted: true, Intent: intent})
}

// webhookStatus HTTP статус и метка метрики для ошибки приёма
func webhookStatus(err error) (int, string) {
	switch {
	case errors.Is(err, webhook.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, webhook.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, webhook.ErrInvalidPayload), errors.Is(err, bot.ErrInvalidIntent):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, webhook.ErrNotConfirmed):
		return http.StatusUnprocessableEntity, "unconfirmed"
	case errors.Is(err, bot.ErrLoopNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, bot.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	default:
		return http.StatusInternalServerError, "error"
	}
}
