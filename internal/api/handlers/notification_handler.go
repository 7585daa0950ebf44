package handlers

import (
	"net/http"
	"strings"

	"cryptobot/internal/models"
	"cryptobot/internal/service"
)

// NotificationHandler отвечает за ленту уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления
// - GET /api/v1/notifications?types=open,close,halt - с фильтрацией по типам
// - GET /api/v1/notifications?limit=50 - с ограничением количества
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// GET /api/v1/notifications
//
// Query параметры:
// - types (string): типы через запятую (open,close,partial,rejected,halt,error,state)
// - limit (int): количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}

	notifications, err := h.notificationService.GetNotifications(r.Context(), types, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to get notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}
