package handlers

import (
	"errors"
	"net/http"

	"cryptobot/internal/service"
)

// SettingsHandler отвечает за профиль риска
//
// Функции:
// - Получение профиля (GET /api/v1/risk)
// - Смена пресета и точечные изменения (PUT /api/v1/risk)
//
// Тело PUT:
//
//	{"preset": "conservative", "risk": {"stop_loss_pct": 0.05}}
//
// Пресет накладывается первым, затем поля risk. Изменения применяются
// со следующего тика и сохраняются в YAML профиля.
type SettingsHandler struct {
	settingsService service.SettingsServiceInterface
}

// NewSettingsHandler создает новый SettingsHandler
func NewSettingsHandler(settingsService service.SettingsServiceInterface) *SettingsHandler {
	return &SettingsHandler{settingsService: settingsService}
}

// GetSettings возвращает текущий профиль риска
// GET /api/v1/risk
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.settingsService.GetSettings())
}

// UpdateSettings меняет профиль риска
// PUT /api/v1/risk
//
// HTTP коды:
// - 200 OK: новый профиль
// - 400: пустой запрос, неизвестный пресет или значения вне диапазона
// - 500: профиль применён, но не сохранён в файл (в details причина)
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateSettingsRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := h.settingsService.UpdateSettings(&req)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, view)
	case errors.Is(err, service.ErrSettingsNotSaved):
		respondWithDetails(w, http.StatusInternalServerError, "risk settings applied but not saved", "NotSaved", err.Error())
	case errors.Is(err, service.ErrUnknownPreset),
		errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrEmptySettingsDiff):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
