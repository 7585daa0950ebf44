package handlers

import (
	"context"
	"net/http"

	"cryptobot/internal/bot"
)

// BotEngine управление циклом (bot.Engine)
type BotEngine interface {
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error
	State() bot.LoopState
	Status() bot.EngineStatus
	RequestAnalysis()
}

// BotHandler отвечает за управление циклом бота
//
// Endpoints:
// - GET  /api/v1/status       - состояние цикла, остановка входов, расписание
// - POST /api/v1/bot/start    - IDLE/STOPPED → RUNNING
// - POST /api/v1/bot/stop     - → STOPPED, дожидается текущего тика
// - POST /api/v1/bot/pause    - RUNNING → PAUSED (выходы продолжают работать)
// - POST /api/v1/bot/resume   - PAUSED → RUNNING
// - POST /api/v1/bot/restart  - остановка и повторный запуск
// - POST /api/v1/bot/analyze  - внеочередной анализ на ближайшем тике
//
// Недопустимый переход отдаёт 409 с текущим состоянием в details.
type BotHandler struct {
	engine BotEngine

	// baseCtx контекст процесса: цикл живёт дольше HTTP запроса
	baseCtx context.Context
}

// NewBotHandler создает BotHandler. baseCtx отменяется при завершении сервера.
func NewBotHandler(baseCtx context.Context, engine BotEngine) *BotHandler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &BotHandler{engine: engine, baseCtx: baseCtx}
}

// GetStatus возвращает сводку цикла
// GET /api/v1/status
func (h *BotHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Status())
}

// Start запускает цикл
// POST /api/v1/bot/start
func (h *BotHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.apply(w, func() error { return h.engine.Start(h.baseCtx) })
}

// Stop останавливает цикл
// POST /api/v1/bot/stop
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.apply(w, h.engine.Stop)
}

// Pause приостанавливает новые входы
// POST /api/v1/bot/pause
func (h *BotHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.apply(w, h.engine.Pause)
}

// Resume снимает паузу
// POST /api/v1/bot/resume
func (h *BotHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.apply(w, h.engine.Resume)
}

// Restart останавливает работающий цикл и запускает его снова.
// Из IDLE и STOPPED равносилен Start.
// POST /api/v1/bot/restart
func (h *BotHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, func() error {
		if bot.EvaluatesExits(h.engine.State()) {
			if err := h.engine.Stop(); err != nil {
				return err
			}
		}
		return h.engine.Start(h.baseCtx)
	})
}

// Analyze запрашивает внеочередной анализ кандидатов.
// Анализ выполняется только в RUNNING.
// POST /api/v1/bot/analyze
func (h *BotHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	state := h.engine.State()
	if !bot.AcceptsEntries(state) {
		respondWithDetails(w, http.StatusConflict, "analysis runs only while the loop is RUNNING", "LoopNotRunning", string(state))
		return
	}
	h.engine.RequestAnalysis()
	respondWithJSON(w, http.StatusAccepted, SuccessResponse{Message: "analysis requested"})
}

func (h *BotHandler) apply(w http.ResponseWriter, op func() error) {
	if err := op(); err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.engine.Status())
}
