package api

import (
	"context"
	"net/http"

	"cryptobot/internal/api/handlers"
	"cryptobot/internal/api/middleware"
	"cryptobot/internal/service"
	"cryptobot/internal/websocket"
	"cryptobot/pkg/utils"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine всё, что API требует от движка (реализуется *bot.Engine)
type Engine interface {
	handlers.BotEngine
	handlers.PositionEngine
	handlers.CapitalEngine
}

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	// BaseContext контекст процесса для запуска цикла из API
	BaseContext context.Context

	Engine              Engine
	SettingsService     *service.SettingsService
	StatsService        *service.StatsService
	NotificationService *service.NotificationService
	Webhook             handlers.WebhookProcessor
	Hub                 *websocket.Hub

	// Auth nil = API без авторизации (локальный запуск без ADMIN_PASSWORD)
	Auth        *middleware.TokenAuth
	Credentials handlers.Credentials

	AllowedOrigins []string
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── POST /auth/login - выдача JWT (без авторизации)
//	├── POST /webhook - внешний сигнал, секрет в теле (без JWT)
//	├── GET  /status - состояние цикла
//	├── /bot/
//	│   ├── POST /start, /stop, /pause, /resume, /restart
//	│   └── POST /analyze - внеочередной анализ
//	├── /positions/
//	│   ├── GET / - позиции с оценкой
//	│   ├── POST / - ручной вход
//	│   └── DELETE /{instrument} - ручное закрытие
//	├── /capital/
//	│   ├── GET / - книга капитала
//	│   ├── POST /reset-halt - снять остановку входов
//	│   └── POST /reset - новый стартовый капитал
//	├── /trades/
//	│   ├── GET / - журнал сделок
//	│   └── GET /summary - сводка
//	├── /risk/
//	│   ├── GET / - профиль риска
//	│   └── PUT / - пресет и поля
//	└── GET /notifications - лента уведомлений
//
// /ws/stream - WebSocket дашборда (токен в query, если включена авторизация)
// /metrics   - Prometheus
// /health    - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (до роутера, чтобы preflight OPTIONS не упирался в 405)
// 4. Auth (только для защищенных маршрутов)
func SetupRoutes(deps *Dependencies) http.Handler {
	router := mux.NewRouter()

	protect := func(h http.Handler) http.Handler { return h }
	var issuer handlers.TokenIssuer
	if deps.Auth != nil {
		protect = deps.Auth.Middleware
		issuer = deps.Auth
	}

	// Публичные маршруты регистрируются до защищённого subrouter
	authHandler := handlers.NewAuthHandler(issuer, deps.Credentials, deps.Logger)
	router.HandleFunc("/api/v1/auth/login", authHandler.Login).Methods("POST")

	webhookHandler := handlers.NewWebhookHandler(deps.Webhook)
	router.HandleFunc("/api/v1/webhook", webhookHandler.Receive).Methods("POST")

	router.HandleFunc("/health", healthHandler(deps.Engine)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if deps.Hub != nil {
		router.Handle("/ws/stream", protect(http.HandlerFunc(deps.Hub.ServeWS)))
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	if deps.Auth != nil {
		api.Use(deps.Auth.Middleware)
	}

	if deps.Engine != nil {
		botHandler := handlers.NewBotHandler(deps.BaseContext, deps.Engine)
		api.HandleFunc("/status", botHandler.GetStatus).Methods("GET")
		api.HandleFunc("/bot/start", botHandler.Start).Methods("POST")
		api.HandleFunc("/bot/stop", botHandler.Stop).Methods("POST")
		api.HandleFunc("/bot/pause", botHandler.Pause).Methods("POST")
		api.HandleFunc("/bot/resume", botHandler.Resume).Methods("POST")
		api.HandleFunc("/bot/restart", botHandler.Restart).Methods("POST")
		api.HandleFunc("/bot/analyze", botHandler.Analyze).Methods("POST")

		positionHandler := handlers.NewPositionHandler(deps.Engine)
		api.HandleFunc("/positions", positionHandler.GetPositions).Methods("GET")
		api.HandleFunc("/positions", positionHandler.OpenPosition).Methods("POST")
		api.HandleFunc("/positions/{instrument}", positionHandler.ClosePosition).Methods("DELETE")

		capitalHandler := handlers.NewCapitalHandler(deps.Engine)
		api.HandleFunc("/capital", capitalHandler.GetCapital).Methods("GET")
		api.HandleFunc("/capital/reset-halt", capitalHandler.ResetHalt).Methods("POST")
		api.HandleFunc("/capital/reset", capitalHandler.ResetCapital).Methods("POST")
	}

	if deps.StatsService != nil {
		statsHandler := handlers.NewStatsHandler(deps.StatsService)
		api.HandleFunc("/trades", statsHandler.GetTrades).Methods("GET")
		api.HandleFunc("/trades/summary", statsHandler.GetSummary).Methods("GET")
	}

	if deps.SettingsService != nil {
		settingsHandler := handlers.NewSettingsHandler(deps.SettingsService)
		api.HandleFunc("/risk", settingsHandler.GetSettings).Methods("GET")
		api.HandleFunc("/risk", settingsHandler.UpdateSettings).Methods("PUT")
	}

	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	var h http.Handler = router
	h = middleware.CORS(deps.AllowedOrigins)(h)
	h = middleware.Logging(deps.Logger)(h)
	h = middleware.Recovery(deps.Logger)(h)
	return h
}

// healthResponse ответ /health
type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

func healthHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if engine != nil {
			resp.State = string(engine.State())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
