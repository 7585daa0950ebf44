package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cryptobot/internal/advisor"
	"cryptobot/internal/api"
	"cryptobot/internal/api/handlers"
	"cryptobot/internal/api/middleware"
	"cryptobot/internal/bot"
	"cryptobot/internal/config"
	"cryptobot/internal/exchange"
	"cryptobot/internal/models"
	"cryptobot/internal/repository"
	"cryptobot/internal/screener"
	"cryptobot/internal/service"
	"cryptobot/internal/webhook"
	"cryptobot/internal/websocket"
	"cryptobot/pkg/utils"

	"github.com/robfig/cron/v3"
)

// notificationRetention сколько хранить журнал уведомлений в PostgreSQL
const notificationRetention = 30 * 24 * time.Hour

// storage выбранное хранилище состояния
type storage struct {
	state   bot.StateStore
	trades  service.TradeReaderInterface
	history service.NotificationHistoryInterface // только PostgreSQL
	pg      *repository.PostgresStateStore
	db      *sql.DB
}

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		utils.L().Fatal("failed to load config", utils.Err(err))
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer logger.Sync()

	risk, err := config.LoadRisk(cfg.Bot.RiskFile, cfg.Bot.RiskPreset)
	if err != nil {
		logger.Fatal("failed to load risk profile", utils.Err(err))
	}
	logger.Info("risk profile loaded",
		utils.String("file", cfg.Bot.RiskFile),
		utils.String("preset", risk.Preset),
		utils.String("schedule", risk.Risk.AnalysisSchedule),
	)

	// baseCtx живёт до сигнала завершения: цикл, запущенный из API,
	// не должен зависеть от контекста HTTP запроса
	baseCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	store, err := openStorage(baseCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open state storage", utils.Err(err))
	}
	if store.db != nil {
		defer store.db.Close()
	}

	ex, closeExchange, err := buildExchange(cfg, risk.Risk, logger)
	if err != nil {
		logger.Fatal("failed to create exchange client", utils.Err(err))
	}
	defer closeExchange()

	// Скринер и советник необязательны: без них цикл только защищает позиции
	var scr *screener.HTTPSource
	if cfg.Screener.BaseURL != "" {
		mode := cfg.Screener.Mode
		if mode == "" {
			mode = risk.ScreenerMode
		}
		scr, err = screener.NewHTTPSource(screener.HTTPConfig{
			BaseURL: cfg.Screener.BaseURL,
			APIKey:  cfg.Screener.APIKey,
			Mode:    mode,
			Limit:   cfg.Screener.Limit,
		})
		if err != nil {
			logger.Fatal("failed to create screener", utils.Err(err))
		}
		defer scr.Close()
	} else {
		logger.Warn("SCREENER_URL is not set, scheduled analysis will find no candidates")
	}

	var adv bot.Advisor
	if cfg.Advisor.APIKey != "" {
		tolerance := cfg.Advisor.RiskTolerance
		if tolerance == "" {
			tolerance = risk.RiskTolerance
		}
		claude, err := advisor.NewClaude(advisor.Config{
			APIKey:        cfg.Advisor.APIKey,
			Model:         cfg.Advisor.Model,
			MaxTokens:     int64(cfg.Advisor.MaxTokens),
			BaseURL:       cfg.Advisor.BaseURL,
			RiskTolerance: tolerance,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create advisor", utils.Err(err))
		}
		adv = claude
	} else {
		logger.Warn("ANTHROPIC_API_KEY is not set, candidates are not sent to the advisor")
	}

	// Инициализация WebSocket hub
	hub := websocket.NewHub(logger, cfg.Server.AllowedOrigins)
	go hub.Run()

	deps := bot.Deps{
		Exchange:    ex,
		Store:       store.state,
		Broadcaster: hub,
		Logger:      logger,
	}
	if scr != nil {
		deps.Screener = scr
	}
	deps.Advisor = adv

	engineCfg := bot.DefaultEngineConfig()
	engineCfg.TickInterval = cfg.Bot.TickInterval
	engineCfg.InitialCapital = cfg.Bot.InitialCapital
	engineCfg.Watchlist = cfg.Bot.Watchlist
	engineCfg.WebhookQueueSize = cfg.Bot.WebhookQueueSize
	engineCfg.OrderTimeout = cfg.Bot.OrderTimeout
	engineCfg.PriceTimeout = cfg.Bot.PriceTimeout
	engineCfg.AnalysisBudget = cfg.Bot.AnalysisBudget

	engine, err := bot.NewEngine(engineCfg, risk.Risk, deps)
	if err != nil {
		logger.Fatal("failed to create engine", utils.Err(err))
	}

	// Восстановление до приёма запросов: нарушенный инвариант книги
	// останавливает запуск, торговать на неверном капитале нельзя
	recovered, err := engine.Recover(baseCtx)
	if err != nil {
		logger.Fatal("state recovery failed", utils.Err(err))
	}
	logger.Info("state recovered",
		utils.Bool("loaded", recovered.Loaded),
		utils.Int("positions", recovered.PositionsRestored),
		utils.Float64("available", recovered.Capital.AvailableCapital),
	)

	// Вебхук: подтверждение индикаторами возможно только со скринером
	var confirmer *webhook.Confirmer
	if cfg.Webhook.Confirm {
		if scr == nil {
			logger.Warn("WEBHOOK_CONFIRM requires SCREENER_URL, confirmation disabled")
		} else {
			cc := webhook.DefaultConfirmConfig()
			cc.RSIOverbought = cfg.Webhook.RSIOverbought
			confirmer = webhook.NewConfirmer(scr, cc)
		}
	}
	processor := webhook.NewProcessor(webhook.Config{
		Secret:            cfg.Webhook.Secret,
		RequestsPerMinute: cfg.Webhook.RequestsPerMinute,
		Burst:             cfg.Webhook.Burst,
	}, engine, confirmer, logger)

	// Инициализация сервисов
	persistRisk := func(preset string, rc models.RiskConfig) error {
		return config.SaveRisk(cfg.Bot.RiskFile, preset, rc)
	}
	settingsService := service.NewSettingsService(engine, persistRisk, risk.Preset)
	statsService := service.NewStatsService(store.trades)
	notificationService := service.NewNotificationService(store.history, engine, logger)

	var auth *middleware.TokenAuth
	if cfg.Security.AdminPassword != "" {
		auth = middleware.NewTokenAuth(cfg.Security.JWTSecret, cfg.Security.SessionTTL())
	} else if cfg.Live() {
		logger.Warn("ADMIN_PASSWORD is not set: control API is open in live mode")
	} else {
		logger.Info("ADMIN_PASSWORD is not set, control API runs without authentication")
	}

	// Настройка зависимостей для API
	router := api.SetupRoutes(&api.Dependencies{
		BaseContext:         baseCtx,
		Engine:              engine,
		SettingsService:     settingsService,
		StatsService:        statsService,
		NotificationService: notificationService,
		Webhook:             processor,
		Hub:                 hub,
		Auth:                auth,
		Credentials: handlers.Credentials{
			Username: cfg.Security.AdminUser,
			Password: cfg.Security.AdminPassword,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	// Очистка старых уведомлений раз в сутки
	var maintenance *cron.Cron
	if store.pg != nil {
		maintenance = cron.New(cron.WithLocation(time.UTC))
		pg := store.pg
		if _, err := maintenance.AddFunc("@daily", func() {
			ctx, cancel := context.WithTimeout(baseCtx, time.Minute)
			defer cancel()
			n, err := pg.PruneNotifications(ctx, notificationRetention)
			if err != nil {
				logger.Warn("prune notifications failed", utils.Err(err))
				return
			}
			logger.Info("notifications pruned", utils.Int64("deleted", n))
		}); err != nil {
			logger.Fatal("failed to schedule maintenance", utils.Err(err))
		}
		maintenance.Start()
	}

	if cfg.Bot.AutoStart {
		if err := engine.Start(baseCtx); err != nil {
			logger.Fatal("failed to start control loop", utils.Err(err))
		}
	}

	// HTTP сервер
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			utils.String("addr", server.Addr),
			utils.String("mode", cfg.Bot.Mode),
			utils.Bool("https", cfg.Server.UseHTTPS),
		)
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-baseCtx.Done():
	case err := <-serverErr:
		logger.Error("server failed", utils.Err(err))
	}

	logger.Info("shutting down")

	// Сначала цикл: он дожидается текущего тика и сохраняет состояние
	if bot.EvaluatesExits(engine.State()) {
		if err := engine.Stop(); err != nil {
			logger.Error("stop control loop", utils.Err(err))
		}
	}
	if maintenance != nil {
		<-maintenance.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", utils.Err(err))
	}
	hub.Stop()

	logger.Info("server exited")
}

// openStorage файл JSON или PostgreSQL
func openStorage(ctx context.Context, cfg *config.Config, log *utils.Logger) (*storage, error) {
	if cfg.Database.Backend == config.BackendFile {
		fs := repository.NewFileStateStore(cfg.Database.StateFile)
		log.Info("using file state store", utils.String("path", fs.Path()))
		return &storage{state: fs, trades: fs}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := repository.OpenPostgres(openCtx, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(openCtx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	pg := repository.NewPostgresStateStore(db)
	return &storage{state: pg, trades: pg, history: pg, pg: pg, db: db}, nil
}

// buildExchange Coinbase в боевом режиме, бумажная биржа на ценах
// Coinbase в режиме paper. Оба варианта обёрнуты повторами.
func buildExchange(cfg *config.Config, risk models.RiskConfig, log *utils.Logger) (exchange.Client, func(), error) {
	key, err := cfg.ExchangePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	httpCfg := exchange.DefaultHTTPClientConfig()
	httpCfg.TotalTimeout = cfg.Exchange.Timeout

	cb, err := exchange.NewCoinbase(exchange.CoinbaseConfig{
		BaseURL:        cfg.Exchange.BaseURL,
		KeyName:        cfg.Exchange.KeyName,
		PrivateKeyPEM:  key,
		QuoteCurrency:  cfg.Exchange.QuoteCurrency,
		RequestsPerSec: cfg.Exchange.RequestsPerSec,
		HTTP:           httpCfg,
	})
	if err != nil {
		return nil, nil, err
	}

	var inner exchange.Client = cb
	if !cfg.Live() {
		inner = exchange.NewPaper(cb, cfg.Bot.InitialCapital, risk.TakerFeeRate).WithSlippage(cfg.Bot.PaperSlippage)
		log.Info("paper trading on live coinbase prices",
			utils.Float64("cash", cfg.Bot.InitialCapital),
			utils.Float64("slippage", cfg.Bot.PaperSlippage),
		)
	} else if !cb.Authenticated() {
		return nil, nil, errors.New("live mode requires coinbase credentials")
	}

	client := exchange.NewResilient(inner, log).WithObserver(bot.ObserveExchangeCall)
	return client, cb.Close, nil
}
