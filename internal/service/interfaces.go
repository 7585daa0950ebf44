package service

import (
	"context"

	"cryptobot/internal/models"
	"cryptobot/internal/repository"
)

// RiskEngine применяет риск-конфигурацию в работающем цикле (bot.Engine)
type RiskEngine interface {
	RiskConfig() models.RiskConfig
	UpdateRiskConfig(cfg models.RiskConfig) error
}

// RiskPersister сохраняет профиль риска между перезапусками.
// В main.go это замыкание над config.SaveRisk и путём к YAML.
type RiskPersister func(preset string, cfg models.RiskConfig) error

// TradeReaderInterface журнал сделок для API
type TradeReaderInterface interface {
	ListTrades(ctx context.Context, filter repository.TradeFilter) ([]*models.Trade, error)
	TradeSummary(ctx context.Context) (*repository.TradeSummary, error)
}

// NotificationHistoryInterface долговременная история уведомлений (PostgreSQL)
type NotificationHistoryInterface interface {
	RecentNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
}

// NotificationRingInterface последние уведомления в памяти движка
type NotificationRingInterface interface {
	Notifications(limit int) []*models.Notification
}

// Проверяем, что реальные хранилища реализуют интерфейсы
var _ TradeReaderInterface = (*repository.PostgresStateStore)(nil)
var _ TradeReaderInterface = (*repository.FileStateStore)(nil)
var _ NotificationHistoryInterface = (*repository.PostgresStateStore)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// SettingsServiceInterface управление профилем риска
type SettingsServiceInterface interface {
	GetSettings() *RiskSettingsView
	UpdateSettings(req *UpdateSettingsRequest) (*RiskSettingsView, error)
}

// StatsServiceInterface журнал и статистика сделок
type StatsServiceInterface interface {
	GetTrades(ctx context.Context, query TradeQuery) ([]*models.Trade, error)
	GetSummary(ctx context.Context) (*repository.TradeSummary, error)
}

// NotificationServiceInterface лента уведомлений
type NotificationServiceInterface interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ SettingsServiceInterface = (*SettingsService)(nil)
var _ StatsServiceInterface = (*StatsService)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
