package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cryptobot/internal/models"
)

// PostgresStateStore снимок движка в PostgreSQL.
//
// Save пишет позиции и капитал одной транзакцией: после сбоя в базе
// либо старый, либо новый снимок целиком, инвариант книги не рвётся.
type PostgresStateStore struct {
	db            *sql.DB
	positions     *PositionRepository
	capital       *CapitalRepository
	trades        *TradeRepository
	notifications *NotificationRepository
}

// NewPostgresStateStore собирает хранилище поверх репозиториев
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{
		db:            db,
		positions:     NewPositionRepository(db),
		capital:       NewCapitalRepository(db),
		trades:        NewTradeRepository(db),
		notifications: NewNotificationRepository(db),
	}
}

// Load читает снимок. Пустая база = (nil, nil), движок стартует с нуля.
// Позиции без записи капитала отдаются с нулевым капиталом: движок
// восстановит доступный капитал из начального.
func (s *PostgresStateStore) Load(ctx context.Context) (*models.Snapshot, error) {
	capital, err := s.capital.Get(ctx)
	if err != nil && !errors.Is(err, ErrCapitalNotFound) {
		return nil, fmt.Errorf("load capital: %w", err)
	}

	positions, err := s.positions.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	if capital == nil && len(positions) == 0 {
		return nil, nil
	}

	snap := &models.Snapshot{Positions: positions}
	if capital != nil {
		snap.Capital = *capital
		snap.SavedAt = capital.UpdatedAt
	}
	return snap, nil
}

// Save сохраняет снимок атомарно
func (s *PostgresStateStore) Save(ctx context.Context, snap *models.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.positions.ReplaceAll(ctx, tx, snap.Positions); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}

	capital := snap.Capital
	if capital.UpdatedAt.IsZero() {
		capital.UpdatedAt = snap.SavedAt
	}
	if err = s.capital.Save(ctx, tx, capital); err != nil {
		return fmt.Errorf("save capital: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AppendTrade добавляет сделку в журнал
func (s *PostgresStateStore) AppendTrade(ctx context.Context, trade *models.Trade) error {
	return s.trades.Append(ctx, trade)
}

// ListTrades журнал сделок по фильтру
func (s *PostgresStateStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error) {
	return s.trades.List(ctx, filter)
}

// TradeSummary агрегаты по журналу
func (s *PostgresStateStore) TradeSummary(ctx context.Context) (*TradeSummary, error) {
	return s.trades.Summary(ctx)
}

// SaveNotification сохраняет уведомление в журнал
func (s *PostgresStateStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	return s.notifications.Create(ctx, n)
}

// RecentNotifications история уведомлений, новые первыми
func (s *PostgresStateStore) RecentNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	return s.notifications.GetRecent(ctx, limit)
}

// PruneNotifications удаляет уведомления старше retention
func (s *PostgresStateStore) PruneNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	return s.notifications.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
}
