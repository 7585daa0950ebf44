package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pgUniqueViolation код ошибки PostgreSQL для нарушения уникальности
const pgUniqueViolation = "23505"

// dbtx общий интерфейс *sql.DB и *sql.Tx: запись состояния идёт
// внутри транзакции, чтение напрямую
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Schema DDL таблиц. Повторное применение безопасно.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id VARCHAR(64) PRIMARY KEY,
		instrument_id VARCHAR(20) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		entry_fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_cost DOUBLE PRECISION NOT NULL,
		entry_timestamp TIMESTAMPTZ NOT NULL,
		stop_loss_price DOUBLE PRECISION NOT NULL,
		take_profit_price DOUBLE PRECISION NOT NULL,
		trailing_stop_active BOOLEAN NOT NULL DEFAULT false,
		trailing_stop_price DOUBLE PRECISION,
		partial_profit_taken BOOLEAN NOT NULL DEFAULT false,
		status VARCHAR(20) NOT NULL,
		source VARCHAR(20) NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS positions_live_instrument
		ON positions (instrument_id) WHERE status IN ('OPEN', 'PARTIALLY_CLOSED')`,
	`CREATE TABLE IF NOT EXISTS capital_state (
		id INT PRIMARY KEY DEFAULT 1,
		initial_capital DOUBLE PRECISION NOT NULL,
		available_capital DOUBLE PRECISION NOT NULL,
		realized_pnl_total DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_reset_at TIMESTAMPTZ NOT NULL,
		peak_equity DOUBLE PRECISION NOT NULL,
		halted BOOLEAN NOT NULL DEFAULT false,
		halt_reason TEXT NOT NULL DEFAULT '',
		halted_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (id = 1),
		CHECK (available_capital >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id VARCHAR(64) PRIMARY KEY,
		position_id VARCHAR(64) NOT NULL,
		client_order_id VARCHAR(64) NOT NULL DEFAULT '',
		side VARCHAR(4) NOT NULL,
		instrument_id VARCHAR(20) NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		fee DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason VARCHAR(32) NOT NULL,
		realized_pnl DOUBLE PRECISION,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_instrument_ts ON trades (instrument_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type VARCHAR(20) NOT NULL,
		severity VARCHAR(10) NOT NULL DEFAULT 'info',
		instrument_id VARCHAR(20) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB
	)`,
}

// Migrate создаёт недостающие таблицы
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// OpenPostgres подключение с пулом и проверкой связи
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// isUniqueViolation ошибка нарушения уникального индекса
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
