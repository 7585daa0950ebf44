package repository

import (
	"context"
	"database/sql"
	"errors"

	"cryptobot/internal/models"
)

// Ошибки репозитория капитала
var (
	ErrCapitalNotFound = errors.New("capital state not found")
)

// CapitalRepository - работа с таблицей capital_state (всегда id=1, одна запись).
// CommittedCapital не хранится: он выводится из открытых позиций при загрузке.
type CapitalRepository struct {
	db *sql.DB
}

// NewCapitalRepository создает новый экземпляр репозитория
func NewCapitalRepository(db *sql.DB) *CapitalRepository {
	return &CapitalRepository{db: db}
}

// Get возвращает сохранённое состояние капитала
func (r *CapitalRepository) Get(ctx context.Context) (*models.CapitalState, error) {
	query := `
		SELECT initial_capital, available_capital, realized_pnl_total, daily_pnl, daily_reset_at,
			peak_equity, halted, halt_reason, halted_at, updated_at
		FROM capital_state
		WHERE id = 1`

	state := &models.CapitalState{}
	var haltedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query).Scan(
		&state.InitialCapital,
		&state.AvailableCapital,
		&state.RealizedPnLTotal,
		&state.DailyPnL,
		&state.DailyResetAt,
		&state.PeakEquity,
		&state.Halted,
		&state.HaltReason,
		&haltedAt,
		&state.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCapitalNotFound
		}
		return nil, err
	}

	if haltedAt.Valid {
		t := haltedAt.Time
		state.HaltedAt = &t
	}
	return state, nil
}

// Save создаёт или обновляет единственную запись
func (r *CapitalRepository) Save(ctx context.Context, q dbtx, state models.CapitalState) error {
	query := `
		INSERT INTO capital_state (id, initial_capital, available_capital, realized_pnl_total, daily_pnl,
			daily_reset_at, peak_equity, halted, halt_reason, halted_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			initial_capital = EXCLUDED.initial_capital,
			available_capital = EXCLUDED.available_capital,
			realized_pnl_total = EXCLUDED.realized_pnl_total,
			daily_pnl = EXCLUDED.daily_pnl,
			daily_reset_at = EXCLUDED.daily_reset_at,
			peak_equity = EXCLUDED.peak_equity,
			halted = EXCLUDED.halted,
			halt_reason = EXCLUDED.halt_reason,
			halted_at = EXCLUDED.halted_at,
			updated_at = EXCLUDED.updated_at`

	_, err := q.ExecContext(ctx, query,
		state.InitialCapital,
		state.AvailableCapital,
		state.RealizedPnLTotal,
		state.DailyPnL,
		state.DailyResetAt,
		state.PeakEquity,
		state.Halted,
		state.HaltReason,
		state.HaltedAt,
		state.UpdatedAt,
	)
	return err
}
