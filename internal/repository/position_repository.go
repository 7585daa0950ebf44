package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cryptobot/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrDuplicateLivePosition = errors.New("live position for instrument already stored")
)

const positionColumns = `id, instrument_id, quantity, entry_price, entry_fee, entry_cost, entry_timestamp,
		stop_loss_price, take_profit_price, trailing_stop_active, trailing_stop_price, partial_profit_taken,
		status, source, updated_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// ReplaceAll заменяет набор позиций целиком. Вызывается внутри транзакции
// сохранения снимка, поэтому удаление и вставка видны атомарно.
func (r *PositionRepository) ReplaceAll(ctx context.Context, q dbtx, positions []*models.Position) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return err
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	for _, p := range positions {
		_, err := q.ExecContext(ctx, query,
			p.ID,
			p.InstrumentID,
			p.Quantity,
			p.EntryPrice,
			p.EntryFee,
			p.EntryCost,
			p.EntryTimestamp,
			p.StopLossPrice,
			p.TakeProfitPrice,
			p.TrailingStopActive,
			p.TrailingStopPrice,
			p.PartialProfitTaken,
			string(p.Status),
			string(p.Source),
			p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateLivePosition, p.InstrumentID)
			}
			return err
		}
	}
	return nil
}

// ListLive возвращает живые позиции (OPEN и PARTIALLY_CLOSED) по времени входа
func (r *PositionRepository) ListLive(ctx context.Context) ([]*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ('OPEN', 'PARTIALLY_CLOSED')
		ORDER BY entry_timestamp`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

func scanPosition(rows *sql.Rows) (*models.Position, error) {
	p := &models.Position{}
	var (
		trailing       sql.NullFloat64
		status, source string
	)
	err := rows.Scan(
		&p.ID,
		&p.InstrumentID,
		&p.Quantity,
		&p.EntryPrice,
		&p.EntryFee,
		&p.EntryCost,
		&p.EntryTimestamp,
		&p.StopLossPrice,
		&p.TakeProfitPrice,
		&p.TrailingStopActive,
		&trailing,
		&p.PartialProfitTaken,
		&status,
		&source,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if trailing.Valid {
		v := trailing.Float64
		p.TrailingStopPrice = &v
	}
	p.Status = models.PositionStatus(status)
	p.Source = models.IntentSource(source)
	return p, nil
}
