package repository

import (
	"context"
	"database/sql"
	"time"

	"cryptobot/internal/models"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationRepository - работа с таблицей notifications
//
// Журнал уведомлений переживает перезапуск, в отличие от кольца в памяти
// движка. Типы: OPEN, CLOSE, PARTIAL, REJECTED, HALT, ERROR, STATE.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет уведомление
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(n.Meta); err != nil {
			return err
		}
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO notifications (timestamp, type, severity, instrument_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.InstrumentID,
		n.Message,
		meta,
	)
	return err
}

// GetRecent последние limit уведомлений, новые первыми
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT timestamp, type, severity, instrument_id, message, meta
		FROM notifications
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		if err := rows.Scan(&n.Timestamp, &n.Type, &n.Severity, &n.InstrumentID, &n.Message, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteOlderThan автоочистка старых уведомлений. Возвращает число удалённых.
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
