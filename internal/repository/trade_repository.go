package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cryptobot/internal/models"
)

// DefaultTradeLimit сколько сделок отдаётся без явного лимита
const DefaultTradeLimit = 100

// TradeFilter параметры выборки журнала
type TradeFilter struct {
	InstrumentID string
	Reason       models.TradeReason
	Limit        int // <= 0 = DefaultTradeLimit
}

func (f TradeFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultTradeLimit
	}
	return f.Limit
}

func (f TradeFilter) match(t *models.Trade) bool {
	if f.InstrumentID != "" && t.InstrumentID != f.InstrumentID {
		return false
	}
	if f.Reason != "" && t.Reason != f.Reason {
		return false
	}
	return true
}

// TradeSummary агрегаты по журналу
type TradeSummary struct {
	TotalTrades      int                        `json:"total_trades"`
	Entries          int                        `json:"entries"`
	Exits            int                        `json:"exits"`
	Wins             int                        `json:"wins"`
	Losses           int                        `json:"losses"`
	RealizedPnLTotal float64                    `json:"realized_pnl_total"`
	FeesTotal        float64                    `json:"fees_total"`
	ByReason         map[models.TradeReason]int `json:"by_reason"`
}

// WinRate доля прибыльных выходов, 0 без выходов
func (s *TradeSummary) WinRate() float64 {
	if s.Wins+s.Losses == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Wins+s.Losses)
}

// Summarize считает агрегаты в памяти
func Summarize(trades []*models.Trade) *TradeSummary {
	s := &TradeSummary{ByReason: make(map[models.TradeReason]int)}
	for _, t := range trades {
		s.add(t.Side, t.Reason, t.Fee, t.RealizedPnL)
	}
	return s
}

func (s *TradeSummary) add(side models.TradeSide, reason models.TradeReason, fee float64, pnl *float64) {
	s.TotalTrades++
	s.FeesTotal += fee
	s.ByReason[reason]++
	if side == models.SideBuy {
		s.Entries++
		return
	}
	s.Exits++
	if pnl == nil {
		return
	}
	s.RealizedPnLTotal += *pnl
	switch {
	case *pnl > 0:
		s.Wins++
	case *pnl < 0:
		s.Losses++
	}
}

// TradeRepository - журнал сделок (только добавление)
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Append добавляет сделку в журнал
func (r *TradeRepository) Append(ctx context.Context, trade *models.Trade) error {
	query := `
		INSERT INTO trades (id, position_id, client_order_id, side, instrument_id, quantity, price, fee, reason, realized_pnl, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		trade.ID,
		trade.PositionID,
		trade.ClientOrderID,
		string(trade.Side),
		trade.InstrumentID,
		trade.Quantity,
		trade.Price,
		trade.Fee,
		string(trade.Reason),
		trade.RealizedPnL,
		trade.Timestamp,
	)
	return err
}

// List возвращает сделки по фильтру, новые первыми
func (r *TradeRepository) List(ctx context.Context, filter TradeFilter) ([]*models.Trade, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.InstrumentID != "" {
		args = append(args, filter.InstrumentID)
		where = append(where, fmt.Sprintf("instrument_id = $%d", len(args)))
	}
	if filter.Reason != "" {
		args = append(args, string(filter.Reason))
		where = append(where, fmt.Sprintf("reason = $%d", len(args)))
	}
	args = append(args, filter.limit())

	query := `
		SELECT id, position_id, client_order_id, side, instrument_id, quantity, price, fee, reason, realized_pnl, timestamp
		FROM trades`
	if len(where) > 0 {
		query += `
		WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(`
		ORDER BY timestamp DESC
		LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t := &models.Trade{}
		var (
			side, reason string
			pnl          sql.NullFloat64
		)
		err := rows.Scan(
			&t.ID,
			&t.PositionID,
			&t.ClientOrderID,
			&side,
			&t.InstrumentID,
			&t.Quantity,
			&t.Price,
			&t.Fee,
			&reason,
			&pnl,
			&t.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		t.Side = models.TradeSide(side)
		t.Reason = models.TradeReason(reason)
		if pnl.Valid {
			v := pnl.Float64
			t.RealizedPnL = &v
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}

// Summary агрегаты по всему журналу одним проходом в базе
func (r *TradeRepository) Summary(ctx context.Context) (*TradeSummary, error) {
	query := `
		SELECT side, reason, COUNT(*), COALESCE(SUM(fee), 0), COALESCE(SUM(realized_pnl), 0),
			COUNT(*) FILTER (WHERE realized_pnl > 0), COUNT(*) FILTER (WHERE realized_pnl < 0)
		FROM trades
		GROUP BY side, reason`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	s := &TradeSummary{ByReason: make(map[models.TradeReason]int)}
	for rows.Next() {
		var (
			side, reason      string
			count, wins, loss int
			fees, pnl         float64
		)
		if err := rows.Scan(&side, &reason, &count, &fees, &pnl, &wins, &loss); err != nil {
			return nil, err
		}
		s.TotalTrades += count
		s.FeesTotal += fees
		s.ByReason[models.TradeReason(reason)] += count
		if models.TradeSide(side) == models.SideBuy {
			s.Entries += count
			continue
		}
		s.Exits += count
		s.RealizedPnLTotal += pnl
		s.Wins += wins
		s.Losses += loss
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return s, nil
}
