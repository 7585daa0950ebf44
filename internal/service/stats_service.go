package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cryptobot/internal/models"
	"cryptobot/internal/repository"
	"cryptobot/pkg/utils"
)

// Ошибки сервиса статистики
var (
	ErrJournalUnavailable = errors.New("trade journal is not configured")
	ErrInvalidTradeQuery  = errors.New("invalid trade query")
)

// MaxTradeLimit верхняя граница выдачи журнала за один запрос
const MaxTradeLimit = 500

// StatsService предоставляет журнал сделок и сводную статистику.
//
// Функции:
// - GetTrades: сделки с фильтром по инструменту и причине, новые первыми
// - GetSummary: количество входов и выходов, win rate, реализованный P&L
//
// Источник данных: PostgresStateStore или FileStateStore, то же
// хранилище, в которое Gate пишет сделки.
type StatsService struct {
	trades TradeReaderInterface
}

// NewStatsService создает новый экземпляр StatsService
func NewStatsService(trades TradeReaderInterface) *StatsService {
	return &StatsService{trades: trades}
}

// TradeQuery параметры выборки из query string
type TradeQuery struct {
	Instrument string
	Reason     string
	Limit      int
}

// GetTrades возвращает сделки по фильтру.
//
// Инструмент нормализуется (btc-usd → BTC-USD), причина проверяется
// по известному набору. Лимит по умолчанию repository.DefaultTradeLimit,
// не больше MaxTradeLimit.
func (s *StatsService) GetTrades(ctx context.Context, query TradeQuery) ([]*models.Trade, error) {
	if s.trades == nil {
		return nil, ErrJournalUnavailable
	}

	filter := repository.TradeFilter{Limit: query.Limit}

	if query.Instrument != "" {
		instrument := utils.NormalizeInstrument(query.Instrument)
		if err := utils.ValidateInstrument(instrument); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTradeQuery, err)
		}
		filter.InstrumentID = instrument
	}

	if query.Reason != "" {
		reason := models.TradeReason(strings.ToUpper(strings.TrimSpace(query.Reason)))
		if !reason.Valid() {
			return nil, fmt.Errorf("%w: unknown reason %q", ErrInvalidTradeQuery, query.Reason)
		}
		filter.Reason = reason
	}

	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidTradeQuery)
	}
	if filter.Limit > MaxTradeLimit {
		filter.Limit = MaxTradeLimit
	}

	trades, err := s.trades.ListTrades(ctx, filter)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	return trades, nil
}

// GetSummary возвращает агрегированную статистику по всему журналу
func (s *StatsService) GetSummary(ctx context.Context) (*repository.TradeSummary, error) {
	if s.trades == nil {
		return nil, ErrJournalUnavailable
	}
	return s.trades.TradeSummary(ctx)
}
