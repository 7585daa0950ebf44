package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	"github.com/google/uuid"
)

// PositionStore живые позиции, не больше одной на инструмент.
//
// Наружу отдаются только копии: чтение никогда не видит
// частично записанную позицию.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	now       func() time.Time
}

// NewPositionStore создаёт пустое хранилище
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[string]*models.Position),
		now:       time.Now,
	}
}

// Open добавляет позицию. DuplicatePosition, если по инструменту уже есть живая.
func (s *PositionStore) Open(pos *models.Position) error {
	if pos == nil || pos.InstrumentID == "" {
		return rejectMsg(ErrInvalidIntent, "position without instrument")
	}
	if pos.Quantity <= 0 {
		return rejectMsg(ErrInvalidIntent, "position quantity must be positive, got %v", pos.Quantity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[pos.InstrumentID]; exists {
		return rejectMsg(ErrDuplicatePosition, "position for %s is already open", pos.InstrumentID)
	}

	p := pos.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PositionOpen
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}
	s.positions[p.InstrumentID] = p
	return nil
}

// GetOpen снимок живых позиций в порядке открытия
func (s *PositionStore) GetOpen() []*models.Position {
	s.mu.RLock()
	out := make([]*models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTimestamp.Equal(out[j].EntryTimestamp) {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out
}

// Get копия позиции по инструменту
func (s *PositionStore) Get(instrument string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[instrument]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Has есть ли живая позиция
func (s *PositionStore) Has(instrument string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[instrument]
	return ok
}

// Len количество живых позиций
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// ============================================================
// Выход
// ============================================================

// ExitFill исполнение продажи
type ExitFill struct {
	Quantity      float64
	Price         float64
	Fee           float64
	Reason        models.TradeReason
	ClientOrderID string
	Timestamp     time.Time
}

// ExitResult результат применения выхода
type ExitResult struct {
	Position    *models.Position // состояние после выхода (CLOSED при полном)
	CostPortion float64          // списанная доля стоимости входа
	RealizedPnL float64
	Closed      bool
	Trade       *models.Trade
}

// ApplyExit применяет продажу к позиции.
//
// Полный выход (qty >= quantity) переводит позицию в CLOSED и удаляет
// её из живых. Частичный уменьшает количество и стоимость пропорционально,
// статус PARTIALLY_CLOSED, partial_profit_taken = true.
// Количество больше позиции обрезается до позиции.
func (s *PositionStore) ApplyExit(instrument string, fill ExitFill) (*ExitResult, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return nil, rejectMsg(ErrInvalidIntent, "exit requires positive quantity and price")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[instrument]
	if !ok {
		return nil, rejectMsg(ErrNoPosition, "no open position for %s", instrument)
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	qty := fill.Quantity
	full := qty >= p.Quantity-quantityEpsilon(p.Quantity)
	if full {
		qty = p.Quantity
	}

	var costPortion float64
	if full {
		costPortion = p.EntryCost
	} else {
		fraction := qty / p.Quantity
		costPortion = p.EntryCost * fraction
	}
	pnl := utils.RealizedPNL(qty, fill.Price, fill.Fee, costPortion)

	trade := &models.Trade{
		ID:            uuid.NewString(),
		PositionID:    p.ID,
		ClientOrderID: fill.ClientOrderID,
		Side:          models.SideSell,
		InstrumentID:  instrument,
		Quantity:      qty,
		Price:         fill.Price,
		Fee:           fill.Fee,
		Reason:        fill.Reason,
		RealizedPnL:   &pnl,
		Timestamp:     ts,
	}

	res := &ExitResult{CostPortion: costPortion, RealizedPnL: pnl, Closed: full, Trade: trade}

	if full {
		p.Quantity = 0
		p.Status = models.PositionClosed
		p.UpdatedAt = ts
		res.Position = p.Clone()
		delete(s.positions, instrument)
		return res, nil
	}

	fraction := qty / p.Quantity
	p.EntryFee -= p.EntryFee * fraction
	p.EntryCost -= costPortion
	p.Quantity -= qty
	p.Status = models.PositionPartiallyClosed
	p.PartialProfitTaken = true
	p.UpdatedAt = ts
	res.Position = p.Clone()
	return res, nil
}

// quantityEpsilon допуск сравнения количеств: остаток меньше него
// считается пылью и закрывается целиком
func quantityEpsilon(qty float64) float64 {
	return qty * 1e-9
}

// ============================================================
// Трейлинг и коррекции
// ============================================================

// UpdateTrailing подтягивает трейлинг-стоп. Первый вызов активирует его.
// Более низкая цена игнорируется: стоп только растёт.
// Возвращает true, если значение изменилось.
func (s *PositionStore) UpdateTrailing(instrument string, newStop float64) (bool, error) {
	if newStop <= 0 {
		return false, fmt.Errorf("trailing stop must be positive, got %v", newStop)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[instrument]
	if !ok {
		return false, rejectMsg(ErrNoPosition, "no open position for %s", instrument)
	}

	if p.TrailingStopActive && p.TrailingStopPrice != nil && newStop <= *p.TrailingStopPrice {
		return false, nil
	}

	v := newStop
	p.TrailingStopPrice = &v
	p.TrailingStopActive = true
	p.UpdatedAt = s.now().UTC()
	return true, nil
}

// Restore заменяет содержимое загруженными позициями
func (s *PositionStore) Restore(positions []*models.Position) error {
	restored := make(map[string]*models.Position, len(positions))
	for _, p := range positions {
		if p == nil || !p.Status.IsLive() {
			continue
		}
		if _, dup := restored[p.InstrumentID]; dup {
			return rejectMsg(ErrDuplicatePosition, "snapshot has two live positions for %s", p.InstrumentID)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("snapshot position %s has non-positive quantity", p.InstrumentID)
		}
		restored[p.InstrumentID] = p.Clone()
	}

	s.mu.Lock()
	s.positions = restored
	s.mu.Unlock()
	return nil
}
