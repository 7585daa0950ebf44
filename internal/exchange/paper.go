package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PriceSource источник цен для бумажной торговли
type PriceSource interface {
	GetPrice(ctx context.Context, instrument string) (float64, error)
}

// StaticPrices фиксированные цены, задаваемые вручную (тесты, демо)
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticPrices создаёт таблицу цен
func NewStaticPrices(initial map[string]float64) *StaticPrices {
	p := &StaticPrices{prices: make(map[string]float64, len(initial))}
	for k, v := range initial {
		p.prices[k] = v
	}
	return p
}

// Set устанавливает цену инструмента
func (s *StaticPrices) Set(instrument string, price float64) {
	s.mu.Lock()
	s.prices[instrument] = price
	s.mu.Unlock()
}

func (s *StaticPrices) GetPrice(_ context.Context, instrument string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[instrument]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return price, nil
}

// ============================================================
// Бумажная биржа
// ============================================================

// Paper исполняет ордера мгновенно по текущей цене источника
// (с необязательным проскальзыванием).
// Покупка: комиссия внутри суммы (fee = Q·rate/(1+rate)).
// Продажа: комиссия от выручки (fee = qty·price·rate).
type Paper struct {
	mu       sync.Mutex
	prices   PriceSource
	feeRate  float64
	slippage float64
	cash     float64
	holdings map[string]float64
	now      func() time.Time
}

// NewPaper создаёт бумажную биржу со стартовым балансом cash
func NewPaper(prices PriceSource, cash, feeRate float64) *Paper {
	return &Paper{
		prices:   prices,
		feeRate:  feeRate,
		cash:     cash,
		holdings: make(map[string]float64),
		now:      time.Now,
	}
}

// WithSlippage задаёт проскальзывание: покупка дороже, продажа дешевле на долю slip
func (p *Paper) WithSlippage(slip float64) *Paper {
	p.slippage = slip
	return p
}

func (p *Paper) Name() string {
	return "paper"
}

func (p *Paper) GetPrice(ctx context.Context, instrument string) (float64, error) {
	return p.prices.GetPrice(ctx, instrument)
}

func (p *Paper) GetBalance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// Holding количество базовой валюты на балансе
func (p *Paper) Holding(instrument string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[instrument]
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	price, err := p.prices.GetPrice(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Side == SideBuy {
		price *= 1 + p.slippage
	} else {
		price *= 1 - p.slippage
	}

	fill := &Fill{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Price:         price,
		FilledAt:      p.now().UTC(),
	}

	switch req.Side {
	case SideBuy:
		if req.QuoteSize > p.cash+1e-9 {
			return nil, &ExchangeError{Exchange: p.Name(), Code: "INSUFFICIENT_FUND", Message: fmt.Sprintf("need %.2f, have %.2f", req.QuoteSize, p.cash), HTTPStatus: 400, Original: ErrInsufficientFunds}
		}
		fill.Fee = req.QuoteSize * p.feeRate / (1 + p.feeRate)
		fill.Quantity = (req.QuoteSize - fill.Fee) / price
		p.cash -= req.QuoteSize
		p.holdings[req.Instrument] += fill.Quantity

	case SideSell:
		held := p.holdings[req.Instrument]
		if req.BaseSize > held+1e-12 {
			return nil, &ExchangeError{Exchange: p.Name(), Code: "INSUFFICIENT_FUND", Message: fmt.Sprintf("sell %v %s, hold %v", req.BaseSize, req.Instrument, held), HTTPStatus: 400, Original: ErrInsufficientFunds}
		}
		fill.Quantity = req.BaseSize
		fill.Fee = req.BaseSize * price * p.feeRate
		p.cash += fill.Proceeds()
		p.holdings[req.Instrument] = held - req.BaseSize
		if p.holdings[req.Instrument] <= 1e-12 {
			delete(p.holdings, req.Instrument)
		}
	}

	return fill, nil
}

// SetHolding задаёт остаток базовой валюты (восстановление после рестарта)
func (p *Paper) SetHolding(instrument string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty <= 0 {
		delete(p.holdings, instrument)
		return
	}
	p.holdings[instrument] = qty
}

// SetCash задаёт остаток котируемой валюты
func (p *Paper) SetCash(cash float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
}
