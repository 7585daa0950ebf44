package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Client минимальный интерфейс биржи, нужный движку.
// Исполнения (Fill) считаются авторитетными: комиссия и количество берутся из них.
type Client interface {
	// Name возвращает имя биржи для логов и метрик
	Name() string

	// GetPrice текущая цена инструмента (BTC-USD)
	GetPrice(ctx context.Context, instrument string) (float64, error)

	// GetBalance доступный баланс в USD
	GetBalance(ctx context.Context) (float64, error)

	// PlaceOrder размещает рыночный ордер и ждёт исполнения
	PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error)
}

// Side сторона ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest рыночный ордер. Покупка задаётся суммой в USD (QuoteSize,
// комиссия внутри суммы), продажа задаётся количеством (BaseSize).
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          Side
	QuoteSize     float64
	BaseSize      float64
}

// Validate проверяет согласованность ордера
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" || r.Instrument == "" {
		return fmt.Errorf("client_order_id and instrument are required")
	}
	switch r.Side {
	case SideBuy:
		if r.QuoteSize <= 0 {
			return fmt.Errorf("buy order requires positive quote size")
		}
	case SideSell:
		if r.BaseSize <= 0 {
			return fmt.Errorf("sell order requires positive base size")
		}
	default:
		return fmt.Errorf("unknown side %q", r.Side)
	}
	return nil
}

// Fill фактическое исполнение ордера
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Instrument    string    `json:"instrument"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"` // исполненное количество базовой валюты
	Price         float64   `json:"price"`    // средняя цена
	Fee           float64   `json:"fee"`      // комиссия в USD
	FilledAt      time.Time `json:"filled_at"`
}

// Cost полная стоимость покупки (qty × price + fee)
func (f *Fill) Cost() float64 {
	return f.Quantity*f.Price + f.Fee
}

// Proceeds выручка продажи за вычетом комиссии
func (f *Fill) Proceeds() float64 {
	return f.Quantity*f.Price - f.Fee
}

// Ошибки уровня домена
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrOrderNotFilled    = errors.New("order not filled")
)

// ExchangeError ошибка, полученная от биржи
type ExchangeError struct {
	Exchange   string
	Code       string
	Message    string
	HTTPStatus int
	Original   error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": " + e.Code + ": " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable сетевые сбои, 429 и 5xx повторяются; остальные 4xx нет
func (e *ExchangeError) Retryable() bool {
	if e.Original != nil && (errors.Is(e.Original, ErrInsufficientFunds) || errors.Is(e.Original, ErrUnknownInstrument)) {
		return false
	}
	switch {
	case e.HTTPStatus == 0:
		return true
	case e.HTTPStatus == http.StatusTooManyRequests:
		return true
	case e.HTTPStatus >= 500:
		return true
	default:
		return false
	}
}
