package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - проверка входных данных
//
// Инструменты записываются в виде BASE-QUOTE ("BTC-USD"). Внешние источники
// (вебхуки, скринер, ИИ) присылают "BTCUSD", "btc/usd" или "BTCUSDT",
// поэтому перед проверкой символ нормализуется.

var (
	ErrInvalidInstrument = errors.New("invalid instrument")
	ErrInvalidFraction   = errors.New("value must be a fraction in (0, 1]")
	ErrNegativeValue     = errors.New("value must not be negative")
)

var instrumentRe = regexp.MustCompile(`^[A-Z0-9]{2,10}-[A-Z]{3,5}$`)

// KnownQuoteCurrencies котируемые валюты, распознаваемые в слитной записи.
// Порядок важен: длинные суффиксы проверяются первыми.
var KnownQuoteCurrencies = []string{"USDT", "USDC", "USD", "EUR", "GBP", "BTC", "ETH"}

// NormalizeInstrument приводит символ к виду BASE-QUOTE.
//
// Примеры:
//   - "btc/usd" → "BTC-USD"
//   - "ETHUSDT" → "ETH-USDT"
//   - "sol_usd" → "SOL-USD"
func NormalizeInstrument(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "-", "_", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range KnownQuoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// ValidateInstrument проверяет нормализованный инструмент
func ValidateInstrument(instrument string) error {
	if !instrumentRe.MatchString(instrument) {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, instrument)
	}
	return nil
}

// IsValidInstrument удобная обёртка над ValidateInstrument
func IsValidInstrument(instrument string) bool {
	return ValidateInstrument(instrument) == nil
}

// BaseCurrency возвращает базовую валюту инструмента ("BTC-USD" → "BTC")
func BaseCurrency(instrument string) string {
	base, _, _ := strings.Cut(NormalizeInstrument(instrument), "-")
	return base
}

// QuoteCurrency возвращает котируемую валюту ("BTC-USD" → "USD")
func QuoteCurrency(instrument string) string {
	_, quote, _ := strings.Cut(NormalizeInstrument(instrument), "-")
	return quote
}

// ValidateFraction проверяет долю в диапазоне (0, 1]
func ValidateFraction(v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidFraction, v)
	}
	return nil
}

// ValidateNonNegative проверяет v >= 0
func ValidateNonNegative(v float64) error {
	if v < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeValue, v)
	}
	return nil
}

// ============================================================
// Накопление ошибок валидации
// ============================================================

// FieldError ошибка конкретного поля
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors список ошибок по полям
type ValidationErrors []FieldError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку, если она не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Err возвращает nil, если ошибок нет
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
