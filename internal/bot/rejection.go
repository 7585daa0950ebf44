package bot

import (
	"errors"
	"fmt"
)

// RejectionCode код отказа Gate. Сам является ошибкой, поэтому
// errors.Is(err, ErrExcessiveFee) работает для *RejectionError.
type RejectionCode string

func (c RejectionCode) Error() string { return string(c) }

// Коды отказов
const (
	ErrInsufficientCapital RejectionCode = "InsufficientCapital"
	ErrTooManyPositions    RejectionCode = "TooManyPositions"
	ErrBelowMinimumSize    RejectionCode = "BelowMinimumSize"
	ErrExcessiveFee        RejectionCode = "ExcessiveFee"
	ErrDrawdownHalt        RejectionCode = "DrawdownHalt"
	ErrDuplicatePosition   RejectionCode = "DuplicatePosition"
	ErrPositionTooLarge    RejectionCode = "PositionTooLarge"
	ErrNoPosition          RejectionCode = "NoPosition"
	ErrIntentInFlight      RejectionCode = "IntentInFlight"
	ErrInvalidIntent       RejectionCode = "InvalidIntent"
)

// RejectionError отказ с указанием нарушенного ограничения и попытки.
// Пример: BelowMinimumSize, constraint=min_trade_usd, limit=150, attempted=100.
type RejectionError struct {
	Code       RejectionCode `json:"code"`
	Constraint string        `json:"constraint,omitempty"`
	Limit      float64       `json:"limit,omitempty"`
	Attempted  float64       `json:"attempted,omitempty"`
	Message    string        `json:"message,omitempty"`
}

func (e *RejectionError) Error() string {
	if e.Constraint == "" {
		if e.Message != "" {
			return string(e.Code) + ": " + e.Message
		}
		return string(e.Code)
	}
	s := fmt.Sprintf("%s: %s limit %g, attempted %g", e.Code, e.Constraint, e.Limit, e.Attempted)
	if e.Message != "" {
		s += " (" + e.Message + ")"
	}
	return s
}

func (e *RejectionError) Unwrap() error {
	return e.Code
}

// Retryable отказы Gate никогда не повторяются автоматически
func (e *RejectionError) Retryable() bool {
	return false
}

// AsRejection извлекает детали отказа из цепочки ошибок
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(code RejectionCode, constraint string, limit, attempted float64) *RejectionError {
	return &RejectionError{Code: code, Constraint: constraint, Limit: limit, Attempted: attempted}
}

func rejectMsg(code RejectionCode, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}
