package models

import "time"

// Notification событие для дашборда и журнала
type Notification struct {
	Timestamp    time.Time              `json:"timestamp"`
	Type         string                 `json:"type"`     // OPEN, CLOSE, PARTIAL, REJECTED, HALT, ERROR, STATE
	Severity     string                 `json:"severity"` // info, warn, error
	InstrumentID string                 `json:"instrument_id,omitempty"`
	Message      string                 `json:"message"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeOpen     = "OPEN"
	NotificationTypeClose    = "CLOSE"
	NotificationTypePartial  = "PARTIAL"
	NotificationTypeRejected = "REJECTED"
	NotificationTypeHalt     = "HALT"
	NotificationTypeError    = "ERROR"
	NotificationTypeState    = "STATE"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
