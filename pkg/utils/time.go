package utils

import (
	"time"
)

// time.go - границы торгового дня
//
// Дневной P&L обнуляется на границе суток UTC. Все функции принимают
// время явно, чтобы движок и тесты могли подставлять свои часы.

// GetDayStart возвращает начало текущего дня (00:00:00) в UTC
func GetDayStart() time.Time {
	return GetDayStartFrom(time.Now().UTC())
}

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
//
// Пример:
//
//	GetDayStartFrom(2024-01-15 14:30:45 UTC) = 2024-01-15 00:00:00 UTC
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDayStartFrom возвращает начало следующего дня UTC
func NextDayStartFrom(t time.Time) time.Time {
	return GetDayStartFrom(t).AddDate(0, 0, 1)
}

// IsNewDay сообщает, пересекла ли now границу суток после момента last.
// Нулевой last считается пересечением.
func IsNewDay(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !GetDayStartFrom(now).Equal(GetDayStartFrom(last))
}

// FormatDuration форматирует продолжительность без долей секунды
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Truncate(time.Second).String()
}

// UnixMillis возвращает текущее время в миллисекундах Unix
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time UTC
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
