package bot

import "cryptobot/internal/models"

// tryEnqueueNotification отправляет уведомление в канал с метриками переполнения.
// Возвращает true, если уведомление поставлено в очередь.
// При переполнении уведомление остаётся только в кольце для API.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow("notification")
		RecordBufferBacklog("notification", cap(ch), len(ch))
		return false
	}
}
