package service

import (
	"context"
	"strings"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"
)

// Лимиты выдачи уведомлений
const (
	DefaultNotificationLimit = 100
	MaxNotificationLimit     = 500
)

// validNotificationTypes типы уведомлений движка
var validNotificationTypes = map[string]bool{
	models.NotificationTypeOpen:     true,
	models.NotificationTypeClose:    true,
	models.NotificationTypePartial:  true,
	models.NotificationTypeRejected: true,
	models.NotificationTypeHalt:     true,
	models.NotificationTypeError:    true,
	models.NotificationTypeState:    true,
}

// NotificationService предоставляет ленту уведомлений для дашборда.
//
// Источники:
// - history: журнал в PostgreSQL (переживает перезапуск), может быть nil
// - ring: последние уведомления в памяти движка
//
// Если журнал недоступен или вернул ошибку, отдаётся кольцо движка:
// лента не должна пропадать из-за сбоя базы.
type NotificationService struct {
	history NotificationHistoryInterface
	ring    NotificationRingInterface
	log     *utils.Logger
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(history NotificationHistoryInterface, ring NotificationRingInterface, log *utils.Logger) *NotificationService {
	if log == nil {
		log = utils.L()
	}
	return &NotificationService{
		history: history,
		ring:    ring,
		log:     log.WithComponent("notifications"),
	}
}

// GetNotifications возвращает уведомления, новые первыми.
//
// Параметры:
// - types: фильтр по типам (OPEN, CLOSE, ...), регистр не важен,
//          неизвестные типы игнорируются; пустой = все типы
// - limit: по умолчанию 100, максимум 500
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	if limit > MaxNotificationLimit {
		limit = MaxNotificationLimit
	}

	wanted := normalizeTypes(types)

	// С фильтром читаем с запасом, отбор делается после
	fetch := limit
	if len(wanted) > 0 {
		fetch = MaxNotificationLimit
	}

	notifs, err := s.fetch(ctx, fetch)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Notification, 0, limit)
	for _, n := range notifs {
		if len(wanted) > 0 && !wanted[n.Type] {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *NotificationService) fetch(ctx context.Context, limit int) ([]*models.Notification, error) {
	if s.history != nil {
		notifs, err := s.history.RecentNotifications(ctx, limit)
		if err == nil {
			return notifs, nil
		}
		if s.ring == nil {
			return nil, err
		}
		s.log.Warn("notification history unavailable, serving in-memory ring", utils.Err(err))
	}
	if s.ring == nil {
		return nil, nil
	}
	return s.ring.Notifications(limit), nil
}

// normalizeTypes приводит типы к верхнему регистру и отбрасывает неизвестные
func normalizeTypes(types []string) map[string]bool {
	out := make(map[string]bool, len(types))
	for _, t := range types {
		for _, part := range strings.Split(t, ",") {
			normalized := strings.ToUpper(strings.TrimSpace(part))
			if validNotificationTypes[normalized] {
				out[normalized] = true
			}
		}
	}
	return out
}
