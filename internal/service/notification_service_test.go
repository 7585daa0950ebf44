package service

import (
	"context"
	"errors"
	"testing"

	"cryptobot/internal/models"
)

// ============ NotificationService Tests ============

func TestNotificationService_History(t *testing.T) {
	history := &mockHistory{notifs: []*models.Notification{
		notif(models.NotificationTypeClose, "c2"),
		notif(models.NotificationTypeOpen, "o2"),
		notif(models.NotificationTypeRejected, "r1"),
		notif(models.NotificationTypeOpen, "o1"),
	}}
	ring := &mockRing{notifs: []*models.Notification{notif(models.NotificationTypeState, "ring")}}
	svc := NewNotificationService(history, ring, nil)

	t.Run("default limit", func(t *testing.T) {
		got, err := svc.GetNotifications(context.Background(), nil, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 4 {
			t.Errorf("got %d notifications, want 4", len(got))
		}
		if history.lastLimit != DefaultNotificationLimit {
			t.Errorf("history limit = %d, want %d", history.lastLimit, DefaultNotificationLimit)
		}
	})

	t.Run("limit clamped", func(t *testing.T) {
		if _, err := svc.GetNotifications(context.Background(), nil, 10000); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if history.lastLimit != MaxNotificationLimit {
			t.Errorf("history limit = %d, want %d", history.lastLimit, MaxNotificationLimit)
		}
	})

	t.Run("type filter", func(t *testing.T) {
		got, err := svc.GetNotifications(context.Background(), []string{"open, close", "bogus"}, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 2 || got[0].Message != "c2" || got[1].Message != "o2" {
			t.Errorf("got %+v", got)
		}
		// С фильтром журнал читается с запасом
		if history.lastLimit != MaxNotificationLimit {
			t.Errorf("history limit = %d, want %d", history.lastLimit, MaxNotificationLimit)
		}
	})

	t.Run("unknown types only means no filter", func(t *testing.T) {
		got, err := svc.GetNotifications(context.Background(), []string{"SL", "PAUSE"}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 4 {
			t.Errorf("got %d notifications, want 4", len(got))
		}
	})
}

func TestNotificationService_FallbackToRing(t *testing.T) {
	ring := &mockRing{notifs: []*models.Notification{
		notif(models.NotificationTypeHalt, "halt"),
		notif(models.NotificationTypeOpen, "open"),
	}}

	t.Run("no history", func(t *testing.T) {
		svc := NewNotificationService(nil, ring, nil)
		got, err := svc.GetNotifications(context.Background(), []string{"HALT"}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Message != "halt" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("history error", func(t *testing.T) {
		svc := NewNotificationService(&mockHistory{err: errMockDatabase}, ring, nil)
		got, err := svc.GetNotifications(context.Background(), nil, 0)
		if err != nil {
			t.Fatalf("ring must hide history error, got %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d notifications, want 2", len(got))
		}
	})

	t.Run("history error without ring", func(t *testing.T) {
		svc := NewNotificationService(&mockHistory{err: errMockDatabase}, nil, nil)
		if _, err := svc.GetNotifications(context.Background(), nil, 0); !errors.Is(err, errMockDatabase) {
			t.Errorf("error = %v, want errMockDatabase", err)
		}
	})

	t.Run("no sources", func(t *testing.T) {
		svc := NewNotificationService(nil, nil, nil)
		got, err := svc.GetNotifications(context.Background(), nil, 0)
		if err != nil || len(got) != 0 || got == nil {
			t.Errorf("got %v, %v; want empty slice", got, err)
		}
	})
}
