package websocket

import (
	"strings"
	"time"

	"cryptobot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypePositionUpdate - позиции с оценкой по текущей цене
	// Отправляется в конце каждого тика
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeCapitalUpdate - состояние капитала, equity, просадка
	MessageTypeCapitalUpdate MessageType = "capitalUpdate"

	// MessageTypeTrade - исполненная сделка
	MessageTypeTrade MessageType = "trade"

	// MessageTypeNotification - новое уведомление
	// OPEN, CLOSE, PARTIAL, REJECTED, HALT, ERROR, STATE
	MessageTypeNotification MessageType = "notification"

	// MessageTypeLoopState - смена состояния цикла
	MessageTypeLoopState MessageType = "loopState"
)

// ParseMessageType распознаёт тип из запроса подписки
func ParseMessageType(name string) (MessageType, bool) {
	switch t := MessageType(strings.TrimSpace(name)); t {
	case MessageTypePositionUpdate, MessageTypeCapitalUpdate, MessageTypeTrade,
		MessageTypeNotification, MessageTypeLoopState:
		return t, true
	}
	return "", false
}

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

func base(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC()}
}

// PositionUpdateMessage - все живые позиции одним сообщением.
// Пустой список значит, что открытых позиций нет.
type PositionUpdateMessage struct {
	BaseMessage
	Data []models.PositionView `json:"data"`
}

// CapitalUpdateMessage - сообщение об обновлении капитала
type CapitalUpdateMessage struct {
	BaseMessage
	Data models.CapitalView `json:"data"`
}

// TradeMessage - сообщение о сделке
type TradeMessage struct {
	BaseMessage
	Data *models.Trade `json:"data"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// LoopStateMessage - состояние цикла управления
type LoopStateMessage struct {
	BaseMessage
	State string `json:"state"` // IDLE, RUNNING, PAUSED, STOPPED
	Info  string `json:"info"`
}

// ============ Фабричные функции для создания сообщений ============

// NewPositionUpdateMessage создает сообщение с позициями
func NewPositionUpdateMessage(positions []models.PositionView) *PositionUpdateMessage {
	if positions == nil {
		positions = []models.PositionView{}
	}
	return &PositionUpdateMessage{BaseMessage: base(MessageTypePositionUpdate), Data: positions}
}

// NewCapitalUpdateMessage создает сообщение обновления капитала
func NewCapitalUpdateMessage(capital models.CapitalView) *CapitalUpdateMessage {
	return &CapitalUpdateMessage{BaseMessage: base(MessageTypeCapitalUpdate), Data: capital}
}

// NewTradeMessage создает сообщение о сделке
func NewTradeMessage(trade *models.Trade) *TradeMessage {
	return &TradeMessage{BaseMessage: base(MessageTypeTrade), Data: trade}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{BaseMessage: base(MessageTypeNotification), Data: notif}
}

// NewLoopStateMessage создает сообщение о состоянии цикла
func NewLoopStateMessage(state, info string) *LoopStateMessage {
	return &LoopStateMessage{BaseMessage: base(MessageTypeLoopState), State: state, Info: info}
}
