package websocket

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"cryptobot/pkg/utils"

	"github.com/gorilla/websocket"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения: клиент присылает
	// только запросы подписки
	maxMessageSize = 4096

	// Размер буфера отправки клиента
	clientSendBufferSize = 256
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker пустой список или "*" разрешает все Origin
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			checker.allowAll = true
			continue
		}
		if origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	if len(checker.allowedOrigins) == 0 {
		checker.allowAll = true
	}

	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// Client представляет одно WebSocket соединение
//
// Каждый клиент имеет две горутины:
// 1. readPump - принимает запросы подписки и замечает отключение
// 2. writePump - пишет сообщения клиенту и шлёт ping
type Client struct {
	// WebSocket соединение
	conn *websocket.Conn

	// Hub которому принадлежит клиент
	hub *Hub

	// Буферизованный канал исходящих сообщений
	send chan []byte

	// nil - клиент получает все типы сообщений
	topicsMu sync.RWMutex
	topics   map[MessageType]struct{}
}

// subscribeRequest единственное сообщение, которое понимает сервер
type subscribeRequest struct {
	Subscribe []string `json:"subscribe"`
}

// subscribe заменяет набор типов. Неизвестные типы пропускаются,
// пустой итог снимает фильтр. Возвращает принятые типы.
func (c *Client) subscribe(names []string) []MessageType {
	var accepted []MessageType
	topics := make(map[MessageType]struct{})
	for _, name := range names {
		t, ok := ParseMessageType(name)
		if !ok {
			continue
		}
		if _, dup := topics[t]; !dup {
			topics[t] = struct{}{}
			accepted = append(accepted, t)
		}
	}
	if len(topics) == 0 {
		topics = nil
	}

	c.topicsMu.Lock()
	c.topics = topics
	c.topicsMu.Unlock()
	return accepted
}

// wants подписан ли клиент на тип сообщения
func (c *Client) wants(t MessageType) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if c.topics == nil {
		return true
	}
	_, ok := c.topics[t]
	return ok
}

// readPump читает запросы подписки до разрыва соединения
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", utils.Err(err))
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debug("ignored websocket message", utils.Err(err))
			continue
		}
		accepted := c.subscribe(req.Subscribe)
		c.hub.log.Debug("websocket subscription", utils.Any("types", accepted))
	}
}

// writePump отправляет сообщения клиенту
//
// Накопившиеся в буфере сообщения пишутся одним фреймом через '\n'.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы от клиента
//
// Использование в routes:
// router.HandleFunc("/ws/stream", hub.ServeWS)
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Check(r.Header.Get("Origin"))
		},
		EnableCompression: true,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту ошибкой
		h.log.Debug("websocket upgrade failed", utils.Err(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
