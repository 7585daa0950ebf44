package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// broadcastBufferSize ёмкость очереди рассылки
const broadcastBufferSize = 256

// outbound сериализованное сообщение вместе с типом для фильтра подписок
type outbound struct {
	kind MessageType
	data []byte
}

// ============ sync.Pool для JSON буферов ============
// Убирает аллокации при каждом Broadcast

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512)) // начальный размер 512 байт
	},
}

// Hub управляет всеми активными WebSocket соединениями дашборда
//
// Назначение:
// Рассылка состояния движка всем подключенным клиентам без polling.
// Реализует bot.Broadcaster: вызовы из цикла никогда не блокируются,
// при переполнении очереди сообщение отбрасывается и учитывается.
//
// Последние positionUpdate, capitalUpdate и loopState запоминаются:
// новый клиент сразу получает актуальную картину, не дожидаясь тика.
//
// Использование:
// 1. Создать hub: hub := NewHub(logger, origins)
// 2. Запустить в горутине: go hub.Run()
// 3. Передать в движок как Broadcaster
//
// Клиент может сузить поток, прислав {"subscribe":["trade","notification"]}.
// Пустой список возвращает все типы.
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений подписанным клиентам
	broadcast chan outbound

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	stop     chan struct{}
	stopOnce sync.Once

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex

	// Последние снимки по типам для новых клиентов
	lastMu sync.Mutex
	last   map[MessageType][]byte

	dropped atomic.Int64
	origins *OriginChecker
	log     *utils.Logger
}

// NewHub создает новый Hub. origins - разрешённые Origin браузера,
// пустой список или "*" разрешает все.
func NewHub(log *utils.Logger, origins []string) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		last:       make(map[MessageType][]byte),
		origins:    NewOriginChecker(origins),
		log:        log.WithComponent("websocket"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Копируем список → отправляем без Lock → удаляем медленных под Write Lock
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.sendSnapshot(client)
			h.log.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(message.kind) {
					clients = append(clients, client)
				}
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message.data:
				default:
					// Клиент не успевает обрабатывать сообщения
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
			}
		}
	}
}

// Stop завершает Run и закрывает каналы клиентов. Повторный вызов безопасен.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// sendSnapshot отдаёт новому клиенту последние снимки состояния
func (h *Hub) sendSnapshot(client *Client) {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()

	for _, t := range []MessageType{MessageTypeLoopState, MessageTypeCapitalUpdate, MessageTypePositionUpdate} {
		msg, ok := h.last[t]
		if !ok || !client.wants(t) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			return
		}
	}
}

// encode сериализует сообщение через буфер из пула
func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	// Убираем trailing newline от Encode
	data := bytes.TrimRight(buf.Bytes(), "\n")

	// Копируем данные (буфер вернётся в пул)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Broadcast сериализует и рассылает сообщение клиентам, подписанным на тип t
func (h *Hub) Broadcast(t MessageType, message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.log.Error("marshal broadcast message", utils.String("type", string(t)), utils.Err(err))
		return
	}
	h.publish(t, data)
}

// publish ставит сообщение в очередь рассылки.
// Не блокируется: при полной очереди сообщение отбрасывается.
func (h *Hub) publish(t MessageType, data []byte) {
	select {
	case h.broadcast <- outbound{kind: t, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// remember запоминает снимок и рассылает его
func (h *Hub) remember(t MessageType, message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.log.Error("marshal snapshot message", utils.String("type", string(t)), utils.Err(err))
		return
	}
	h.lastMu.Lock()
	h.last[t] = data
	h.lastMu.Unlock()
	h.publish(t, data)
}

// ============ bot.Broadcaster ============

// BroadcastPositions рассылает позиции с оценкой
func (h *Hub) BroadcastPositions(positions []models.PositionView) {
	h.remember(MessageTypePositionUpdate, NewPositionUpdateMessage(positions))
}

// BroadcastCapital рассылает состояние капитала
func (h *Hub) BroadcastCapital(capital models.CapitalView) {
	h.remember(MessageTypeCapitalUpdate, NewCapitalUpdateMessage(capital))
}

// BroadcastTrade рассылает исполненную сделку
func (h *Hub) BroadcastTrade(trade *models.Trade) {
	h.Broadcast(MessageTypeTrade, NewTradeMessage(trade))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	h.Broadcast(MessageTypeNotification, NewNotificationMessage(notif))
}

// BroadcastLoopState рассылает смену состояния цикла
func (h *Hub) BroadcastLoopState(state, info string) {
	h.remember(MessageTypeLoopState, NewLoopStateMessage(state, info))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages сколько сообщений отброшено из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
