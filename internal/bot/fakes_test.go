package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cryptobot/internal/exchange"
	"cryptobot/internal/models"
	"cryptobot/pkg/retry"
)

// ============================================================
// Биржа
// ============================================================

// fakeExchange бумажная биржа с внедряемыми сбоями
type fakeExchange struct {
	*exchange.Paper
	prices *exchange.StaticPrices

	mu         sync.Mutex
	orderErr   error
	priceErr   map[string]error
	balanceErr error
	orders     []exchange.OrderRequest

	// Удержание ордеров внутри PlaceOrder и подменённое исполнение
	hold    chan struct{}
	entered chan string
	forced  *exchange.Fill
}

func newFakeExchange(cash float64, prices map[string]float64) *fakeExchange {
	src := exchange.NewStaticPrices(prices)
	return &fakeExchange{
		Paper:    exchange.NewPaper(src, cash, 0.02),
		prices:   src,
		priceErr: make(map[string]error),
	}
}

func (f *fakeExchange) failOrders(err error) {
	f.mu.Lock()
	f.orderErr = err
	f.mu.Unlock()
}

// holdOrders ордера ждут внутри PlaceOrder до release.
// entered получает инструмент каждого удержанного ордера.
func (f *fakeExchange) holdOrders() (entered <-chan string, release func()) {
	hold := make(chan struct{})
	ch := make(chan string, 64)
	f.mu.Lock()
	f.hold, f.entered = hold, ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold, f.entered = nil, nil
			f.mu.Unlock()
			close(hold)
		})
	}
}

// forceFill следующие покупки исполняются с заданными ценой, количеством и комиссией
func (f *fakeExchange) forceFill(quantity, price, fee float64) {
	f.mu.Lock()
	f.forced = &exchange.Fill{Quantity: quantity, Price: price, Fee: fee}
	f.mu.Unlock()
}

func (f *fakeExchange) failPrice(instrument string, err error) {
	f.mu.Lock()
	f.priceErr[instrument] = err
	f.mu.Unlock()
}

func (f *fakeExchange) GetPrice(ctx context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	err := f.priceErr[instrument]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Paper.GetPrice(ctx, instrument)
}

func (f *fakeExchange) GetBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	err := f.balanceErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Paper.GetBalance(ctx)
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	err := f.orderErr
	hold, entered, forced := f.hold, f.entered, f.forced
	f.mu.Unlock()

	if hold != nil {
		entered <- req.Instrument
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if forced != nil && req.Side == exchange.SideBuy {
		fill := *forced
		fill.ClientOrderID = req.ClientOrderID
		fill.Instrument = req.Instrument
		fill.Side = req.Side
		fill.FilledAt = time.Now().UTC()
		return &fill, nil
	}
	return f.Paper.PlaceOrder(ctx, req)
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

// ============================================================
// Хранилище и журнал
// ============================================================

type memoryStore struct {
	mu       sync.Mutex
	snap     *models.Snapshot
	saves    int
	trades   []*models.Trade
	notifs   []*models.Notification
	loadErr  error
	saveErr  error
	notifErr error
}

func (m *memoryStore) Load(context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.snap, nil
}

func (m *memoryStore) Save(_ context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap
	m.saves++
	return nil
}

func (m *memoryStore) AppendTrade(_ context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memoryStore) SaveNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifErr != nil {
		return m.notifErr
	}
	m.notifs = append(m.notifs, n)
	return nil
}

func (m *memoryStore) notificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifs)
}

func (m *memoryStore) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

func (m *memoryStore) saved() *models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// ============================================================
// Скринер и советник
// ============================================================

type fakeScreener struct {
	opps  []models.Opportunity
	err   error
	calls int
}

func (s *fakeScreener) Opportunities(context.Context) ([]models.Opportunity, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.Opportunity, len(s.opps))
	copy(out, s.opps)
	return out, nil
}

type fakeAdvisor struct {
	recs []models.Recommendation
	err  error
	last models.AdvisorRequest

	// hang ждёт отмены контекста, как зависший запрос к API
	hang bool
}

func (a *fakeAdvisor) Recommend(ctx context.Context, req models.AdvisorRequest) ([]models.Recommendation, error) {
	a.last = req
	if a.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.recs, nil
}

// ============================================================
// Рассылка
// ============================================================

type recordingHub struct {
	mu      sync.Mutex
	trades  int
	states  []string
	capital int
}

func (h *recordingHub) BroadcastPositions([]models.PositionView) {}
func (h *recordingHub) BroadcastCapital(models.CapitalView) {
	h.mu.Lock()
	h.capital++
	h.mu.Unlock()
}
func (h *recordingHub) BroadcastTrade(*models.Trade) {
	h.mu.Lock()
	h.trades++
	h.mu.Unlock()
}
func (h *recordingHub) BroadcastNotification(*models.Notification) {}
func (h *recordingHub) BroadcastLoopState(state, _ string) {
	h.mu.Lock()
	h.states = append(h.states, state)
	h.mu.Unlock()
}

// ============================================================
// Движок для тестов
// ============================================================

type testEngine struct {
	*Engine
	ex  *fakeExchange
	db  *memoryStore
	hub *recordingHub
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine движок в RUNNING без фоновой горутины: тики вызываются
// тестом напрямую. Анализ по расписанию выключен.
func newTestEngine(t *testing.T, capital float64, risk models.RiskConfig, deps Deps) *testEngine {
	t.Helper()

	ex, _ := deps.Exchange.(*fakeExchange)
	if ex == nil {
		ex = newFakeExchange(capital, map[string]float64{"BTC-USD": 100, "ETH-USD": 50, "SOL-USD": 20})
		deps.Exchange = ex
	}
	db, _ := deps.Store.(*memoryStore)
	if db == nil {
		db = &memoryStore{}
		deps.Store = db
	}
	hub := &recordingHub{}
	deps.Broadcaster = hub

	if risk.AnalysisSchedule == "" {
		risk.AnalysisSchedule = ScheduleDisabled
	}

	cfg := EngineConfig{
		TickInterval:   time.Hour,
		InitialCapital: capital,
		OrderTimeout:   time.Second,
		PriceTimeout:   time.Second,
		AnalysisRetry:  retry.Config{MaxAttempts: 1},
		StorageRetry:   retry.Config{MaxAttempts: 1},
	}
	e, err := NewEngine(cfg, risk, deps)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.now = func() time.Time { return testNow }
	e.ledger.now = e.now
	e.ledger.resetLocked(capital)

	e.mu.Lock()
	e.setStateLocked(StateRunning)
	e.mu.Unlock()
	e.recovered = true

	return &testEngine{Engine: e, ex: ex, db: db, hub: hub}
}

func (te *testEngine) setState(s LoopState) {
	te.mu.Lock()
	te.setStateLocked(s)
	te.mu.Unlock()
}

func (te *testEngine) lastNotification(kind string) *models.Notification {
	for _, n := range te.Notifications(0) {
		if n.Type == kind {
			return n
		}
	}
	return nil
}

var errExchangeDown = errors.New("exchange unavailable")
