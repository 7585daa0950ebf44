package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cryptobot/internal/bot"
	"cryptobot/internal/models"
	"cryptobot/internal/repository"
)

var errMockDatabase = errors.New("mock database error")

// ============ Mock Engine ============

// mockEngine реализует BotEngine, PositionEngine и CapitalEngine
type mockEngine struct {
	mu sync.Mutex

	state     bot.LoopState
	startCtx  context.Context
	calls     []string
	analyzeNo int

	positions []models.PositionView
	openErr   error
	closeErr  error
	opened    []OpenPositionRequest

	capital     models.CapitalView
	resetErr    error
	resetAmount float64
	haltResets  int

	risk models.RiskConfig

	notifs []*models.Notification
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		state:   bot.StateIdle,
		capital: models.CapitalView{CapitalState: models.CapitalState{InitialCapital: 1000, AvailableCapital: 1000}},
		risk:    models.DefaultRiskConfig(),
	}
}

func (m *mockEngine) transition(name string, from []bot.LoopState, to bot.LoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	for _, s := range from {
		if m.state == s {
			m.state = to
			return nil
		}
	}
	return bot.ErrInvalidTransition
}

func (m *mockEngine) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCtx = ctx
	m.mu.Unlock()
	return m.transition("start", []bot.LoopState{bot.StateIdle, bot.StateStopped}, bot.StateRunning)
}

func (m *mockEngine) Stop() error {
	return m.transition("stop", []bot.LoopState{bot.StateIdle, bot.StateRunning, bot.StatePaused}, bot.StateStopped)
}

func (m *mockEngine) Pause() error {
	return m.transition("pause", []bot.LoopState{bot.StateRunning}, bot.StatePaused)
}

func (m *mockEngine) Resume() error {
	return m.transition("resume", []bot.LoopState{bot.StatePaused}, bot.StateRunning)
}

func (m *mockEngine) State() bot.LoopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockEngine) Status() bot.EngineStatus {
	state := m.State()
	return bot.EngineStatus{State: state, StateInfo: bot.StateInfo(state), OpenPositions: len(m.positions)}
}

func (m *mockEngine) RequestAnalysis() {
	m.mu.Lock()
	m.analyzeNo++
	m.mu.Unlock()
}

func (m *mockEngine) Positions() []models.PositionView {
	return m.positions
}

func (m *mockEngine) OpenPosition(_ context.Context, instrument string, sizeUSD float64) (*models.Trade, error) {
	m.opened = append(m.opened, OpenPositionRequest{InstrumentID: instrument, SizeUSD: sizeUSD})
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &models.Trade{ID: "trade-1", Side: models.SideBuy, InstrumentID: instrument, Reason: models.ReasonManual, Quantity: 0.001, Price: 60000}, nil
}

func (m *mockEngine) ClosePosition(_ context.Context, instrument string) (*models.Trade, error) {
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	return &models.Trade{ID: "trade-2", Side: models.SideSell, InstrumentID: instrument, Reason: models.ReasonManual}, nil
}

func (m *mockEngine) CapitalState() models.CapitalView {
	return m.capital
}

func (m *mockEngine) ResetHalt(context.Context) {
	m.haltResets++
	m.capital.Halted = false
	m.capital.HaltReason = ""
}

func (m *mockEngine) ResetCapital(_ context.Context, initial float64) error {
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resetAmount = initial
	m.capital.InitialCapital = initial
	m.capital.AvailableCapital = initial
	return nil
}

// RiskEngine для service.SettingsService
func (m *mockEngine) RiskConfig() models.RiskConfig { return m.risk }

func (m *mockEngine) UpdateRiskConfig(cfg models.RiskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.risk = cfg
	return nil
}

// Notifications для service.NotificationService
func (m *mockEngine) Notifications(limit int) []*models.Notification {
	if limit <= 0 || limit > len(m.notifs) {
		limit = len(m.notifs)
	}
	return m.notifs[:limit]
}

// ============ Mock TradeReader ============

type mockTradeReader struct {
	trades []*models.Trade
	err    error
}

func (m *mockTradeReader) ListTrades(_ context.Context, filter repository.TradeFilter) ([]*models.Trade, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Trade
	for _, t := range m.trades {
		if filter.InstrumentID != "" && t.InstrumentID != filter.InstrumentID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockTradeReader) TradeSummary(context.Context) (*repository.TradeSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	return repository.Summarize(m.trades), nil
}

// ============ Mock TokenIssuer / WebhookProcessor ============

type mockIssuer struct{ err error }

func (m mockIssuer) Issue(subject string) (string, time.Time, error) {
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	return "token-for-" + subject, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type mockProcessor struct {
	enabled bool
	err     error
	body    []byte
}

func (m *mockProcessor) Enabled() bool { return m.enabled }

func (m *mockProcessor) Handle(_ context.Context, body []byte) (models.Intent, error) {
	m.body = body
	if m.err != nil {
		return models.Intent{}, m.err
	}
	return models.Intent{Kind: models.IntentEntry, InstrumentID: "BTC-USD", Source: models.SourceWebhook, Reason: models.ReasonWebhookSignal}, nil
}

// ============ helpers ============

func doRequest(t *testing.T, handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, w.Body.String())
	}
}
