package service

import (
	"context"
	"errors"
	"sync"

	"cryptobot/internal/models"
	"cryptobot/internal/repository"
)

var errMockDatabase = errors.New("mock database error")

// ============ Mock RiskEngine ============

type mockRiskEngine struct {
	mu        sync.Mutex
	cfg       models.RiskConfig
	updates   int
	updateErr error
}

func newMockRiskEngine() *mockRiskEngine {
	return &mockRiskEngine{cfg: models.DefaultRiskConfig()}
}

func (m *mockRiskEngine) RiskConfig() models.RiskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *mockRiskEngine) UpdateRiskConfig(cfg models.RiskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg
	m.updates++
	return nil
}

// ============ Mock RiskPersister ============

type savedRisk struct {
	preset string
	cfg    models.RiskConfig
}

type mockPersister struct {
	saved []savedRisk
	err   error
}

func (m *mockPersister) save(preset string, cfg models.RiskConfig) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, savedRisk{preset: preset, cfg: cfg})
	return nil
}

// ============ Mock TradeReader ============

type mockTradeReader struct {
	trades     []*models.Trade
	lastFilter repository.TradeFilter
	listErr    error
	summaryErr error
}

func (m *mockTradeReader) ListTrades(_ context.Context, filter repository.TradeFilter) ([]*models.Trade, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Trade
	for _, t := range m.trades {
		if filter.InstrumentID != "" && t.InstrumentID != filter.InstrumentID {
			continue
		}
		if filter.Reason != "" && t.Reason != filter.Reason {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockTradeReader) TradeSummary(context.Context) (*repository.TradeSummary, error) {
	if m.summaryErr != nil {
		return nil, m.summaryErr
	}
	return repository.Summarize(m.trades), nil
}

// ============ Mock notification sources ============

type mockHistory struct {
	notifs    []*models.Notification
	lastLimit int
	err       error
}

func (m *mockHistory) RecentNotifications(_ context.Context, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.notifs) {
		return m.notifs[:limit], nil
	}
	return m.notifs, nil
}

type mockRing struct {
	notifs []*models.Notification
}

func (m *mockRing) Notifications(limit int) []*models.Notification {
	if limit <= 0 || limit > len(m.notifs) {
		limit = len(m.notifs)
	}
	return m.notifs[:limit]
}

func notif(kind, message string) *models.Notification {
	return &models.Notification{Type: kind, Severity: models.SeverityInfo, Message: message}
}
