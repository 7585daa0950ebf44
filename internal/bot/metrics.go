package bot

import (
	"time"

	"cryptobot/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики движка
// ============================================================
//
// Что отслеживается:
// - длительность тика и его шагов
// - решения Gate по кодам отказа
// - сделки по причинам, капитал, просадка
// - сбои внешних сервисов (биржа, скринер, советник)
//
// Экспортируются на /metrics через promhttp.

// ============ Латентность ============

// TickDuration длительность тика по шагам
var TickDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "tick_duration_ms",
		Help:      "Duration of control loop tick steps in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000, 30000},
	},
	[]string{"stage"}, // prices, exits, webhooks, analysis, persist, total
)

// OrderLatency время размещения и исполнения ордера
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cryptobot",
		Subsystem: "exchange",
		Name:      "order_latency_ms",
		Help:      "Time to place and fill an order in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 15000},
	},
	[]string{"exchange", "side"},
)

// ExchangeCallLatency латентность вызовов биржи с учётом повторов
var ExchangeCallLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cryptobot",
		Subsystem: "exchange",
		Name:      "call_latency_ms",
		Help:      "Exchange call latency including retries in milliseconds",
		Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"op", "result"},
)

// ============ Счётчики событий ============

// TicksTotal количество тиков
var TicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "ticks_total",
		Help:      "Total number of control loop ticks",
	},
	[]string{"state"},
)

// GateDecisions решения Gate
var GateDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate decisions by intent kind and result code",
	},
	[]string{"kind", "result"}, // result: accepted, exchange_error или код отказа
)

// TradesTotal сделки по причинам
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Total number of executed trades",
	},
	[]string{"side", "reason"},
)

// CollaboratorFailures сбои внешних сервисов
var CollaboratorFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "collaborator_failures_total",
		Help:      "Failures of external collaborators by name",
	},
	[]string{"collaborator"}, // price, screener, advisor, persist, journal, notifications
)

// WebhookSignals входящие сигналы вебхука
var WebhookSignals = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "webhook",
		Name:      "signals_total",
		Help:      "Inbound webhook signals by result",
	},
	[]string{"result"}, // accepted, unauthorized, invalid, rate_limited, unconfirmed, not_running, queue_full, error
)

// BufferOverflows переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"},
)

// ============ Состояние ============

// CapitalGauge показатели капитала
var CapitalGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "capital",
		Name:      "usd",
		Help:      "Capital figures in USD",
	},
	[]string{"kind"}, // available, committed, equity, realized, daily_pnl
)

// DrawdownRatio текущая просадка от пика
var DrawdownRatio = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "capital",
		Name:      "drawdown_ratio",
		Help:      "Current drawdown from peak equity (0.2 = 20%)",
	},
)

// OpenPositions количество живых позиций
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "trading",
		Name:      "open_positions",
		Help:      "Current number of live positions",
	},
)

// EntriesHalted 1 если входы остановлены
var EntriesHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "risk",
		Name:      "entries_halted",
		Help:      "1 when new entries are halted by drawdown or daily loss",
	},
)

// LoopStateGauge текущее состояние цикла (1 у активного)
var LoopStateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "state",
		Help:      "Control loop state (1 for the current state)",
	},
	[]string{"state"},
)

// BufferBacklog заполненность буферов
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cryptobot",
		Subsystem: "loop",
		Name:      "buffer_backlog_ratio",
		Help:      "Channel buffer fill ratio at the moment of overflow",
	},
	[]string{"buffer"},
)

// ============ Вспомогательные функции ============

// RecordGateDecision записывает решение Gate
func RecordGateDecision(kind models.IntentKind, err error) {
	result := "accepted"
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			result = string(rej.Code)
		} else {
			result = "exchange_error"
		}
	}
	GateDecisions.WithLabelValues(string(kind), result).Inc()
}

// RecordTrade записывает сделку
func RecordTrade(t *models.Trade) {
	TradesTotal.WithLabelValues(string(t.Side), string(t.Reason)).Inc()
}

// UpdateCapitalMetrics обновляет показатели капитала
func UpdateCapitalMetrics(view models.CapitalView, positions int) {
	CapitalGauge.WithLabelValues("available").Set(view.AvailableCapital)
	CapitalGauge.WithLabelValues("committed").Set(view.CommittedCapital)
	CapitalGauge.WithLabelValues("equity").Set(view.Equity)
	CapitalGauge.WithLabelValues("realized").Set(view.RealizedPnLTotal)
	CapitalGauge.WithLabelValues("daily_pnl").Set(view.DailyPnL)
	DrawdownRatio.Set(view.DrawdownPct)
	OpenPositions.Set(float64(positions))
	if view.Halted {
		EntriesHalted.Set(1)
	} else {
		EntriesHalted.Set(0)
	}
}

// SetLoopState отмечает текущее состояние цикла
func SetLoopState(state LoopState) {
	for _, s := range AllLoopStates {
		v := 0.0
		if s == state {
			v = 1
		}
		LoopStateGauge.WithLabelValues(string(s)).Set(v)
	}
}

// RecordCollaboratorFailure записывает сбой внешнего сервиса
func RecordCollaboratorFailure(name string) {
	CollaboratorFailures.WithLabelValues(name).Inc()
}

// ObserveStage записывает длительность шага тика
func ObserveStage(stage string, start time.Time) {
	TickDuration.WithLabelValues(stage).Observe(float64(time.Since(start).Milliseconds()))
}

// ObserveExchangeCall наблюдатель для exchange.Resilient
func ObserveExchangeCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ExchangeCallLatency.WithLabelValues(op, result).Observe(float64(d.Milliseconds()))
}

// RecordWebhookSignal записывает результат обработки вебхука
func RecordWebhookSignal(result string) {
	WebhookSignals.WithLabelValues(result).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}
