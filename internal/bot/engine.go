package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cryptobot/internal/exchange"
	"cryptobot/internal/models"
	"cryptobot/internal/screener"
	"cryptobot/pkg/retry"
	"cryptobot/pkg/utils"
)

var (
	ErrInvalidTransition = errors.New("invalid loop state transition")
	ErrLoopNotRunning    = errors.New("control loop is not running")
	ErrQueueFull         = errors.New("webhook queue is full")
)

// notificationRingSize сколько последних уведомлений хранится для API
const notificationRingSize = 100

// ============================================================
// Коллабораторы
// ============================================================

// StateStore сохранение и загрузка состояния (позиции + капитал)
type StateStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
}

// NotificationSink долговременный журнал уведомлений
type NotificationSink interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
}

// Screener источник технических кандидатов
type Screener interface {
	Opportunities(ctx context.Context) ([]models.Opportunity, error)
}

// Advisor ИИ-советник
type Advisor interface {
	Recommend(ctx context.Context, req models.AdvisorRequest) ([]models.Recommendation, error)
}

// Broadcaster рассылка состояния клиентам дашборда.
//
// Реализуется пакетом internal/websocket (Hub). Вызовы не должны
// блокироваться: цикл вызывает их в конце каждого тика.
type Broadcaster interface {
	BroadcastPositions(positions []models.PositionView)
	BroadcastCapital(capital models.CapitalView)
	BroadcastTrade(trade *models.Trade)
	BroadcastNotification(notif *models.Notification)
	BroadcastLoopState(state, info string)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastPositions([]models.PositionView)   {}
func (noopBroadcaster) BroadcastCapital(models.CapitalView)        {}
func (noopBroadcaster) BroadcastTrade(*models.Trade)               {}
func (noopBroadcaster) BroadcastNotification(*models.Notification) {}
func (noopBroadcaster) BroadcastLoopState(string, string)          {}

// ============================================================
// Конфигурация
// ============================================================

// EngineConfig параметры цикла
type EngineConfig struct {
	TickInterval   time.Duration
	InitialCapital float64

	// Watchlist инструменты, цены которых обновляются без открытых позиций
	Watchlist []string

	WebhookQueueSize   int
	NotificationBuffer int

	OrderTimeout time.Duration
	PriceTimeout time.Duration

	// AnalysisBudget общий предел на скринер и советника за тик,
	// не больше TickInterval: следующие выходы не ждут медленный анализ
	AnalysisBudget time.Duration
	AnalysisRetry  retry.Config
	StorageRetry   retry.Config
}

// DefaultEngineConfig значения по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:       30 * time.Second,
		InitialCapital:     1000,
		WebhookQueueSize:   64,
		NotificationBuffer: 256,
		OrderTimeout:       DefaultOrderTimeout,
		PriceTimeout:       10 * time.Second,
		AnalysisBudget:     45 * time.Second,
		AnalysisRetry:      retry.AnalysisConfig(),
		StorageRetry:       retry.StorageConfig(),
	}
}

// Deps внешние зависимости движка. Обязательна только биржа.
type Deps struct {
	Exchange      exchange.Client
	Screener      Screener
	Advisor       Advisor
	Store         StateStore
	Journal       TradeJournal     // nil = Store, если он умеет AppendTrade
	Notifications NotificationSink // nil = Store, если он умеет SaveNotification
	Broadcaster   Broadcaster
	Logger        *utils.Logger
}

// ============================================================
// Engine
// ============================================================

// Engine цикл управления.
//
// Один тик: сброс дневного P&L → цены → оценка позиций → защитные
// выходы → очередь вебхуков → (по расписанию) анализ и входы →
// сохранение → рассылка. Все намерения проходят через Gate.
// Тики не пересекаются (tickMu), между тиками блокировки не держатся.
type Engine struct {
	cfg EngineConfig

	risk     atomic.Pointer[models.RiskConfig]
	schedule atomic.Pointer[Schedule]

	ledger *Ledger
	store  *PositionStore
	gate   *Gate

	exchange   exchange.Client
	screener   Screener
	advisor    Advisor
	stateStore StateStore
	hub        Broadcaster
	notifSink  NotificationSink

	// Состояние цикла
	mu           sync.Mutex
	state        LoopState
	cancel       context.CancelFunc
	done         chan struct{}
	lastTick     time.Time
	lastAnalysis time.Time

	tickMu sync.Mutex

	recoverMu sync.Mutex
	recovered bool

	webhooks          chan models.Intent
	analyzeCh         chan struct{}
	analysisRequested atomic.Bool
	notifCh           chan *models.Notification

	pricesMu   sync.RWMutex
	lastPrices map[string]float64

	notifMu sync.Mutex
	notifs  []*models.Notification

	log *utils.Logger
	now func() time.Time
}

// NewEngine собирает движок. risk проверяется и задаёт расписание анализа.
func NewEngine(cfg EngineConfig, risk models.RiskConfig, deps Deps) (*Engine, error) {
	if deps.Exchange == nil {
		return nil, errors.New("exchange client is required")
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	sched, err := ParseSchedule(risk.AnalysisSchedule, risk.DailyAnalysisTime)
	if err != nil {
		return nil, err
	}

	def := DefaultEngineConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = def.InitialCapital
	}
	if cfg.WebhookQueueSize <= 0 {
		cfg.WebhookQueueSize = def.WebhookQueueSize
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = def.NotificationBuffer
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = def.PriceTimeout
	}
	if cfg.AnalysisBudget <= 0 {
		cfg.AnalysisBudget = def.AnalysisBudget
	}
	if cfg.AnalysisBudget > cfg.TickInterval {
		cfg.AnalysisBudget = cfg.TickInterval
	}

	log := deps.Logger
	if log == nil {
		log = utils.L()
	}

	journal := deps.Journal
	if journal == nil {
		if j, ok := deps.Store.(TradeJournal); ok {
			journal = j
		}
	}

	sink := deps.Notifications
	if sink == nil {
		if ns, ok := deps.Store.(NotificationSink); ok {
			sink = ns
		}
	}

	hub := deps.Broadcaster
	if hub == nil {
		hub = noopBroadcaster{}
	}

	ledger := NewLedger(cfg.InitialCapital)
	store := NewPositionStore()
	gate := NewGate(ledger, store, deps.Exchange, journal, log)
	gate.SetOrderTimeout(cfg.OrderTimeout)

	e := &Engine{
		cfg:        cfg,
		ledger:     ledger,
		store:      store,
		gate:       gate,
		exchange:   deps.Exchange,
		screener:   deps.Screener,
		advisor:    deps.Advisor,
		stateStore: deps.Store,
		hub:        hub,
		notifSink:  sink,
		state:      StateIdle,
		webhooks:   make(chan models.Intent, cfg.WebhookQueueSize),
		analyzeCh:  make(chan struct{}, 1),
		notifCh:    make(chan *models.Notification, cfg.NotificationBuffer),
		lastPrices: make(map[string]float64),
		log:        log.WithComponent("engine"),
		now:        time.Now,
	}
	e.risk.Store(&risk)
	e.schedule.Store(sched)

	gate.SetHaltHandler(func(reason string) {
		e.log.Error("entries halted", utils.Reason(reason))
		e.notify(models.NotificationTypeHalt, models.SeverityError, "", "Входы остановлены: "+reason, nil)
	})

	SetLoopState(StateIdle)
	return e, nil
}

// ============================================================
// Управление циклом
// ============================================================

// Start запускает цикл из IDLE или STOPPED. Перед первым запуском
// загружает сохранённое состояние; при ошибке загрузки цикл не стартует.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.ensureRecovered(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle && e.state != StateStopped {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, e.state)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.setStateLocked(StateRunning)

	go e.run(loopCtx, e.done)

	e.log.Info("control loop started", utils.Dur("tick_interval", e.cfg.TickInterval))
	return nil
}

// Pause останавливает новые входы. Защитные выходы продолжают работать,
// текущая фиксация в Gate не прерывается.
func (e *Engine) Pause() error {
	return e.transition(StateRunning, StatePaused)
}

// Resume возвращает цикл из паузы
func (e *Engine) Resume() error {
	return e.transition(StatePaused, StateRunning)
}

func (e *Engine) transition(from, to LoopState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != from || !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.state, to)
	}
	e.setStateLocked(to)
	e.log.Info("control loop state changed", utils.State(string(to)))
	return nil
}

// Stop останавливает цикл, дожидается завершения текущего тика
// и сохраняет состояние
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !CanTransition(e.state, StateStopped) {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, state)
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.setStateLocked(StateStopped)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.persist(context.Background(), "stop")
	e.log.Info("control loop stopped")
	return nil
}

// setStateLocked вызывается под e.mu
func (e *Engine) setStateLocked(s LoopState) {
	e.state = s
	SetLoopState(s)
	e.hub.BroadcastLoopState(string(s), StateInfo(s))
}

// State текущее состояние цикла
func (e *Engine) State() LoopState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.flushNotifications(ctx)
			return
		case <-ticker.C:
			e.Tick(ctx)
		case <-e.analyzeCh:
			e.Tick(ctx)
		case n := <-e.notifCh:
			e.deliver(ctx, n)
		}
	}
}

// flushNotifications отдаёт клиентам то, что успело накопиться
func (e *Engine) flushNotifications(ctx context.Context) {
	for {
		select {
		case n := <-e.notifCh:
			e.deliver(ctx, n)
		default:
			return
		}
	}
}

// deliver рассылка и запись в журнал. Ошибка журнала только логируется.
func (e *Engine) deliver(ctx context.Context, n *models.Notification) {
	e.hub.BroadcastNotification(n)
	if e.notifSink == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.notifSink.SaveNotification(saveCtx, n); err != nil {
		RecordCollaboratorFailure("notifications")
		e.log.Warn("notification not journaled", utils.String("type", n.Type), utils.Err(err))
	}
}

// ============================================================
// Тик
// ============================================================

// Tick один проход цикла. Состояние читается один раз в начале:
// пауза, пришедшая посреди тика, действует со следующего.
func (e *Engine) Tick(ctx context.Context) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	state := e.State()
	TicksTotal.WithLabelValues(string(state)).Inc()

	if !EvaluatesExits(state) {
		return
	}

	cfg := e.RiskConfig()
	now := e.now().UTC()

	if e.ledger.ResetDaily(now) {
		e.log.Info("daily pnl reset", utils.String("day", now.Format("2006-01-02")))
	}

	stage := time.Now()
	prices := e.refreshPrices(ctx)
	e.markToMarket(prices)
	ObserveStage("prices", stage)

	stage = time.Now()
	e.evaluateExits(ctx, prices, cfg)
	ObserveStage("exits", stage)

	stage = time.Now()
	e.drainWebhooks(ctx, state, cfg)
	ObserveStage("webhooks", stage)

	if AcceptsEntries(state) && e.analysisDue(now) {
		stage = time.Now()
		e.analysisRequested.Store(false)
		e.runAnalysis(ctx, cfg, now)
		ObserveStage("analysis", stage)
	}

	stage = time.Now()
	e.persist(ctx, "tick")
	ObserveStage("persist", stage)

	e.mu.Lock()
	e.lastTick = now
	e.mu.Unlock()

	e.publish()
	ObserveStage("total", start)
}

// refreshPrices параллельно запрашивает цены позиций и watchlist.
// При сбое используется последняя известная цена.
func (e *Engine) refreshPrices(ctx context.Context) map[string]float64 {
	instruments := make(map[string]struct{})
	for _, p := range e.store.GetOpen() {
		instruments[p.InstrumentID] = struct{}{}
	}
	for _, inst := range e.cfg.Watchlist {
		instruments[inst] = struct{}{}
	}

	type result struct {
		instrument string
		price      float64
		err        error
	}
	results := make(chan result, len(instruments))

	var wg sync.WaitGroup
	for inst := range instruments {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
			defer cancel()
			price, err := e.exchange.GetPrice(pctx, inst)
			if err == nil && price <= 0 {
				err = fmt.Errorf("non-positive price %v", price)
			}
			results <- result{instrument: inst, price: price, err: err}
		}(inst)
	}
	wg.Wait()
	close(results)

	prices := make(map[string]float64, len(instruments))

	e.pricesMu.Lock()
	defer e.pricesMu.Unlock()

	for r := range results {
		if r.err == nil {
			e.lastPrices[r.instrument] = r.price
			prices[r.instrument] = r.price
			continue
		}
		RecordCollaboratorFailure("price")
		if last, ok := e.lastPrices[r.instrument]; ok {
			e.log.Warn("price refresh failed, using last known price",
				utils.Instrument(r.instrument), utils.Price(last), utils.Err(r.err))
			prices[r.instrument] = last
			continue
		}
		e.log.Warn("price refresh failed, no known price, rules skipped",
			utils.Instrument(r.instrument), utils.Err(r.err))
	}
	return prices
}

// markToMarket оценка открытых позиций для drawdown
func (e *Engine) markToMarket(prices map[string]float64) {
	var value float64
	for _, p := range e.store.GetOpen() {
		if price, ok := prices[p.InstrumentID]; ok {
			value += p.Quantity * price
		} else {
			value += p.EntryCost
		}
	}
	e.ledger.MarkToMarket(value)
}

// evaluateExits правила выхода по каждой позиции с известной ценой
func (e *Engine) evaluateExits(ctx context.Context, prices map[string]float64, cfg models.RiskConfig) {
	for _, pos := range e.store.GetOpen() {
		price, ok := prices[pos.InstrumentID]
		if !ok {
			continue
		}

		ev := Evaluate(pos, price, cfg)

		if ev.TrailingUpdate != nil {
			moved, err := e.gate.UpdateTrailing(pos.InstrumentID, *ev.TrailingUpdate)
			switch {
			case err != nil:
				e.log.Warn("trailing update failed", utils.Instrument(pos.InstrumentID), utils.Err(err))
			case moved && ev.Activated:
				e.log.Info("trailing stop activated",
					utils.Instrument(pos.InstrumentID), utils.Price(price), utils.Float64("stop", *ev.TrailingUpdate))
			case moved:
				e.log.Debug("trailing stop raised",
					utils.Instrument(pos.InstrumentID), utils.Float64("stop", *ev.TrailingUpdate))
			}
		}

		if ev.Exit != nil {
			e.submit(ctx, *ev.Exit, cfg)
		}
	}
}

// drainWebhooks обрабатывает накопленные сигналы до входов этого тика
func (e *Engine) drainWebhooks(ctx context.Context, state LoopState, cfg models.RiskConfig) {
	for {
		select {
		case intent := <-e.webhooks:
			if intent.Kind == models.IntentEntry && !AcceptsEntries(state) {
				GateDecisions.WithLabelValues(string(intent.Kind), "paused").Inc()
				e.notify(models.NotificationTypeRejected, models.SeverityWarn, intent.InstrumentID,
					fmt.Sprintf("Вход по %s отклонён: бот на паузе", intent.InstrumentID), nil)
				continue
			}
			if intent.Kind == models.IntentEntry && intent.SizeUSD <= 0 {
				intent.SizeUSD = e.sizeFor(cfg, 0)
			}
			e.submit(ctx, intent, cfg)
		default:
			return
		}
	}
}

// ============================================================
// Анализ кандидатов
// ============================================================

// RequestAnalysis запрашивает анализ на ближайшем тике в RUNNING
func (e *Engine) RequestAnalysis() {
	e.analysisRequested.Store(true)
	select {
	case e.analyzeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) analysisDue(now time.Time) bool {
	if e.analysisRequested.Load() {
		return true
	}
	e.mu.Lock()
	last := e.lastAnalysis
	e.mu.Unlock()
	return e.schedule.Load().Due(last, now)
}

// runAnalysis скринер → советник → входы. Сбой коллаборатора
// пропускает входы этого тика, выходы уже выполнены. Запросы к
// коллабораторам укладываются в AnalysisBudget; ордера входов идут
// со своим таймаутом.
func (e *Engine) runAnalysis(ctx context.Context, cfg models.RiskConfig, now time.Time) {
	e.mu.Lock()
	e.lastAnalysis = now
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisBudget)
	defer cancel()

	if e.screener == nil {
		e.log.Debug("analysis skipped: screener not configured")
		return
	}

	opps, err := retry.DoWithResult(callCtx, e.analysisRetry("screener"), e.screener.Opportunities)
	if err != nil {
		RecordCollaboratorFailure("screener")
		e.log.Warn("screener failed, entries skipped this tick", utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityWarn, "", "Скринер недоступен: входы пропущены", nil)
		return
	}

	byInstrument := make(map[string]models.Opportunity, len(opps))
	valid := make([]models.Opportunity, 0, len(opps))
	for _, o := range opps {
		if err := screener.Validate(o); err != nil {
			e.log.Debug("screener opportunity dropped", utils.Instrument(o.InstrumentID), utils.Err(err))
			continue
		}
		byInstrument[o.InstrumentID] = o
		valid = append(valid, o)
	}

	if e.advisor == nil {
		e.screenerEntries(ctx, cfg, valid)
		return
	}

	snap := e.gate.Snapshot()
	req := models.AdvisorRequest{
		Opportunities: valid,
		Positions:     e.valuate(snap.Positions, cfg),
		Capital:       snap.Capital,
		Risk:          cfg,
		RequestedAt:   now,
	}
	recs, err := retry.DoWithResult(callCtx, e.analysisRetry("advisor"), func(ctx context.Context) ([]models.Recommendation, error) {
		return e.advisor.Recommend(ctx, req)
	})
	if err != nil {
		RecordCollaboratorFailure("advisor")
		e.log.Warn("advisor failed, entries skipped this tick", utils.Err(err))
		e.notify(models.NotificationTypeError, models.SeverityWarn, "", "ИИ-советник недоступен: входы пропущены", nil)
		return
	}

	// Сначала продажи: освобождают капитал и слоты
	for _, rec := range recs {
		if rec.Action != models.ActionSell || rec.Conviction < cfg.ConfidenceThreshold {
			continue
		}
		if !e.store.Has(rec.InstrumentID) {
			continue
		}
		e.submit(ctx, models.Intent{
			Kind:         models.IntentExit,
			InstrumentID: rec.InstrumentID,
			Source:       models.SourceAdvisor,
			Reason:       models.ReasonAIRecommendation,
			Note:         rec.Reasoning,
		}, cfg)
	}

	buys := make([]models.Recommendation, 0, len(recs))
	for _, rec := range recs {
		if rec.Action == models.ActionBuy {
			buys = append(buys, rec)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Conviction > buys[j].Conviction })

	for _, rec := range buys {
		log := e.log.With(utils.Instrument(rec.InstrumentID), utils.Int("conviction", rec.Conviction))

		opp, listed := byInstrument[rec.InstrumentID]
		if reason := e.entryFilter(cfg, rec.InstrumentID, rec.Conviction, opp, listed); reason != "" {
			log.Info("advisor candidate skipped", utils.Reason(reason))
			continue
		}

		intent := models.Intent{
			Kind:          models.IntentEntry,
			InstrumentID:  rec.InstrumentID,
			Source:        models.SourceAdvisor,
			Reason:        models.ReasonAIRecommendation,
			SizeUSD:       e.sizeFor(cfg, rec.PositionSizePct),
			Price:         opp.Price,
			StopLossPrice: rec.StopLoss,
			Note:          rec.Reasoning,
		}
		if len(rec.TakeProfit) > 0 {
			intent.TakeProfitPrice = rec.TakeProfit[0]
		}
		e.submit(ctx, intent, cfg)
	}
}

// screenerEntries режим без советника: уверенность берётся из скринера
func (e *Engine) screenerEntries(ctx context.Context, cfg models.RiskConfig, opps []models.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].Score > opps[j].Score })

	for _, o := range opps {
		conviction := int(math.Round(o.Confidence))
		if reason := e.entryFilter(cfg, o.InstrumentID, conviction, o, true); reason != "" {
			e.log.Debug("screener candidate skipped", utils.Instrument(o.InstrumentID), utils.Reason(reason))
			continue
		}
		e.submit(ctx, models.Intent{
			Kind:         models.IntentEntry,
			InstrumentID: o.InstrumentID,
			Source:       models.SourceScreener,
			Reason:       models.ReasonAIRecommendation,
			SizeUSD:      e.sizeFor(cfg, 0),
			Price:        o.Price,
		}, cfg)
	}
}

// entryFilter политика отбора кандидатов до Gate. Пустая строка = проходит.
func (e *Engine) entryFilter(cfg models.RiskConfig, instrument string, conviction int, opp models.Opportunity, listed bool) string {
	if conviction < cfg.ConfidenceThreshold {
		return fmt.Sprintf("conviction %d below threshold %d", conviction, cfg.ConfidenceThreshold)
	}
	if !listed {
		return "not listed by screener"
	}
	if !screener.Passes(opp, cfg.MinScreenerScore) {
		return fmt.Sprintf("screener signal %s score %.1f does not pass", opp.Signal, opp.Score)
	}
	if e.store.Has(instrument) {
		return "position already open"
	}

	if equity := e.ledger.View().Equity; cfg.SmallAccountUSD > 0 && equity < cfg.SmallAccountUSD {
		if conviction < cfg.SmallAccountMinConv {
			return fmt.Sprintf("small account: conviction %d below %d", conviction, cfg.SmallAccountMinConv)
		}
		if !containsInstrument(cfg.SmallAccountAllowed, instrument) {
			return "small account: instrument not allowed"
		}
	}
	return ""
}

func containsInstrument(list []string, instrument string) bool {
	for _, v := range list {
		if utils.NormalizeInstrument(v) == instrument {
			return true
		}
	}
	return false
}

// sizeFor размер входа: доступный капитал × min(pct, max_position_pct),
// округлённый вниз до цента. Комиссия внутри суммы.
func (e *Engine) sizeFor(cfg models.RiskConfig, pct float64) float64 {
	if pct <= 0 || pct > cfg.MaxPositionPct {
		pct = cfg.MaxPositionPct
	}
	return utils.PositionSize(e.ledger.Snapshot().AvailableCapital, pct)
}

func (e *Engine) analysisRetry(name string) retry.Config {
	cfg := e.cfg.AnalysisRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn("analysis call retry",
			utils.String("collaborator", name), utils.Int("attempt", attempt), utils.Dur("delay", delay), utils.Err(err))
	}
	return cfg
}

// ============================================================
// Отправка намерений
// ============================================================

// submit проводит намерение через Gate и сообщает результат
func (e *Engine) submit(ctx context.Context, intent models.Intent, cfg models.RiskConfig) (*models.Trade, error) {
	trade, err := e.gate.Submit(ctx, intent, cfg)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			e.notify(models.NotificationTypeRejected, models.SeverityWarn, intent.InstrumentID,
				fmt.Sprintf("%s отклонено: %s", intent, rej.Error()),
				map[string]interface{}{"code": string(rej.Code), "constraint": rej.Constraint, "limit": rej.Limit, "attempted": rej.Attempted})
		} else {
			e.notify(models.NotificationTypeError, models.SeverityError, intent.InstrumentID,
				fmt.Sprintf("%s: ошибка исполнения: %v", intent, err), nil)
		}
		return nil, err
	}

	e.notifyTrade(trade)
	e.hub.BroadcastTrade(trade)
	e.persist(ctx, "trade")
	return trade, nil
}

func (e *Engine) notifyTrade(t *models.Trade) {
	meta := map[string]interface{}{
		"quantity": t.Quantity,
		"price":    t.Price,
		"fee":      t.Fee,
		"reason":   string(t.Reason),
	}
	if t.Side == models.SideBuy {
		e.notify(models.NotificationTypeOpen, models.SeverityInfo, t.InstrumentID,
			fmt.Sprintf("Открыта позиция %s: %g по %g", t.InstrumentID, t.Quantity, t.Price), meta)
		return
	}

	kind := models.NotificationTypeClose
	if t.Reason == models.ReasonPartialProfit || e.store.Has(t.InstrumentID) {
		kind = models.NotificationTypePartial
	}
	pnl := 0.0
	if t.RealizedPnL != nil {
		pnl = *t.RealizedPnL
		meta["realized_pnl"] = pnl
	}
	e.notify(kind, models.SeverityInfo, t.InstrumentID,
		fmt.Sprintf("%s %s: %g по %g, P&L %.2f", t.Reason, t.InstrumentID, t.Quantity, t.Price, pnl), meta)
}

// ============================================================
// Внешние команды
// ============================================================

// Enqueue ставит намерение вебхука в очередь цикла. Принимается только
// в RUNNING и PAUSED; вход без размера получит размер по RiskConfig.
func (e *Engine) Enqueue(intent models.Intent) error {
	if err := utils.ValidateInstrument(intent.InstrumentID); err != nil {
		return rejectMsg(ErrInvalidIntent, "%v", err)
	}
	if intent.Kind != models.IntentEntry && intent.Kind != models.IntentExit {
		return rejectMsg(ErrInvalidIntent, "unknown intent kind %q", intent.Kind)
	}

	if state := e.State(); !EvaluatesExits(state) {
		return fmt.Errorf("%w: state %s", ErrLoopNotRunning, state)
	}

	select {
	case e.webhooks <- intent:
		return nil
	default:
		RecordBufferOverflow("webhook")
		RecordBufferBacklog("webhook", cap(e.webhooks), len(e.webhooks))
		return ErrQueueFull
	}
}

// ClosePosition ручное закрытие, в любом состоянии цикла
func (e *Engine) ClosePosition(ctx context.Context, instrument string) (*models.Trade, error) {
	return e.submit(ctx, models.Intent{
		Kind:         models.IntentExit,
		InstrumentID: utils.NormalizeInstrument(instrument),
		Source:       models.SourceManual,
		Reason:       models.ReasonManual,
	}, e.RiskConfig())
}

// OpenPosition ручной вход через Gate. sizeUSD = 0 → размер по RiskConfig.
func (e *Engine) OpenPosition(ctx context.Context, instrument string, sizeUSD float64) (*models.Trade, error) {
	cfg := e.RiskConfig()
	if sizeUSD <= 0 {
		sizeUSD = e.sizeFor(cfg, 0)
	}
	return e.submit(ctx, models.Intent{
		Kind:         models.IntentEntry,
		InstrumentID: utils.NormalizeInstrument(instrument),
		Source:       models.SourceManual,
		Reason:       models.ReasonManual,
		SizeUSD:      sizeUSD,
	}, cfg)
}

// RiskConfig текущий снимок
func (e *Engine) RiskConfig() models.RiskConfig {
	return *e.risk.Load()
}

// UpdateRiskConfig проверяет и применяет конфигурацию со следующего тика
func (e *Engine) UpdateRiskConfig(cfg models.RiskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sched, err := ParseSchedule(cfg.AnalysisSchedule, cfg.DailyAnalysisTime)
	if err != nil {
		return err
	}
	e.risk.Store(&cfg)
	e.schedule.Store(sched)
	e.log.Info("risk config updated", utils.String("schedule", sched.String()))
	return nil
}

// ResetHalt административный сброс остановки входов
func (e *Engine) ResetHalt(ctx context.Context) {
	_ = e.gate.WithLock(func() error {
		e.ledger.ResetHalt()
		return nil
	})
	e.log.Warn("entry halt reset by admin")
	e.notify(models.NotificationTypeState, models.SeverityWarn, "", "Остановка входов снята администратором", nil)
	e.persist(ctx, "reset_halt")
	e.publish()
}

// ResetCapital административный сброс капитала. Только без открытых позиций.
func (e *Engine) ResetCapital(ctx context.Context, initial float64) error {
	err := e.gate.WithLock(func() error {
		if len(e.gate.inFlight) > 0 {
			return ErrPositionsOpen
		}
		return e.ledger.Reset(initial)
	})
	if err != nil {
		return err
	}
	e.log.Warn("capital reset by admin", utils.AmountUSD(initial))
	e.notify(models.NotificationTypeState, models.SeverityWarn, "",
		fmt.Sprintf("Капитал сброшен администратором: $%.2f", initial), nil)
	e.persist(ctx, "reset_capital")
	e.publish()
	return nil
}

// ============================================================
// Запросы состояния
// ============================================================

// Positions живые позиции с оценкой по последним ценам
func (e *Engine) Positions() []models.PositionView {
	return e.valuate(e.store.GetOpen(), e.RiskConfig())
}

func (e *Engine) valuate(positions []*models.Position, cfg models.RiskConfig) []models.PositionView {
	e.pricesMu.RLock()
	defer e.pricesMu.RUnlock()

	views := make([]models.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, Valuate(p, e.lastPrices[p.InstrumentID], cfg.TakerFeeRate))
	}
	return views
}

// CapitalState книга капитала с производными метриками
func (e *Engine) CapitalState() models.CapitalView {
	return e.ledger.View()
}

// EngineStatus сводка для API
type EngineStatus struct {
	State          LoopState `json:"state"`
	StateInfo      string    `json:"state_info"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	OpenPositions  int       `json:"open_positions"`
	InFlight       int       `json:"in_flight"`
	WebhookBacklog int       `json:"webhook_backlog"`
	Schedule       string    `json:"analysis_schedule"`
	LastTickAt     time.Time `json:"last_tick_at,omitempty"`
	LastAnalysisAt time.Time `json:"last_analysis_at,omitempty"`
	NextAnalysisAt time.Time `json:"next_analysis_at,omitempty"`
}

// Status текущая сводка
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	state, lastTick, lastAnalysis := e.state, e.lastTick, e.lastAnalysis
	e.mu.Unlock()

	capital := e.ledger.Snapshot()
	sched := e.schedule.Load()

	st := EngineStatus{
		State:          state,
		StateInfo:      StateInfo(state),
		Halted:         capital.Halted,
		HaltReason:     capital.HaltReason,
		OpenPositions:  e.store.Len(),
		InFlight:       e.gate.InFlight(),
		WebhookBacklog: len(e.webhooks),
		Schedule:       sched.String(),
		LastTickAt:     lastTick,
		LastAnalysisAt: lastAnalysis,
	}
	if !lastAnalysis.IsZero() {
		st.NextAnalysisAt = sched.Next(lastAnalysis)
	}
	return st
}

// ============================================================
// Сохранение и рассылка
// ============================================================

// persist сохраняет согласованный снимок. Ошибка не останавливает цикл:
// следующий тик сохранит снова.
func (e *Engine) persist(ctx context.Context, trigger string) {
	if e.stateStore == nil {
		return
	}

	snap := e.gate.Snapshot()
	doc := &models.Snapshot{
		Capital:   snap.Durable,
		Positions: snap.Positions,
		SavedAt:   e.now().UTC(),
	}

	err := retry.Do(context.WithoutCancel(ctx), e.cfg.StorageRetry, func(ctx context.Context) error {
		return e.stateStore.Save(ctx, doc)
	})
	if err != nil {
		RecordCollaboratorFailure("persist")
		e.log.Error("state save failed", utils.String("trigger", trigger), utils.Err(err))
	}
}

// publish метрики и рассылка дашборду
func (e *Engine) publish() {
	snap := e.gate.Snapshot()
	UpdateCapitalMetrics(snap.Capital, len(snap.Positions))
	e.hub.BroadcastCapital(snap.Capital)
	e.hub.BroadcastPositions(e.valuate(snap.Positions, e.RiskConfig()))
}

// notify кладёт уведомление в кольцо для API и в канал рассылки
func (e *Engine) notify(kind, severity, instrument, message string, meta map[string]interface{}) {
	n := &models.Notification{
		Timestamp:    e.now().UTC(),
		Type:         kind,
		Severity:     severity,
		InstrumentID: instrument,
		Message:      message,
		Meta:         meta,
	}

	e.notifMu.Lock()
	e.notifs = append(e.notifs, n)
	if len(e.notifs) > notificationRingSize {
		e.notifs = e.notifs[len(e.notifs)-notificationRingSize:]
	}
	e.notifMu.Unlock()

	tryEnqueueNotification(e.notifCh, n)
}

// Notifications последние уведомления, новые первыми
func (e *Engine) Notifications(limit int) []*models.Notification {
	e.notifMu.Lock()
	defer e.notifMu.Unlock()

	if limit <= 0 || limit > len(e.notifs) {
		limit = len(e.notifs)
	}
	out := make([]*models.Notification, 0, limit)
	for i := len(e.notifs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.notifs[i])
	}
	return out
}
