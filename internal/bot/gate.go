package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cryptobot/internal/exchange"
	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	"github.com/google/uuid"
)

// TradeJournal журнал сделок только на добавление
type TradeJournal interface {
	AppendTrade(ctx context.Context, trade *models.Trade) error
}

// DefaultOrderTimeout ограничение на размещение и исполнение одного ордера
const DefaultOrderTimeout = 30 * time.Second

// Gate единственная точка фиксации торговых намерений.
//
// Двухфазная схема:
//  1. под мьютексом: проверки, резерв капитала, отметка инструмента "в полёте";
//  2. без мьютекса: ордер на бирже (сетевой вызов с таймаутом);
//  3. под мьютексом: фиксация в PositionStore + Ledger или компенсация резерва.
//
// Отметка "в полёте" не даёт двум намерениям по одному инструменту
// переплестись, пока ордер первого на бирже. Мьютекс держится только на
// время локальных изменений, поэтому выходы по другим инструментам не ждут
// медленную биржу.
type Gate struct {
	mu sync.Mutex

	ledger   *Ledger
	store    *PositionStore
	exchange exchange.Client
	journal  TradeJournal

	inFlight map[string]models.IntentKind

	orderTimeout time.Duration
	onHalt       func(reason string)

	log *utils.Logger
	now func() time.Time
}

// NewGate создаёт Gate. journal может быть nil.
func NewGate(ledger *Ledger, store *PositionStore, client exchange.Client, journal TradeJournal, log *utils.Logger) *Gate {
	if log == nil {
		log = utils.L()
	}
	return &Gate{
		ledger:       ledger,
		store:        store,
		exchange:     client,
		journal:      journal,
		inFlight:     make(map[string]models.IntentKind),
		orderTimeout: DefaultOrderTimeout,
		log:          log.WithComponent("gate"),
		now:          time.Now,
	}
}

// SetOrderTimeout задаёт таймаут ордера
func (g *Gate) SetOrderTimeout(d time.Duration) {
	if d > 0 {
		g.orderTimeout = d
	}
}

// SetHaltHandler вызывается, когда Gate впервые фиксирует остановку входов
func (g *Gate) SetHaltHandler(fn func(reason string)) {
	g.onHalt = fn
}

// Submit проверяет и исполняет намерение. При отказе возвращает
// *RejectionError; при сбое биржи - её ошибку (локальное состояние
// при этом не меняется).
func (g *Gate) Submit(ctx context.Context, intent models.Intent, cfg models.RiskConfig) (*models.Trade, error) {
	if err := intent.Validate(); err != nil {
		GateDecisions.WithLabelValues(string(intent.Kind), string(ErrInvalidIntent)).Inc()
		return nil, rejectMsg(ErrInvalidIntent, "%v", err)
	}
	if err := utils.ValidateInstrument(intent.InstrumentID); err != nil {
		GateDecisions.WithLabelValues(string(intent.Kind), string(ErrInvalidIntent)).Inc()
		return nil, rejectMsg(ErrInvalidIntent, "%v", err)
	}

	var (
		trade *models.Trade
		err   error
	)
	if intent.Kind == models.IntentEntry {
		trade, err = g.submitEntry(ctx, intent, cfg)
	} else {
		trade, err = g.submitExit(ctx, intent)
	}

	RecordGateDecision(intent.Kind, err)
	return trade, err
}

// ============================================================
// Вход
// ============================================================

func (g *Gate) submitEntry(ctx context.Context, intent models.Intent, cfg models.RiskConfig) (*models.Trade, error) {
	log := g.log.With(utils.Instrument(intent.InstrumentID), utils.AmountUSD(intent.SizeUSD), utils.String("source", string(intent.Source)))

	token, haltReason, rej := g.admitEntry(intent, cfg)
	if haltReason != "" && g.onHalt != nil {
		g.onHalt(haltReason)
	}
	if rej != nil {
		log.Info("entry rejected", utils.Reason(rej.Error()))
		return nil, rej
	}

	req := exchange.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Instrument:    intent.InstrumentID,
		Side:          exchange.SideBuy,
		QuoteSize:     intent.SizeUSD,
	}
	fill, orderErr := g.placeOrder(ctx, req)

	g.mu.Lock()
	delete(g.inFlight, intent.InstrumentID)

	if orderErr == nil && (fill == nil || fill.Quantity <= 0 || fill.Price <= 0) {
		orderErr = fmt.Errorf("%w: empty fill for %s", exchange.ErrOrderNotFilled, req.ClientOrderID)
	}
	if orderErr != nil {
		// Биржа позицию не открыла: снимаем резерв, позиции и сделки нет
		if err := g.ledger.Cancel(token); err != nil {
			log.Error("cancel reservation failed", utils.Err(err))
		}
		g.mu.Unlock()
		log.Warn("entry order failed, reservation released", utils.ClientOrderID(req.ClientOrderID), utils.Err(orderErr))
		return nil, fmt.Errorf("entry %s: %w", intent.InstrumentID, orderErr)
	}

	// Стоимость позиции - то, что приняла книга. При перерасходе биржа
	// потратила больше, чем известно книге: входы останавливаются
	// до сверки администратором.
	cost, err := g.ledger.Release(token, fill.Cost())
	overrunReason := ""
	if err != nil {
		if !errors.Is(err, ErrCostOverrun) {
			g.mu.Unlock()
			return nil, err
		}
		log.Error("fill cost exceeded reservation", utils.AmountUSD(fill.Cost()), utils.Err(err))
		reason := fmt.Sprintf("fill cost overrun on %s: %v", intent.InstrumentID, err)
		if g.ledger.Halt(reason) {
			overrunReason = reason
		}
	}

	filledAt := fill.FilledAt
	if filledAt.IsZero() {
		filledAt = g.now().UTC()
	}
	sl, tp := entryLevels(intent, fill.Price, cfg)

	pos := &models.Position{
		ID:              uuid.NewString(),
		InstrumentID:    intent.InstrumentID,
		Quantity:        fill.Quantity,
		EntryPrice:      fill.Price,
		EntryFee:        fill.Fee,
		EntryCost:       cost,
		EntryTimestamp:  filledAt,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		Status:          models.PositionOpen,
		Source:          intent.Source,
		UpdatedAt:       filledAt,
	}
	if err := g.store.Open(pos); err != nil {
		// Недостижимо при отметке "в полёте"; книга уже учла покупку,
		// поэтому возвращаем стоимость, чтобы не потерять капитал
		g.ledger.Settle(cost, cost, cost)
		g.mu.Unlock()
		log.Error("position store rejected filled entry", utils.Err(err))
		return nil, err
	}

	trade := &models.Trade{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		ClientOrderID: req.ClientOrderID,
		Side:          models.SideBuy,
		InstrumentID:  intent.InstrumentID,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Fee:           fill.Fee,
		Reason:        intent.Reason,
		Timestamp:     filledAt,
	}
	g.mu.Unlock()

	if overrunReason != "" && g.onHalt != nil {
		g.onHalt(overrunReason)
	}

	log.Info("position opened",
		utils.PositionID(pos.ID),
		utils.Price(fill.Price),
		utils.Quantity(fill.Quantity),
		utils.Float64("fee", fill.Fee),
		utils.Float64("stop_loss", sl),
		utils.Float64("take_profit", tp),
	)
	g.appendTrade(ctx, trade)
	RecordTrade(trade)
	return trade, nil
}

// admitEntry фаза 1 входа. Порядок проверок: остановка, "в полёте",
// дубль, количество позиций, минимум, капитал, доля капитала, комиссия.
func (g *Gate) admitEntry(intent models.Intent, cfg models.RiskConfig) (ReservationToken, string, *RejectionError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	inst := intent.InstrumentID
	size := intent.SizeUSD

	if rej, haltReason := g.checkHalt(cfg); rej != nil {
		return "", haltReason, rej
	}

	if _, busy := g.inFlight[inst]; busy {
		return "", "", rejectMsg(ErrIntentInFlight, "order for %s is already in flight", inst)
	}
	if g.store.Has(inst) {
		return "", "", rejectMsg(ErrDuplicatePosition, "position for %s is already open", inst)
	}

	live := g.store.Len() + g.pendingEntriesLocked()
	if live >= cfg.MaxPositions {
		return "", "", reject(ErrTooManyPositions, "max_positions", float64(cfg.MaxPositions), float64(live+1))
	}

	if size < cfg.MinTradeUSD-utils.Epsilon {
		return "", "", reject(ErrBelowMinimumSize, "min_trade_usd", cfg.MinTradeUSD, size)
	}

	available := g.ledger.Snapshot().AvailableCapital
	if size > available+utils.Epsilon {
		return "", "", reject(ErrInsufficientCapital, "available_capital", available, size)
	}

	maxSize := available * cfg.MaxPositionPct
	if size > maxSize+utils.Epsilon {
		return "", "", reject(ErrPositionTooLarge, "max_position_pct", maxSize, size)
	}

	// Комиссия оценивается на круг: вход и выход
	feeRatio := utils.FeePct(utils.FeeFor(size, cfg.MakerFeeRate+cfg.TakerFeeRate), size)
	if feeRatio > cfg.MaxFeePct+1e-12 {
		return "", "", reject(ErrExcessiveFee, "max_fee_pct", cfg.MaxFeePct, feeRatio)
	}

	token, err := g.ledger.Reserve(size)
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			return "", "", rej
		}
		return "", "", rejectMsg(ErrInsufficientCapital, "%v", err)
	}

	g.inFlight[inst] = models.IntentEntry
	return token, "", nil
}

// checkHalt остановка входов: сохранённая или вызванная текущими метриками.
// Вторым значением возвращает причину, если остановка установлена сейчас.
func (g *Gate) checkHalt(cfg models.RiskConfig) (*RejectionError, string) {
	if g.ledger.Halted() {
		st := g.ledger.Snapshot()
		return rejectMsg(ErrDrawdownHalt, "entries halted: %s", st.HaltReason), ""
	}

	if dd := g.ledger.DrawdownPct(); cfg.MaxDrawdownPct > 0 && dd >= cfg.MaxDrawdownPct {
		reason := fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, cfg.MaxDrawdownPct*100)
		rej := reject(ErrDrawdownHalt, "max_drawdown_pct", cfg.MaxDrawdownPct, dd)
		if g.ledger.Halt(reason) {
			return rej, reason
		}
		return rej, ""
	}

	if daily := g.ledger.DailyLossPct(); cfg.MaxDailyLossPct > 0 && daily <= -cfg.MaxDailyLossPct {
		reason := fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", -daily*100, cfg.MaxDailyLossPct*100)
		rej := reject(ErrDrawdownHalt, "max_daily_loss_pct", -cfg.MaxDailyLossPct, daily)
		if g.ledger.Halt(reason) {
			return rej, reason
		}
		return rej, ""
	}

	return nil, ""
}

func (g *Gate) pendingEntriesLocked() int {
	n := 0
	for _, kind := range g.inFlight {
		if kind == models.IntentEntry {
			n++
		}
	}
	return n
}

// entryLevels уровни из намерения (советник), если они согласуются с ценой
// исполнения, иначе рассчитанные по RiskConfig
func entryLevels(intent models.Intent, fillPrice float64, cfg models.RiskConfig) (float64, float64) {
	sl := StopLossPrice(fillPrice, cfg)
	if intent.StopLossPrice > 0 && intent.StopLossPrice < fillPrice {
		sl = roundPrice(intent.StopLossPrice)
	}
	tp := TakeProfitPrice(fillPrice, cfg)
	if intent.TakeProfitPrice > fillPrice {
		tp = roundPrice(intent.TakeProfitPrice)
	}
	return sl, tp
}

// ============================================================
// Выход
// ============================================================

// submitExit выходы не блокируются ни капиталом, ни остановкой:
// отказ возможен только без позиции или при ордере в полёте
func (g *Gate) submitExit(ctx context.Context, intent models.Intent) (*models.Trade, error) {
	log := g.log.With(utils.Instrument(intent.InstrumentID), utils.Reason(string(intent.Reason)))

	g.mu.Lock()
	if _, busy := g.inFlight[intent.InstrumentID]; busy {
		g.mu.Unlock()
		return nil, rejectMsg(ErrIntentInFlight, "order for %s is already in flight", intent.InstrumentID)
	}
	pos, ok := g.store.Get(intent.InstrumentID)
	if !ok {
		g.mu.Unlock()
		return nil, rejectMsg(ErrNoPosition, "no open position for %s", intent.InstrumentID)
	}
	qty := intent.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	g.inFlight[intent.InstrumentID] = models.IntentExit
	g.mu.Unlock()

	req := exchange.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Instrument:    intent.InstrumentID,
		Side:          exchange.SideSell,
		BaseSize:      qty,
	}
	fill, orderErr := g.placeOrder(ctx, req)

	g.mu.Lock()
	delete(g.inFlight, intent.InstrumentID)

	if orderErr == nil && (fill == nil || fill.Quantity <= 0 || fill.Price <= 0) {
		orderErr = fmt.Errorf("%w: empty fill for %s", exchange.ErrOrderNotFilled, req.ClientOrderID)
	}
	if orderErr != nil {
		g.mu.Unlock()
		log.Error("exit order failed, position kept", utils.ClientOrderID(req.ClientOrderID), utils.Err(orderErr))
		return nil, fmt.Errorf("exit %s: %w", intent.InstrumentID, orderErr)
	}

	// Исполненное количество авторитетно
	res, err := g.store.ApplyExit(intent.InstrumentID, ExitFill{
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Fee:           fill.Fee,
		Reason:        intent.Reason,
		ClientOrderID: req.ClientOrderID,
		Timestamp:     fill.FilledAt,
	})
	if err != nil {
		g.mu.Unlock()
		log.Error("apply exit failed", utils.Err(err))
		return nil, err
	}

	gross := res.Trade.Quantity * res.Trade.Price
	g.ledger.Settle(res.CostPortion, gross-res.Trade.Fee, gross)
	g.mu.Unlock()

	log.Info("position exit",
		utils.PositionID(res.Trade.PositionID),
		utils.Price(res.Trade.Price),
		utils.Quantity(res.Trade.Quantity),
		utils.PNL(res.RealizedPnL),
		utils.Bool("closed", res.Closed),
	)
	g.appendTrade(ctx, res.Trade)
	RecordTrade(res.Trade)
	return res.Trade, nil
}

// ============================================================
// Вспомогательное
// ============================================================

// placeOrder ордер не прерывается отменой вызывающего (пауза не рвёт
// фиксацию), но ограничен таймаутом
func (g *Gate) placeOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.orderTimeout)
	defer cancel()

	start := time.Now()
	fill, err := g.exchange.PlaceOrder(orderCtx, req)
	OrderLatency.WithLabelValues(g.exchange.Name(), string(req.Side)).Observe(float64(time.Since(start).Milliseconds()))
	return fill, err
}

func (g *Gate) appendTrade(ctx context.Context, trade *models.Trade) {
	if g.journal == nil {
		return
	}
	if err := g.journal.AppendTrade(context.WithoutCancel(ctx), trade); err != nil {
		g.log.Error("trade journal append failed", utils.String("trade_id", trade.ID), utils.Err(err))
	}
}

// GateSnapshot согласованный снимок книги и позиций.
// Durable - состояние книги для сохранения, без резервов в полёте.
type GateSnapshot struct {
	Capital   models.CapitalView
	Durable   models.CapitalState
	Positions []*models.Position
}

// Snapshot снимает книгу и позиции под мьютексом Gate: между ними
// не может вклиниться фиксация
func (g *Gate) Snapshot() GateSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateSnapshot{
		Capital:   g.ledger.View(),
		Durable:   g.ledger.Durable(),
		Positions: g.store.GetOpen(),
	}
}

// InFlight количество ордеров в полёте
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// UpdateTrailing подтяжка трейлинга под мьютексом Gate
func (g *Gate) UpdateTrailing(instrument string, stop float64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.UpdateTrailing(instrument, stop)
}

// WithLock выполняет fn в критической секции Gate (восстановление, сброс)
func (g *Gate) WithLock(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}
