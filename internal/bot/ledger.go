package bot

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	"github.com/google/uuid"
)

// Ошибки учётной книги
var (
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrCostOverrun        = errors.New("filled cost exceeds reservation and available capital")
	ErrInvariantBroken    = errors.New("capital invariant broken")
	ErrPositionsOpen      = errors.New("capital reset requires no open positions")
)

// ReservationToken идентификатор резерва под вход
type ReservationToken string

// Ledger учётная книга капитала.
//
// Инвариант: available + committed + pending == initial + realized,
// available >= 0. Мутирует только Gate (и администратор через Reset).
//
// pending - сумма активных резервов (ордер в полёте). Резерв уже вычтен
// из available, но ещё не стал стоимостью позиции.
type Ledger struct {
	mu sync.Mutex

	state        models.CapitalState
	reservations map[ReservationToken]float64
	pending      float64

	// Рыночная стоимость открытых позиций на последней оценке
	openValue float64

	now func() time.Time
}

// NewLedger создаёт книгу со стартовым капиталом
func NewLedger(initial float64) *Ledger {
	l := &Ledger{
		reservations: make(map[ReservationToken]float64),
		now:          time.Now,
	}
	l.resetLocked(initial)
	return l
}

func (l *Ledger) resetLocked(initial float64) {
	now := l.now().UTC()
	l.state = models.CapitalState{
		InitialCapital:   initial,
		AvailableCapital: initial,
		PeakEquity:       initial,
		DailyResetAt:     utils.GetDayStartFrom(now),
		UpdatedAt:        now,
	}
	l.openValue = 0
}

// ============================================================
// Резервирование под вход
// ============================================================

// Reserve атомарно вычитает amount из доступного капитала.
// Без побочных эффектов при нехватке.
func (l *Ledger) Reserve(amount float64) (ReservationToken, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %v", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if amount > l.state.AvailableCapital+utils.Epsilon {
		return "", &RejectionError{
			Code:       ErrInsufficientCapital,
			Constraint: "available_capital",
			Limit:      l.state.AvailableCapital,
			Attempted:  amount,
		}
	}

	token := ReservationToken(uuid.NewString())
	l.reservations[token] = amount
	l.state.AvailableCapital = math.Max(0, l.state.AvailableCapital-amount)
	l.pending += amount
	l.touch()

	return token, nil
}

// Release сверяет резерв с фактической стоимостью исполнения и
// возвращает стоимость, принятую в committed. Разница с резервом
// возвращается в available.
//
// Если исполнение дороже резерва и доступного остатка, книга принимает
// только покрытую часть, available обнуляется и возвращается
// ErrCostOverrun. Стартовый капитал меняет только администратор.
func (l *Ledger) Release(token ReservationToken, actualCost float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved, ok := l.reservations[token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownReservation, token)
	}
	delete(l.reservations, token)
	l.pending -= reserved
	if l.pending < utils.Epsilon {
		l.pending = 0
	}

	funded := l.state.AvailableCapital + reserved
	booked := math.Min(actualCost, funded)
	l.state.AvailableCapital = funded - booked
	l.state.CommittedCapital += booked
	l.openValue += booked
	l.touch()

	if shortfall := actualCost - funded; shortfall > utils.Epsilon {
		return booked, fmt.Errorf("%w: shortfall %.8f", ErrCostOverrun, shortfall)
	}
	return booked, nil
}

// Cancel снимает резерв без исполнения (компенсация отказа биржи)
func (l *Ledger) Cancel(token ReservationToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reserved, ok := l.reservations[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, token)
	}
	delete(l.reservations, token)
	l.pending -= reserved
	if l.pending < utils.Epsilon {
		l.pending = 0
	}
	l.state.AvailableCapital += reserved
	l.touch()
	return nil
}

// ============================================================
// Выходы и P&L
// ============================================================

// Settle проводит выход: снимает долю стоимости входа, зачисляет выручку
// и фиксирует разницу как реализованный P&L. marketValue - рыночная
// стоимость проданной части, уходит из оценки открытых позиций.
func (l *Ledger) Settle(costPortion, proceeds, marketValue float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.CommittedCapital -= costPortion
	if math.Abs(l.state.CommittedCapital) < utils.Epsilon {
		l.state.CommittedCapital = 0
	}
	l.state.AvailableCapital += proceeds
	l.openValue = math.Max(0, l.openValue-marketValue)

	pnl := proceeds - costPortion
	l.recordRealizedLocked(pnl)
	return pnl
}

// recordRealizedLocked добавляет P&L в итог и дневной счётчик, обновляет пик equity
func (l *Ledger) recordRealizedLocked(pnl float64) {
	l.state.RealizedPnLTotal += pnl
	l.state.DailyPnL += pnl
	l.updatePeakLocked()
	l.touch()
}

// MarkToMarket задаёт текущую рыночную стоимость открытых позиций
func (l *Ledger) MarkToMarket(openValue float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openValue = math.Max(0, openValue)
	l.updatePeakLocked()
}

func (l *Ledger) equityLocked() float64 {
	return l.state.AvailableCapital + l.pending + l.openValue
}

func (l *Ledger) updatePeakLocked() {
	if eq := l.equityLocked(); eq > l.state.PeakEquity {
		l.state.PeakEquity = eq
	}
}

// ============================================================
// Метрики риска
// ============================================================

// DrawdownPct (peak - equity) / peak, не меньше 0
func (l *Ledger) DrawdownPct() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drawdownLocked()
}

func (l *Ledger) drawdownLocked() float64 {
	if l.state.PeakEquity <= 0 {
		return 0
	}
	dd := (l.state.PeakEquity - l.equityLocked()) / l.state.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// DailyLossPct daily_pnl / initial_capital (отрицательно при убытке)
func (l *Ledger) DailyLossPct() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dailyLossLocked()
}

func (l *Ledger) dailyLossLocked() float64 {
	if l.state.InitialCapital <= 0 {
		return 0
	}
	return l.state.DailyPnL / l.state.InitialCapital
}

// ResetDaily обнуляет дневной P&L при переходе через границу суток (UTC).
// Возвращает true, если сброс произошёл.
func (l *Ledger) ResetDaily(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !utils.IsNewDay(l.state.DailyResetAt, now) {
		return false
	}
	l.state.DailyPnL = 0
	l.state.DailyResetAt = utils.GetDayStartFrom(now)
	l.touch()
	return true
}

// ============================================================
// Остановка входов
// ============================================================

// Halt фиксирует остановку входов. Повторный вызов не меняет причину.
// Возвращает true, если остановка установлена этим вызовом.
func (l *Ledger) Halt(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Halted {
		return false
	}
	now := l.now().UTC()
	l.state.Halted = true
	l.state.HaltReason = reason
	l.state.HaltedAt = &now
	l.touch()
	return true
}

// Halted активна ли остановка входов
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Halted
}

// ResetHalt административный сброс остановки. Пик equity переносится на
// текущее значение, дневной P&L обнуляется, иначе следующий вход снова
// упрётся в тот же порог.
func (l *Ledger) ResetHalt() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Halted = false
	l.state.HaltReason = ""
	l.state.HaltedAt = nil
	l.state.PeakEquity = l.equityLocked()
	l.state.DailyPnL = 0
	l.touch()
}

// Reset административный сброс капитала. Допустим только без открытых
// позиций и резервов: иначе инвариант нарушится.
func (l *Ledger) Reset(initial float64) error {
	if initial <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", initial)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.CommittedCapital > utils.Epsilon || len(l.reservations) > 0 {
		return ErrPositionsOpen
	}
	l.resetLocked(initial)
	return nil
}

// ============================================================
// Снимки и восстановление
// ============================================================

// Snapshot копия состояния
func (l *Ledger) Snapshot() models.CapitalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() models.CapitalState {
	s := l.state
	if l.state.HaltedAt != nil {
		t := *l.state.HaltedAt
		s.HaltedAt = &t
	}
	return s
}

// Durable копия состояния для сохранения. Активные резервы возвращены
// в available: ордер в полёте ещё не стал позицией, и после рестарта
// его резерв не должен пропасть из книги.
func (l *Ledger) Durable() models.CapitalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.snapshotLocked()
	s.AvailableCapital += l.pending
	return s
}

// View состояние с производными метриками
func (l *Ledger) View() models.CapitalView {
	l.mu.Lock()
	defer l.mu.Unlock()

	return models.CapitalView{
		CapitalState:      l.snapshotLocked(),
		OpenPositionValue: l.openValue,
		Equity:            l.equityLocked(),
		DrawdownPct:       l.drawdownLocked(),
		DailyLossPct:      l.dailyLossLocked(),
		PendingReserved:   l.pending,
	}
}

// Restore загружает сохранённое состояние и сверяет его с позициями.
//
// Старые снимки без метаданных капитала (InitialCapital == 0) пересчитываются:
// initial берётся из fallbackInitial, available = initial - Σ entry_cost.
// После восстановления инвариант проверяется, нарушение возвращается ошибкой.
func (l *Ledger) Restore(state models.CapitalState, positions []*models.Position, fallbackInitial float64) error {
	var committed float64
	for _, p := range positions {
		committed += p.EntryCost
	}

	if state.InitialCapital <= 0 {
		state = models.CapitalState{
			InitialCapital:   fallbackInitial,
			AvailableCapital: math.Max(0, fallbackInitial-committed),
			PeakEquity:       fallbackInitial,
			DailyResetAt:     utils.GetDayStartFrom(l.now().UTC()),
		}
		if fallbackInitial < committed {
			state.InitialCapital = committed
		}
	}
	state.CommittedCapital = committed
	if state.PeakEquity <= 0 {
		state.PeakEquity = state.AvailableCapital + committed
	}

	if err := checkInvariant(state); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = state
	l.reservations = make(map[ReservationToken]float64)
	l.pending = 0
	l.openValue = committed
	l.touch()
	return nil
}

// CheckInvariant проверяет баланс книги против позиций
func (l *Ledger) CheckInvariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state
	s.AvailableCapital += l.pending
	return checkInvariant(s)
}

func checkInvariant(s models.CapitalState) error {
	if s.AvailableCapital < -utils.Epsilon {
		return fmt.Errorf("%w: available capital %.8f is negative", ErrInvariantBroken, s.AvailableCapital)
	}
	lhs := s.AvailableCapital + s.CommittedCapital
	rhs := s.InitialCapital + s.RealizedPnLTotal
	// Допуск на накопленную ошибку float
	if math.Abs(lhs-rhs) > 1e-4 {
		return fmt.Errorf("%w: available %.8f + committed %.8f != initial %.8f + realized %.8f",
			ErrInvariantBroken, s.AvailableCapital, s.CommittedCapital, s.InitialCapital, s.RealizedPnLTotal)
	}
	return nil
}

func (l *Ledger) touch() {
	l.state.UpdatedAt = l.now().UTC()
}
