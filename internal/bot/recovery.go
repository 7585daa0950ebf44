package bot

import (
	"context"
	"fmt"
	"math"
	"time"

	"cryptobot/internal/models"
	"cryptobot/pkg/retry"
	"cryptobot/pkg/utils"
)

// RecoveryConfig параметры восстановления после перезапуска
type RecoveryConfig struct {
	// Timeout ограничение на загрузку состояния и сверку с биржей
	Timeout time.Duration

	// BalanceTolerance допустимое расхождение доступного капитала с
	// балансом биржи: max(абсолютное, доля от available)
	BalanceToleranceUSD float64
	BalanceTolerancePct float64
}

// DefaultRecoveryConfig значения по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Timeout:             30 * time.Second,
		BalanceToleranceUSD: 1,
		BalanceTolerancePct: 0.01,
	}
}

// RecoveryResult итог восстановления
type RecoveryResult struct {
	// Loaded найден ли сохранённый снимок
	Loaded bool

	// Migrated снимок без метаданных капитала пересчитан
	Migrated bool

	PositionsRestored int
	SkippedPositions  int // закрытые записи в снимке
	Capital           models.CapitalView

	// ExchangeBalance баланс котируемой валюты на бирже (nil - не получен)
	ExchangeBalance *float64
	BalanceDrift    float64

	Warnings []string
}

// Recover загружает сохранённое состояние в книгу и хранилище позиций.
// Вызывается один раз перед первым RUNNING (Start делает это сам).
//
// Шаги:
// 1. Загрузка снимка (с повторами)
// 2. Отбор живых позиций, восстановление хранилища
// 3. Восстановление книги с проверкой инварианта (миграция старых снимков)
// 4. Сверка доступного капитала с балансом биржи (только предупреждение)
//
// Нарушенный инвариант - ошибка: цикл не должен торговать на
// противоречивом состоянии.
func (e *Engine) Recover(ctx context.Context) (*RecoveryResult, error) {
	return e.RecoverWith(ctx, DefaultRecoveryConfig())
}

// RecoverWith Recover с явной конфигурацией
func (e *Engine) RecoverWith(ctx context.Context, rc RecoveryConfig) (*RecoveryResult, error) {
	e.recoverMu.Lock()
	defer e.recoverMu.Unlock()

	if state := e.State(); EvaluatesExits(state) {
		return nil, fmt.Errorf("%w: cannot recover while %s", ErrInvalidTransition, state)
	}

	if rc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.Timeout)
		defer cancel()
	}

	log := e.log.WithComponent("recovery")
	result := &RecoveryResult{}

	// Шаг 1: снимок
	var snap *models.Snapshot
	if e.stateStore != nil {
		loaded, err := retry.DoWithResult(ctx, e.cfg.StorageRetry, e.stateStore.Load)
		if err != nil {
			RecordCollaboratorFailure("persist")
			return nil, fmt.Errorf("load state: %w", err)
		}
		snap = loaded
	}

	if snap != nil {
		result.Loaded = true

		// Шаг 2: живые позиции
		live := make([]*models.Position, 0, len(snap.Positions))
		for _, p := range snap.Positions {
			if p == nil || !p.Status.IsLive() {
				result.SkippedPositions++
				continue
			}
			live = append(live, p)
		}
		result.Migrated = snap.Capital.InitialCapital <= 0

		// Шаг 3: хранилище и книга одной критической секцией Gate
		err := e.gate.WithLock(func() error {
			if err := e.store.Restore(live); err != nil {
				return err
			}
			if err := e.ledger.Restore(snap.Capital, live, e.cfg.InitialCapital); err != nil {
				_ = e.store.Restore(nil)
				return err
			}
			return nil
		})
		if err != nil {
			log.Error("persisted state rejected", utils.Err(err))
			return nil, fmt.Errorf("restore state: %w", err)
		}
		result.PositionsRestored = len(live)

		if result.Migrated {
			msg := "legacy snapshot without capital metadata migrated"
			result.Warnings = append(result.Warnings, msg)
			log.Warn(msg, utils.AmountUSD(e.cfg.InitialCapital))
		}
	} else {
		log.Info("no persisted state, starting fresh", utils.AmountUSD(e.cfg.InitialCapital))
	}

	if err := e.ledger.CheckInvariant(); err != nil {
		return nil, err
	}
	result.Capital = e.ledger.View()

	// Шаг 4: сверка с биржей
	e.reconcileBalance(ctx, rc, result, log)

	e.recovered = true

	log.Info("recovery complete",
		utils.Int("positions", result.PositionsRestored),
		utils.Float64("available", result.Capital.AvailableCapital),
		utils.Float64("committed", result.Capital.CommittedCapital),
		utils.Bool("halted", result.Capital.Halted),
	)
	e.notify(models.NotificationTypeState, models.SeverityInfo, "",
		fmt.Sprintf("Восстановление: %d позиций, доступно $%.2f", result.PositionsRestored, result.Capital.AvailableCapital),
		map[string]interface{}{"warnings": len(result.Warnings)})

	if e.stateStore != nil && !result.Loaded {
		e.persist(ctx, "recovery")
	}
	return result, nil
}

// reconcileBalance сравнивает доступный капитал с балансом биржи.
// Книга остаётся источником истины, расхождение только сообщается.
func (e *Engine) reconcileBalance(ctx context.Context, rc RecoveryConfig, result *RecoveryResult, log *utils.Logger) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()

	balance, err := e.exchange.GetBalance(bctx)
	if err != nil {
		msg := fmt.Sprintf("exchange balance unavailable: %v", err)
		result.Warnings = append(result.Warnings, msg)
		log.Warn("exchange balance check skipped", utils.Err(err))
		return
	}
	result.ExchangeBalance = &balance

	available := result.Capital.AvailableCapital
	result.BalanceDrift = balance - available

	tolerance := math.Max(rc.BalanceToleranceUSD, available*rc.BalanceTolerancePct)
	if math.Abs(result.BalanceDrift) <= tolerance {
		return
	}

	msg := fmt.Sprintf("exchange balance $%.2f differs from available capital $%.2f", balance, available)
	result.Warnings = append(result.Warnings, msg)
	log.Warn("balance drift detected",
		utils.Float64("exchange_balance", balance),
		utils.Float64("available", available),
		utils.Float64("drift", result.BalanceDrift),
	)
	e.notify(models.NotificationTypeError, models.SeverityWarn, "", msg, nil)
}

// ensureRecovered восстанавливает состояние, если это ещё не сделано
func (e *Engine) ensureRecovered(ctx context.Context) (*RecoveryResult, error) {
	e.recoverMu.Lock()
	done := e.recovered
	e.recoverMu.Unlock()
	if done {
		return nil, nil
	}
	return e.Recover(ctx)
}
