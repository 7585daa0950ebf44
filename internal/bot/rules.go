package bot

import (
	"fmt"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"
)

// ============================================================
// Правила выхода
// ============================================================
//
// Чистые функции: позиция + цена + снимок RiskConfig → решение.
// Порядок проверок задаёт приоритет при одновременном срабатывании:
// стоп-лосс > тейк-профит > трейлинг > частичная фиксация.
// На позицию за тик выдаётся не больше одного намерения выхода.

// priceDecimals точность цен уровней
const priceDecimals = 8

func roundPrice(p float64) float64 {
	return utils.RoundTo(p, priceDecimals)
}

// StopLossPrice уровень стоп-лосса для входа по цене entry
func StopLossPrice(entry float64, cfg models.RiskConfig) float64 {
	return roundPrice(entry * (1 - cfg.StopLossPct))
}

// TakeProfitPrice уровень тейк-профита для входа по цене entry
func TakeProfitPrice(entry float64, cfg models.RiskConfig) float64 {
	return roundPrice(entry * (1 + cfg.TakeProfitPct))
}

// trailingCandidate уровень трейлинга от текущей цены
func trailingCandidate(price float64, cfg models.RiskConfig) float64 {
	return roundPrice(price * (1 - cfg.TrailingStopDistancePct))
}

// Evaluation результат оценки позиции
type Evaluation struct {
	// Exit намерение выхода, nil если ничего не сработало
	Exit *models.Intent

	// TrailingUpdate новый уровень трейлинга (активация или подтяжка).
	// Применяется через PositionStore.UpdateTrailing, который
	// сам отбрасывает ослабление стопа.
	TrailingUpdate *float64
	Activated      bool
}

// Evaluate оценивает позицию по цене price.
//
// Стоп-лосс срабатывает только когда цена строго ниже уровня: касание
// уровня (вход 100, стоп 6% → 94) выход не вызывает. Тейк-профит и
// трейлинг срабатывают включительно.
func Evaluate(pos *models.Position, price float64, cfg models.RiskConfig) Evaluation {
	var ev Evaluation
	if pos == nil || price <= 0 || pos.Quantity <= 0 {
		return ev
	}

	exit := func(reason models.TradeReason, qty float64, note string) *models.Intent {
		return &models.Intent{
			Kind:         models.IntentExit,
			InstrumentID: pos.InstrumentID,
			Source:       models.SourceRules,
			Reason:       reason,
			Quantity:     qty,
			Price:        price,
			Note:         note,
		}
	}

	// 1. Стоп-лосс
	if pos.StopLossPrice > 0 && price < pos.StopLossPrice {
		ev.Exit = exit(models.ReasonStopLoss, pos.Quantity,
			fmt.Sprintf("price %g below stop %g", price, pos.StopLossPrice))
		return ev
	}

	// 2. Тейк-профит
	if pos.TakeProfitPrice > 0 && price >= pos.TakeProfitPrice {
		ev.Exit = exit(models.ReasonTakeProfit, pos.Quantity,
			fmt.Sprintf("price %g reached target %g", price, pos.TakeProfitPrice))
		return ev
	}

	// 3-4. Трейлинг: активация, подтяжка, выход
	if cfg.TrailingEnabled() {
		candidate := trailingCandidate(price, cfg)

		if !pos.TrailingStopActive {
			trigger := roundPrice(pos.EntryPrice * (1 + cfg.TrailingStopTriggerPct))
			if price >= trigger {
				ev.TrailingUpdate = &candidate
				ev.Activated = true
			}
		} else if pos.TrailingStopPrice != nil {
			current := *pos.TrailingStopPrice
			if price <= current {
				ev.Exit = exit(models.ReasonTrailingStop, pos.Quantity,
					fmt.Sprintf("price %g hit trailing stop %g", price, current))
				return ev
			}
			if candidate > current {
				ev.TrailingUpdate = &candidate
			}
		}
	}

	// 5. Частичная фиксация
	if cfg.PartialProfitEnabled() && !pos.PartialProfitTaken {
		trigger := roundPrice(pos.EntryPrice * (1 + cfg.PartialProfitTriggerPct))
		if price >= trigger {
			ev.Exit = exit(models.ReasonPartialProfit, pos.Quantity*cfg.PartialProfitAmountPct,
				fmt.Sprintf("price %g reached partial target %g", price, trigger))
		}
	}

	return ev
}

// ============================================================
// Оценка позиции
// ============================================================

// Valuate оценка позиции по рыночной цене для API и дашборда.
// Break-even учитывает комиссию выхода по ставке тейкера.
func Valuate(pos *models.Position, price float64, takerFee float64) models.PositionView {
	view := models.PositionView{Position: *pos.Clone()}
	if price <= 0 {
		price = pos.EntryPrice
	}
	view.CurrentPrice = price
	view.MarketValue = pos.Quantity * price
	view.UnrealizedPnL = utils.UnrealizedPNL(pos.Quantity, price, pos.EntryCost)
	if pos.EntryCost > 0 {
		view.UnrealizedPnLPct = view.UnrealizedPnL / pos.EntryCost
	}
	view.BreakEvenPrice = utils.BreakEvenPrice(pos.Quantity, pos.EntryCost, takerFee)
	return view
}
