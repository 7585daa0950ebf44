package utils

import (
	"math"
)

// math.go - денежная арифметика спотовой позиции
//
// Все функции чистые. Суммы в USD, доли в виде 0.05 = 5%.

// Epsilon допуск сравнения денежных сумм (доли цента)
const Epsilon = 1e-6

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для объёма ордера: округление вниз не превышает доступные средства.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	// Небольшой сдвиг защищает от 0.3/0.1 = 2.9999999
	return math.Floor(value/lotSize+1e-9) * lotSize
}

// RoundTo округляет до указанного количества знаков
func RoundTo(value float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(value*p) / p
}

// RoundUSD округляет сумму до центов
func RoundUSD(value float64) float64 {
	return RoundTo(value, 2)
}

// NearlyEqual сравнивает две суммы с допуском Epsilon
func NearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// ============================================================
// Стоимость и P&L
// ============================================================

// PositionCost полная стоимость входа: qty × price + fee
func PositionCost(quantity, price, fee float64) float64 {
	return quantity*price + fee
}

// FeeFor комиссия за объём в USD при ставке rate
func FeeFor(notionalUSD, rate float64) float64 {
	if notionalUSD <= 0 || rate <= 0 {
		return 0
	}
	return notionalUSD * rate
}

// FeePct доля комиссии от объёма сделки. 0 при пустом объёме.
func FeePct(feeUSD, notionalUSD float64) float64 {
	if notionalUSD <= 0 {
		return 0
	}
	return feeUSD / notionalUSD
}

// RealizedPNL прибыль закрытой части позиции:
// выручка (qty × price − fee) минус пропорциональная доля стоимости входа.
func RealizedPNL(quantity, exitPrice, exitFee, costPortion float64) float64 {
	return quantity*exitPrice - exitFee - costPortion
}

// UnrealizedPNL нереализованный P&L по рыночной цене без учёта комиссии выхода
func UnrealizedPNL(quantity, currentPrice, entryCost float64) float64 {
	return quantity*currentPrice - entryCost
}

// PctChange относительное изменение цены from → to
func PctChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from
}

// BreakEvenPrice цена, при которой продажа покрывает стоимость входа и
// комиссию выхода по ставке exitFeeRate.
func BreakEvenPrice(quantity, entryCost, exitFeeRate float64) float64 {
	if quantity <= 0 || exitFeeRate >= 1 {
		return 0
	}
	return entryCost / (quantity * (1 - exitFeeRate))
}

// PositionSize размер входа в USD: доля pct доступного капитала,
// округлённая вниз до цента. Комиссия тейкера входит в сумму.
//
// Пример: PositionSize(600, 0.25) = 150
func PositionSize(available, pct float64) float64 {
	if available <= 0 || pct <= 0 {
		return 0
	}
	return math.Floor(available*pct*100+1e-9) / 100
}

func Min(a, b float64) float64 {
	return math.Min(a, b)
}

func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
