package webhook

import (
	"context"
	"fmt"

	"cryptobot/internal/models"
	"cryptobot/internal/screener"
)

// IndicatorSource источник индикаторов (screener.HTTPSource)
type IndicatorSource interface {
	Indicators(ctx context.Context, instrument string) (*screener.Indicators, error)
}

// ConfirmConfig пороги подтверждения
type ConfirmConfig struct {
	RSIOverbought float64
	RequireMACD   bool // гистограмма MACD должна быть неотрицательной
}

// DefaultConfirmConfig значения по умолчанию
func DefaultConfirmConfig() ConfirmConfig {
	return ConfirmConfig{RSIOverbought: 70, RequireMACD: true}
}

// Confirmer техническое подтверждение сигналов на покупку.
// Продажи не подтверждаются: выход не блокируется ничем.
type Confirmer struct {
	source IndicatorSource
	cfg    ConfirmConfig
}

func NewConfirmer(source IndicatorSource, cfg ConfirmConfig) *Confirmer {
	if cfg.RSIOverbought <= 0 {
		cfg.RSIOverbought = DefaultConfirmConfig().RSIOverbought
	}
	return &Confirmer{source: source, cfg: cfg}
}

// Confirm nil, если сигнал подтверждён. Недоступные индикаторы для
// покупки - отказ.
func (c *Confirmer) Confirm(ctx context.Context, sig models.WebhookSignal) error {
	if sig.Action != models.WebhookBuy {
		return nil
	}

	ind, err := c.source.Indicators(ctx, sig.Instrument)
	if err != nil {
		return fmt.Errorf("%w: indicators unavailable: %v", ErrNotConfirmed, err)
	}

	if ind.RSI != nil && *ind.RSI > c.cfg.RSIOverbought {
		return fmt.Errorf("%w: RSI %.1f above %.1f", ErrNotConfirmed, *ind.RSI, c.cfg.RSIOverbought)
	}
	if c.cfg.RequireMACD && ind.MACDHist != nil && *ind.MACDHist < 0 {
		return fmt.Errorf("%w: MACD histogram %.4f is negative", ErrNotConfirmed, *ind.MACDHist)
	}
	if ind.Signal == models.SignalSell || ind.Signal == models.SignalStrongSell {
		return fmt.Errorf("%w: screener signal is %s", ErrNotConfirmed, ind.Signal)
	}
	return nil
}
