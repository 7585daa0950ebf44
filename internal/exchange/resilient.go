package exchange

import (
	"context"
	"time"

	"cryptobot/pkg/retry"
	"cryptobot/pkg/utils"
)

// Resilient оборачивает Client повторами и таймаутами на каждую попытку.
// Повтор PlaceOrder безопасен: биржа дедуплицирует по client_order_id.
type Resilient struct {
	inner    Client
	priceCfg retry.Config
	orderCfg retry.Config
	log      *utils.Logger

	// observe вызывается после каждого вызова (метрики латентности)
	observe func(op string, d time.Duration, err error)
}

// NewResilient создаёт обёртку с предустановками retry.PriceConfig и retry.OrderConfig
func NewResilient(inner Client, log *utils.Logger) *Resilient {
	if log == nil {
		log = utils.L()
	}
	r := &Resilient{
		inner:    inner,
		priceCfg: retry.PriceConfig(),
		orderCfg: retry.OrderConfig(),
		log:      log.WithComponent("exchange"),
	}
	r.priceCfg.OnRetry = r.onRetry("price")
	r.orderCfg.OnRetry = r.onRetry("order")
	return r
}

// WithConfigs заменяет параметры повторов (тесты используют короткие задержки)
func (r *Resilient) WithConfigs(price, order retry.Config) *Resilient {
	price.OnRetry = r.onRetry("price")
	order.OnRetry = r.onRetry("order")
	r.priceCfg = price
	r.orderCfg = order
	return r
}

// WithObserver подключает наблюдателя латентности
func (r *Resilient) WithObserver(fn func(op string, d time.Duration, err error)) *Resilient {
	r.observe = fn
	return r
}

func (r *Resilient) onRetry(op string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		r.log.Warn("exchange call failed, retrying",
			utils.String("op", op),
			utils.Int("attempt", attempt),
			utils.Dur("delay", delay),
			utils.Err(err),
		)
	}
}

func (r *Resilient) Name() string {
	return r.inner.Name()
}

func (r *Resilient) GetPrice(ctx context.Context, instrument string) (float64, error) {
	start := time.Now()
	price, err := retry.DoWithResult(ctx, r.priceCfg, func(ctx context.Context) (float64, error) {
		return r.inner.GetPrice(ctx, instrument)
	})
	r.record("get_price", start, err)
	return price, err
}

func (r *Resilient) GetBalance(ctx context.Context) (float64, error) {
	start := time.Now()
	balance, err := retry.DoWithResult(ctx, r.priceCfg, r.inner.GetBalance)
	r.record("get_balance", start, err)
	return balance, err
}

func (r *Resilient) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	fill, err := retry.DoWithResult(ctx, r.orderCfg, func(ctx context.Context) (*Fill, error) {
		return r.inner.PlaceOrder(ctx, req)
	})
	r.record("place_order", start, err)
	return fill, err
}

func (r *Resilient) record(op string, start time.Time, err error) {
	if r.observe != nil {
		r.observe(op, time.Since(start), err)
	}
}
