// Package retry повторные попытки с экспоненциальной задержкой и таймаутом
// на каждую попытку.
//
// Используется на границе с внешними сервисами (биржа, скринер, ИИ,
// хранилище): ядро движка видит либо результат, либо итоговую ошибку
// и никогда не повторяет вызовы само.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config параметры повторов
type Config struct {
	// MaxAttempts общее количество попыток, включая первую (0 = 1 попытка)
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor доля случайного отклонения задержки, 0..1
	JitterFactor float64

	// AttemptTimeout ограничение одной попытки (0 = без ограничения)
	AttemptTimeout time.Duration

	// RetryIf решает, повторять ли ошибку. nil = IsRetryable
	RetryIf func(error) bool

	OnRetry func(attempt int, err error, delay time.Duration)
}

// ============================================================
// Предустановки для коллабораторов
// ============================================================

// PriceConfig чтение цен: быстро, несколько попыток, короткий таймаут
func PriceConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 5 * time.Second,
	}
}

// OrderConfig размещение ордера. Повтор безопасен только при
// идемпотентном client_order_id.
func OrderConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.2,
		AttemptTimeout: 15 * time.Second,
	}
}

// AnalysisConfig скринер и ИИ: долгие ответы, мало попыток
func AnalysisConfig() Config {
	return Config{
		MaxAttempts:    2,
		InitialDelay:   2 * time.Second,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.2,
		AttemptTimeout: 90 * time.Second,
	}
}

// StorageConfig сохранение состояния
func StorageConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 10 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Max(0, math.Min(1, c.JitterFactor))
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

// delay задержка перед попыткой attempt+1
func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ============================================================
// Выполнение
// ============================================================

// DoWithResult выполняет operation с повторами. Каждая попытка получает
// собственный контекст с AttemptTimeout. Возвращает последнюю ошибку.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func(ctx context.Context) (T, error)) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, operation)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		d := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, d)
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Do вариант DoWithResult без результата
func Do(ctx context.Context, cfg Config, operation func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, operation func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return operation(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return operation(attemptCtx)
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError ошибка, сама сообщающая о возможности повтора
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable по умолчанию повторяет всё, кроме отмены контекста и
// ошибок, явно помеченных как неповторяемые.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return true
}

// PermanentError обёртка, запрещающая повтор
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
