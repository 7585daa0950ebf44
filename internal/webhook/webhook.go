// Package webhook приём внешних торговых сигналов (TradingView и т.п.).
//
// Путь сигнала: ограничение частоты → разбор → проверка секрета →
// (необязательно) техническое подтверждение → намерение в очередь цикла.
// Вебхук ничего не исполняет сам: вход и выход проходят через Gate.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptobot/internal/models"
	"cryptobot/pkg/crypto"
	"cryptobot/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUnauthorized   = errors.New("invalid webhook secret")
	ErrInvalidPayload = errors.New("invalid webhook payload")
	ErrRateLimited    = errors.New("webhook rate limit exceeded")
	ErrNotConfirmed   = errors.New("signal not confirmed by indicators")
)

// MaxPayloadSize ограничение тела запроса
const MaxPayloadSize = 16 << 10

// Payload тело запроса
type Payload struct {
	Secret  string  `json:"secret"`
	Action  string  `json:"action"`
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price,omitempty"`
	SizeUSD float64 `json:"size_usd,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Parse разбирает и проверяет тело. Секрет возвращается отдельно и в
// сигнал не попадает.
func Parse(body []byte, now time.Time) (models.WebhookSignal, string, error) {
	var sig models.WebhookSignal

	if len(body) == 0 {
		return sig, "", fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if len(body) > MaxPayloadSize {
		return sig, "", fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidPayload, MaxPayloadSize)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return sig, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var verr utils.ValidationErrors
	action := models.WebhookAction(strings.ToLower(strings.TrimSpace(p.Action)))
	if action != models.WebhookBuy && action != models.WebhookSell {
		verr.Add("action", fmt.Sprintf("must be buy or sell, got %q", p.Action))
	}
	instrument := utils.NormalizeInstrument(p.Symbol)
	if err := utils.ValidateInstrument(instrument); err != nil {
		verr.AddError("symbol", err)
	}
	if err := utils.ValidateNonNegative(p.Price); err != nil {
		verr.AddError("price", err)
	}
	if err := utils.ValidateNonNegative(p.SizeUSD); err != nil {
		verr.AddError("size_usd", err)
	}
	if verr.HasErrors() {
		return sig, p.Secret, fmt.Errorf("%w: %v", ErrInvalidPayload, verr.Error())
	}

	sig = models.WebhookSignal{
		Action:     action,
		Instrument: instrument,
		Price:      p.Price,
		SizeUSD:    p.SizeUSD,
		Message:    strings.TrimSpace(p.Message),
		ReceivedAt: now.UTC(),
	}
	return sig, p.Secret, nil
}

// ToIntent buy → вход (размер 0 = по RiskConfig), sell → полный выход
func ToIntent(sig models.WebhookSignal) models.Intent {
	intent := models.Intent{
		InstrumentID: sig.Instrument,
		Source:       models.SourceWebhook,
		Reason:       models.ReasonWebhookSignal,
		Price:        sig.Price,
		Note:         sig.Message,
	}
	if sig.Action == models.WebhookBuy {
		intent.Kind = models.IntentEntry
		intent.SizeUSD = sig.SizeUSD
	} else {
		intent.Kind = models.IntentExit
	}
	return intent
}

// ============================================================
// Обработчик
// ============================================================

// Enqueuer очередь намерений цикла (bot.Engine)
type Enqueuer interface {
	Enqueue(intent models.Intent) error
}

// Config настройки приёма
type Config struct {
	// Secret bcrypt-хеш или открытый текст. Пустой = вебхук выключен.
	Secret string

	RequestsPerMinute int
	Burst             int
}

// Processor полный путь сигнала до очереди цикла
type Processor struct {
	secret    string
	limiter   *rate.Limiter
	confirmer *Confirmer
	sink      Enqueuer
	log       *utils.Logger
	now       func() time.Time
}

// NewProcessor создаёт обработчик. confirmer может быть nil.
func NewProcessor(cfg Config, sink Enqueuer, confirmer *Confirmer, log *utils.Logger) *Processor {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if log == nil {
		log = utils.L()
	}
	return &Processor{
		secret:    cfg.Secret,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.Burst),
		confirmer: confirmer,
		sink:      sink,
		log:       log.WithComponent("webhook"),
		now:       time.Now,
	}
}

// Enabled задан ли секрет
func (p *Processor) Enabled() bool {
	return p.secret != ""
}

// Handle обрабатывает тело запроса. Ошибки: ErrRateLimited,
// ErrInvalidPayload, ErrUnauthorized, ErrNotConfirmed или ошибка очереди.
func (p *Processor) Handle(ctx context.Context, body []byte) (models.Intent, error) {
	if !p.limiter.Allow() {
		return models.Intent{}, ErrRateLimited
	}

	sig, secret, err := Parse(body, p.now())
	// Секрет проверяется раньше ошибок разбора полей: без него
	// отправитель не узнаёт ничего о формате
	if !crypto.MatchSecret(secret, p.secret) {
		p.log.Warn("webhook rejected: bad secret")
		return models.Intent{}, ErrUnauthorized
	}
	if err != nil {
		p.log.Warn("webhook rejected: invalid payload", utils.Err(err))
		return models.Intent{}, err
	}

	log := p.log.With(utils.Instrument(sig.Instrument), utils.String("action", string(sig.Action)))

	if p.confirmer != nil {
		if err := p.confirmer.Confirm(ctx, sig); err != nil {
			log.Info("webhook signal not confirmed", utils.Err(err))
			return models.Intent{}, err
		}
	}

	intent := ToIntent(sig)
	if err := p.sink.Enqueue(intent); err != nil {
		log.Warn("webhook signal not queued", utils.Err(err))
		return intent, err
	}

	log.Info("webhook signal queued", utils.AmountUSD(sig.SizeUSD), utils.Price(sig.Price))
	return intent, nil
}
