// Package screener клиент внешнего технического скринера.
//
// Скринер считает индикаторы сам и отдаёт ранжированный список
// кандидатов; здесь только транспорт, проверка и политика отбора.
package screener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"cryptobot/internal/exchange"
	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoIndicators скринер не знает инструмент
var ErrNoIndicators = errors.New("no indicators for instrument")

// Source источник кандидатов
type Source interface {
	Opportunities(ctx context.Context) ([]models.Opportunity, error)
}

// Indicators технические индикаторы инструмента (для подтверждения вебхуков)
type Indicators struct {
	RSI      *float64              `json:"rsi,omitempty"`
	MACDHist *float64              `json:"macd_histogram,omitempty"`
	Signal   models.ScreenerSignal `json:"signal,omitempty"`
}

// ============================================================
// Политика
// ============================================================

// Validate отбрасывает кандидатов с битыми полями
func Validate(o models.Opportunity) error {
	if err := utils.ValidateInstrument(o.InstrumentID); err != nil {
		return err
	}
	if !o.Signal.Valid() {
		return fmt.Errorf("unknown signal %q", o.Signal)
	}
	if o.Price < 0 {
		return fmt.Errorf("negative price %v", o.Price)
	}
	if o.Confidence < 0 || o.Confidence > 100 {
		return fmt.Errorf("confidence %v out of [0, 100]", o.Confidence)
	}
	return nil
}

// Passes кандидат пригоден для входа: сигнал на покупку и счёт не ниже
// порога. На сигнале продажи вход не открывается никогда.
func Passes(o models.Opportunity, minScore float64) bool {
	return o.Signal.IsBuy() && o.Score >= minScore
}

// ============================================================
// HTTP источник
// ============================================================

// HTTPConfig настройки HTTP источника
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Mode    string // режим скоринга скринера (breakout, momentum, ...), пусто = по умолчанию
	Limit   int    // сколько лучших кандидатов брать, 0 = все
	HTTP    exchange.HTTPClientConfig
}

// HTTPSource скринер по HTTP:
//
//	GET {base}/opportunities?mode=...  → {"opportunities": [...]} или [...]
//	GET {base}/indicators/{instrument} → {"rsi": .., "macd_histogram": .., "signal": ..}
type HTTPSource struct {
	baseURL *url.URL
	apiKey  string
	mode    string
	limit   int
	client  *http.Client
}

// NewHTTPSource создаёт источник
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("screener base url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid screener url: %w", err)
	}
	httpCfg := cfg.HTTP
	if httpCfg == (exchange.HTTPClientConfig{}) {
		httpCfg = exchange.DefaultHTTPClientConfig()
		httpCfg.TotalTimeout = 60 * time.Second
	}
	return &HTTPSource{
		baseURL: u,
		apiKey:  cfg.APIKey,
		mode:    cfg.Mode,
		limit:   cfg.Limit,
		client:  exchange.NewHTTPClient(httpCfg),
	}, nil
}

// wireOpportunity формат ответа скринера. Инструмент приходит как
// instrument или product_id, индикаторы вложены.
type wireOpportunity struct {
	Instrument string  `json:"instrument"`
	ProductID  string  `json:"product_id"`
	Signal     string  `json:"signal"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price"`
	Indicators struct {
		RSI      *float64 `json:"rsi"`
		MACDHist *float64 `json:"macd_hist"`
	} `json:"indicators"`
}

func (w wireOpportunity) toModel() models.Opportunity {
	inst := w.Instrument
	if inst == "" {
		inst = w.ProductID
	}
	return models.Opportunity{
		InstrumentID: utils.NormalizeInstrument(inst),
		Signal:       models.ScreenerSignal(strings.ToLower(w.Signal)),
		Score:        w.Score,
		Confidence:   w.Confidence,
		Price:        w.Price,
		RSI:          w.Indicators.RSI,
		MACDHist:     w.Indicators.MACDHist,
	}
}

// Opportunities список кандидатов по убыванию счёта
func (s *HTTPSource) Opportunities(ctx context.Context) ([]models.Opportunity, error) {
	q := url.Values{}
	if s.mode != "" {
		q.Set("mode", s.mode)
	}
	body, err := s.get(ctx, "/opportunities", q)
	if err != nil {
		return nil, err
	}

	var wire []wireOpportunity
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &wire)
	} else {
		var envelope struct {
			Opportunities []wireOpportunity `json:"opportunities"`
		}
		err = json.Unmarshal(body, &envelope)
		wire = envelope.Opportunities
	}
	if err != nil {
		return nil, fmt.Errorf("decode screener response: %w", err)
	}

	out := make([]models.Opportunity, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toModel())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if s.limit > 0 && len(out) > s.limit {
		out = out[:s.limit]
	}
	return out, nil
}

// Indicators индикаторы одного инструмента
func (s *HTTPSource) Indicators(ctx context.Context, instrument string) (*Indicators, error) {
	body, err := s.get(ctx, "/indicators/"+url.PathEscape(instrument), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNoIndicators, instrument)
		}
		return nil, err
	}
	var ind Indicators
	if err := json.Unmarshal(body, &ind); err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}
	return &ind, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := *s.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screener request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read screener response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// Close закрывает простаивающие соединения
func (s *HTTPSource) Close() {
	exchange.CloseIdle(s.client)
}

// StatusError ответ скринера с кодом ошибки
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("screener returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable повторяются только перегрузка и ошибки сервера
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
