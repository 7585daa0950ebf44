// Package advisor ИИ-советник на Anthropic Messages API.
//
// Советник получает снимок портфеля и список кандидатов скринера и
// возвращает рекомендации buy/sell/hold. Ответ модели - свободный
// текст с JSON внутри; всё, что не проходит проверку, отбрасывается.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cryptobot/internal/models"
	"cryptobot/pkg/retry"
	"cryptobot/pkg/utils"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel модель по умолчанию
const DefaultModel = "claude-sonnet-4-5-20250929"

// ErrNoAPIKey ключ API не задан
var ErrNoAPIKey = errors.New("anthropic api key is not configured")

// Config настройки советника
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int64
	BaseURL       string // для тестов и прокси
	RiskTolerance string // conservative, moderate, aggressive
}

// Claude советник на Anthropic API
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	tolerance string
	log       *utils.Logger
}

// NewClaude создаёт советника. Повторы SDK выключены: они делаются
// на границе коллаборатора в цикле.
func NewClaude(cfg Config, log *utils.Logger) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.RiskTolerance == "" {
		cfg.RiskTolerance = "conservative"
	}
	if log == nil {
		log = utils.L()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		tolerance: cfg.RiskTolerance,
		log:       log.WithComponent("advisor"),
	}, nil
}

// Recommend запрашивает анализ и возвращает проверенные рекомендации
func (c *Claude) Recommend(ctx context.Context, req models.AdvisorRequest) ([]models.Recommendation, error) {
	prompt, err := BuildPrompt(req, c.tolerance)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	analysis, err := ParseAnalysis(text.String())
	if err != nil {
		c.log.Warn("advisor response rejected", utils.Err(err))
		return nil, err
	}

	for _, w := range analysis.RiskWarnings {
		c.log.Warn("advisor risk warning", utils.String("warning", w))
	}
	for _, d := range analysis.Dropped {
		c.log.Warn("advisor recommendation dropped", utils.Reason(d))
	}
	c.log.Info("advisor analysis received",
		utils.String("regime", analysis.Regime),
		utils.Int("confidence", analysis.Confidence),
		utils.Int("recommendations", len(analysis.Recommendations)),
	)
	return analysis.Recommendations, nil
}

// classify ошибки клиента (кроме 429) не повторяются
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(fmt.Errorf("advisor request: %w", err))
		}
	}
	return fmt.Errorf("advisor request: %w", err)
}
