package advisor

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"cryptobot/internal/models"
	"cryptobot/pkg/utils"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedResponse ответ модели не содержит разбираемого JSON
var ErrMalformedResponse = errors.New("malformed advisor response")

// Analysis разобранный ответ советника
type Analysis struct {
	Regime          string
	Confidence      int
	RiskLevel       string
	Recommendations []models.Recommendation
	RiskWarnings    []string

	// Dropped рекомендации, не прошедшие проверку, с причиной
	Dropped []string
}

type wireAnalysis struct {
	MarketAssessment struct {
		Regime     string  `json:"regime"`
		Confidence float64 `json:"confidence"`
		RiskLevel  string  `json:"risk_level"`
	} `json:"market_assessment"`
	RecommendedActions []wireRecommendation `json:"recommended_actions"`
	RiskWarnings       []string             `json:"risk_warnings"`
}

type wireRecommendation struct {
	Action          string              `json:"action"`
	Coin            string              `json:"coin"`
	Instrument      string              `json:"instrument"`
	Reasoning       string              `json:"reasoning"`
	Conviction      float64             `json:"conviction"`
	TargetEntry     float64             `json:"target_entry"`
	StopLoss        float64             `json:"stop_loss"`
	TakeProfit      jsoniter.RawMessage `json:"take_profit"`
	PositionSizePct float64             `json:"position_size_pct"`
}

// ParseRecommendations разбирает ответ и возвращает только проверенные рекомендации
func ParseRecommendations(text string) ([]models.Recommendation, error) {
	a, err := ParseAnalysis(text)
	if err != nil {
		return nil, err
	}
	return a.Recommendations, nil
}

// ParseAnalysis разбирает ответ модели. Текст вокруг JSON (markdown
// ограждения, пояснения) отбрасывается. Некорректные рекомендации
// не роняют весь ответ, а попадают в Dropped.
func ParseAnalysis(text string) (*Analysis, error) {
	payload, ok := extractJSON(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var wire wireAnalysis
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	a := &Analysis{
		Regime:       strings.ToLower(wire.MarketAssessment.Regime),
		Confidence:   int(math.Round(wire.MarketAssessment.Confidence)),
		RiskLevel:    strings.ToLower(wire.MarketAssessment.RiskLevel),
		RiskWarnings: wire.RiskWarnings,
	}

	for i, w := range wire.RecommendedActions {
		rec, err := w.toModel()
		if err != nil {
			a.Dropped = append(a.Dropped, fmt.Sprintf("#%d: %v", i, err))
			continue
		}
		a.Recommendations = append(a.Recommendations, rec)
	}
	return a, nil
}

func (w wireRecommendation) toModel() (models.Recommendation, error) {
	var rec models.Recommendation

	action := models.AdvisorAction(strings.ToLower(strings.TrimSpace(w.Action)))
	switch action {
	case models.ActionBuy, models.ActionSell, models.ActionHold:
	default:
		return rec, fmt.Errorf("unknown action %q", w.Action)
	}

	symbol := w.Instrument
	if symbol == "" {
		symbol = w.Coin
	}
	inst := utils.NormalizeInstrument(symbol)
	if err := utils.ValidateInstrument(inst); err != nil {
		return rec, err
	}

	if w.Conviction < 0 || w.Conviction > 100 || math.IsNaN(w.Conviction) {
		return rec, fmt.Errorf("conviction %v out of [0, 100]", w.Conviction)
	}
	if w.TargetEntry < 0 || w.StopLoss < 0 {
		return rec, fmt.Errorf("negative price level")
	}

	takeProfit, err := parseTakeProfit(w.TakeProfit)
	if err != nil {
		return rec, err
	}

	// Доля размера: 0.2 или 20 (проценты) → 0.2
	pct := w.PositionSizePct
	if pct > 1 {
		pct /= 100
	}
	if pct < 0 || pct > 1 {
		return rec, fmt.Errorf("position_size_pct %v out of range", w.PositionSizePct)
	}

	stop := w.StopLoss
	if action == models.ActionBuy && stop > 0 && w.TargetEntry > 0 && stop >= w.TargetEntry {
		// Стоп выше входа бессмысленен: уровень возьмётся из RiskConfig
		stop = 0
	}

	rec = models.Recommendation{
		Action:          action,
		InstrumentID:    inst,
		Conviction:      int(math.Round(w.Conviction)),
		TargetEntry:     w.TargetEntry,
		StopLoss:        stop,
		TakeProfit:      takeProfit,
		PositionSizePct: pct,
		Reasoning:       strings.TrimSpace(w.Reasoning),
	}
	return rec, nil
}

// parseTakeProfit принимает список цен или одно число
func parseTakeProfit(raw jsoniter.RawMessage) ([]float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}

	var levels []float64
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal(raw, &levels); err != nil {
			return nil, fmt.Errorf("take_profit: %v", err)
		}
	} else {
		var single float64
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("take_profit: %v", err)
		}
		levels = []float64{single}
	}

	out := levels[:0]
	for _, v := range levels {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// extractJSON вырезает первый объект верхнего уровня из текста
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
