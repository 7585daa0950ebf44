package advisor

import (
	"fmt"
	"strings"

	"cryptobot/internal/models"
)

const systemPrompt = "You are an expert cryptocurrency trader advising an automated spot trading bot on Coinbase Advanced Trade. Return ONLY valid JSON, no additional text."

// BuildPrompt собирает запрос к модели из снимка портфеля и кандидатов
func BuildPrompt(req models.AdvisorRequest, tolerance string) (string, error) {
	portfolio, err := json.MarshalIndent(struct {
		Capital   models.CapitalView    `json:"capital"`
		Positions []models.PositionView `json:"positions"`
	}{req.Capital, req.Positions}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode portfolio: %w", err)
	}
	candidates, err := json.MarshalIndent(req.Opportunities, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode screener results: %w", err)
	}

	r := req.Risk
	pct := func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) }

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze market conditions for a bot with $%.2f equity.\n\n", req.Capital.Equity)

	b.WriteString("**CRITICAL CONSTRAINTS:**\n")
	fmt.Fprintf(&b, "- Available capital: $%.2f USD\n", req.Capital.AvailableCapital)
	fmt.Fprintf(&b, "- Fees: %s maker, %s taker\n", pct(r.MakerFeeRate), pct(r.TakerFeeRate))
	fmt.Fprintf(&b, "- Maximum %d positions, at most %s of available capital each\n", r.MaxPositions, pct(r.MaxPositionPct))
	fmt.Fprintf(&b, "- Stop loss: %s per position, take profit: %s\n", pct(r.StopLossPct), pct(r.TakeProfitPct))
	fmt.Fprintf(&b, "- Maximum drawdown: %s (current %s)\n", pct(r.MaxDrawdownPct), pct(req.Capital.DrawdownPct))
	fmt.Fprintf(&b, "- Minimum trade: $%.2f\n", r.MinTradeUSD)
	fmt.Fprintf(&b, "- Risk tolerance: %s\n\n", tolerance)

	b.WriteString("**CURRENT PORTFOLIO:**\n")
	b.Write(portfolio)
	b.WriteString("\n\n**SCREENER RESULTS:**\n")
	b.Write(candidates)

	b.WriteString(`

**YOUR TASK:**
Respond with a JSON object:
{
  "market_assessment": {"regime": "bull|bear|sideways", "confidence": 0-100, "risk_level": "low|medium|high"},
  "recommended_actions": [
    {"action": "buy|sell|hold", "coin": "BTC-USD", "reasoning": "...", "conviction": 0-100,
     "target_entry": price, "stop_loss": price, "take_profit": [prices], "position_size_pct": 0.15-0.25}
  ],
  "risk_warnings": ["..."]
}
`)
	fmt.Fprintf(&b, "\n**IMPORTANT:**\n- Only suggest HIGH CONVICTION (>%d%%) setups.\n", r.ConfidenceThreshold)
	b.WriteString("- Only buy coins listed by the screener with a buy signal.\n")
	b.WriteString("- Factor in fees: a round trip costs about twice the taker fee.\n")
	if r.MaxDrawdownPct > 0 && req.Capital.DrawdownPct > r.MaxDrawdownPct*0.75 {
		b.WriteString("- Drawdown is close to the limit: be VERY conservative.\n")
	}
	b.WriteString("- If the market is uncertain, suggest HOLD.\n")
	return b.String(), nil
}
