package prompt

const dailySystem = `You are a professional portfolio strategist managing a micro-cap equity portfolio. You answer only with a JSON object matching the required schema.`

const dailyUser = `CURRENT PORTFOLIO:
{{.Portfolio}}

TODAY'S MARKET DATA:
{{.Market}}

RULES:
- Maximum {{printf "%.0f" (mulPct .MaxPositionPct)}}% position size per stock
- Strict {{printf "%.0f" (mulPct .StopLossPct)}}% stop-loss rules apply
- New buying halts for the day once realized losses reach {{printf "%.0f" (mulPct .CircuitBreakerPct)}}% of equity

TASK: Decide on any actions needed today. Respond with JSON only:
{
  "decisions": [
    {
      "action": "BUY",
      "symbol": "EXAMPLE",
      "quantity": 10,
      "allocation_pct": 0.10,
      "confidence": 0.8,
      "reasoning": "Brief explanation"
    }
  ]
}
Use "action": "HOLD" with the symbol when no change is warranted.`

const researchSystem = `You are a professional portfolio analyst conducting weekly deep research on a micro-cap equity portfolio. You answer only with a JSON object matching the required schema.`

const researchUser = `CURRENT PORTFOLIO:
{{.Portfolio}}

MARKET CONTEXT:
{{.Market}}

Evaluate current holdings for continued strength, identify new
opportunities and consider macro trends affecting small caps. Position
sizing is capped at {{printf "%.0f" (mulPct .MaxPositionPct)}}% per stock.

Respond with JSON only, using the same schema as the daily decision:
{"decisions": [{"action": "BUY", "symbol": "EXAMPLE", "allocation_pct": 0.12, "confidence": 0.85, "reasoning": "..."}]}`

func defaultTemplates() templateFile {
	return templateFile{
		Daily:    Template{System: dailySystem, User: dailyUser},
		Research: Template{System: researchSystem, User: researchUser},
	}
}
