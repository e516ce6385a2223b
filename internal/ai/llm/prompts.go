package llm

import "fmt"

// SystemPromptDecisionRationale is the one contract the collaborator is held
// to: a single-sentence, plain-language rationale for a trade call the rule
// engine has already scored. The collaborator never picks the direction or
// confidence -- those are decided before it is consulted.
const SystemPromptDecisionRationale = `You are a cryptocurrency trading assistant. A rule-based engine has already
decided a trade direction and confidence score. Your only job is to write one
short, plain-language sentence explaining why that call makes sense given the
market context provided.

Respond with the sentence only -- no JSON, no markdown, no preamble.
Keep it under 200 characters.`

// BuildDecisionRationalePrompt builds the user prompt for a borderline-
// confidence decision (spec section 4.5, step 8).
func BuildDecisionRationalePrompt(symbol, direction string, confidence float64, regime string, rsi, macdHistogram, volatilityPct float64) string {
	return fmt.Sprintf(`Symbol: %s
Proposed direction: %s
Confidence: %.0f%%
Regime: %s
RSI(14): %.1f
MACD histogram: %.5f
Volatility: %.2f%%

Write the one-sentence rationale.`, symbol, direction, confidence*100, regime, rsi, macdHistogram, volatilityPct*100)
}
