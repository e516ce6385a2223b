// Package ai is the second-opinion layer with its own pattern memory and
// veto power (spec section 4.5). It never originates a trade: it is handed
// a signal.Decision and either defers to it, nudges its confidence, or
// overrides it outright, depending on the configured Mode.
package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"spottrader/internal/ai/llm"
	"spottrader/internal/patternmemory"
	"spottrader/internal/signal"
	"spottrader/internal/types"
)

// Mode controls how the AI's own confidence is blended with the signal
// generator's original confidence.
type Mode string

const (
	ModePassive     Mode = "passive"
	ModeAdvisory    Mode = "advisory"
	ModeHybrid      Mode = "hybrid"
	ModeAutonomous  Mode = "autonomous"
)

// RiskTier is the coarse risk posture the caller (normally the Orchestrator,
// reading risk.Manager state) hands in for confidence adjustment -- the AI
// module has no direct dependency on internal/risk to avoid a package cycle
// and to keep it testable with synthetic tiers.
type RiskTier string

const (
	RiskNormal    RiskTier = "normal"
	RiskCautious  RiskTier = "cautious"
	RiskRecovery  RiskTier = "recovery"
	RiskEmergency RiskTier = "emergency"
)

func (t RiskTier) adjustment() float64 {
	switch t {
	case RiskCautious:
		return -0.05
	case RiskRecovery:
		return -0.10
	case RiskEmergency:
		return -0.25
	default:
		return 0
	}
}

// Recommendation is the module's final call.
type Recommendation string

const (
	StrongBuy  Recommendation = "STRONG_BUY"
	Buy        Recommendation = "BUY"
	Hold       Recommendation = "HOLD"
	Sell       Recommendation = "SELL"
	StrongSell Recommendation = "STRONG_SELL"
)

// Config tunes every threshold the pipeline uses, all overridable.
type Config struct {
	Mode Mode

	PatternBoostPerPattern float64
	PatternBoostCap        float64
	IndicatorAlignBoost    float64
	RegimeAlignBoost       float64
	MinSampleForWinRateBlend int

	AdvisoryWeight  float64
	HybridWeight    float64
	UnknownPatternPenalty float64 // applied when ai_confidence < 0.10

	MinConfidenceOverride float64
	StrongThreshold       float64

	VetoEnabled          bool
	RiskScoreVetoThreshold float64
	EmergencyStopPct       float64
	MinVetoFactors         int

	LLMTimeout    time.Duration
	LLMRationaleLowerConfidence float64
	LLMRationaleUpperConfidence float64

	OutcomePruneAfter time.Duration
}

// DefaultConfig matches spec section 4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                     ModeAdvisory,
		PatternBoostPerPattern:   0.03,
		PatternBoostCap:          0.3,
		IndicatorAlignBoost:      0.05,
		RegimeAlignBoost:         0.05,
		MinSampleForWinRateBlend: 10,
		AdvisoryWeight:           0.3,
		HybridWeight:             0.6,
		UnknownPatternPenalty:    0.9,
		MinConfidenceOverride:    0.35,
		StrongThreshold:          0.7,
		VetoEnabled:              true,
		RiskScoreVetoThreshold:   0.8,
		EmergencyStopPct:         0.05,
		MinVetoFactors:           3,
		LLMTimeout:               5 * time.Second,
		LLMRationaleLowerConfidence: 0.40,
		LLMRationaleUpperConfidence: 0.70,
		OutcomePruneAfter:        90 * 24 * time.Hour,
	}
}

// MarketContext is the volatility/indicator/regime snapshot the module
// analyzes per spec step 2.
type MarketContext struct {
	RSI           float64
	MACDHistogram float64
	VolatilityPct float64
	Regime        string
	At            time.Time // for the UTC 0-6 low-liquidity-hours check
}

// Input bundles one signal decision plus everything the AI needs to
// re-evaluate it.
type Input struct {
	Symbol     string
	Direction  signal.Direction
	Confidence float64 // original, signal generator's confidence in [0,1] or signal-generator percent if >1
	IsHold     bool

	Patterns []signal.PatternMatch
	Features types.FeatureVector

	Market   MarketContext
	RiskTier RiskTier
	MaxLossEstimatePct float64 // estimated worst-case loss as a fraction, from the caller's position sizing
}

// Decision is the module's full output, including the telemetry needed for
// the decision log and outcome feedback.
type Decision struct {
	ID             string
	Recommendation Recommendation
	Confidence     float64
	AIConfidence   float64
	Vetoed         bool
	VetoReason     string
	RiskScore      float64
	Reasoning      string
	PatternKey     string

	PositionMultiplier float64
	StopMultiplier     float64
	TakeMultiplier     float64

	CreatedAt time.Time
}

// Collaborator is the narrow external-LLM interface: one call, one
// rationale sentence, nothing more. The rule-based engine has already
// decided direction and confidence by the time this is consulted.
type Collaborator interface {
	Rationale(ctx context.Context, symbol, direction string, confidence float64, regime string, rsi, macdHistogram, volatilityPct float64) (string, error)
}

// llmCollaborator adapts the teacher's multi-provider llm.Client, which has
// no context.Context parameter of its own, to the Collaborator interface by
// racing it against ctx's deadline in a goroutine.
type llmCollaborator struct {
	client *llm.Client
}

// NewLLMCollaborator wraps an llm.Client as a Collaborator. Pass nil to get
// a collaborator that always reports itself unconfigured.
func NewLLMCollaborator(client *llm.Client) Collaborator {
	return &llmCollaborator{client: client}
}

func (c *llmCollaborator) Rationale(ctx context.Context, symbol, direction string, confidence float64, regime string, rsi, macdHistogram, volatilityPct float64) (string, error) {
	if c.client == nil || !c.client.IsConfigured() {
		return "", fmt.Errorf("llm collaborator not configured")
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		prompt := llm.BuildDecisionRationalePrompt(symbol, direction, confidence, regime, rsi, macdHistogram, volatilityPct)
		text, err := c.client.Complete(llm.SystemPromptDecisionRationale, prompt)
		ch <- result{text, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}

// outcomeStat is the per-pattern-key running tally outcome feedback folds
// into (spec section 4.5's "outcome feedback" paragraph).
type outcomeStat struct {
	Samples     int
	Successes   int
	Failures    int
	LastTouched time.Time
}

// loggedDecision is what UpdateOutcome needs to find again: just enough to
// fold a later outcome back into the right pattern bucket.
type loggedDecision struct {
	PatternKey string
	CreatedAt  time.Time
}

// Engine runs the per-signal decision pipeline and owns the outcome-feedback
// ledger. Safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	memory  *patternmemory.Memory
	memCfg  patternmemory.Config
	collab  Collaborator

	decisions map[string]loggedDecision
	outcomes  map[string]*outcomeStat

	onThought func(Event)
}

// Event is one chain-of-thought telemetry record broadcast after a decision
// (spec step 10). The Orchestrator adapts these into its own Broadcaster.
type Event struct {
	DecisionID string
	Symbol     string
	Decision   Decision
}

// New constructs an Engine bound to one symbol's pattern memory partition.
func New(cfg Config, memory *patternmemory.Memory, memCfg patternmemory.Config, collab Collaborator) *Engine {
	return &Engine{
		cfg:       cfg,
		memory:    memory,
		memCfg:    memCfg,
		collab:    collab,
		decisions: make(map[string]loggedDecision),
		outcomes:  make(map[string]*outcomeStat),
	}
}

// OnThought registers a callback invoked with every decision's telemetry
// event (step 10's "broadcast a chain-of-thought event").
func (e *Engine) OnThought(fn func(Event)) {
	e.mu.Lock()
	e.onThought = fn
	e.mu.Unlock()
}

// Evaluate runs the full ten-step pipeline for one signal decision.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	now := in.Market.At
	if now.IsZero() {
		now = time.Now().UTC()
		in.Market.At = now
	}

	// Step 1: decision id tied to this decision.
	id := decisionID(in.Symbol, string(in.Direction), in.Confidence, now)

	// Step 2+3: pattern-memory short-circuit, else build up from the
	// normalized signal confidence.
	patternKey := in.Features.Key()
	aiConfidence, reason, shortCircuited := e.patternShortCircuit(in)
	if !shortCircuited {
		aiConfidence, reason = e.ruleBasedConfidence(in)
	}

	// Step 4: blend with the original per mode.
	finalConfidence := e.blend(in.Confidence, aiConfidence)

	// Step 5: risk assessment.
	riskScore, factors := e.assessRisk(in)

	// Step 6: recommendation.
	rec := e.recommend(in.Direction, finalConfidence)

	// Step 7: veto.
	vetoed, vetoReason := false, ""
	if e.cfg.VetoEnabled {
		maxLoss := in.MaxLossEstimatePct
		if riskScore > e.cfg.RiskScoreVetoThreshold {
			vetoed, vetoReason = true, fmt.Sprintf("risk_score %.2f exceeds %.2f", riskScore, e.cfg.RiskScoreVetoThreshold)
		} else if maxLoss > e.cfg.EmergencyStopPct {
			vetoed, vetoReason = true, fmt.Sprintf("max_loss %.2f%% exceeds emergency stop %.2f%%", maxLoss*100, e.cfg.EmergencyStopPct*100)
		} else if len(factors) >= e.cfg.MinVetoFactors {
			vetoed, vetoReason = true, fmt.Sprintf("%d risk factors present", len(factors))
		}
	}
	if vetoed {
		rec = Hold
		finalConfidence = 0
	}

	// Step 8: reasoning, optionally routed to the LLM collaborator.
	reasoning := e.ruleReasoning(in, rec, riskScore, factors, reason)
	if !vetoed && e.collab != nil &&
		finalConfidence >= e.cfg.LLMRationaleLowerConfidence && finalConfidence <= e.cfg.LLMRationaleUpperConfidence {
		reasoning = e.collaboratorReasoning(ctx, in, finalConfidence, reasoning)
	}

	// Step 9: position/stop/take multipliers.
	posMult, stopMult, takeMult := e.multipliers(riskScore, finalConfidence)

	decision := Decision{
		ID:                 id,
		Recommendation:     rec,
		Confidence:         finalConfidence,
		AIConfidence:       aiConfidence,
		Vetoed:             vetoed,
		VetoReason:         vetoReason,
		RiskScore:          riskScore,
		Reasoning:          reasoning,
		PatternKey:         patternKey,
		PositionMultiplier: posMult,
		StopMultiplier:     stopMult,
		TakeMultiplier:     takeMult,
		CreatedAt:          now,
	}

	// Step 10: telemetry.
	e.mu.Lock()
	e.decisions[id] = loggedDecision{PatternKey: patternKey, CreatedAt: now}
	cb := e.onThought
	e.mu.Unlock()
	if cb != nil {
		cb(Event{DecisionID: id, Symbol: in.Symbol, Decision: decision})
	}

	return decision
}

func decisionID(symbol, direction string, confidence float64, at time.Time) string {
	seed := fmt.Sprintf("%s-%s-%s-%.4f", at.UTC().Format(time.RFC3339), symbol, direction, confidence)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// patternShortCircuit implements step 3's "learned_success"/"learned_failure"
// shortcut: an exact or neighbor match confident enough to clear the pattern
// memory's own threshold overrides the rule-based buildup entirely.
func (e *Engine) patternShortCircuit(in Input) (confidence float64, reason string, shortCircuited bool) {
	if e.memory == nil {
		return 0, "", false
	}
	eval := e.memory.Evaluate(in.Features)
	if eval.TimesSeen == 0 || eval.Confidence < e.memCfg.ConfidenceThreshold {
		return 0, "", false
	}
	if string(eval.Direction) == string(in.Direction) {
		return eval.Confidence, "learned_success", true
	}
	return 0, "learned_failure", true
}

// ruleBasedConfidence builds AI confidence up from the signal's own
// confidence when pattern memory has nothing confident to say (step 3).
func (e *Engine) ruleBasedConfidence(in Input) (float64, string) {
	base := normalizeConfidence(in.Confidence, in.IsHold)

	patternBoost := 0.0
	for range in.Patterns {
		patternBoost += e.cfg.PatternBoostPerPattern
		if patternBoost >= e.cfg.PatternBoostCap {
			patternBoost = e.cfg.PatternBoostCap
			break
		}
	}

	indicatorBoost := 0.0
	if indicatorsAgree(in.Direction, in.Market.RSI, in.Market.MACDHistogram) {
		indicatorBoost = e.cfg.IndicatorAlignBoost
	}

	regimeBoost := 0.0
	if regimeAligns(in.Direction, in.Market.Regime) {
		regimeBoost = e.cfg.RegimeAlignBoost
	} else if in.Market.Regime != "" {
		regimeBoost = -e.cfg.RegimeAlignBoost
	}

	conf := base + patternBoost + indicatorBoost + regimeBoost + in.RiskTier.adjustment()

	if e.memory != nil {
		eval := e.memory.Evaluate(in.Features)
		if eval.TimesSeen >= e.cfg.MinSampleForWinRateBlend {
			conf = 0.7*conf + 0.3*eval.WinRate
		}
	}

	return clamp01(conf), "rule_based"
}

func normalizeConfidence(c float64, isHold bool) float64 {
	if c > 1 {
		c = c / 100 // percent form
	}
	if c <= 0 {
		if isHold {
			return 0.3
		}
		return 0.5
	}
	return c
}

func indicatorsAgree(dir signal.Direction, rsi, macdHist float64) bool {
	switch dir {
	case signal.Buy:
		return rsi < 50 && macdHist > 0
	case signal.Sell:
		return rsi > 50 && macdHist < 0
	default:
		return false
	}
}

func regimeAligns(dir signal.Direction, regime string) bool {
	switch dir {
	case signal.Buy:
		return contains(regime, "up") || contains(regime, "bull")
	case signal.Sell:
		return contains(regime, "down") || contains(regime, "bear")
	default:
		return false
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// blend implements step 4's per-mode combination rule.
func (e *Engine) blend(original, ai float64) float64 {
	switch e.cfg.Mode {
	case ModePassive:
		return clamp01(original)
	case ModeAutonomous:
		return clamp01(0.7*ai + 0.3*original)
	case ModeHybrid:
		return e.additiveBlend(original, ai, e.cfg.HybridWeight)
	default: // ModeAdvisory
		return e.additiveBlend(original, ai, e.cfg.AdvisoryWeight)
	}
}

func (e *Engine) additiveBlend(original, ai, weight float64) float64 {
	contribution := ai * weight
	if ai < 0.10 {
		contribution *= e.cfg.UnknownPatternPenalty
	}
	return clamp01(original + contribution)
}

// assessRisk implements step 5.
func (e *Engine) assessRisk(in Input) (float64, []string) {
	var factors []string
	score := in.Market.VolatilityPct * 2 // volatility is the dominant term

	if in.Confidence < 0.4 {
		score += 0.15
		factors = append(factors, "low_confidence")
	}
	if in.Market.Regime == "" || contains(in.Market.Regime, "uncertain") || contains(in.Market.Regime, "choppy") {
		score += 0.15
		factors = append(factors, "uncertain_regime")
	}
	hour := in.Market.At.UTC().Hour()
	if hour >= 0 && hour < 6 {
		score += 0.1
		factors = append(factors, "low_liquidity_hours")
	}
	if in.MaxLossEstimatePct > e.cfg.EmergencyStopPct {
		score += 0.2
		factors = append(factors, "max_loss_exceeds_tolerance")
	}
	if in.RiskTier == RiskRecovery || in.RiskTier == RiskEmergency {
		score += 0.1
		factors = append(factors, "elevated_risk_tier")
	}
	return clamp01(score), factors
}

// recommend implements step 6.
func (e *Engine) recommend(dir signal.Direction, confidence float64) Recommendation {
	if confidence < e.cfg.MinConfidenceOverride {
		return Hold
	}
	switch dir {
	case signal.Buy:
		if confidence >= e.cfg.StrongThreshold {
			return StrongBuy
		}
		return Buy
	case signal.Sell:
		if confidence >= e.cfg.StrongThreshold {
			return StrongSell
		}
		return Sell
	default:
		return Hold
	}
}

// multipliers implements step 9: higher risk shrinks size and tightens
// stops; higher confidence extends the take-profit reach.
func (e *Engine) multipliers(riskScore, confidence float64) (position, stop, take float64) {
	position = clamp(1.0-0.5*riskScore, 0.25, 1.0)
	stop = clamp(1.0-0.3*riskScore, 0.5, 1.0)
	take = clamp(1.0+0.5*confidence, 1.0, 1.5)
	return
}

// ruleReasoning builds step 8's default natural-language explanation.
func (e *Engine) ruleReasoning(in Input, rec Recommendation, riskScore float64, factors []string, basis string) string {
	if rec == Hold {
		if len(factors) > 0 {
			return fmt.Sprintf("holding %s: %v flagged, risk score %.2f", in.Symbol, factors, riskScore)
		}
		return fmt.Sprintf("holding %s: confidence below override threshold", in.Symbol)
	}
	return fmt.Sprintf("%s %s on %s basis, risk score %.2f", rec, in.Symbol, basis, riskScore)
}

// collaboratorReasoning consults the external LLM collaborator for
// borderline-confidence calls, falling back to the rule-based sentence on
// timeout or error (step 8).
func (e *Engine) collaboratorReasoning(ctx context.Context, in Input, confidence float64, fallback string) string {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	text, err := e.collab.Rationale(cctx, in.Symbol, string(in.Direction), confidence, in.Market.Regime, in.Market.RSI, in.Market.MACDHistogram, in.Market.VolatilityPct)
	if err != nil || text == "" {
		return fallback
	}
	return text
}

// UpdateOutcome folds a realized trade outcome back into the per-pattern
// tally the decision's pattern key maps to.
func (e *Engine) UpdateOutcome(decisionID string, success bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logged, ok := e.decisions[decisionID]
	if !ok {
		return fmt.Errorf("decision %s not found", decisionID)
	}
	stat, ok := e.outcomes[logged.PatternKey]
	if !ok {
		stat = &outcomeStat{}
		e.outcomes[logged.PatternKey] = stat
	}
	stat.Samples++
	if success {
		stat.Successes++
	} else {
		stat.Failures++
	}
	stat.LastTouched = time.Now().UTC()
	return nil
}

// RecordOutcome feeds a closed trade's realized P&L into pattern memory
// against the feature vector that was active at entry, so later nearest-
// neighbor lookups in Evaluate learn from it. Distinct from UpdateOutcome,
// which only tallies the decision's own pattern-key win/loss counters.
func (e *Engine) RecordOutcome(fv types.FeatureVector, pnl float64, at time.Time) {
	if e.memory == nil {
		return
	}
	e.memory.Record(fv, pnl, at)
}

// PruneStale drops outcome entries untouched for OutcomePruneAfter (spec's
// "periodic pruning drops patterns untouched for 90 days").
func (e *Engine) PruneStale(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for key, stat := range e.outcomes {
		if now.Sub(stat.LastTouched) > e.cfg.OutcomePruneAfter {
			delete(e.outcomes, key)
			pruned++
		}
	}
	return pruned
}

// OutcomeWinRate exposes the long-run win rate for a pattern key, mainly
// for diagnostics and tests.
func (e *Engine) OutcomeWinRate(patternKey string) (rate float64, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stat, ok := e.outcomes[patternKey]
	if !ok || stat.Samples == 0 {
		return 0, 0
	}
	return float64(stat.Successes) / float64(stat.Samples), stat.Samples
}

// DecisionCount reports how many decisions are currently logged, for tests
// and operational diagnostics.
func (e *Engine) DecisionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.decisions)
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
