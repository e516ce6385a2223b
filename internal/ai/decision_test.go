package ai

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spottrader/internal/patternmemory"
	"spottrader/internal/signal"
	"spottrader/internal/types"
)

func newFeatures(t *testing.T, seed float64) types.FeatureVector {
	t.Helper()
	var raw [types.FeatureLen]float64
	for i := range raw {
		raw[i] = seed + float64(i)
	}
	fv, err := types.NewFeatureVector(raw)
	require.NoError(t, err)
	return fv
}

func newMemory(t *testing.T) (*patternmemory.Memory, patternmemory.Config) {
	t.Helper()
	cfg := patternmemory.DefaultConfig()
	mem, err := patternmemory.New(patternmemory.ModeBacktest, t.TempDir(), cfg, zerolog.Nop())
	require.NoError(t, err)
	return mem, cfg
}

func TestEvaluatePassiveModeNeverAdjustsConfidence(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	cfg.Mode = ModePassive
	eng := New(cfg, mem, memCfg, nil)

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.55,
		Features: newFeatures(t, 1), Market: MarketContext{RSI: 40, MACDHistogram: 0.1, Regime: "uptrend", At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.InDelta(t, 0.55, d.Confidence, 1e-9)
}

func TestEvaluateAdvisoryModeNudgesConfidenceUp(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.5,
		Patterns: []signal.PatternMatch{{Name: "bullish_engulfing"}},
		Features: newFeatures(t, 2),
		Market:   MarketContext{RSI: 30, MACDHistogram: 0.2, Regime: "uptrend", At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.Greater(t, d.Confidence, 0.5)
}

func TestLearnedFailureShortCircuitsAIConfidenceToZero(t *testing.T) {
	mem, memCfg := newMemory(t)
	fv := newFeatures(t, 5)
	// Memory learned this feature vector is a confident Buy; proposing the
	// opposite direction should zero out the AI's own confidence.
	for i := 0; i < memCfg.MinMatches; i++ {
		mem.Record(fv, 50, time.Now())
	}

	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)
	in := Input{
		Symbol: "ETHUSDT", Direction: signal.Sell, Confidence: 0.6,
		Features: fv, Market: MarketContext{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.Zero(t, d.AIConfidence)
	require.Contains(t, d.Reasoning, "learned_failure")
}

func TestLearnedSuccessShortCircuitsToStoredConfidence(t *testing.T) {
	mem, memCfg := newMemory(t)
	fv := newFeatures(t, 10)
	for i := 0; i < memCfg.MinMatches; i++ {
		mem.Record(fv, 50, time.Now())
	}

	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)
	in := Input{
		Symbol: "ETHUSDT", Direction: signal.Buy, Confidence: 0.6,
		Features: fv, Market: MarketContext{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.Greater(t, d.AIConfidence, 0.5)
	require.Contains(t, d.Reasoning, "learned_success")
}

func TestLowLiquidityHoursRaisesRiskScore(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)

	day := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.6,
		Features: newFeatures(t, 3), Market: MarketContext{Regime: "uptrend", At: time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)},
	}
	night := day
	night.Market.At = time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	night.Features = newFeatures(t, 3.5)

	dayDecision := eng.Evaluate(context.Background(), day)
	nightDecision := eng.Evaluate(context.Background(), night)
	require.Greater(t, nightDecision.RiskScore, dayDecision.RiskScore)
}

func TestVetoForcesHoldOnHighRiskScore(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.9,
		Features: newFeatures(t, 4),
		Market:   MarketContext{VolatilityPct: 0.9, Regime: "choppy", At: time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)},
		MaxLossEstimatePct: 0.1,
	}
	d := eng.Evaluate(context.Background(), in)
	require.True(t, d.Vetoed)
	require.Equal(t, Hold, d.Recommendation)
	require.Zero(t, d.Confidence)
}

func TestUpdateOutcomeTracksPerPatternStats(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.6,
		Features: newFeatures(t, 6), Market: MarketContext{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.NoError(t, eng.UpdateOutcome(d.ID, true))
	require.NoError(t, eng.UpdateOutcome(d.ID, false))

	rate, samples := eng.OutcomeWinRate(d.PatternKey)
	require.Equal(t, 2, samples)
	require.InDelta(t, 0.5, rate, 1e-9)
}

func TestUpdateOutcomeUnknownDecisionErrors(t *testing.T) {
	mem, memCfg := newMemory(t)
	eng := New(DefaultConfig(), mem, memCfg, nil)
	require.Error(t, eng.UpdateOutcome("does-not-exist", true))
}

type stubCollaborator struct {
	text string
	err  error
	delay time.Duration
}

func (s stubCollaborator) Rationale(ctx context.Context, symbol, direction string, confidence float64, regime string, rsi, macdHist, vol float64) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func TestCollaboratorRationaleUsedWithinBorderlineBand(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, stubCollaborator{text: "momentum favors the call"})

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.5,
		Features: newFeatures(t, 7), Market: MarketContext{RSI: 45, Regime: "uptrend", At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	if d.Confidence >= cfg.LLMRationaleLowerConfidence && d.Confidence <= cfg.LLMRationaleUpperConfidence {
		require.Equal(t, "momentum favors the call", d.Reasoning)
	}
}

func TestCollaboratorTimeoutFallsBackToRuleReasoning(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	cfg.LLMTimeout = 10 * time.Millisecond
	eng := New(cfg, mem, memCfg, stubCollaborator{text: "boom", delay: time.Second})

	in := Input{
		Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.5,
		Features: newFeatures(t, 8), Market: MarketContext{RSI: 45, Regime: "uptrend", At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.NotEmpty(t, d.Reasoning)
	require.NotEqual(t, "boom", d.Reasoning)
}

func TestRecordOutcomeFeedsPatternMemory(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	eng := New(cfg, mem, memCfg, nil)
	fv := newFeatures(t, 11)

	for i := 0; i < memCfg.MinMatches; i++ {
		eng.RecordOutcome(fv, 50, time.Now())
	}

	in := Input{
		Symbol: "ETHUSDT", Direction: signal.Sell, Confidence: 0.6,
		Features: fv, Market: MarketContext{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	d := eng.Evaluate(context.Background(), in)
	require.Zero(t, d.AIConfidence)
	require.Contains(t, d.Reasoning, "learned_failure")
}

func TestPruneStaleRemovesOldOutcomes(t *testing.T) {
	mem, memCfg := newMemory(t)
	cfg := DefaultConfig()
	cfg.OutcomePruneAfter = time.Hour
	eng := New(cfg, mem, memCfg, nil)

	in := Input{Symbol: "BTCUSDT", Direction: signal.Buy, Confidence: 0.6, Features: newFeatures(t, 9), Market: MarketContext{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}}
	d := eng.Evaluate(context.Background(), in)
	require.NoError(t, eng.UpdateOutcome(d.ID, true))

	// UpdateOutcome stamps LastTouched with the wall clock, not the decision's
	// bar time, so staleness is measured from now.
	pruned := eng.PruneStale(time.Now().UTC().Add(2 * time.Hour))
	require.Equal(t, 1, pruned)
	_, samples := eng.OutcomeWinRate(d.PatternKey)
	require.Zero(t, samples)
}
