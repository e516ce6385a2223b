// Package signal is the stateless, pure evaluator combining independent
// indicator signals into one directional decision (spec section 4.4).
package signal

import (
	"math"
	"strings"
)

// Direction is an evaluator's or the aggregate's directional call.
type Direction string

const (
	Buy     Direction = "buy"
	Sell    Direction = "sell"
	Neutral Direction = "neutral"
	Hold    Direction = "hold"
)

// Evaluation is one sub-evaluator's independent opinion.
type Evaluation struct {
	Direction Direction
	Strength  float64 // [0,1]
	Name      string
}

// Inputs bundles every indicator/pattern/structural input a bar can supply.
// Unknown indicator names are a programmer error per spec's design notes
// (section 9): fields are explicit, not a dynamic map, so a misspelled or
// unknown indicator name is a compile error. An omitted field is its zero
// value.
type Inputs struct {
	RSI float64 // 0-100

	MACDLine      float64
	MACDSignal    float64
	MACDHistogram float64

	EMA9, EMA20, EMA50 float64
	Price              float64

	BBUpper, BBLower, BBMid float64

	Patterns []PatternMatch

	Regime string

	VolumeCurrent float64
	VolumeAvg20   float64

	Momentum10BarPct float64

	TPOZone TPOZone

	SupportLevels    []float64
	ResistanceLevels []float64

	EMACross   CrossoverInput
	Sweep      *LiquiditySweep
	MADynamic  *MADynamicSR
	MultiTF    *MultiTimeframe
}

// PatternMatch is one labeled candlestick/ML pattern hit.
type PatternMatch struct {
	Name       string
	Direction  Direction
	Confidence float64
}

// TPOZone is the venue-specific oscillator zone classification.
type TPOZone struct {
	Zone  string // "value_high", "value_low", "poc", "outside"
	Value float64
}

// CrossoverInput captures EMA/SMA crossover + snapback/blowoff confluence.
type CrossoverInput struct {
	BullishCross bool
	BearishCross bool
	Snapback     Direction
	Blowoff      bool
}

// LiquiditySweep is an institutional-candle sweep pattern.
type LiquiditySweep struct {
	Direction  Direction
	Confidence float64
}

// MADynamicSR is a moving-average dynamic support/resistance bounce.
type MADynamicSR struct {
	Direction  Direction
	Confidence float64
}

// MultiTimeframe is a higher-timeframe confirmation bias.
type MultiTimeframe struct {
	Bias     Direction
	Strength float64
}

// Config tunes aggregation thresholds, all overridable.
type Config struct {
	MinSignalsToTrade int
	MinConfidence     float64
	Weights           map[string]float64
}

// DefaultConfig matches spec section 4.4's stated defaults and weights.
func DefaultConfig() Config {
	return Config{
		MinSignalsToTrade: 2,
		MinConfidence:     0.25,
		Weights: map[string]float64{
			"rsi": 1.0, "macd": 1.0, "ema_stack": 1.0, "bollinger": 0.8,
			"patterns": 1.2, "regime": 0.6, "momentum": 0.8, "tpo": 0.7,
			"support_resistance": 0.9, "crossover": 1.0, "liquidity_sweep": 1.1,
			"ma_dynamic_sr": 0.9, "multi_timeframe": 1.0,
		},
	}
}

// Decision is the aggregated result of one bar's evaluation.
type Decision struct {
	Direction   Direction
	Confidence  float64
	Signals     []Evaluation
	NumAgreeing int
}

// Generator runs every sub-evaluator and aggregates their votes. It holds
// no mutable state: construct once, call Evaluate per bar.
type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// evaluators in spec table order (volume is handled separately: it
// contributes a multiplier, not a vote).
func (g *Generator) evaluators(in Inputs) []Evaluation {
	var out []Evaluation
	add := func(e *Evaluation) {
		if e != nil {
			out = append(out, *e)
		}
	}
	add(evalRSI(in.RSI))
	add(evalMACD(in.MACDLine, in.MACDSignal))
	add(evalEMAStack(in.EMA9, in.EMA20, in.EMA50, in.Price))
	add(evalBollinger(in.BBUpper, in.BBLower, in.BBMid, in.Price))
	add(evalPatterns(in.Patterns))
	add(evalRegime(in.Regime))
	add(evalMomentum(in.Momentum10BarPct))
	add(evalTPO(in.TPOZone))
	add(evalSupportResistance(in.Price, in.SupportLevels, in.ResistanceLevels))
	add(evalCrossover(in.EMACross))
	if in.Sweep != nil {
		add(&Evaluation{Direction: in.Sweep.Direction, Strength: in.Sweep.Confidence, Name: "liquidity_sweep"})
	}
	if in.MADynamic != nil {
		add(&Evaluation{Direction: in.MADynamic.Direction, Strength: in.MADynamic.Confidence, Name: "ma_dynamic_sr"})
	}
	if in.MultiTF != nil {
		add(&Evaluation{Direction: in.MultiTF.Bias, Strength: in.MultiTF.Strength, Name: "multi_timeframe"})
	}
	return out
}

// Evaluate runs aggregation (spec 4.4): weighted bull/bear totals, a volume
// multiplier applied to both, a firing-rule gate, then safety overrides.
func (g *Generator) Evaluate(in Inputs) Decision {
	evals := g.evaluators(in)
	volMult := volumeMultiplier(in.VolumeCurrent, in.VolumeAvg20)

	var bullTotal, bearTotal, totalWeight float64
	var agreeing int
	for _, e := range evals {
		w := g.cfg.Weights[e.Name]
		if w == 0 {
			w = 1.0
		}
		totalWeight += w
		contribution := e.Strength * w * volMult
		switch e.Direction {
		case Buy:
			bullTotal += contribution
			agreeing++
		case Sell:
			bearTotal += contribution
			agreeing++
		}
	}

	var confidence float64
	if totalWeight > 0 {
		confidence = math.Abs(bullTotal-bearTotal) / totalWeight
	}
	confidence = clamp01(confidence)

	dir := Hold
	if agreeing >= g.cfg.MinSignalsToTrade && confidence >= g.cfg.MinConfidence {
		if bullTotal > bearTotal {
			dir = Buy
		} else if bearTotal > bullTotal {
			dir = Sell
		}
	}

	dir, confidence = applySafetyOverrides(dir, confidence, in)

	return Decision{Direction: dir, Confidence: confidence, Signals: evals, NumAgreeing: agreeing}
}

// applySafetyOverrides implements spec 4.4's final guardrails.
func applySafetyOverrides(dir Direction, confidence float64, in Inputs) (Direction, float64) {
	if dir == Buy && in.RSI > 85 {
		return Hold, 0
	}
	if dir == Sell && in.RSI < 15 {
		return Hold, 0
	}
	if dir == Buy && strings.Contains(strings.ToLower(in.Regime), "down") && confidence < 0.4 {
		return Hold, confidence
	}
	return dir, confidence
}

func volumeMultiplier(current, avg20 float64) float64 {
	if avg20 <= 0 {
		return 1.0
	}
	ratio := current / avg20
	switch {
	case ratio >= 2.0:
		return 1.3
	case ratio >= 1.5:
		return 1.15
	case ratio < 0.5:
		return 0.85
	default:
		return 1.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
