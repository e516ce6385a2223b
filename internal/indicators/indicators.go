// Package indicators turns a raw candle window into the scalar indicator
// snapshot the Signal Generator and AI Decision Module consume, adapted
// from the teacher's analysis.VolumeAnalyzer/TrendAnalyzer (candle-window
// math) and ml predictor's RSI/MACD/EMA formulas onto types.Candle.
package indicators

import (
	"math"

	"spottrader/internal/signal"
	"spottrader/internal/types"
)

// Snapshot is the scalar indicator state for one bar, enough to build both
// a signal.Inputs and a types.FeatureVector.
type Snapshot struct {
	RSI           float64
	MACDLine      float64
	MACDSignal    float64
	MACDHistogram float64
	EMA9, EMA20, EMA50 float64
	BBUpper, BBLower, BBMid float64
	VolumeCurrent, VolumeAvg20 float64
	Momentum10BarPct float64
	Volatility       float64 // ATR-like, as a fraction of price
	PriceChangePct   float64
	WickRatio        float64
	Trend            float64 // -1, 0, +1
	LastPositionDir  float64 // -1, 0, +1, caller-supplied (state manager's last closed direction)
	Price            float64
}

const minWindow = 50

// Compute derives a Snapshot from the trailing window of candles. lastDir
// carries the State Manager's most recent closed-position direction into
// the feature vector's last_position_direction element (spec section 3).
func Compute(candles []types.Candle, lastDir float64) (Snapshot, bool) {
	if len(candles) < minWindow {
		return Snapshot{}, false
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	snap := Snapshot{Price: closes[len(closes)-1]}
	snap.RSI = rsi(closes, 14)

	ema12 := ema(closes, 12)
	ema26 := ema(closes, 26)
	macdSeries := make([]float64, len(closes))
	for i := range closes {
		macdSeries[i] = ema12[i] - ema26[i]
	}
	signalLine := ema(macdSeries, 9)
	snap.MACDLine = macdSeries[len(macdSeries)-1]
	snap.MACDSignal = signalLine[len(signalLine)-1]
	snap.MACDHistogram = snap.MACDLine - snap.MACDSignal

	snap.EMA9 = ema(closes, 9)[len(closes)-1]
	snap.EMA20 = ema(closes, 20)[len(closes)-1]
	snap.EMA50 = ema(closes, 50)[len(closes)-1]

	mid, upper, lower := bollinger(closes, 20, 2)
	snap.BBMid, snap.BBUpper, snap.BBLower = mid, upper, lower

	snap.VolumeCurrent = candles[len(candles)-1].Volume
	snap.VolumeAvg20 = avgVolume(candles, 20)

	snap.Momentum10BarPct = pctChange(closes, 10)
	snap.Volatility = atrLike(candles, 14)
	snap.PriceChangePct = pctChange(closes, 1)
	snap.WickRatio = wickRatio(candles[len(candles)-1])
	snap.Trend = trendDirection(snap.EMA9, snap.EMA20, snap.EMA50)
	snap.LastPositionDir = lastDir

	return snap, true
}

// ToSignalInputs maps the scalar snapshot onto signal.Inputs. Structural/
// pattern evaluators (candlestick patterns, regime label, TPO, support and
// resistance, crossover confluence, liquidity sweeps, multi-timeframe bias)
// are supplied by the orchestrator's caller when available; Compute never
// populates them, and every one of those evaluators is nil-safe on zero
// value per the signal package's own design.
func (s Snapshot) ToSignalInputs() signal.Inputs {
	return signal.Inputs{
		RSI:              s.RSI,
		MACDLine:         s.MACDLine,
		MACDSignal:       s.MACDSignal,
		MACDHistogram:    s.MACDHistogram,
		EMA9:             s.EMA9,
		EMA20:            s.EMA20,
		EMA50:            s.EMA50,
		Price:            s.Price,
		BBUpper:          s.BBUpper,
		BBLower:          s.BBLower,
		BBMid:            s.BBMid,
		VolumeCurrent:    s.VolumeCurrent,
		VolumeAvg20:      s.VolumeAvg20,
		Momentum10BarPct: s.Momentum10BarPct,
	}
}

// ToFeatureVector maps the scalar snapshot onto the canonical 9-element
// feature vector (spec section 3).
func (s Snapshot) ToFeatureVector() (types.FeatureVector, error) {
	bbWidth := 0.0
	if s.BBMid != 0 {
		bbWidth = (s.BBUpper - s.BBLower) / s.BBMid
	}
	volRatio := 0.0
	if s.VolumeAvg20 != 0 {
		volRatio = s.VolumeCurrent / s.VolumeAvg20
	}
	return types.NewFeatureVector([types.FeatureLen]float64{
		types.FeatRSI:              s.RSI / 100,
		types.FeatMACDDiff:         s.MACDLine - s.MACDSignal,
		types.FeatTrend:            s.Trend,
		types.FeatBBWidth:          bbWidth,
		types.FeatVolatility:       s.Volatility,
		types.FeatWickRatio:        s.WickRatio,
		types.FeatPriceChangePct:   s.PriceChangePct,
		types.FeatVolumeChangeRatio: volRatio,
		types.FeatLastPositionDir:  s.LastPositionDir,
	})
}

func ema(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}
	if len(data) < period {
		period = len(data)
	}
	mult := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	out[period-1] = sum / float64(period)
	for i := 0; i < period-1; i++ {
		out[i] = out[period-1]
	}
	for i := period; i < len(data); i++ {
		out[i] = (data[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}
	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain, avgLoss := gains/float64(period), losses/float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func bollinger(closes []float64, period int, stdevMult float64) (mid, upper, lower float64) {
	if len(closes) < period {
		period = len(closes)
	}
	window := closes[len(closes)-period:]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	stdev := math.Sqrt(variance / float64(len(window)))
	return mean, mean + stdevMult*stdev, mean - stdevMult*stdev
}

func avgVolume(candles []types.Candle, period int) float64 {
	if len(candles) < period {
		period = len(candles)
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}

func pctChange(closes []float64, bars int) float64 {
	if len(closes) <= bars {
		return 0
	}
	prev := closes[len(closes)-1-bars]
	if prev == 0 {
		return 0
	}
	return (closes[len(closes)-1] - prev) / prev * 100
}

func atrLike(candles []types.Candle, period int) float64 {
	if len(candles) < period {
		period = len(candles)
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		c := candles[i]
		if c.Close != 0 {
			sum += (c.High - c.Low) / c.Close
		}
	}
	return sum / float64(period)
}

func wickRatio(c types.Candle) float64 {
	body := math.Abs(c.Close - c.Open)
	full := c.High - c.Low
	if full == 0 {
		return 0
	}
	return 1 - body/full
}

func trendDirection(ema9, ema20, ema50 float64) float64 {
	switch {
	case ema9 > ema20 && ema20 > ema50:
		return 1
	case ema9 < ema20 && ema20 < ema50:
		return -1
	default:
		return 0
	}
}
