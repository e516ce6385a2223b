package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalRSIBands(t *testing.T) {
	require.Equal(t, Buy, evalRSI(15).Direction)
	require.Equal(t, Sell, evalRSI(90).Direction)
	require.Nil(t, evalRSI(50))
}

func TestFiresAtExactlyMinSignalsAndMinConfidence(t *testing.T) {
	cfg := DefaultConfig()
	g := New(cfg)

	in := Inputs{
		RSI:    18, // strong buy, strength 1.0
		// EMAs left at zero with price above EMA9: ema_stack partial sell 0.5.
		// Two votes, confidence |1.0-0.5|/2 = 0.25 exactly.
		Price: 100, BBUpper: 110, BBLower: 90, BBMid: 100,
		Regime: "ranging",
		VolumeCurrent: 100, VolumeAvg20: 100,
	}
	dec := g.Evaluate(in)
	require.Equal(t, cfg.MinSignalsToTrade, dec.NumAgreeing)
	require.InDelta(t, cfg.MinConfidence, dec.Confidence, 1e-12)
	require.Equal(t, Buy, dec.Direction)
}

func TestHoldBelowMinSignals(t *testing.T) {
	g := New(DefaultConfig())
	in := Inputs{RSI: 50, Price: 100, VolumeCurrent: 100, VolumeAvg20: 100}
	dec := g.Evaluate(in)
	require.Equal(t, Hold, dec.Direction)
}

func TestSafetyOverrideForcesHoldOnExtremeRSIBuy(t *testing.T) {
	in := Inputs{
		RSI: 90, // would normally be a strong sell signal, not buy -- test
		// the buy-side override directly via applySafetyOverrides
	}
	dir, conf := applySafetyOverrides(Buy, 0.9, in)
	require.Equal(t, Hold, dir)
	require.Zero(t, conf)
}

func TestSafetyOverrideForcesHoldOnDowntrendLowConfidenceBuy(t *testing.T) {
	in := Inputs{RSI: 50, Regime: "strong_downtrend"}
	dir, conf := applySafetyOverrides(Buy, 0.3, in)
	require.Equal(t, Hold, dir)
	require.Equal(t, 0.3, conf)
}

func TestVolumeMultiplierBands(t *testing.T) {
	require.Equal(t, 1.3, volumeMultiplier(300, 100))
	require.Equal(t, 1.0, volumeMultiplier(0, 0))
	require.Less(t, volumeMultiplier(10, 100), 1.0)
}
