package indicators

import (
	"testing"

	"github.com/stretchr/testify/require"

	"spottrader/internal/types"
)

func flatCandles(n int, price float64) []types.Candle {
	out := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = types.Candle{
			TimestampMS: int64(i) * 60_000,
			Open:        price, High: price, Low: price, Close: price,
			Volume: 100,
		}
	}
	return out
}

func TestComputeRejectsShortWindow(t *testing.T) {
	_, ok := Compute(flatCandles(minWindow-1, 100), 0)
	require.False(t, ok)
}

func TestComputeFlatSeriesIsNeutral(t *testing.T) {
	snap, ok := Compute(flatCandles(minWindow, 100), 0)
	require.True(t, ok)
	require.InDelta(t, 100, snap.Price, 1e-9)
	require.InDelta(t, 0, snap.MACDHistogram, 1e-9)
	require.InDelta(t, 0, snap.PriceChangePct, 1e-9)
	require.Equal(t, float64(0), snap.Trend)
	// a flat series has no gains and no losses; rsi's own zero-avgLoss
	// branch pins this at 100 rather than dividing by zero.
	require.InDelta(t, 100, snap.RSI, 1e-9)
}

func TestComputeMonotonicUptrendPinsRSIAt100(t *testing.T) {
	candles := make([]types.Candle, minWindow+20)
	price := 100.0
	for i := range candles {
		open := price
		price += 1
		candles[i] = types.Candle{
			TimestampMS: int64(i) * 60_000,
			Open:        open, High: price + 0.1, Low: open - 0.1, Close: price,
			Volume: 100,
		}
	}
	snap, ok := Compute(candles, 0)
	require.True(t, ok)
	require.InDelta(t, 100, snap.RSI, 1e-9)
	require.Equal(t, float64(1), snap.Trend)
	require.Greater(t, snap.MACDHistogram, 0.0)
}

func TestComputePullbacksKeepRSIBelowOverbought(t *testing.T) {
	candles := make([]types.Candle, minWindow+70)
	price := 100.0
	for i := range candles {
		open := price
		delta := 1.0
		if i%4 == 3 {
			delta = -1.5
		}
		price += delta
		candles[i] = types.Candle{
			TimestampMS: int64(i) * 60_000,
			Open:        open, High: price + 0.2, Low: open - 0.2, Close: price,
			Volume: 100,
		}
	}
	snap, ok := Compute(candles, 0)
	require.True(t, ok)
	require.Less(t, snap.RSI, 85.0)
	require.Equal(t, float64(1), snap.Trend)
}

func TestToFeatureVectorNormalizesRSIAndCarriesLastDir(t *testing.T) {
	snap, ok := Compute(flatCandles(minWindow, 100), -1)
	require.True(t, ok)
	fv, err := snap.ToFeatureVector()
	require.NoError(t, err)
	require.InDelta(t, 1.0, fv.Values()[types.FeatRSI], 1e-9)
	require.InDelta(t, -1.0, fv.Values()[types.FeatLastPositionDir], 1e-9)
}

func TestToSignalInputsCarriesPriceAndIndicators(t *testing.T) {
	snap, ok := Compute(flatCandles(minWindow, 100), 0)
	require.True(t, ok)
	in := snap.ToSignalInputs()
	require.InDelta(t, snap.RSI, in.RSI, 1e-9)
	require.InDelta(t, snap.Price, in.Price, 1e-9)
	require.InDelta(t, snap.EMA20, in.EMA20, 1e-9)
}
