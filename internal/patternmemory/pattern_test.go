package patternmemory

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spottrader/internal/types"
)

func mustVec(t *testing.T, raw [types.FeatureLen]float64) types.FeatureVector {
	t.Helper()
	fv, err := types.NewFeatureVector(raw)
	require.NoError(t, err)
	return fv
}

func newMem(t *testing.T) *Memory {
	t.Helper()
	m, err := New(ModeBacktest, t.TempDir(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestRecordWinThenLossTallies(t *testing.T) {
	m := newMem(t)
	fv := mustVec(t, [types.FeatureLen]float64{0.5, 0.1, 1, 0.02, 0.01, 0.5, 0, 0, 0})

	m.Record(fv, 5, time.Now())
	m.Record(fv, -3, time.Now())

	stat := m.patterns[fv.Key()]
	require.Equal(t, 2, stat.TimesSeen)
	require.Equal(t, 1, stat.Wins)
	require.Equal(t, 1, stat.Losses)
}

func TestSimilaritySymmetricAndSelfIsOne(t *testing.T) {
	a := mustVec(t, [types.FeatureLen]float64{0.5, 0.1, 1, 0.02, 0.01, 0.5, 0, 0, 0})
	b := mustVec(t, [types.FeatureLen]float64{0.51, 0.11, 1, 0.02, 0.01, 0.5, 0, 0, 0})
	weights := DefaultConfig().Weights

	require.InDelta(t, 1.0, Similarity(a, a, weights), 1e-9)
	require.InDelta(t, Similarity(a, b, weights), Similarity(b, a, weights), 1e-12)
}

func TestEvaluateNearestNeighborFindsSimilarWinner(t *testing.T) {
	m := newMem(t)
	stored := mustVec(t, [types.FeatureLen]float64{0.50, 0.10, 1, 0.02, 0.01, 0.50, 0.00, 0.00, 0})
	for i := 0; i < 5; i++ {
		m.Record(stored, 2, time.Now())
	}

	query := mustVec(t, [types.FeatureLen]float64{0.51, 0.11, 1, 0.02, 0.01, 0.50, 0.00, 0.00, 0})
	eval := m.Evaluate(query)

	require.False(t, eval.ExactMatch)
	require.Equal(t, Buy, eval.Direction)
	require.GreaterOrEqual(t, eval.Confidence, 0.6)
	require.InDelta(t, 1.0, eval.WinRate, 1e-9)
}

func TestEvaluateExactMatchBelowMinMatchesFallsThrough(t *testing.T) {
	m := newMem(t)
	fv := mustVec(t, [types.FeatureLen]float64{0.5, 0.1, 1, 0.02, 0.01, 0.5, 0, 0, 0})
	m.Record(fv, 2, time.Now())

	eval := m.Evaluate(fv)
	require.Equal(t, Hold, eval.Direction)
	require.Zero(t, eval.Confidence)
}

func TestPruneKeepsTopEightyPercentByScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cap = 10
	m, err := New(ModeBacktest, t.TempDir(), cfg, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		fv := mustVec(t, [types.FeatureLen]float64{float64(i) / 100, 0, 1, 0, 0, 0, 0, 0, 0})
		m.Record(fv, 1, time.Now())
	}
	require.LessOrEqual(t, len(m.patterns), 10)
}

func TestQuantizeKeyTruncatesAndHandlesInvalid(t *testing.T) {
	raw := make([]float64, 60)
	raw[0] = math.NaN()
	raw[55] = 1
	key := types.QuantizeKey(raw)
	require.Len(t, key, len(key)) // sanity: no panic
	require.NotContains(t, key, "NaN") // invalid element 0 rendered as 0.00
	require.NotContains(t, key, "1.00") // element 55 truncated away at len 50
}
