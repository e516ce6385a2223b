package journal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal", "trade-ledger.jsonl"), 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndStats(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", []string{"bullish_engulfing"}, map[string]float64{"rsi": 40}))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "take_profit", 5, -1, 10010))
	require.NoError(t, j.RecordOpen("p2", "i2", "ETHUSDT", "buy", 2000, 1, 0.6, "choppy", nil, nil))
	require.NoError(t, j.RecordClose("p2", "ETHUSDT", "buy", 1900, 1, -100, "stop_loss", 0, -5, 9910))

	overall := j.Overall()
	require.Equal(t, 2, overall.TotalTrades)
	require.Equal(t, 1, overall.WinningTrades)
	require.Equal(t, 1, overall.LosingTrades)
	// net pnl = gross - fees: (10 - 0.21) + (-100 - 3.90) at 10bps per side.
	require.InDelta(t, -94.11, overall.TotalPnL, 1e-6)
	require.Equal(t, 9910.0, overall.Balance)
}

func TestRecordCloseComputesDerivedFields(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 2, 0.8, "uptrend", []string{"macd_cross"}, map[string]float64{"rsi": 35, "macd_histogram": 0.2, "trend": 1}))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 2, 20, "take_profit", 12, -1, 10020))

	recs := j.Query(0, 10)
	require.Len(t, recs, 2)
	close := recs[0]
	require.Equal(t, KindClose, close.Kind)
	require.Equal(t, 100.0, close.EntryPrice)
	require.Equal(t, 20.0, close.GrossPnL)
	require.Greater(t, close.Fees, 0.0)
	require.InDelta(t, close.GrossPnL-close.Fees, close.NetPnL, 1e-9)
	require.InDelta(t, close.NetPnL/200*100, close.PnLPct, 1e-9)
	require.GreaterOrEqual(t, close.HoldTimeMS, int64(0))
	require.Equal(t, 12.0, close.MFEPct)
	require.Equal(t, -1.0, close.MAEPct)
	require.Equal(t, 10020.0, close.BalanceAfter)
	require.Equal(t, "uptrend", close.Regime)
	require.Equal(t, []string{"macd_cross"}, close.Patterns)
}

func TestReplayRebuildsStatsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal", "trade-ledger.jsonl")

	j1, err := Open(path, 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j1.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", nil, nil))
	require.NoError(t, j1.RecordClose("p1", "BTCUSDT", "buy", 120, 1, 20, "", 10, -1, 10020))
	require.NoError(t, j1.Close())

	j2, err := Open(path, 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	defer j2.Close()
	require.Equal(t, 1, j2.Overall().TotalTrades)
	require.InDelta(t, 20, j2.Overall().TotalPnL, 1)
}

func TestReplayPairsEntryAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal", "trade-ledger.jsonl")

	j1, err := Open(path, 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j1.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", nil, nil))
	require.NoError(t, j1.Close()) // position still open across restart

	j2, err := Open(path, 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	defer j2.Close()
	require.NoError(t, j2.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "", 1, -1, 10010))

	recs := j2.Query(0, 10)
	require.Equal(t, 100.0, recs[0].EntryPrice)
}

func TestQueryReturnsReverseChronological(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "", 1, -1, 10010))

	recs := j.Query(0, 10)
	require.Len(t, recs, 2)
	require.Equal(t, KindClose, recs[0].Kind)
	require.Equal(t, KindOpen, recs[1].Kind)
}

func TestQueryFilteredByRegimeAndReason(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", nil, nil))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "take_profit", 1, -1, 10010))
	require.NoError(t, j.RecordOpen("p2", "i2", "BTCUSDT", "buy", 100, 1, 0.7, "choppy", nil, nil))
	require.NoError(t, j.RecordClose("p2", "BTCUSDT", "buy", 90, 1, -10, "stop_loss", 0, -3, 10000))

	recs := j.QueryFiltered(QueryFilter{Kind: KindClose, Regime: "choppy"}, 0, 10)
	require.Len(t, recs, 1)
	require.Equal(t, "stop_loss", recs[0].Reason)

	recs = j.QueryFiltered(QueryFilter{Kind: KindClose, Reason: "take_profit"}, 0, 10)
	require.Len(t, recs, 1)
	require.Equal(t, "uptrend", recs[0].Regime)
}

func TestExportCSVColumnOrderAndContent(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", []string{"bullish_engulfing"}, map[string]float64{"rsi": 50, "macd_histogram": 0.1, "trend": 1}))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "take_profit", 5, -1, 10010))

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, j.Query(0, 10)))
	lines := buf.String()
	require.Contains(t, lines, "Date,Time_UTC,Order_ID,Direction,Entry_Price,Exit_Price,Size_BTC,USD_Value,Gross_PnL,Fees,Net_PnL,PnL_Percent,Hold_Duration,Exit_Reason,Confidence,Regime,Patterns,RSI,MACD,Trend,Balance_After")
	require.Contains(t, lines, "take_profit")
	require.Contains(t, lines, "bullish_engulfing")
}

func TestBuildReportIncludesDownsampledEquityCurve(t *testing.T) {
	j := openTest(t)
	for i := 0; i < 300; i++ {
		pos := "p" + string(rune('a'+i%26))
		require.NoError(t, j.RecordOpen(pos, pos, "BTCUSDT", "buy", 100, 1, 0.7, "uptrend", nil, nil))
		require.NoError(t, j.RecordClose(pos, "BTCUSDT", "buy", 101, 1, 1, "", 1, 0, 10000+float64(i)))
	}

	report := j.BuildReport(time.Now().UTC(), 7)
	require.LessOrEqual(t, len(report.Equity), equityCurveCap)
	require.Equal(t, 300, report.Overall.TotalTrades)
	require.Len(t, report.Daily, 7)
}

func TestRankedBySymbolPnLSortsDescending(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 50, 1, -50, "", 0, -50, 9950))
	require.NoError(t, j.RecordOpen("p2", "i2", "ETHUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p2", "ETHUSDT", "buy", 180, 1, 80, "", 80, 0, 10030))

	ranked := j.RankedBySymbolPnL()
	require.Len(t, ranked, 2)
	require.Equal(t, "ETHUSDT", ranked[0].Symbol)
	require.Equal(t, "BTCUSDT", ranked[1].Symbol)
}

func TestMalformedLedgerLineSkippedOnReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal", "trade-ledger.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	j, err := Open(path, 10000, 0.001, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	require.Equal(t, 0, j.Overall().TotalTrades)
}

func TestStreaksTrackConsecutiveWinsAndLosses(t *testing.T) {
	j := openTest(t)

	require.NoError(t, j.RecordOpen("p1", "i1", "BTCUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p1", "BTCUSDT", "buy", 110, 1, 10, "", 1, -1, 10010))
	require.NoError(t, j.RecordOpen("p2", "i2", "BTCUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p2", "BTCUSDT", "buy", 110, 1, 10, "", 1, -1, 10020))

	streak := j.Streaks()
	require.Equal(t, 2, streak.CurrentStreak)
	require.True(t, streak.CurrentIsWin)
	require.Equal(t, 2, streak.LongestWinStreak)

	require.NoError(t, j.RecordOpen("p3", "i3", "BTCUSDT", "buy", 100, 1, 0.7, "", nil, nil))
	require.NoError(t, j.RecordClose("p3", "BTCUSDT", "buy", 90, 1, -10, "", 0, -10, 10010))

	streak = j.Streaks()
	require.Equal(t, 1, streak.CurrentStreak)
	require.False(t, streak.CurrentIsWin)
}

func TestProfitFactorAndExpectancy(t *testing.T) {
	var s Stats
	applyRecord(&s, Record{NetPnL: 100}, true)
	applyRecord(&s, Record{NetPnL: -50}, false)

	require.InDelta(t, 2.0, s.ProfitFactor(), 1e-9)
	require.InDelta(t, 25, s.Expectancy(), 1e-9)
	require.InDelta(t, 2.0, s.Payoff(), 1e-9)
}

func TestRollingSharpeSortinoZeroOnInsufficientSamples(t *testing.T) {
	sharpe, sortino := rollingSharpeSortino([]float64{1})
	require.Zero(t, sharpe)
	require.Zero(t, sortino)
}

func TestConfidenceBandBucketing(t *testing.T) {
	require.Equal(t, "<0.5", confidenceBand(0.2))
	require.Equal(t, "0.5-0.6", confidenceBand(0.55))
	require.Equal(t, "0.9+", confidenceBand(0.95))
}
