package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCalculatePositionSizeDrawdownStepDown(t *testing.T) {
	m := New(DefaultConfig(), zerolog.Nop())
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	acc := AccountView{Balance: 9400, PeakBalance: 10000}
	size, reason := m.CalculatePositionSize(now, acc, MarketConditions{Confidence: 0.7, Volatility: 0.02})

	require.Empty(t, reason)
	require.InDelta(t, 146.64, size, 0.01)
}

func TestCalculatePositionSizeBlockedAtMaxDrawdown(t *testing.T) {
	m := New(DefaultConfig(), zerolog.Nop())
	now := time.Now()
	acc := AccountView{Balance: 8500, PeakBalance: 10000} // exactly 15% drawdown
	size, reason := m.CalculatePositionSize(now, acc, MarketConditions{Confidence: 0.5, Volatility: 0.02})
	require.Zero(t, size)
	require.Equal(t, "MAX_DRAWDOWN_EXCEEDED", reason)
}

func TestDailyLossLimitBlocksTrading(t *testing.T) {
	m := New(DefaultConfig(), zerolog.Nop())
	now := time.Date(2026, 7, 30, 1, 0, 0, 0, time.UTC)

	acc := AccountView{Balance: 10000, PeakBalance: 10000}
	m.RecordTradeOutcome(now, acc, -600) // -6% of 10000, breaches 5% daily limit

	size, reason := m.CalculatePositionSize(now.Add(time.Minute), AccountView{Balance: 9400, PeakBalance: 10000}, MarketConditions{Confidence: 0.5, Volatility: 0.02})
	require.Zero(t, size)
	require.Equal(t, "DAILY_LOSS_LIMIT", reason)
}

func TestUTCDayRolloverResetsDailyBucketLazily(t *testing.T) {
	m := New(DefaultConfig(), zerolog.Nop())
	day1 := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 0, 0, 1, 0, time.UTC)

	acc := AccountView{Balance: 10000, PeakBalance: 10000}
	m.RecordTradeOutcome(day1, acc, -600)
	require.True(t, m.daily.BreachedLimit)

	// Next mutation on the new UTC day resets the bucket before applying.
	m.RecordTradeOutcome(day2, acc, 10)
	require.False(t, m.daily.BreachedLimit)
	require.Equal(t, dailyKey(day2), m.daily.ResetKey)
}

func TestRecoveryHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg, zerolog.Nop())
	t0 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	// Drawdown hits 10%: enters recovery.
	acc := AccountView{Balance: 9000, PeakBalance: 10000, ConsecutiveWins: 4}
	m.RecordTradeOutcome(t0, acc, -1000)
	require.True(t, m.InRecovery())

	// 2 minutes later, drawdown improves to 7.5% with 4 consecutive wins,
	// but only 2 minutes elapsed: must still be in recovery.
	t1 := t0.Add(2 * time.Minute)
	acc2 := AccountView{Balance: 9250, PeakBalance: 10000, ConsecutiveWins: 4}
	m.RecordTradeOutcome(t1, acc2, 250)
	require.True(t, m.InRecovery())

	// At 11 minutes, same conditions: exits recovery.
	t2 := t0.Add(11 * time.Minute)
	m.RecordTradeOutcome(t2, acc2, 0)
	require.False(t, m.InRecovery())

	// Drawdown spikes back to 10% within 5 min of exit: must NOT re-enter.
	t3 := t2.Add(4 * time.Minute)
	acc3 := AccountView{Balance: 9000, PeakBalance: 10000}
	m.RecordTradeOutcome(t3, acc3, -250)
	require.False(t, m.InRecovery())
}

func TestAlertsSuppressDuplicatesWithinFiveMinutes(t *testing.T) {
	m := New(DefaultConfig(), zerolog.Nop())
	t0 := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	acc := AccountView{Balance: 8400, PeakBalance: 10000}

	m.RecordTradeOutcome(t0, acc, -100)
	m.RecordTradeOutcome(t0.Add(time.Minute), acc, -100)
	alerts := m.Alerts()

	count := 0
	for _, a := range alerts {
		if a.Code == "MAX_DRAWDOWN_EXCEEDED" {
			count++
		}
	}
	require.Equal(t, 1, count)
}
