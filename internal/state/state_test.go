package state

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{
		Mode:           ModeBacktest,
		InitialBalance: 10000,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestOpenCloseRoundTrip(t *testing.T) {
	m := newTestManager(t)

	acc, err := m.OpenPosition("p1", "intent1", Buy, 0.001, 100000, 0, 0, nil, nil, 0.7)
	require.NoError(t, err)
	require.InDelta(t, 9900.0, acc.BalanceUSD, 1e-9)
	require.InDelta(t, 100.0, acc.InPositionUSD, 1e-9)
	require.InDelta(t, 0.001, acc.PositionAssetUnits, 1e-12)
	require.InDelta(t, 100000.0, acc.EntryPriceAvg, 1e-9)

	acc, pnl, err := m.ClosePosition("p1", 101000, 0.001)
	require.NoError(t, err)
	require.InDelta(t, 1.0, pnl, 1e-9)
	require.InDelta(t, 10001.0, acc.BalanceUSD, 1e-9)
	require.InDelta(t, 0.0, acc.InPositionUSD, 1e-9)
	require.InDelta(t, 1.0, acc.RealizedPnL, 1e-9)
	require.InDelta(t, 10001.0, acc.TotalBalanceUSD, 1e-9)
	require.Empty(t, acc.ActiveTrades)
}

func TestInvariantsHoldAfterEverySequence(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenPosition("p1", "i1", Buy, 0.01, 50000, 0, 0, nil, nil, 0.6)
	require.NoError(t, err)
	require.Empty(t, m.ValidateState())

	_, _, err = m.ClosePosition("p1", 49000, 0.005)
	require.NoError(t, err)
	require.Empty(t, m.ValidateState())

	_, _, err = m.ClosePosition("p1", 49000, 0.005)
	require.NoError(t, err)
	require.Empty(t, m.ValidateState())
}

func TestOpenPositionRejectsInsufficientBalance(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenPosition("p1", "i1", Buy, 1, 1000000, 0, 0, nil, nil, 0.6)
	require.Error(t, err)
	snap := m.Snapshot()
	require.Equal(t, 10000.0, snap.BalanceUSD)
}

func TestListenersNotifiedAndIsolated(t *testing.T) {
	m := newTestManager(t)
	var calls int
	m.Subscribe(ListenerFunc(func(updates map[string]interface{}, ctx UpdateContext, snapshot Account) {
		calls++
		panic("listener blew up")
	}))
	var secondCalled bool
	m.Subscribe(ListenerFunc(func(updates map[string]interface{}, ctx UpdateContext, snapshot Account) {
		secondCalled = true
	}))

	_, err := m.OpenPosition("p1", "i1", Buy, 0.001, 100000, 0, 0, nil, nil, 0.6)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.True(t, secondCalled)
}

func TestEmergencyResetClearsPosition(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenPosition("p1", "i1", Buy, 0.001, 100000, 0, 0, nil, nil, 0.6)
	require.NoError(t, err)

	safe := 9500.0
	acc, err := m.EmergencyReset(&safe)
	require.NoError(t, err)
	require.True(t, acc.RecoveryMode)
	require.Zero(t, acc.PositionAssetUnits)
	require.Zero(t, acc.InPositionUSD)
	require.Equal(t, safe, acc.BalanceUSD)
	require.Empty(t, acc.ActiveTrades)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := newTestManager(t)
	_, err := m.OpenPosition("p1", "i1", Buy, 0.001, 100000, 0, 0, nil, nil, 0.6)
	require.NoError(t, err)

	snap := m.Snapshot()
	snap.ActiveTrades["p1"].Size = 999

	snap2 := m.Snapshot()
	require.NotEqual(t, 999.0, snap2.ActiveTrades["p1"].Size)
}
