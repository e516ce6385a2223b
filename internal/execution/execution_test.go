package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spottrader/internal/circuit"
	"spottrader/internal/state"
)

func newTestEngine(t *testing.T, venue Venue) (*Engine, *state.Manager) {
	t.Helper()
	sm, err := state.New(state.Config{Mode: state.ModeBacktest, InitialBalance: 10000, Logger: zerolog.Nop()})
	require.NoError(t, err)
	eng := New(DefaultConfig(), venue, NewMemoryIntentCache(), sm, circuit.New(circuit.DefaultConfig()), zerolog.Nop())
	return eng, sm
}

type stubVenue struct {
	fill Fill
	err  error
}

func (s stubVenue) Name() string { return "stub" }

func (s stubVenue) Submit(ctx context.Context, clientOrderID, symbol string, side Side, usdAmount, assetUnits float64) (Fill, error) {
	return s.fill, s.err
}

func TestSubmitOpensPositionOnFill(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{fill: Fill{Price: 100, Size: 1}})
	acc := sm.Snapshot()
	out := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, acc, 100, nil, nil, 0.7, time.Now())
	require.False(t, out.Rejected)
	require.NotNil(t, out.Position)
	require.Equal(t, 1.0, sm.Snapshot().PositionAssetUnits)
}

func TestDuplicateIntentRejected(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{fill: Fill{Price: 100, Size: 1}})
	acc := sm.Snapshot()
	now := time.Now()
	first := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, acc, 100, nil, nil, 0.7, now)
	require.False(t, first.Rejected)

	second := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, sm.Snapshot(), 100, nil, nil, 0.7, now)
	require.True(t, second.Rejected)
	require.Equal(t, "duplicate", second.Reason)
	require.Equal(t, first.Intent.ClientOrderID, second.OriginalOrder)
}

func TestSellWithNoHoldingsRejected(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{})
	out := eng.Submit(context.Background(), "BTCUSDT", SideSell, 100, sm.Snapshot(), 100, nil, nil, 0, time.Now())
	require.True(t, out.Rejected)
	require.Equal(t, "no_holdings", out.Reason)
}

func TestSellClampsToAvailableHoldings(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{fill: Fill{Price: 100, Size: 1}})
	acc := sm.Snapshot()
	eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, acc, 100, nil, nil, 0.7, time.Now())

	sellEng, _ := newTestEngine(t, stubVenue{fill: Fill{Price: 110, Size: 1}})
	sellEng.state = sm
	acc2 := sm.Snapshot()
	out := sellEng.Submit(context.Background(), "BTCUSDT", SideSell, 1_000_000, acc2, 110, nil, nil, 0, time.Now().Add(time.Minute))
	require.False(t, out.Rejected)
	require.Zero(t, sm.Snapshot().PositionAssetUnits)
}

func TestBelowMinSizeRejected(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{fill: Fill{Price: 100, Size: 0.01}})
	out := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 1, sm.Snapshot(), 100, nil, nil, 0.7, time.Now())
	require.True(t, out.Rejected)
	require.Equal(t, "below_min_size", out.Reason)
}

func TestEmergencyModeBlocksSubmission(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{fill: Fill{Price: 100, Size: 1}})
	for i := 0; i < 10; i++ {
		eng.breaker.RecordError()
	}
	out := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, sm.Snapshot(), 100, nil, nil, 0.7, time.Now())
	require.True(t, out.Rejected)
	require.Contains(t, out.Reason, "emergency_mode")
}

func TestIdempotentDuplicateVenueErrorStillOpensPosition(t *testing.T) {
	eng, sm := newTestEngine(t, stubVenue{err: &VenueError{Err: errors.New("order already exists"), Idempotent: true}})
	out := eng.Submit(context.Background(), "BTCUSDT", SideBuy, 100, sm.Snapshot(), 100, nil, nil, 0.7, time.Now())
	require.False(t, out.Rejected)
	require.NotNil(t, out.Position)
}

func TestIsIdempotentDuplicateMatchesVenueWording(t *testing.T) {
	require.True(t, IsIdempotentDuplicate("Error: Duplicate order detected"))
	require.True(t, IsIdempotentDuplicate("order already exists for this client order id"))
	require.False(t, IsIdempotentDuplicate("insufficient balance"))
}
