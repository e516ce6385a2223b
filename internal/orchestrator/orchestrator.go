// Package orchestrator stitches the State Manager, Pattern Memory, Risk
// Manager, Signal Generator, AI Decision Module, Execution Layer and Trade
// Journal into the per-bar loop described in spec sections 2 and 5. It owns
// no trading logic of its own beyond the wiring: every decision is made by
// one of the components it calls in sequence.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spottrader/internal/ai"
	"spottrader/internal/circuit"
	"spottrader/internal/execution"
	"spottrader/internal/indicators"
	"spottrader/internal/journal"
	"spottrader/internal/risk"
	"spottrader/internal/signal"
	"spottrader/internal/state"
	"spottrader/internal/types"
)

// CandleSource is the narrow market-data surface the orchestrator needs.
// A live adapter wraps a venue's kline/ticker endpoints; a backtest run
// supplies candles directly and never implements this interface at all.
type CandleSource interface {
	Klines(ctx context.Context, symbol string, limit int) ([]types.Candle, error)
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Broadcaster is the only way external collaborators (a dashboard, a chat
// notifier, a metrics sink) learn what happened. The orchestrator never
// imports one concretely; callers wire whatever sink they have.
type Broadcaster interface {
	Publish(Event)
}

// EventKind classifies a broadcast Event.
type EventKind string

const (
	EventDecision EventKind = "decision"
	EventFill     EventKind = "fill"
	EventAlert    EventKind = "alert"
)

// Event is one broadcastable happening, carrying only the pieces relevant
// to its Kind.
type Event struct {
	At       time.Time
	Symbol   string
	Kind     EventKind
	Decision *ai.Decision
	Outcome  *execution.Outcome
	Alert    *risk.Alert
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(Event) {}

// Config bundles the per-symbol wiring an Orchestrator needs. Sub-component
// configs are constructed by their own packages' DefaultConfig and
// overridden by the caller before being passed in here.
type Config struct {
	Symbol       string
	CandleWindow int // bars requested from CandleSource.Klines each tick
	PollInterval time.Duration
	SignalConfig signal.Config
	ExecConfig   execution.Config
}

func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:       symbol,
		CandleWindow: 200,
		PollInterval: 10 * time.Second,
		SignalConfig: signal.DefaultConfig(),
		ExecConfig:   execution.DefaultConfig(),
	}
}

// Orchestrator runs the per-bar decision loop for one symbol.
type Orchestrator struct {
	cfg         Config
	symbol      string
	state       *state.Manager
	risk        *risk.Manager
	generator   *signal.Generator
	ai          *ai.Engine
	exec        *execution.Engine
	journal     *journal.Journal
	breaker     *circuit.Breaker
	candles     CandleSource
	broadcaster Broadcaster
	logger      zerolog.Logger

	lastPositionDir  float64
	openDecisionID   string
	openFeatures     types.FeatureVector
	haveOpenFeatures bool

	// Excursion tracking for the currently open position (spec section
	// 4.7's mfe/mae exit fields). The journal only sees discrete
	// open/close events, so the running high/low watermark has to live
	// here, updated every bar while a position is open.
	openEntryPrice float64
	openMFEPct     float64
	openMAEPct     float64
}

// New wires every built component into one Orchestrator. The caller is
// responsible for constructing each component (state.Manager, risk.Manager,
// patternmemory.Memory via ai.Engine, execution.Engine, journal.Journal,
// circuit.Breaker) since their own lifetimes (persistence paths, shared
// breakers across symbols) are an orchestration-level concern, not this
// package's.
func New(
	cfg Config,
	stateMgr *state.Manager,
	riskMgr *risk.Manager,
	aiEngine *ai.Engine,
	execEngine *execution.Engine,
	trades *journal.Journal,
	breaker *circuit.Breaker,
	candles CandleSource,
	broadcaster Broadcaster,
	logger zerolog.Logger,
) *Orchestrator {
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &Orchestrator{
		cfg:         cfg,
		symbol:      cfg.Symbol,
		state:       stateMgr,
		risk:        riskMgr,
		generator:   signal.New(cfg.SignalConfig),
		ai:          aiEngine,
		exec:        execEngine,
		journal:     trades,
		breaker:     breaker,
		candles:     candles,
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "orchestrator.Orchestrator").Str("symbol", cfg.Symbol).Logger(),
	}
}

// Run drives the live per-bar loop on a ticker, grounded on the teacher's
// runStrategy/evaluateStrategy shape: fetch the current window, evaluate
// one bar, repeat until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick fetches the latest candle window and current price and evaluates
// one bar. Exported so a caller can drive the loop on its own schedule
// (e.g. aligned to candle close) instead of the default ticker.
func (o *Orchestrator) Tick(ctx context.Context) error {
	candles, err := o.candles.Klines(ctx, o.symbol, o.cfg.CandleWindow)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	price, err := o.candles.CurrentPrice(ctx, o.symbol)
	if err != nil {
		return fmt.Errorf("fetch current price: %w", err)
	}
	return o.evaluateBar(ctx, candles, price, time.Now().UTC())
}

// evaluateBar is the single per-bar decision pipeline shared by the live
// loop and the backtest runner (spec sections 2, 4.4-4.7): manage any open
// position's exit first, then look for a new entry.
func (o *Orchestrator) evaluateBar(ctx context.Context, candles []types.Candle, price float64, at time.Time) error {
	if tripped, reason := o.breaker.Tripped(); tripped {
		o.broadcaster.Publish(Event{At: at, Symbol: o.symbol, Kind: EventAlert, Alert: &risk.Alert{At: at, Severity: risk.SeverityCritical, Code: "circuit_open", Message: reason}})
		return nil
	}

	snap, ok := indicators.Compute(candles, o.lastPositionDir)
	if !ok {
		return nil // not enough history yet
	}

	if o.openEntryPrice > 0 {
		bar := candles[len(candles)-1]
		favorable := (bar.High - o.openEntryPrice) / o.openEntryPrice * 100
		adverse := (bar.Low - o.openEntryPrice) / o.openEntryPrice * 100
		if favorable > o.openMFEPct {
			o.openMFEPct = favorable
		}
		if adverse < o.openMAEPct {
			o.openMAEPct = adverse
		}
	}

	if o.manageOpenPosition(ctx, price, at) {
		return nil
	}

	decision := o.generator.Evaluate(snap.ToSignalInputs())
	if decision.Direction == signal.Hold {
		return nil
	}

	fv, err := snap.ToFeatureVector()
	if err != nil {
		return fmt.Errorf("feature vector: %w", err)
	}

	acc := o.state.Snapshot()
	tier := o.currentRiskTier()

	regime := "choppy"
	switch {
	case snap.Trend > 0:
		regime = "uptrend"
	case snap.Trend < 0:
		regime = "downtrend"
	}

	aiIn := ai.Input{
		Symbol:     o.symbol,
		Direction:  decision.Direction,
		Confidence: decision.Confidence,
		IsHold:     false,
		Features:   fv,
		Market: ai.MarketContext{
			RSI:           snap.RSI,
			MACDHistogram: snap.MACDHistogram,
			VolatilityPct: snap.Volatility,
			Regime:        regime,
			At:            at,
		},
		RiskTier:           tier,
		MaxLossEstimatePct: o.cfg.ExecConfig.DefaultStopPct / 100,
	}
	aiDecision := o.ai.Evaluate(ctx, aiIn)
	o.broadcaster.Publish(Event{At: at, Symbol: o.symbol, Kind: EventDecision, Decision: &aiDecision})

	if aiDecision.Vetoed || aiDecision.Recommendation == ai.Hold {
		return nil
	}

	side := execution.SideBuy
	if aiDecision.Recommendation == ai.Sell || aiDecision.Recommendation == ai.StrongSell {
		side = execution.SideSell
	}
	if side == execution.SideSell && acc.PositionAssetUnits <= 0 {
		return nil // nothing to sell, spot-only
	}

	mc := risk.MarketConditions{
		Confidence:   aiDecision.Confidence,
		Volatility:   snap.Volatility,
		CounterTrend: snap.Trend != 0 && ((side == execution.SideBuy && snap.Trend < 0) || (side == execution.SideSell && snap.Trend > 0)),
	}
	accView := risk.AccountView{
		Balance:           acc.TotalBalanceUSD,
		PeakBalance:       acc.PeakBalance,
		ConsecutiveWins:   acc.ConsecutiveWins,
		ConsecutiveLosses: acc.ConsecutiveLosses,
	}
	sizeUSD, blockReason := o.risk.CalculatePositionSize(at, accView, mc)
	if blockReason != "" || sizeUSD <= 0 {
		o.logger.Info().Str("reason", blockReason).Msg("risk manager blocked entry")
		return nil
	}
	sizeUSD *= aiDecision.PositionMultiplier

	patterns := make([]string, 0, len(decision.Signals))
	for _, s := range decision.Signals {
		patterns = append(patterns, s.Name)
	}
	indicatorSnapshot := map[string]float64{
		"rsi": snap.RSI, "macd_histogram": snap.MACDHistogram, "volatility": snap.Volatility, "trend": snap.Trend,
	}

	outcome := o.exec.Submit(ctx, o.symbol, side, sizeUSD, acc, price, indicatorSnapshot, patterns, aiDecision.Confidence, at)
	o.broadcaster.Publish(Event{At: at, Symbol: o.symbol, Kind: EventFill, Outcome: &outcome})
	if outcome.Rejected {
		o.logger.Info().Str("reason", outcome.Reason).Msg("execution rejected intent")
		return nil
	}

	if side == execution.SideBuy {
		o.lastPositionDir = 1
		o.openDecisionID = aiDecision.ID
		o.openFeatures = fv
		o.haveOpenFeatures = true
		if outcome.Fill != nil {
			o.openEntryPrice = outcome.Fill.Price
			o.openMFEPct = 0
			o.openMAEPct = 0
		}
		if o.journal != nil && outcome.Fill != nil {
			if err := o.journal.RecordOpen(outcome.Intent.ID, outcome.Intent.ID, o.symbol, string(side), outcome.Fill.Price, outcome.Fill.Size, aiDecision.Confidence, regime, patterns, indicatorSnapshot); err != nil {
				o.logger.Error().Err(err).Msg("journal record open failed")
			}
		}
	} else {
		o.lastPositionDir = -1
		o.recordClose(ctx, outcome, at, "signal_exit")
	}

	return nil
}

// manageOpenPosition closes any open position that has crossed its stop
// loss or take profit, returning true if it acted (so the caller skips
// looking for a new entry on the same bar).
func (o *Orchestrator) manageOpenPosition(ctx context.Context, price float64, at time.Time) bool {
	acc := o.state.Snapshot()
	var pos *state.Position
	for _, p := range acc.ActiveTrades {
		pos = p
		break
	}
	if pos == nil {
		return false
	}

	var reason string
	switch {
	case pos.StopLoss > 0 && price <= pos.StopLoss:
		reason = "stop_loss"
	case pos.TakeProfit > 0 && price >= pos.TakeProfit:
		reason = "take_profit"
	default:
		return false
	}

	outcome := o.exec.Submit(ctx, o.symbol, execution.SideSell, pos.Size*price, acc, price, nil, nil, 0, at)
	o.broadcaster.Publish(Event{At: at, Symbol: o.symbol, Kind: EventFill, Outcome: &outcome})
	if outcome.Rejected {
		o.logger.Warn().Str("reason", outcome.Reason).Msg("stop/take exit rejected")
		return true
	}
	o.lastPositionDir = -1
	o.recordClose(ctx, outcome, at, reason)
	return true
}

// recordClose journals a closing fill, feeds the realized P&L back into the
// risk manager's streak/period tracking, and folds the outcome back into
// the AI engine's pattern memory and per-decision tallies (spec section
// 4.5's outcome feedback).
func (o *Orchestrator) recordClose(_ context.Context, outcome execution.Outcome, at time.Time, reason string) {
	if outcome.Fill == nil {
		return
	}
	acc := o.state.Snapshot()
	if o.journal != nil {
		if err := o.journal.RecordClose(outcome.Intent.ID, o.symbol, "sell", outcome.Fill.Price, outcome.Fill.Size, outcome.PnL, reason, o.openMFEPct, o.openMAEPct, acc.TotalBalanceUSD); err != nil {
			o.logger.Error().Err(err).Msg("journal record close failed")
		}
	}
	o.openEntryPrice = 0
	o.openMFEPct = 0
	o.openMAEPct = 0

	accView := risk.AccountView{
		Balance:           acc.TotalBalanceUSD,
		PeakBalance:       acc.PeakBalance,
		ConsecutiveWins:   acc.ConsecutiveWins,
		ConsecutiveLosses: acc.ConsecutiveLosses,
	}
	o.risk.RecordTradeOutcome(at, accView, outcome.PnL)

	if o.haveOpenFeatures {
		o.ai.RecordOutcome(o.openFeatures, outcome.PnL, at)
		o.haveOpenFeatures = false
	}
	if o.openDecisionID != "" {
		if err := o.ai.UpdateOutcome(o.openDecisionID, outcome.PnL > 0); err != nil {
			o.logger.Debug().Err(err).Msg("no logged ai decision for this close")
		}
		o.openDecisionID = ""
	}
}

// currentRiskTier reads the risk manager's recovery/emergency state into
// the ai package's decoupled RiskTier enum (no direct internal/risk import
// there, avoiding a dependency cycle).
func (o *Orchestrator) currentRiskTier() ai.RiskTier {
	if emergency, _ := o.risk.EmergencyMode(); emergency {
		return ai.RiskEmergency
	}
	if o.risk.InRecovery() {
		return ai.RiskRecovery
	}
	return ai.RiskNormal
}

// RunBacktest replays a full candle history through evaluateBar, grounded
// on the teacher's RunBacktest candle-iteration shape (walk forward one bar
// at a time, feeding only the trailing window visible up to that bar).
func (o *Orchestrator) RunBacktest(ctx context.Context, candles []types.Candle) error {
	const warmup = 50
	if len(candles) <= warmup {
		return fmt.Errorf("not enough candles for backtest: need > %d, got %d", warmup, len(candles))
	}
	for i := warmup; i < len(candles); i++ {
		window := candles[:i+1]
		bar := candles[i]
		at := time.UnixMilli(bar.TimestampMS).UTC()
		if err := o.evaluateBar(ctx, window, bar.Close, at); err != nil {
			return fmt.Errorf("bar %d: %w", i, err)
		}
	}
	return nil
}
