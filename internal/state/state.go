// Package state is the single process-wide mutable account-state holder.
// All mutation flows through Manager.UpdateState, the sole commit path
// described in spec section 4.1 (acquire mutex, snapshot, validate, apply,
// log, release; then notify listeners and persist).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Direction is a position's side. Spot-only: no short variant exists beyond
// selling an asset already held.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Status is a position's lifecycle stage.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Position mirrors spec section 3. Invariants: Size >= 0; EntryPrice > 0
// whenever Size > 0; in spot-only mode at most one open position per symbol
// is held by a Manager instance (one Manager == one symbol's book).
type Position struct {
	ID               string            `json:"id"`
	IntentID         string            `json:"intent_id"`
	Direction        Direction         `json:"direction"`
	EntryPrice       float64           `json:"entry_price"`
	Size             float64           `json:"size"`
	USDCost          float64           `json:"usd_cost"`
	EntryTime        time.Time         `json:"entry_time"`
	StopLoss         float64           `json:"stop_loss"`
	TakeProfit       float64           `json:"take_profit"`
	EntryIndicators  map[string]float64 `json:"entry_indicators"`
	Patterns         []string          `json:"patterns"`
	Confidence       float64           `json:"confidence"`
	Status           Status            `json:"status"`
}

// Account is the full mutable state snapshot described in spec section 3.
type Account struct {
	BalanceUSD         float64              `json:"balance_usd"`
	TotalBalanceUSD    float64              `json:"total_balance_usd"`
	InPositionUSD      float64              `json:"in_position_usd"`
	PositionAssetUnits float64              `json:"position_asset_units"`
	EntryPriceAvg      float64              `json:"entry_price_avg"`
	RealizedPnL        float64              `json:"realized_pnl"`
	UnrealizedPnL      float64              `json:"unrealized_pnl"`
	PeakBalance        float64              `json:"peak_balance"`
	CurrentDrawdownPct float64              `json:"current_drawdown_pct"`
	ConsecutiveWins    int                  `json:"consecutive_wins"`
	ConsecutiveLosses  int                  `json:"consecutive_losses"`
	TradeCount         int                  `json:"trade_count"`
	DailyTradeCount    int                  `json:"daily_trade_count"`
	LastUpdateTS       time.Time            `json:"last_update_ts"`
	IsTrading          bool                 `json:"is_trading"`
	RecoveryMode       bool                 `json:"recovery_mode"`
	ActiveTrades       map[string]*Position `json:"-"`
}

// persistedAccount is Account's on-disk shape: ActiveTrades is stored as an
// ordered sequence of [id, trade] pairs (spec section 6 / 4.1) rather than a
// map, so load order is deterministic and reconstructable into a keyed map.
type persistedAccount struct {
	Account
	ActiveTrades []tradeEntry `json:"active_trades"`
}

type tradeEntry struct {
	ID       string    `json:"id"`
	Position *Position `json:"trade"`
}

func (a Account) clone() Account {
	cp := a
	cp.ActiveTrades = make(map[string]*Position, len(a.ActiveTrades))
	for k, v := range a.ActiveTrades {
		pv := *v
		cp.ActiveTrades[k] = &pv
	}
	return cp
}

// Mode selects persistence behavior at construction time.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBacktest
	ModeFreshStart
)

// UpdateContext carries the reason and correlation data for a mutation,
// passed through to listeners unchanged.
type UpdateContext struct {
	Reason   string
	IntentID string
	Price    float64
	Extra    map[string]interface{}
}

// Listener observes committed state changes. Implementations are invoked
// synchronously, in commit order, outside the update mutex; a panicking or
// erroring listener must not affect other listeners or the commit itself.
type Listener interface {
	OnStateChange(updates map[string]interface{}, ctx UpdateContext, snapshot Account)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(updates map[string]interface{}, ctx UpdateContext, snapshot Account)

func (f ListenerFunc) OnStateChange(updates map[string]interface{}, ctx UpdateContext, snapshot Account) {
	f(updates, ctx, snapshot)
}

// transaction is one bounded transaction-log entry (spec: size <= 100).
type transaction struct {
	At      time.Time
	Reason  string
	Updates map[string]interface{}
}

const txLogCap = 100

// Manager is the explicit handle replacing the source's singleton-with-
// hidden-global-state pattern: one instance is created at orchestrator
// construction and passed to every subsystem that needs account truth.
type Manager struct {
	mu        sync.Mutex
	state     Account
	mode      Mode
	dataDir   string
	listeners []Listener
	txLog     []transaction
	logger    zerolog.Logger
}

// Config configures Manager construction.
type Config struct {
	Mode            Mode
	DataDir         string
	InitialBalance  float64
	Logger          zerolog.Logger
}

// New constructs a Manager per the configured initialization mode:
//   - ModeNormal: load the persisted snapshot if present, else start fresh.
//   - ModeBacktest: never touches disk.
//   - ModeFreshStart: reset to InitialBalance and persist immediately.
func New(cfg Config) (*Manager, error) {
	m := &Manager{
		mode:    cfg.Mode,
		dataDir: cfg.DataDir,
		logger:  cfg.Logger.With().Str("component", "state.Manager").Logger(),
	}

	switch cfg.Mode {
	case ModeBacktest:
		m.state = freshAccount(cfg.InitialBalance)
	case ModeFreshStart:
		m.state = freshAccount(cfg.InitialBalance)
		if err := m.persist(); err != nil {
			return nil, fmt.Errorf("fresh start persist: %w", err)
		}
	default:
		loaded, err := loadAccount(m.statePath())
		if err != nil {
			if os.IsNotExist(err) {
				m.state = freshAccount(cfg.InitialBalance)
			} else {
				return nil, fmt.Errorf("load state: %w", err)
			}
		} else {
			m.state = loaded
		}
	}
	return m, nil
}

func freshAccount(initialBalance float64) Account {
	return Account{
		BalanceUSD:      initialBalance,
		TotalBalanceUSD: initialBalance,
		PeakBalance:     initialBalance,
		IsTrading:       true,
		LastUpdateTS:    time.Now(),
		ActiveTrades:    make(map[string]*Position),
	}
}

func (m *Manager) statePath() string {
	return filepath.Join(m.dataDir, "state.json")
}

// Subscribe registers a listener for post-commit notifications.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Snapshot returns a deep copy of the current state, safe to read without
// holding any lock afterwards.
func (m *Manager) Snapshot() Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// mutateFunc proposes changes against a working copy of the account; it
// returns a human-readable reason tag and the set of updated field names
// (for listener/transaction-log reporting), or an error to abort.
type mutateFunc func(acc *Account) (reason string, updates map[string]interface{}, err error)

// UpdateState is the sole mutation entry point (spec section 4.1):
//  1. acquire the single mutex
//  2. snapshot for rollback
//  3. validate the proposed mutation
//  4. apply and stamp LastUpdateTS
//  5. append to the bounded transaction log
//  6. release the mutex
//  7. notify listeners (isolated, and outside the mutex so a listener
//     that reads state cannot deadlock)
//  8. persist under the mutex (skipped in backtest mode)
//
// A validation failure aborts without mutating. A failure in steps 7-8 is
// logged but does not roll back: later operations already observed the
// partial effect through the returned snapshot, so reverting would only
// desynchronize the log from reality.
func (m *Manager) UpdateState(ctx UpdateContext, fn mutateFunc) (Account, error) {
	m.mu.Lock()
	rollback := m.state.clone()
	working := m.state.clone()

	reason, updates, err := fn(&working)
	if err != nil {
		m.mu.Unlock()
		return rollback, err
	}
	if violations := validateInvariants(working); len(violations) > 0 {
		m.mu.Unlock()
		return rollback, fmt.Errorf("invariant violation: %v", violations)
	}

	working.LastUpdateTS = time.Now()
	m.state = working
	m.appendTxLog(transaction{At: working.LastUpdateTS, Reason: reason, Updates: updates})
	snapshot := m.state.clone()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.notifyListeners(updates, ctx, snapshot, listeners)

	if m.mode != ModeBacktest {
		m.mu.Lock()
		err := m.persist()
		m.mu.Unlock()
		if err != nil {
			m.logger.Error().Err(err).Msg("persist failed after commit")
		}
	}
	return snapshot, nil
}

func (m *Manager) appendTxLog(t transaction) {
	m.txLog = append(m.txLog, t)
	if len(m.txLog) > txLogCap {
		m.txLog = m.txLog[len(m.txLog)-txLogCap:]
	}
}

func (m *Manager) notifyListeners(updates map[string]interface{}, ctx UpdateContext, snapshot Account, listeners []Listener) {
	for _, l := range listeners {
		func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("listener panicked, isolated")
				}
			}()
			l.OnStateChange(updates, ctx, snapshot)
		}(l)
	}
}

// OpenPosition adds to a position: weighted-average entry price on DCA,
// subtracts size*price from balance, adds to in_position, stamps or extends
// the active-trade entry.
func (m *Manager) OpenPosition(id, intentID string, dir Direction, size, price, stopLoss, takeProfit float64, entryIndicators map[string]float64, patterns []string, confidence float64) (Account, error) {
	if size <= 0 || price <= 0 {
		return m.Snapshot(), fmt.Errorf("invalid open position: size=%v price=%v", size, price)
	}
	cost := size * price
	return m.UpdateState(UpdateContext{Reason: "open_position", IntentID: intentID, Price: price}, func(acc *Account) (string, map[string]interface{}, error) {
		if acc.BalanceUSD < cost {
			return "", nil, fmt.Errorf("insufficient balance: have %.2f need %.2f", acc.BalanceUSD, cost)
		}
		totalUnits := acc.PositionAssetUnits + size
		if totalUnits > 0 {
			acc.EntryPriceAvg = (acc.EntryPriceAvg*acc.PositionAssetUnits + price*size) / totalUnits
		}
		acc.PositionAssetUnits = totalUnits
		acc.BalanceUSD -= cost
		acc.InPositionUSD += cost
		acc.TradeCount++
		acc.DailyTradeCount++
		acc.TotalBalanceUSD = acc.BalanceUSD + acc.InPositionUSD + acc.UnrealizedPnL

		pos := &Position{
			ID: id, IntentID: intentID, Direction: dir,
			EntryPrice: acc.EntryPriceAvg, Size: totalUnits, USDCost: acc.InPositionUSD,
			EntryTime: time.Now(), StopLoss: stopLoss, TakeProfit: takeProfit,
			EntryIndicators: entryIndicators, Patterns: patterns,
			Confidence: confidence, Status: StatusOpen,
		}
		acc.ActiveTrades[id] = pos

		return "open_position", map[string]interface{}{
			"size": size, "price": price, "position_id": id,
		}, nil
	})
}

// ClosePosition closes all or part of the position at id.
//
// pnl = closeSize * (price - entryPriceAvg). Balance is credited with
// closeSize*price (the full sale proceeds), NOT the pnl amount alone --
// crediting pnl alone is the spec's flagged most-common implementation bug
// (section 4.1) because it silently drops the original cost basis.
// in_position is debited by closeSize*entryPriceAvg. On a full close every
// active-trade entry is dropped, regardless of direction.
func (m *Manager) ClosePosition(id string, price float64, closeSize float64) (Account, float64, error) {
	var pnl float64
	snapshot, err := m.UpdateState(UpdateContext{Reason: "close_position", Price: price}, func(acc *Account) (string, map[string]interface{}, error) {
		pos, ok := acc.ActiveTrades[id]
		if !ok {
			return "", nil, fmt.Errorf("no open position %q", id)
		}
		if closeSize <= 0 || closeSize > pos.Size+1e-9 {
			return "", nil, fmt.Errorf("invalid close size %v for position size %v", closeSize, pos.Size)
		}
		pnl = closeSize * (price - acc.EntryPriceAvg)
		proceeds := closeSize * price
		costBasis := closeSize * acc.EntryPriceAvg

		acc.BalanceUSD += proceeds
		acc.InPositionUSD -= costBasis
		if acc.InPositionUSD < 0 {
			acc.InPositionUSD = 0
		}
		acc.PositionAssetUnits -= closeSize
		if acc.PositionAssetUnits < 1e-12 {
			acc.PositionAssetUnits = 0
		}
		acc.RealizedPnL += pnl
		acc.TotalBalanceUSD = acc.BalanceUSD + acc.InPositionUSD + acc.UnrealizedPnL

		if pnl > 0 {
			acc.ConsecutiveWins++
			acc.ConsecutiveLosses = 0
		} else if pnl < 0 {
			acc.ConsecutiveLosses++
			acc.ConsecutiveWins = 0
		}
		if acc.TotalBalanceUSD > acc.PeakBalance {
			acc.PeakBalance = acc.TotalBalanceUSD
		}
		if acc.PeakBalance > 0 {
			acc.CurrentDrawdownPct = (acc.PeakBalance - acc.TotalBalanceUSD) / acc.PeakBalance * 100
		}

		fullClose := acc.PositionAssetUnits == 0
		if fullClose {
			acc.EntryPriceAvg = 0
			for k := range acc.ActiveTrades {
				delete(acc.ActiveTrades, k)
			}
		} else {
			pos.Size -= closeSize
			pos.USDCost -= costBasis
		}

		return "close_position", map[string]interface{}{
			"position_id": id, "close_size": closeSize, "price": price, "pnl": pnl,
		}, nil
	})
	return snapshot, pnl, err
}

// UpdateBalance applies an external adjustment (fees, deposits) outside the
// position lifecycle.
func (m *Manager) UpdateBalance(amount float64, reason string) (Account, error) {
	return m.UpdateState(UpdateContext{Reason: reason}, func(acc *Account) (string, map[string]interface{}, error) {
		if acc.BalanceUSD+amount < 0 {
			return "", nil, fmt.Errorf("balance adjustment would go negative: %.2f + %.2f", acc.BalanceUSD, amount)
		}
		acc.BalanceUSD += amount
		acc.TotalBalanceUSD = acc.BalanceUSD + acc.InPositionUSD + acc.UnrealizedPnL
		return "update_balance", map[string]interface{}{"amount": amount}, nil
	})
}

// ResetDaily zeroes the daily trade counter.
func (m *Manager) ResetDaily() (Account, error) {
	return m.UpdateState(UpdateContext{Reason: "reset_daily"}, func(acc *Account) (string, map[string]interface{}, error) {
		acc.DailyTradeCount = 0
		return "reset_daily", nil, nil
	})
}

// SetRecoveryMode flips the recovery-mode flag.
func (m *Manager) SetRecoveryMode(on bool) (Account, error) {
	return m.UpdateState(UpdateContext{Reason: "set_recovery_mode"}, func(acc *Account) (string, map[string]interface{}, error) {
		acc.RecoveryMode = on
		return "set_recovery_mode", map[string]interface{}{"recovery_mode": on}, nil
	})
}

// EmergencyReset force-clears any open position and enters recovery mode.
// safeBalance, if non-nil, replaces BalanceUSD (e.g. after a reconciliation
// against the venue).
func (m *Manager) EmergencyReset(safeBalance *float64) (Account, error) {
	return m.UpdateState(UpdateContext{Reason: "emergency_reset"}, func(acc *Account) (string, map[string]interface{}, error) {
		for k := range acc.ActiveTrades {
			delete(acc.ActiveTrades, k)
		}
		acc.PositionAssetUnits = 0
		acc.InPositionUSD = 0
		acc.EntryPriceAvg = 0
		acc.RecoveryMode = true
		if safeBalance != nil {
			acc.BalanceUSD = *safeBalance
		}
		acc.TotalBalanceUSD = acc.BalanceUSD + acc.InPositionUSD + acc.UnrealizedPnL
		return "emergency_reset", nil, nil
	})
}

// ValidateState recomputes the invariants against the current snapshot and
// returns every violation found (empty slice means healthy).
func (m *Manager) ValidateState() []string {
	return validateInvariants(m.Snapshot())
}

func validateInvariants(acc Account) []string {
	var violations []string
	expectedTotal := acc.BalanceUSD + acc.InPositionUSD + acc.UnrealizedPnL
	if diff := acc.TotalBalanceUSD - expectedTotal; diff > 0.01 || diff < -0.01 {
		violations = append(violations, fmt.Sprintf("total_balance mismatch: have %.4f want %.4f", acc.TotalBalanceUSD, expectedTotal))
	}
	if acc.PositionAssetUnits < 0 {
		violations = append(violations, "position_asset_units negative")
	}
	if acc.BalanceUSD < 0 {
		violations = append(violations, "balance negative")
	}
	if (acc.PositionAssetUnits == 0) != (acc.InPositionUSD == 0) {
		violations = append(violations, "position_asset_units and in_position_usd disagree on zero-ness")
	}
	if acc.PositionAssetUnits > 0 && acc.EntryPriceAvg <= 0 {
		violations = append(violations, "positive position with non-positive entry_price_avg")
	}
	return violations
}

func (m *Manager) persist() error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	pa := persistedAccount{Account: m.state}
	for id, pos := range m.state.ActiveTrades {
		pa.ActiveTrades = append(pa.ActiveTrades, tradeEntry{ID: id, Position: pos})
	}
	data, err := json.MarshalIndent(pa, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.statePath())
}

func loadAccount(path string) (Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Account{}, err
	}
	var pa persistedAccount
	if err := json.Unmarshal(data, &pa); err != nil {
		return Account{}, fmt.Errorf("decode state: %w", err)
	}
	acc := pa.Account
	acc.ActiveTrades = make(map[string]*Position, len(pa.ActiveTrades))
	for _, e := range pa.ActiveTrades {
		acc.ActiveTrades[e.ID] = e.Position
	}
	return acc, nil
}
