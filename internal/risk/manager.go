// Package risk implements the capital-preservation gate described in spec
// section 4.3: position sizing, drawdown/streak scaling, UTC-bucketed
// daily/weekly/monthly loss limits, and hysteresis-gated recovery mode.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spottrader/internal/circuit"
)

// Config holds every overridable risk parameter; defaults match spec 4.3.
type Config struct {
	BaseRiskPct           float64
	MinPositionPct        float64
	MaxPositionPct        float64
	MaxDrawdownPct        float64
	RecoveryThresholdPct  float64
	LossSizeReduction     float64
	WinSizeIncrease       float64
	MaxWinMultiplier      float64
	DailyLossLimitPct     float64
	WeeklyLossLimitPct    float64
	MonthlyLossLimitPct   float64
	RecoveryBackoff       time.Duration
	MinTimeInRecovery     time.Duration
	RecoveryExitWinRate   float64
	RecoveryExitWinStreak int
	AlertTTL              time.Duration
	AlertCleanupInterval  time.Duration
}

// DefaultConfig returns spec section 4.3's literal defaults.
func DefaultConfig() Config {
	return Config{
		BaseRiskPct:           0.02,
		MinPositionPct:        0.005,
		MaxPositionPct:        0.05,
		MaxDrawdownPct:        15,
		RecoveryThresholdPct:  10,
		LossSizeReduction:     0.20,
		WinSizeIncrease:       0.10,
		MaxWinMultiplier:      2.0,
		DailyLossLimitPct:     5,
		WeeklyLossLimitPct:    10,
		MonthlyLossLimitPct:   20,
		RecoveryBackoff:       5 * time.Minute,
		MinTimeInRecovery:     10 * time.Minute,
		RecoveryExitWinRate:   0.60,
		RecoveryExitWinStreak: 3,
		AlertTTL:              time.Hour,
		AlertCleanupInterval:  15 * time.Minute,
	}
}

// MarketConditions is the caller-supplied context for position sizing.
type MarketConditions struct {
	Confidence   float64
	Volatility   float64
	CounterTrend bool
}

// AccountView is the minimal account snapshot risk decisions read; it is
// intentionally narrow so the Risk Manager never needs state.Manager's
// concrete type, avoiding an import cycle and keeping the Manager testable
// in isolation.
type AccountView struct {
	Balance           float64
	PeakBalance       float64
	ConsecutiveWins   int
	ConsecutiveLosses int
}

// PeriodStats is one UTC-bucketed rolling window (daily/weekly/monthly).
type PeriodStats struct {
	StartBalance  float64
	PnL           float64
	Trades        int
	Wins          int
	Losses        int
	BreachedLimit bool
	ResetKey      string
}

// AlertSeverity classifies an Alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one bounded, TTL-pruned notice.
type Alert struct {
	At       time.Time
	Severity AlertSeverity
	Code     string
	Message  string
}

const maxAlerts = 50

// Manager is the capital-preservation gate. One instance per traded symbol.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	daily   PeriodStats
	weekly  PeriodStats
	monthly PeriodStats

	recoveryMode      bool
	lastRecoveryEnter time.Time
	lastRecoveryExit  time.Time
	recentResults     []bool // bounded ring of last-10 win/loss, newest last
	venueBreaker      *circuit.Breaker

	alerts      []Alert
	lastAlertAt map[string]time.Time
	lastCleanup time.Time
}

// New constructs a Manager with the given config.
func New(cfg Config, logger zerolog.Logger) *Manager {
	now := time.Now().UTC()
	m := &Manager{
		cfg:          cfg,
		logger:       logger.With().Str("component", "risk.Manager").Logger(),
		lastAlertAt:  make(map[string]time.Time),
		lastCleanup:  now,
		venueBreaker: circuit.New(circuit.DefaultConfig()),
	}
	m.daily = PeriodStats{ResetKey: dailyKey(now)}
	m.weekly = PeriodStats{ResetKey: weeklyKey(now)}
	m.monthly = PeriodStats{ResetKey: monthlyKey(now)}
	m.venueBreaker.OnTrip(func(reason string) {
		m.mu.Lock()
		m.emit(time.Now().UTC(), SeverityCritical, "EMERGENCY_MODE", reason)
		m.mu.Unlock()
	})
	return m
}

func dailyKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weeklyKey(t time.Time) string {
	t = t.UTC()
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func monthlyKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// rollPeriods resets any bucket whose stored key no longer matches the
// current UTC period, zeroing it before any mutation -- spec 4.3: never
// local time, and the reset happens lazily on the next mutation.
func (m *Manager) rollPeriods(now time.Time, balance float64) {
	if k := dailyKey(now); k != m.daily.ResetKey {
		m.daily = PeriodStats{StartBalance: balance, ResetKey: k}
	}
	if k := weeklyKey(now); k != m.weekly.ResetKey {
		m.weekly = PeriodStats{StartBalance: balance, ResetKey: k}
	}
	if k := monthlyKey(now); k != m.monthly.ResetKey {
		m.monthly = PeriodStats{StartBalance: balance, ResetKey: k}
	}
}

// anyLimitBreached reports whether the daily/weekly/monthly loss limit has
// tripped for the current buckets, and the first breached reason code.
func (m *Manager) anyLimitBreached() (bool, string) {
	if m.daily.BreachedLimit {
		return true, "DAILY_LOSS_LIMIT"
	}
	if m.weekly.BreachedLimit {
		return true, "WEEKLY_LOSS_LIMIT"
	}
	if m.monthly.BreachedLimit {
		return true, "MONTHLY_LOSS_LIMIT"
	}
	return false, ""
}

// CalculatePositionSize implements spec section 4.3's ten-step sizing
// pipeline, returning the sized position in USD (already balance-scaled and
// clamped to 95% of balance) and the rejection reason if sizing yielded 0.
func (m *Manager) CalculatePositionSize(now time.Time, acc AccountView, mc MarketConditions) (float64, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollPeriods(now, acc.Balance)

	signedDrawdownPct := 0.0
	if acc.PeakBalance > 0 {
		signedDrawdownPct = (acc.Balance - acc.PeakBalance) / acc.PeakBalance * 100
	}

	// Step 1: hard gates.
	if -signedDrawdownPct >= m.cfg.MaxDrawdownPct {
		return 0, "MAX_DRAWDOWN_EXCEEDED"
	}
	if breached, reason := m.anyLimitBreached(); breached {
		return 0, reason
	}

	pct := m.cfg.BaseRiskPct

	// Step 3: recovery mode.
	if m.recoveryMode {
		pct *= 0.5
	}

	// Step 4: drawdown band.
	switch {
	case signedDrawdownPct < -10:
		pct *= 0.4
	case signedDrawdownPct < -5:
		pct *= 0.6
	case signedDrawdownPct < -2:
		pct *= 0.8
	case signedDrawdownPct > 10:
		pct *= 1.2
	}

	// Step 5: consecutive losses.
	if acc.ConsecutiveLosses > 0 {
		pct *= 1 - math.Min(float64(acc.ConsecutiveLosses)*m.cfg.LossSizeReduction, 0.8)
	}

	// Step 6: consecutive wins.
	if acc.ConsecutiveWins > 0 {
		pct *= 1 + math.Min(float64(acc.ConsecutiveWins)*m.cfg.WinSizeIncrease, m.cfg.MaxWinMultiplier-1)
	}

	// Step 7: volatility.
	switch {
	case mc.Volatility > 0.04:
		pct *= 0.5
	case mc.Volatility < 0.015:
		pct *= 1.2
	}

	// Step 8: counter-trend.
	if mc.CounterTrend {
		pct *= 1 - 0.3
	}

	// Step 9: confidence adjust.
	switch {
	case mc.Confidence < 0.4:
		pct *= 0.8
	case mc.Confidence > 0.6:
		pct *= 1.3
	}

	// Step 10: clamp and scale.
	if pct < m.cfg.MinPositionPct {
		pct = m.cfg.MinPositionPct
	}
	if pct > m.cfg.MaxPositionPct {
		pct = m.cfg.MaxPositionPct
	}
	sizeUSD := pct * acc.Balance
	if maxSize := 0.95 * acc.Balance; sizeUSD > maxSize {
		sizeUSD = maxSize
	}
	return sizeUSD, ""
}

// RecordTradeOutcome updates streaks, period buckets, recovery-mode
// transitions, and alerts after a trade closes.
func (m *Manager) RecordTradeOutcome(now time.Time, acc AccountView, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollPeriods(now, acc.Balance)

	win := pnl > 0
	m.recentResults = append(m.recentResults, win)
	if len(m.recentResults) > 10 {
		m.recentResults = m.recentResults[len(m.recentResults)-10:]
	}

	buckets := []struct {
		p     *PeriodStats
		limit float64
	}{
		{&m.daily, m.cfg.DailyLossLimitPct},
		{&m.weekly, m.cfg.WeeklyLossLimitPct},
		{&m.monthly, m.cfg.MonthlyLossLimitPct},
	}
	for _, b := range buckets {
		b.p.PnL += pnl
		b.p.Trades++
		if win {
			b.p.Wins++
		} else {
			b.p.Losses++
		}
		if b.p.StartBalance > 0 {
			lossPct := -b.p.PnL / b.p.StartBalance * 100
			if lossPct >= b.limit {
				b.p.BreachedLimit = true
			}
		}
	}

	signedDrawdownPct := 0.0
	if acc.PeakBalance > 0 {
		signedDrawdownPct = (acc.Balance - acc.PeakBalance) / acc.PeakBalance * 100
	}
	drawdownPct := math.Max(0, -signedDrawdownPct)

	m.evaluateRecoveryTransition(now, drawdownPct, acc)
	m.evaluateAlerts(now, drawdownPct)
}

// evaluateRecoveryTransition applies the hysteresis rule of spec 4.3:
// enter when drawdown >= threshold and the backoff since last exit has
// elapsed; exit only when every condition holds simultaneously.
func (m *Manager) evaluateRecoveryTransition(now time.Time, drawdownPct float64, acc AccountView) {
	if !m.recoveryMode {
		if drawdownPct >= m.cfg.RecoveryThresholdPct && now.Sub(m.lastRecoveryExit) >= m.cfg.RecoveryBackoff {
			m.recoveryMode = true
			m.lastRecoveryEnter = now
		}
		return
	}

	if now.Sub(m.lastRecoveryEnter) < m.cfg.MinTimeInRecovery {
		return
	}
	if drawdownPct >= m.cfg.RecoveryThresholdPct*0.8 {
		return
	}
	winRate := recentWinRate(m.recentResults)
	if acc.ConsecutiveWins < m.cfg.RecoveryExitWinStreak && winRate <= m.cfg.RecoveryExitWinRate {
		return
	}
	m.recoveryMode = false
	m.lastRecoveryExit = now
}

func recentWinRate(results []bool) float64 {
	if len(results) == 0 {
		return 0
	}
	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	return float64(wins) / float64(len(results))
}

// InRecovery reports the current recovery-mode flag.
func (m *Manager) InRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryMode
}

// RecordVenueError increments the consecutive-venue-error counter; ten in a
// row (spec section 7) trips the breaker into emergency mode, halting
// further submissions until a success or operator reset clears it. Must not
// be called with m.mu held: the breaker's own trip callback takes it.
func (m *Manager) RecordVenueError() {
	m.venueBreaker.RecordError()
}

// ResetVenueErrors clears the consecutive-error counter on a successful
// submission, closing the breaker if it had tripped.
func (m *Manager) ResetVenueErrors() {
	m.venueBreaker.RecordSuccess()
}

// EmergencyMode reports whether the venue-error breaker is open, and why.
func (m *Manager) EmergencyMode() (bool, string) {
	return m.venueBreaker.Tripped()
}

// evaluateAlerts emits threshold-crossing alerts, suppressing duplicates of
// the same code within a 5-minute gap, and prunes TTL-expired alerts every
// AlertCleanupInterval. Caller holds m.mu.
func (m *Manager) evaluateAlerts(now time.Time, drawdownPct float64) {
	if now.Sub(m.lastCleanup) >= m.cfg.AlertCleanupInterval {
		m.pruneAlerts(now)
		m.lastCleanup = now
	}

	if drawdownPct >= m.cfg.MaxDrawdownPct {
		m.emit(now, SeverityCritical, "MAX_DRAWDOWN_EXCEEDED", fmt.Sprintf("drawdown %.2f%% at or beyond max %.2f%%", drawdownPct, m.cfg.MaxDrawdownPct))
	} else if drawdownPct >= m.cfg.RecoveryThresholdPct {
		m.emit(now, SeverityWarning, "RECOVERY_THRESHOLD", fmt.Sprintf("drawdown %.2f%% at or beyond recovery threshold %.2f%%", drawdownPct, m.cfg.RecoveryThresholdPct))
	}
	if breached, reason := m.anyLimitBreached(); breached {
		m.emit(now, SeverityCritical, reason, reason+" breached")
	}
}

func (m *Manager) emit(now time.Time, sev AlertSeverity, code, message string) {
	if last, ok := m.lastAlertAt[code]; ok && now.Sub(last) < 5*time.Minute {
		return
	}
	m.lastAlertAt[code] = now
	m.alerts = append(m.alerts, Alert{At: now, Severity: sev, Code: code, Message: message})
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	m.logger.Warn().Str("code", code).Str("severity", string(sev)).Msg(message)
}

func (m *Manager) pruneAlerts(now time.Time) {
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if now.Sub(a.At) < m.cfg.AlertTTL {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
}

// Alerts returns a copy of the current alert ring.
func (m *Manager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// PeriodSnapshot returns copies of the current daily/weekly/monthly buckets.
func (m *Manager) PeriodSnapshot() (daily, weekly, monthly PeriodStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily, m.weekly, m.monthly
}
