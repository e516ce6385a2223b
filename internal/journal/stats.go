package journal

import (
	"math"
	"time"
)

// Stats is a per-bucket (symbol, regime, pattern, hour-of-day, ...)
// tally; OverallStats embeds one of these for the global totals plus the
// metrics that only make sense process-wide (drawdown, Sharpe, Calmar).
type Stats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`   // net pnl, summed
	TotalWins     float64 `json:"total_wins"`  // sum of winning net pnl
	TotalLosses   float64 `json:"total_losses"` // sum of losing net pnl (negative)

	TotalHoldMS     int64 `json:"total_hold_ms"`
	TotalHoldMSWins int64 `json:"total_hold_ms_wins"`
	TotalHoldMSLoss int64 `json:"total_hold_ms_losses"`

	BestTrade  float64 `json:"best_trade"`
	WorstTrade float64 `json:"worst_trade"`
}

func (s Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

func (s Stats) AvgPnL() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return s.TotalPnL / float64(s.TotalTrades)
}

func (s Stats) AvgWin() float64 {
	if s.WinningTrades == 0 {
		return 0
	}
	return s.TotalWins / float64(s.WinningTrades)
}

func (s Stats) AvgLoss() float64 {
	if s.LosingTrades == 0 {
		return 0
	}
	return s.TotalLosses / float64(s.LosingTrades)
}

func (s Stats) AvgHoldTimeMS() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.TotalHoldMS) / float64(s.TotalTrades)
}

func (s Stats) AvgHoldTimeMSWins() float64 {
	if s.WinningTrades == 0 {
		return 0
	}
	return float64(s.TotalHoldMSWins) / float64(s.WinningTrades)
}

func (s Stats) AvgHoldTimeMSLosses() float64 {
	if s.LosingTrades == 0 {
		return 0
	}
	return float64(s.TotalHoldMSLoss) / float64(s.LosingTrades)
}

// ProfitFactor is gross profit over gross loss (spec section 4.7).
func (s Stats) ProfitFactor() float64 {
	if s.TotalLosses == 0 {
		if s.TotalWins > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.TotalWins / -s.TotalLosses
}

// Expectancy is the average net pnl expected per trade, weighted by win
// rate and average win/loss size.
func (s Stats) Expectancy() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	winRate := float64(s.WinningTrades) / float64(s.TotalTrades)
	lossRate := float64(s.LosingTrades) / float64(s.TotalTrades)
	return winRate*s.AvgWin() + lossRate*s.AvgLoss()
}

// Payoff is the average win divided by the average loss magnitude.
func (s Stats) Payoff() float64 {
	avgLoss := s.AvgLoss()
	if avgLoss == 0 {
		if s.AvgWin() > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.AvgWin() / -avgLoss
}

// OverallStats is the process-wide Stats plus the metrics that require
// global context: balance/drawdown, recovery factor, Calmar, and the
// rolling-trade risk-adjusted ratios (spec section 4.7).
type OverallStats struct {
	Stats

	Balance            float64 `json:"balance"`
	PeakBalance        float64 `json:"peak_balance"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`

	RecoveryFactor float64 `json:"recovery_factor"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	SharpeRatio    float64 `json:"sharpe_ratio"`  // rolling-500, annualized sqrt(252)
	SortinoRatio   float64 `json:"sortino_ratio"` // rolling-500, annualized sqrt(252)

	Today DailySummary `json:"today"`
}

// annualizationFactor is sqrt(252) trading days, the standard equity-curve
// annualization the spec names explicitly.
const annualizationFactor = 15.8745078664 // math.Sqrt(252)

// rollingSharpeSortino computes Sharpe and Sortino ratios from a slice of
// per-trade pnl_pct returns (spec section 4.7: "rolling-500-trade Sharpe
// and Sortino ratios annualized with sqrt(252)"). Returns (0, 0) when
// there are fewer than 2 samples; Sharpe is 0 when the sample has zero
// variance, and Sortino is 0 when no return is negative.
func rollingSharpeSortino(returns []float64) (sharpe, sortino float64) {
	n := len(returns)
	if n < 2 {
		return 0, 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var variance, downsideSumSq float64
	downsideN := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downsideSumSq += r * r
			downsideN++
		}
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)
	if stddev > 0 {
		sharpe = mean / stddev * annualizationFactor
	}

	if downsideN > 0 {
		downsideDev := math.Sqrt(downsideSumSq / float64(downsideN))
		if downsideDev > 0 {
			sortino = mean / downsideDev * annualizationFactor
		}
	}
	return sharpe, sortino
}

// confidenceBand buckets a confidence score into the fixed bands spec
// section 4.7's breakdowns use.
func confidenceBand(confidence float64) string {
	switch {
	case confidence < 0.5:
		return "<0.5"
	case confidence < 0.6:
		return "0.5-0.6"
	case confidence < 0.7:
		return "0.6-0.7"
	case confidence < 0.8:
		return "0.7-0.8"
	case confidence < 0.9:
		return "0.8-0.9"
	default:
		return "0.9+"
	}
}

// dailyAgg is the running aggregate for one UTC calendar day.
type dailyAgg struct {
	stats Stats
}

// DailySummary is one day's (or "today"'s) trading summary.
type DailySummary struct {
	Date          string  `json:"date"` // UTC yyyy-mm-dd
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	NetPnL        float64 `json:"net_pnl"`
	WinRate       float64 `json:"win_rate"`
}

// StreakInfo tracks the current and best/worst consecutive win/loss runs.
type StreakInfo struct {
	CurrentStreak     int  `json:"current_streak"` // length of the current run; CurrentIsWin says whether it is wins or losses
	CurrentIsWin      bool `json:"current_is_win"`
	LongestWinStreak  int  `json:"longest_win_streak"`
	LongestLossStreak int  `json:"longest_loss_streak"`
}

func bumpStreak(s *StreakInfo, isWin bool) {
	switch {
	case s.CurrentStreak == 0:
		s.CurrentStreak = 1
		s.CurrentIsWin = isWin
	case isWin == s.CurrentIsWin:
		s.CurrentStreak++
	default:
		s.CurrentStreak = 1
		s.CurrentIsWin = isWin
	}
	if s.CurrentIsWin && s.CurrentStreak > s.LongestWinStreak {
		s.LongestWinStreak = s.CurrentStreak
	}
	if !s.CurrentIsWin && s.CurrentStreak > s.LongestLossStreak {
		s.LongestLossStreak = s.CurrentStreak
	}
}

func bumpBucket(m map[string]*Stats, key string, r Record, isWin bool) {
	if key == "" {
		return
	}
	st := m[key]
	if st == nil {
		st = &Stats{}
		m[key] = st
	}
	applyRecord(st, r, isWin)
}

func bumpIntBucket(m map[int]*Stats, key int, r Record, isWin bool) {
	st := m[key]
	if st == nil {
		st = &Stats{}
		m[key] = st
	}
	applyRecord(st, r, isWin)
}

func applyRecord(st *Stats, r Record, isWin bool) {
	st.TotalTrades++
	st.TotalPnL += r.NetPnL
	st.TotalHoldMS += r.HoldTimeMS
	if r.NetPnL > st.BestTrade {
		st.BestTrade = r.NetPnL
	}
	if r.NetPnL < st.WorstTrade {
		st.WorstTrade = r.NetPnL
	}
	if isWin {
		st.WinningTrades++
		st.TotalWins += r.NetPnL
		st.TotalHoldMSWins += r.HoldTimeMS
	} else if r.NetPnL < 0 {
		st.LosingTrades++
		st.TotalLosses += r.NetPnL
		st.TotalHoldMSLoss += r.HoldTimeMS
	}
}

const rollingWindow = 500

// foldStats folds one close record into every maintained breakdown. Caller
// must hold j.mu.
func (j *Journal) foldStats(r Record) {
	isWin := r.NetPnL > 0

	applyRecord(&j.overall.Stats, r, isWin)
	bumpBucket(j.bySymbol, r.Symbol, r, isWin)
	bumpBucket(j.byRegime, r.Regime, r, isWin)
	for _, p := range r.Patterns {
		bumpBucket(j.byPattern, p, r, isWin)
	}
	bumpBucket(j.byBand, confidenceBand(r.Confidence), r, isWin)
	bumpBucket(j.byReason, r.Reason, r, isWin)

	ts := r.Timestamp.UTC()
	bumpIntBucket(j.byHour, ts.Hour(), r, isWin)
	bumpIntBucket(j.byDOW, int(ts.Weekday()), r, isWin)
	bumpBucket(j.byMonth, ts.Format("2006-01"), r, isWin)

	day := ts.Format("2006-01-02")
	agg := j.dailyStats[day]
	if agg == nil {
		agg = &dailyAgg{}
		j.dailyStats[day] = agg
	}
	applyRecord(&agg.stats, r, isWin)

	bumpStreak(&j.streak, isWin)

	j.recentReturns = append(j.recentReturns, r.PnLPct)
	if len(j.recentReturns) > rollingWindow {
		j.recentReturns = j.recentReturns[len(j.recentReturns)-rollingWindow:]
	}

	j.overall.Balance = j.balance
	j.overall.PeakBalance = j.peakBalance
	if j.peakBalance > 0 {
		j.overall.CurrentDrawdownPct = (j.peakBalance - j.balance) / j.peakBalance * 100
	}
	if j.overall.CurrentDrawdownPct > j.overall.MaxDrawdownPct {
		j.overall.MaxDrawdownPct = j.overall.CurrentDrawdownPct
	}

	if j.overall.MaxDrawdownPct > 0 {
		j.overall.RecoveryFactor = j.overall.Stats.TotalPnL / (j.overall.MaxDrawdownPct / 100 * j.peakBalance)
		if j.initialBalance > 0 {
			netPct := j.overall.Stats.TotalPnL / j.initialBalance * 100
			j.overall.CalmarRatio = netPct / j.overall.MaxDrawdownPct
		}
	}
	j.overall.SharpeRatio, j.overall.SortinoRatio = rollingSharpeSortino(j.recentReturns)
	j.overall.Today = j.dailySummaryLocked(time.Now().UTC().Format("2006-01-02"))
}

func (j *Journal) dailySummaryLocked(day string) DailySummary {
	agg := j.dailyStats[day]
	if agg == nil {
		return DailySummary{Date: day}
	}
	return DailySummary{
		Date: day, Trades: agg.stats.TotalTrades, Wins: agg.stats.WinningTrades,
		Losses: agg.stats.LosingTrades, NetPnL: agg.stats.TotalPnL, WinRate: agg.stats.WinRate(),
	}
}
