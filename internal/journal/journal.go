// Package journal is the append-only trade ledger (spec section 4.7): every
// open and close is written as one NDJSON line before the in-memory stats
// are updated, so the ledger is always the durable source of truth and the
// stats are a derived, recomputable cache. A parallel equity-snapshot file
// and a rebuildable stats cache round out the on-disk contract (spec
// section 6).
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EntryKind distinguishes a position open from a position close in the
// ledger stream.
type EntryKind string

const (
	KindOpen  EntryKind = "open"
	KindClose EntryKind = "close"
)

// Record is one ledger line (spec section 3's Ledger Record / section 6's
// on-disk contract). The close-side computed fields (GrossPnL
// through BalanceAfter) are filled in once, at RecordClose time, so replay
// never has to recompute them against a possibly-changed fee rate.
type Record struct {
	Timestamp    time.Time          `json:"timestamp"`
	Kind         EntryKind          `json:"kind"`
	PositionID   string             `json:"position_id"`
	IntentID     string             `json:"intent_id"`
	Symbol       string             `json:"symbol"`
	Side         string             `json:"side"`
	Price        float64            `json:"price"`
	Size         float64            `json:"size"`
	USDValue     float64            `json:"usd_value,omitempty"`
	Confidence   float64            `json:"confidence,omitempty"`
	Regime       string             `json:"regime,omitempty"`
	Patterns     []string           `json:"patterns,omitempty"`
	Indicators   map[string]float64 `json:"indicators,omitempty"`
	Reason       string             `json:"reason,omitempty"`

	// Close-only computed fields (spec section 4.7).
	EntryPrice   float64 `json:"entry_price,omitempty"`
	GrossPnL     float64 `json:"gross_pnl,omitempty"`
	Fees         float64 `json:"fees,omitempty"`
	NetPnL       float64 `json:"net_pnl,omitempty"`
	PnLPct       float64 `json:"pnl_pct,omitempty"`
	HoldTimeMS   int64   `json:"hold_time_ms,omitempty"`
	MFEPct       float64 `json:"mfe_pct,omitempty"`
	MAEPct       float64 `json:"mae_pct,omitempty"`
	BalanceAfter float64 `json:"balance_after,omitempty"`

	// PnL is the legacy gross-pnl alias kept for callers (risk manager
	// outcome feedback) that only care about the realized P&L magnitude.
	PnL float64 `json:"pnl,omitempty"`
}

// Journal is the append-only ledger plus its derived in-memory stats.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	records  []Record // bounded view for queries; full history stays on disk
	pending  map[string]Record // open records awaiting their close, keyed by position id
	replaying bool

	initialBalance float64
	feeRate        float64
	balance        float64
	peakBalance    float64

	overall  OverallStats
	bySymbol map[string]*Stats

	byRegime map[string]*Stats
	byPattern map[string]*Stats
	byHour   map[int]*Stats
	byDOW    map[int]*Stats
	byBand   map[string]*Stats
	byReason map[string]*Stats
	byMonth  map[string]*Stats

	dailyStats map[string]*dailyAgg // UTC yyyy-mm-dd -> aggregate
	recentReturns []float64          // rolling-500 pnl_pct for Sharpe/Sortino
	streak     StreakInfo

	equity     []EquityPoint
	equityFile *os.File

	logger zerolog.Logger
}

const maxInMemoryRecords = 5000

// Open opens (creating if needed) the ledger file and the equity-snapshot
// file at the paths implied by path's directory, and recomputes stats by
// replaying every existing line (spec section 4.7: "on startup, re-read
// the ledger sequentially, pairing entries with exits ... rebuild the
// equity curve from equity snapshots; recompute all stats from scratch").
func Open(path string, initialBalance, feeRate float64, logger zerolog.Logger) (*Journal, error) {
	j := &Journal{
		path:           path,
		pending:        make(map[string]Record),
		initialBalance: initialBalance,
		feeRate:        feeRate,
		balance:        initialBalance,
		peakBalance:    initialBalance,
		bySymbol:       make(map[string]*Stats),
		byRegime:       make(map[string]*Stats),
		byPattern:      make(map[string]*Stats),
		byHour:         make(map[int]*Stats),
		byDOW:          make(map[int]*Stats),
		byBand:         make(map[string]*Stats),
		byReason:       make(map[string]*Stats),
		byMonth:        make(map[string]*Stats),
		dailyStats:     make(map[string]*dailyAgg),
		logger:         logger.With().Str("component", "journal.Journal").Logger(),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	if err := j.replayEquity(); err != nil {
		return nil, fmt.Errorf("replay equity snapshots: %w", err)
	}

	j.replaying = true
	if err := j.replay(); err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	j.replaying = false

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	j.file = f

	ef, err := os.OpenFile(j.equityPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open equity snapshots for append: %w", err)
	}
	j.equityFile = ef

	if err := j.writeStatsCache(); err != nil {
		j.logger.Warn().Err(err).Msg("stats cache write failed on open")
	}
	return j, nil
}

func (j *Journal) equityPath() string {
	return filepath.Join(filepath.Dir(j.path), "equity-snapshots.jsonl")
}

func (j *Journal) statsCachePath() string {
	return filepath.Join(filepath.Dir(j.path), "journal-stats.json")
}

func (j *Journal) replay() error {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			j.logger.Warn().Err(err).Msg("skipping malformed ledger line on replay")
			continue
		}
		j.fold(r)
	}
	return scanner.Err()
}

// fold applies a record to in-memory stats, the pending entry/exit pairing
// map, and the bounded record window. Caller must hold j.mu or be in
// single-threaded replay.
func (j *Journal) fold(r Record) {
	j.records = append(j.records, r)
	if len(j.records) > maxInMemoryRecords {
		j.records = j.records[len(j.records)-maxInMemoryRecords:]
	}

	if r.Kind == KindOpen {
		j.pending[r.PositionID] = r
		return
	}

	// KindClose: the computed fields already live on r when it was appended
	// live (RecordClose fills them in before Append). On replay from disk
	// they are simply re-read here, never recomputed against a possibly
	// different fee rate.
	delete(j.pending, r.PositionID)
	j.foldStats(r)
}

// Append writes one record to the ledger and folds it into stats. Equity
// snapshots are appended separately by appendEquitySnapshotLocked; Append never
// writes to the equity file itself, since entry records don't move equity
// and replay loads equity independently of the ledger (spec section 4.7).
func (j *Journal) Append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(r)
}

func (j *Journal) appendLocked(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		j.logger.Warn().Err(err).Msg("ledger fsync failed")
	}
	j.fold(r)
	return nil
}

// RecordOpen appends an entry record, snapshotting the entry indicators and
// regime so the close side can compute hold time, pnl%, and fill out the
// export columns without a second lookup (spec section 4.6: "Position
// record on success: construct Position with entry indicators snapshot").
func (j *Journal) RecordOpen(positionID, intentID, symbol, side string, price, size, confidence float64, regime string, patterns []string, indicators map[string]float64) error {
	return j.Append(Record{
		Kind: KindOpen, PositionID: positionID, IntentID: intentID, Symbol: symbol,
		Side: side, Price: price, Size: size, USDValue: price * size,
		Confidence: confidence, Regime: regime, Patterns: patterns, Indicators: indicators,
	})
}

// RecordClose appends an exit record. mfePct/maePct are the maximum
// favorable/adverse excursion observed while the position was open
// (tracked bar-by-bar by the caller, since the journal only sees discrete
// open/close events); balanceAfter is the account's total balance
// immediately after this close settles.
func (j *Journal) RecordClose(positionID, symbol, side string, exitPrice, size, grossPnL float64, reason string, mfePct, maePct, balanceAfter float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, hadEntry := j.pending[positionID]

	r := Record{
		Kind: KindClose, PositionID: positionID, Symbol: symbol, Side: side,
		Price: exitPrice, Size: size, Reason: reason,
		GrossPnL: grossPnL, PnL: grossPnL, MFEPct: mfePct, MAEPct: maePct, BalanceAfter: balanceAfter,
	}

	entryUSD := exitPrice * size
	if hadEntry {
		r.EntryPrice = entry.Price
		r.Confidence = entry.Confidence
		r.Regime = entry.Regime
		r.Patterns = entry.Patterns
		r.Indicators = entry.Indicators
		entryUSD = entry.USDValue
		if entryUSD == 0 {
			entryUSD = entry.Price * entry.Size
		}
		r.HoldTimeMS = time.Now().UTC().Sub(entry.Timestamp).Milliseconds()
	}

	exitUSD := exitPrice * size
	r.Fees = (entryUSD + exitUSD) * j.feeRate
	r.NetPnL = r.GrossPnL - r.Fees
	if entryUSD > 0 {
		r.PnLPct = r.NetPnL / entryUSD * 100
	}

	j.balance = balanceAfter
	if balanceAfter > j.peakBalance {
		j.peakBalance = balanceAfter
	}

	if err := j.appendLocked(r); err != nil {
		return err
	}
	if !j.replaying {
		if err := j.appendEquitySnapshotLocked(r.Timestamp, balanceAfter); err != nil {
			j.logger.Warn().Err(err).Msg("equity snapshot append failed")
		}
		if err := j.writeStatsCacheLocked(); err != nil {
			j.logger.Warn().Err(err).Msg("stats cache write failed")
		}
	}
	return nil
}

// Overall returns a copy of the process-wide aggregate stats.
func (j *Journal) Overall() OverallStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.overall
}

// BySymbol returns a copy of the per-symbol breakdown, the same shape the
// teacher's trade-history analyzer prints.
func (j *Journal) BySymbol() map[string]Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return cloneStatsMap(j.bySymbol)
}

// Close flushes and closes the underlying ledger and equity files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.equityFile.Close(); err != nil {
		return err
	}
	return j.file.Close()
}

// RankedSymbol is one symbol's stats, for callers building a best/worst
// performer report, mirroring the teacher's sorted-by-PnL table.
type RankedSymbol struct {
	Symbol string
	Stats  Stats
}

// RankedBySymbolPnL returns per-symbol stats sorted by total PnL descending.
func (j *Journal) RankedBySymbolPnL() []RankedSymbol {
	bySymbol := j.BySymbol()
	ranked := make([]RankedSymbol, 0, len(bySymbol))
	for sym, s := range bySymbol {
		ranked = append(ranked, RankedSymbol{Symbol: sym, Stats: s})
	}
	sort.Slice(ranked, func(i, k int) bool { return ranked[i].Stats.TotalPnL > ranked[k].Stats.TotalPnL })
	return ranked
}

func cloneStatsMap(m map[string]*Stats) map[string]Stats {
	out := make(map[string]Stats, len(m))
	for k, v := range m {
		out[k] = *v
	}
	return out
}
