// Package patternmemory implements content-addressed lookup and
// nearest-neighbor search over historical feature vectors, with
// time-decayed success statistics and disk persistence (spec section 4.2).
package patternmemory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spottrader/internal/types"
)

// Result is one recorded trade outcome against a pattern key.
type Result struct {
	Timestamp time.Time `json:"timestamp"`
	PnL       float64   `json:"pnl"`
	Success   bool      `json:"success"`
}

// Stat is the mapping target for a quantized feature-vector key.
type Stat struct {
	TimesSeen int      `json:"times_seen"`
	TotalPnL  float64  `json:"total_pnl"`
	Wins      int      `json:"wins"`
	Losses    int      `json:"losses"`
	Results   []Result `json:"results"`
	Length    int      `json:"length"`
	Values    []float64 `json:"values"`
}

const maxResultsPerStat = 10

// Direction is the evaluated trade bias.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
	Hold Direction = "hold"
)

// Mode selects the persistence partition; live/paper/backtest patterns must
// never cross-contaminate (spec section 4.2).
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Config tunes evaluation and pruning thresholds, all overridable.
type Config struct {
	MinMatches          int
	ConfidenceThreshold float64
	SimilarityThreshold float64
	MaxNeighbors        int
	Cap                 int
	Weights             [types.FeatureLen]float64
	SnapshotInterval    time.Duration
	FastSnapshotInterval time.Duration
}

// DefaultConfig matches spec section 4.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinMatches:           3,
		ConfidenceThreshold:  0.6,
		SimilarityThreshold:  0.8,
		MaxNeighbors:         10,
		Cap:                  10000,
		Weights:              [types.FeatureLen]float64{0.25, 0.15, 0.15, 0.10, 0.05, 0.05, 0.15, 0.05, 0.05},
		SnapshotInterval:     5 * time.Minute,
		FastSnapshotInterval: 30 * time.Minute,
	}
}

// Evaluation is Evaluate's result.
type Evaluation struct {
	Confidence float64
	Direction  Direction
	ExactMatch bool
	TimesSeen  int
	WinRate    float64
	AvgPnL     float64
	Reason     string
}

// Memory is the pattern store for one persistence partition.
type Memory struct {
	mu       sync.RWMutex
	cfg      Config
	mode     Mode
	dataDir  string
	patterns map[string]*Stat
	logger   zerolog.Logger

	uniqueCount  int
	lastSnapshot time.Time
	fastTrading  bool
}

// New constructs a Memory for the given partition, loading any existing
// snapshot for that partition from disk (backtest mode never touches disk).
func New(mode Mode, dataDir string, cfg Config, logger zerolog.Logger) (*Memory, error) {
	m := &Memory{
		cfg:      cfg,
		mode:     mode,
		dataDir:  dataDir,
		patterns: make(map[string]*Stat),
		logger:   logger.With().Str("component", "patternmemory.Memory").Str("mode", string(mode)).Logger(),
	}
	if mode == ModeBacktest {
		return m, nil
	}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load pattern memory: %w", err)
	}
	return m, nil
}

// SetFastTrading toggles the fast-trading regime flag: the periodic
// snapshot interval widens from 5 to 30 minutes, per spec section 4.2.
func (m *Memory) SetFastTrading(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fastTrading = on
}

func (m *Memory) snapshotInterval() time.Duration {
	if m.fastTrading {
		return m.cfg.FastSnapshotInterval
	}
	return m.cfg.SnapshotInterval
}

// Record folds one trade outcome into the pattern keyed by fv.
func (m *Memory) Record(fv types.FeatureVector, pnl float64, at time.Time) {
	key := fv.Key()
	m.mu.Lock()
	defer m.mu.Unlock()

	stat, exists := m.patterns[key]
	if !exists {
		vals := fv.Values()
		stat = &Stat{Length: len(vals), Values: append([]float64(nil), vals[:]...)}
		m.patterns[key] = stat
		m.uniqueCount++
	}
	stat.TimesSeen++
	stat.TotalPnL += pnl
	success := pnl > 0
	if success {
		stat.Wins++
	} else {
		stat.Losses++
	}
	stat.Results = append(stat.Results, Result{Timestamp: at, PnL: pnl, Success: success})
	if len(stat.Results) > maxResultsPerStat {
		stat.Results = stat.Results[len(stat.Results)-maxResultsPerStat:]
	}

	if m.uniqueCount > m.cfg.Cap {
		m.prune()
	}

	if m.mode != ModeBacktest && time.Since(m.lastSnapshot) >= m.snapshotInterval() {
		if err := m.save(); err != nil {
			m.logger.Error().Err(err).Msg("periodic pattern-memory snapshot failed")
		}
		m.lastSnapshot = time.Now()
	}
}

// prune scores every entry as (times_seen/10)*(1-min(age_fraction,1)) with
// age_fraction = (now - most_recent_result_ts)/30days, and keeps the top
// 80% by score. Caller holds m.mu.
func (m *Memory) prune() {
	now := time.Now()
	type scored struct {
		key   string
		score float64
	}
	scores := make([]scored, 0, len(m.patterns))
	for k, s := range m.patterns {
		scores = append(scores, scored{k, pruneScore(s, now)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	keep := int(math.Ceil(float64(len(scores)) * 0.8))
	for i := keep; i < len(scores); i++ {
		delete(m.patterns, scores[i].key)
	}
	m.uniqueCount = len(m.patterns)
}

func pruneScore(s *Stat, now time.Time) float64 {
	var mostRecent time.Time
	for _, r := range s.Results {
		if r.Timestamp.After(mostRecent) {
			mostRecent = r.Timestamp
		}
	}
	ageFraction := 1.0
	if !mostRecent.IsZero() {
		ageFraction = now.Sub(mostRecent).Hours() / (30 * 24)
	}
	if ageFraction > 1 {
		ageFraction = 1
	}
	if ageFraction < 0 {
		ageFraction = 0
	}
	return (float64(s.TimesSeen) / 10) * (1 - ageFraction)
}

// decayedSuccessRate computes the time-decayed win rate over a stat's
// stored results: per-result age in hours -> weight exp(-age*0.01).
func decayedSuccessRate(results []Result, now time.Time) float64 {
	var wSum, successSum float64
	for _, r := range results {
		ageHours := now.Sub(r.Timestamp).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		w := math.Exp(-ageHours * 0.01)
		wSum += w
		if r.Success {
			successSum += w
		}
	}
	if wSum == 0 {
		return 0
	}
	return successSum / wSum
}

// Distance is the weighted Euclidean distance between two vectors.
func Distance(a, b types.FeatureVector, weights [types.FeatureLen]float64) float64 {
	av, bv := a.Values(), b.Values()
	var num, den float64
	for i := range av {
		d := av[i] - bv[i]
		num += weights[i] * d * d
		den += weights[i]
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

// Similarity converts a distance into a bounded similarity score.
// sim(a,a) == 1 and sim is symmetric because Distance is symmetric.
func Similarity(a, b types.FeatureVector, weights [types.FeatureLen]float64) float64 {
	d := Distance(a, b, weights)
	s := 1 - d/2
	if s < 0 {
		return 0
	}
	return s
}

// Evaluate runs the two-stage lookup described in spec section 4.2: an
// exact quantized-key hit first, falling back to weighted-similarity
// nearest-neighbor aggregation over same-length entries.
func (m *Memory) Evaluate(fv types.FeatureVector) Evaluation {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stat, ok := m.patterns[fv.Key()]; ok && stat.TimesSeen >= m.cfg.MinMatches {
		overallWinRate := float64(stat.Wins) / float64(stat.TimesSeen)
		avgPnL := stat.TotalPnL / float64(stat.TimesSeen)
		recentWinRate := decayedSuccessRate(stat.Results, now)
		confidence := 0.7*overallWinRate + 0.3*recentWinRate
		eval := Evaluation{
			Confidence: confidence, Direction: directionFromPnL(avgPnL), ExactMatch: true,
			TimesSeen: stat.TimesSeen, WinRate: overallWinRate, AvgPnL: avgPnL,
			Reason: "exact_match",
		}
		if confidence >= m.cfg.ConfidenceThreshold {
			return eval
		}
		return zeroHold("exact_match_below_threshold")
	}

	type neighbor struct {
		stat *Stat
		sim  float64
	}
	var neighbors []neighbor
	for _, stat := range m.patterns {
		if stat.Length != fv.Len() {
			continue
		}
		other, err := types.NewFeatureVector(fixedFromSlice(stat.Values))
		if err != nil {
			continue
		}
		sim := Similarity(fv, other, m.cfg.Weights)
		if sim >= m.cfg.SimilarityThreshold {
			neighbors = append(neighbors, neighbor{stat, sim})
		}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].sim > neighbors[j].sim })
	if len(neighbors) > m.cfg.MaxNeighbors {
		neighbors = neighbors[:m.cfg.MaxNeighbors]
	}

	var qualified []neighbor
	for _, n := range neighbors {
		if n.stat.TimesSeen >= m.cfg.MinMatches {
			qualified = append(qualified, n)
		}
	}
	if len(qualified) == 0 {
		return zeroHold("no_qualified_neighbors")
	}

	var simSum, weightedPnL, weightedWinRate, simTotal float64
	var timesSeenSum int
	for _, n := range qualified {
		winRate := float64(n.stat.Wins) / float64(n.stat.TimesSeen)
		avgPnL := n.stat.TotalPnL / float64(n.stat.TimesSeen)
		weightedPnL += n.sim * avgPnL
		weightedWinRate += n.sim * winRate
		simSum += n.sim
		simTotal += n.sim
		timesSeenSum += n.stat.TimesSeen
	}
	if simSum == 0 {
		return zeroHold("zero_similarity_weight")
	}
	avgPnL := weightedPnL / simSum
	winRate := weightedWinRate / simSum
	meanSim := simTotal / float64(len(qualified))
	confidence := winRate * meanSim

	eval := Evaluation{
		Confidence: confidence, Direction: directionFromPnL(avgPnL), ExactMatch: false,
		TimesSeen: timesSeenSum, WinRate: winRate, AvgPnL: avgPnL, Reason: "neighbor_aggregate",
	}
	if confidence >= m.cfg.ConfidenceThreshold {
		return eval
	}
	return zeroHold("neighbor_aggregate_below_threshold")
}

func zeroHold(reason string) Evaluation {
	return Evaluation{Direction: Hold, Reason: reason}
}

func directionFromPnL(avgPnL float64) Direction {
	switch {
	case avgPnL > 0:
		return Buy
	case avgPnL < 0:
		return Sell
	default:
		return Hold
	}
}

func fixedFromSlice(s []float64) [types.FeatureLen]float64 {
	var out [types.FeatureLen]float64
	for i := 0; i < types.FeatureLen && i < len(s); i++ {
		out[i] = s[i]
	}
	return out
}

// persisted is the on-disk shape: pattern-memory.{mode}.json.
type persisted struct {
	Count     int              `json:"count"`
	Patterns  map[string]*Stat `json:"patterns"`
	Timestamp time.Time        `json:"timestamp"`
}

func (m *Memory) path() string {
	return filepath.Join(m.dataDir, fmt.Sprintf("pattern-memory.%s.json", m.mode))
}

// Save forces an immediate snapshot write, used on clean shutdown.
func (m *Memory) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

func (m *Memory) save() error {
	if m.mode == ModeBacktest {
		return nil
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	p := persisted{Count: len(m.patterns), Patterns: m.patterns, Timestamp: time.Now()}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path())
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode pattern memory: %w", err)
	}
	if p.Patterns == nil {
		p.Patterns = make(map[string]*Stat)
	}
	m.patterns = p.Patterns
	m.uniqueCount = len(m.patterns)
	return nil
}
