package journal

import (
	"encoding/json"
	"fmt"
	"os"
)

// statsCache is the rebuildable snapshot written to journal-stats.json
// (spec section 6): a convenience cache a dashboard or restart can read
// without replaying the whole ledger, never the source of truth itself.
type statsCache struct {
	Overall  OverallStats         `json:"overall"`
	BySymbol map[string]Stats     `json:"by_symbol"`
	Streak   StreakInfo           `json:"streak"`
}

// writeStatsCache serializes the current aggregates to journal-stats.json.
func (j *Journal) writeStatsCache() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeStatsCacheLocked()
}

// writeStatsCacheLocked is writeStatsCache's body; caller must hold j.mu.
func (j *Journal) writeStatsCacheLocked() error {
	cache := statsCache{
		Overall:  j.overall,
		BySymbol: cloneStatsMap(j.bySymbol),
		Streak:   j.streak,
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats cache: %w", err)
	}
	tmp := j.statsCachePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write stats cache: %w", err)
	}
	return os.Rename(tmp, j.statsCachePath())
}
