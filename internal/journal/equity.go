package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EquityPoint is one append-only equity-curve sample (spec section 6's
// journal/equity-snapshots.jsonl).
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Balance   float64   `json:"balance"`
}

// replayEquity rebuilds the in-memory equity curve from the separate
// equity-snapshots file, independent of the trade ledger (spec section
// 4.7: "rebuild the equity curve from equity snapshots; recompute all
// stats from scratch" -- two distinct rebuild paths over two distinct
// files).
func (j *Journal) replayEquity() error {
	f, err := os.Open(j.equityPath())
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
		var p EquityPoint
		if err := json.Unmarshal(line, &p); err != nil {
			j.logger.Warn().Err(err).Msg("skipping malformed equity snapshot line on replay")
			continue
		}
		j.equity = append(j.equity, p)
		if p.Balance > j.peakBalance {
			j.peakBalance = p.Balance
		}
		j.balance = p.Balance
	}
	return scanner.Err()
}

// appendEquitySnapshotLocked appends one point to the equity-snapshot file
// and the in-memory curve. Caller must hold j.mu.
func (j *Journal) appendEquitySnapshotLocked(at time.Time, balance float64) error {
	p := EquityPoint{Timestamp: at, Balance: balance}
	j.equity = append(j.equity, p)

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal equity snapshot: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.equityFile.Write(data); err != nil {
		return fmt.Errorf("append equity snapshot: %w", err)
	}
	return j.equityFile.Sync()
}

// EquityCurve returns the full in-memory equity curve, oldest first.
func (j *Journal) EquityCurve() []EquityPoint {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]EquityPoint, len(j.equity))
	copy(out, j.equity)
	return out
}

// downsampleEquity reduces points to at most cap samples by picking evenly
// spaced indices, always keeping the first and last point (spec section
// 4.7's "200-point equity curve" export requirement).
func downsampleEquity(points []EquityPoint, cap int) []EquityPoint {
	if cap <= 0 || len(points) <= cap {
		return points
	}
	out := make([]EquityPoint, 0, cap)
	step := float64(len(points)-1) / float64(cap-1)
	for i := 0; i < cap; i++ {
		idx := int(float64(i) * step)
		if i == cap-1 || idx >= len(points) {
			idx = len(points) - 1
		}
		out = append(out, points[idx])
	}
	return out
}
