package journal

import "time"

// QueryFilter narrows Query results; zero-valued fields are not applied.
type QueryFilter struct {
	Symbol    string
	Kind      EntryKind
	Regime    string
	Pattern   string
	Reason    string
	Since     time.Time
	Until     time.Time
}

func (f QueryFilter) matches(r Record) bool {
	if f.Symbol != "" && r.Symbol != f.Symbol {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Regime != "" && r.Regime != f.Regime {
		return false
	}
	if f.Reason != "" && r.Reason != f.Reason {
		return false
	}
	if f.Pattern != "" {
		found := false
		for _, p := range r.Patterns {
			if p == f.Pattern {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns records in reverse-chronological order, paginated from the
// bounded in-memory window (older history remains on disk, not served).
func (j *Journal) Query(offset, limit int) []Record {
	return j.QueryFiltered(QueryFilter{}, offset, limit)
}

// QueryFiltered is Query with filters applied before pagination (spec
// section 4.7: "paginated trade history with filters").
func (j *Journal) QueryFiltered(filter QueryFilter, offset, limit int) []Record {
	j.mu.Lock()
	records := make([]Record, len(j.records))
	copy(records, j.records)
	j.mu.Unlock()

	matched := make([]Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if filter.matches(records[i]) {
			matched = append(matched, records[i])
		}
	}

	if offset >= len(matched) {
		return []Record{}
	}
	end := offset + limit
	if end > len(matched) || limit <= 0 {
		end = len(matched)
	}
	return matched[offset:end]
}

// BreakdownLine is one key's stats in a breakdown report.
type BreakdownLine struct {
	Key   string `json:"key"`
	Stats Stats  `json:"stats"`
}

func sortedBreakdown(m map[string]*Stats) []BreakdownLine {
	out := make([]BreakdownLine, 0, len(m))
	for k, v := range m {
		out = append(out, BreakdownLine{Key: k, Stats: *v})
	}
	sortBreakdownLines(out)
	return out
}

func sortBreakdownLines(lines []BreakdownLine) {
	for i := 1; i < len(lines); i++ {
		for k := i; k > 0 && lines[k].Stats.TotalPnL > lines[k-1].Stats.TotalPnL; k-- {
			lines[k], lines[k-1] = lines[k-1], lines[k]
		}
	}
}

// ByRegime returns the performance breakdown by market regime.
func (j *Journal) ByRegime() []BreakdownLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBreakdown(j.byRegime)
}

// ByPattern returns the performance breakdown by pattern name.
func (j *Journal) ByPattern() []BreakdownLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBreakdown(j.byPattern)
}

// ByConfidenceBand returns the performance breakdown by confidence band.
func (j *Journal) ByConfidenceBand() []BreakdownLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBreakdown(j.byBand)
}

// ByExitReason returns the performance breakdown by exit reason.
func (j *Journal) ByExitReason() []BreakdownLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBreakdown(j.byReason)
}

// ByMonth returns the performance breakdown by UTC year-month.
func (j *Journal) ByMonth() []BreakdownLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBreakdown(j.byMonth)
}

// HourLine is one hour-of-day's stats.
type HourLine struct {
	Hour  int   `json:"hour"`
	Stats Stats `json:"stats"`
}

// ByHourOfDay returns the performance breakdown by UTC hour of day (0-23).
func (j *Journal) ByHourOfDay() []HourLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]HourLine, 0, 24)
	for h := 0; h < 24; h++ {
		if st := j.byHour[h]; st != nil {
			out = append(out, HourLine{Hour: h, Stats: *st})
		}
	}
	return out
}

// DOWLine is one day-of-week's stats.
type DOWLine struct {
	Weekday int   `json:"weekday"` // time.Sunday == 0
	Stats   Stats `json:"stats"`
}

// ByDayOfWeek returns the performance breakdown by day of week.
func (j *Journal) ByDayOfWeek() []DOWLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]DOWLine, 0, 7)
	for d := 0; d < 7; d++ {
		if st := j.byDOW[d]; st != nil {
			out = append(out, DOWLine{Weekday: d, Stats: *st})
		}
	}
	return out
}

// DailySummaries returns the last n days' summaries, most recent last.
func (j *Journal) DailySummaries(n int) []DailySummary {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]DailySummary, 0, n)
	today := time.Now().UTC()
	for i := n - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		out = append(out, j.dailySummaryLocked(day))
	}
	return out
}

// Streaks returns the current win/loss streak state.
func (j *Journal) Streaks() StreakInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.streak
}
