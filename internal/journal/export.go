package journal

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// csvColumns fixes the export column order per spec section 6: callers
// relying on positional parsing (spreadsheets, downstream analysis scripts)
// get a stable contract across releases. Only close records are emitted --
// an open-only record has no exit side to report against these columns.
var csvColumns = []string{
	"Date", "Time_UTC", "Order_ID", "Direction", "Entry_Price", "Exit_Price",
	"Size_BTC", "USD_Value", "Gross_PnL", "Fees", "Net_PnL", "PnL_Percent",
	"Hold_Duration", "Exit_Reason", "Confidence", "Regime", "Patterns",
	"RSI", "MACD", "Trend", "Balance_After",
}

func csvRow(r Record) []string {
	ts := r.Timestamp.UTC()
	return []string{
		ts.Format("2006-01-02"),
		ts.Format("15:04:05"),
		r.PositionID,
		r.Side,
		strconv.FormatFloat(r.EntryPrice, 'f', 8, 64),
		strconv.FormatFloat(r.Price, 'f', 8, 64),
		strconv.FormatFloat(r.Size, 'f', 8, 64),
		strconv.FormatFloat(r.Price*r.Size, 'f', 2, 64),
		strconv.FormatFloat(r.GrossPnL, 'f', 2, 64),
		strconv.FormatFloat(r.Fees, 'f', 2, 64),
		strconv.FormatFloat(r.NetPnL, 'f', 2, 64),
		strconv.FormatFloat(r.PnLPct, 'f', 4, 64),
		time.Duration(r.HoldTimeMS * int64(time.Millisecond)).String(),
		r.Reason,
		strconv.FormatFloat(r.Confidence, 'f', 4, 64),
		r.Regime,
		strings.Join(r.Patterns, ";"),
		strconv.FormatFloat(r.Indicators["rsi"], 'f', 4, 64),
		strconv.FormatFloat(r.Indicators["macd_histogram"], 'f', 4, 64),
		strconv.FormatFloat(r.Indicators["trend"], 'f', 4, 64),
		strconv.FormatFloat(r.BalanceAfter, 'f', 2, 64),
	}
}

// ExportCSV writes every close record in records to w in the
// fixed column order, patterns joined with ';' since CSV has no native
// array type.
func ExportCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		if r.Kind != KindClose {
			continue
		}
		if err := cw.Write(csvRow(r)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSVRange writes close records whose timestamp falls within
// [since, until] (spec section 4.7 exports: "CSV over a timestamp range").
func (j *Journal) ExportCSVRange(w io.Writer, since, until time.Time) error {
	records := j.QueryFiltered(QueryFilter{Kind: KindClose, Since: since, Until: until}, 0, 1<<30)
	// QueryFiltered returns reverse-chronological; exports read naturally oldest-first.
	for i, k := 0, len(records)-1; i < k; i, k = i+1, k-1 {
		records[i], records[k] = records[k], records[i]
	}
	return ExportCSV(w, records)
}

// ExportJSON writes records as a JSON array, for callers that want
// structure preserved (notably the Patterns slice) rather than flattened.
func ExportJSON(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// SymbolReportLine is one row of the best/worst-performer report the
// teacher's trade-history analyzer prints (cmd/analyze_trades).
type SymbolReportLine struct {
	Symbol  string
	Stats   Stats
	AvgPnL  float64
	WinRate float64
}

// SymbolReport builds the ranked report lines for display.
func (j *Journal) SymbolReport() []SymbolReportLine {
	ranked := j.RankedBySymbolPnL()
	lines := make([]SymbolReportLine, 0, len(ranked))
	for _, r := range ranked {
		lines = append(lines, SymbolReportLine{
			Symbol: r.Symbol, Stats: r.Stats, AvgPnL: r.Stats.AvgPnL(), WinRate: r.Stats.WinRate(),
		})
	}
	return lines
}

// equityCurveCap is the point count spec section 4.7's JSON report fixes
// the exported equity curve to.
const equityCurveCap = 200

// Report is the full JSON export spec section 4.7 describes: stats,
// streaks, recent daily summaries, every breakdown, and a downsampled
// equity curve.
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Overall     OverallStats     `json:"overall"`
	Streaks     StreakInfo       `json:"streaks"`
	Daily       []DailySummary   `json:"daily_summaries"`
	ByRegime    []BreakdownLine  `json:"by_regime"`
	ByPattern   []BreakdownLine  `json:"by_pattern"`
	ByHour      []HourLine       `json:"by_hour_of_day"`
	ByDOW       []DOWLine        `json:"by_day_of_week"`
	ByBand      []BreakdownLine  `json:"by_confidence_band"`
	ByReason    []BreakdownLine  `json:"by_exit_reason"`
	ByMonth     []BreakdownLine  `json:"by_month"`
	Equity      []EquityPoint    `json:"equity_curve"`
}

// BuildReport assembles the full JSON report (spec section 4.7: "full JSON
// report combining stats, streaks, daily summaries, breakdowns, and a
// 200-point equity curve"). at stands in for time.Now() so callers in a
// deterministic context (tests, backtests) can pin GeneratedAt.
func (j *Journal) BuildReport(at time.Time, dailyDays int) Report {
	return Report{
		GeneratedAt: at,
		Overall:     j.Overall(),
		Streaks:     j.Streaks(),
		Daily:       j.DailySummaries(dailyDays),
		ByRegime:    j.ByRegime(),
		ByPattern:   j.ByPattern(),
		ByHour:      j.ByHourOfDay(),
		ByDOW:       j.ByDayOfWeek(),
		ByBand:      j.ByConfidenceBand(),
		ByReason:    j.ByExitReason(),
		ByMonth:     j.ByMonth(),
		Equity:      downsampleEquity(j.EquityCurve(), equityCurveCap),
	}
}

// ExportJSONReport writes the full JSON report to w.
func ExportJSONReport(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
