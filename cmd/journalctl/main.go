// Command journalctl reports on a trade ledger file, the library
// counterpart to the teacher's cmd/analyze_trades (which queried a live
// Binance account instead of a recorded ledger).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"spottrader/internal/journal"
)

func main() {
	ledgerPath := flag.String("ledger", "data/journal/trade-ledger.jsonl", "path to the NDJSON ledger file")
	format := flag.String("format", "table", "output format: table, csv, json, report")
	initialBalance := flag.Float64("initial-balance", 0, "initial account balance used to seed replayed stats")
	feeRate := flag.Float64("fee-rate", 0.001, "per-side fee rate used when the ledger was recorded")
	flag.Parse()

	j, err := journal.Open(*ledgerPath, *initialBalance, *feeRate, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	switch *format {
	case "csv":
		if err := journal.ExportCSV(os.Stdout, j.Query(0, 1<<20)); err != nil {
			fmt.Fprintf(os.Stderr, "export csv: %v\n", err)
			os.Exit(1)
		}
	case "json":
		if err := journal.ExportJSON(os.Stdout, j.Query(0, 1<<20)); err != nil {
			fmt.Fprintf(os.Stderr, "export json: %v\n", err)
			os.Exit(1)
		}
	case "report":
		report := j.BuildReport(time.Now().UTC(), 30)
		if err := journal.ExportJSONReport(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "export report: %v\n", err)
			os.Exit(1)
		}
	default:
		printTable(j)
	}
}

func printTable(j *journal.Journal) {
	overall := j.Overall()
	fmt.Println("=== TRADE JOURNAL SUMMARY ===")
	fmt.Printf("Total trades: %d  Wins: %d  Losses: %d  Win rate: %.1f%%\n",
		overall.TotalTrades, overall.WinningTrades, overall.LosingTrades, overall.WinRate())
	fmt.Printf("Total PnL: %+.2f  Avg PnL: %+.2f\n\n", overall.TotalPnL, overall.AvgPnL())

	lines := j.SymbolReport()
	if len(lines) == 0 {
		fmt.Println("No closed trades recorded.")
		return
	}

	fmt.Println("SYMBOL         TRADES  WINS  LOSSES   TOTAL PNL     AVG PNL   WIN RATE")
	for _, l := range lines {
		fmt.Printf("%-12s %7d %6d %7d  %+11.2f %+11.2f   %6.1f%%\n",
			l.Symbol, l.Stats.TotalTrades, l.Stats.WinningTrades, l.Stats.LosingTrades,
			l.Stats.TotalPnL, l.AvgPnL, l.WinRate)
	}
}
