// Earnings Report Tool prints an earnings report from the transaction ledger.
//
// This tool connects to the ClickHouse ledger and summarizes confirmed ad
// interactions: totals, a daily breakdown, earnings per ad type and the top
// creatives.
//
// Usage:
//
//	go run ./tools/earnings_report -days=30
//
// Configuration:
//
//	-days: Optional. Number of days to include in the report (default: 7)
//	-clickhouse-dsn: Optional. ClickHouse connection string (default: CLICKHOUSE_DSN)
//	-json: Optional. Print the report as JSON
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/observability"
	"github.com/patrickwarner/adconfirm/internal/reporting"
)

func main() {
	cfg := config.Load()
	var (
		days    = flag.Int("days", 7, "Number of days to include in report")
		dsn     = flag.String("clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse DSN")
		asJSON  = flag.Bool("json", false, "Print the report as JSON")
		timeout = flag.Duration("timeout", 30*time.Second, "Query timeout")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	l, err := ledger.InitClickHouse(ctx, *dsn, observability.NewNoOpRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	summary, err := reporting.GenerateEarningsReport(ctx, l, *days, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printEarningsReport(summary, *days)
}

const rule = "───────────────────────────────────────────────────────────────────────────────────\n"

// printEarningsReport outputs the report as aligned tables on stdout.
func printEarningsReport(summary *reporting.EarningsSummary, days int) {
	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
	fmt.Printf("                                  EARNINGS REPORT                                  \n")
	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
	fmt.Printf("Report Period: %d days (%s to %s)\n", days,
		summary.From.Format("2006-01-02"), summary.To.AddDate(0, 0, -1).Format("2006-01-02"))
	fmt.Printf("Generated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	total := summary.TotalMetrics
	fmt.Printf("OVERALL\n")
	fmt.Print(rule)
	fmt.Printf("Transactions:   %s\n", formatNumber(total.Transactions))
	fmt.Printf("Views:          %s\n", formatNumber(total.Views))
	fmt.Printf("Clicks:         %s\n", formatNumber(total.Clicks))
	fmt.Printf("Conversions:    %s\n", formatNumber(total.Conversions))
	fmt.Printf("Earned:         %.3f BAT\n", total.Earned)
	fmt.Printf("Paid out:       %.3f BAT\n", total.Reconciled)
	fmt.Printf("CTR:            %.2f%%\n", total.CTR)
	if total.PerThousand > 0 {
		fmt.Printf("Per 1000 views: %.3f BAT\n", total.PerThousand)
	}
	fmt.Printf("\n")

	if len(summary.DailyMetrics) > 0 {
		fmt.Printf("DAILY BREAKDOWN\n")
		fmt.Print(rule)
		fmt.Printf("Date        | Transactions |  Views | Clicks |   CTR   |   Earned  \n")
		fmt.Printf("------------|--------------|--------|--------|---------|-----------\n")
		for _, dm := range summary.DailyMetrics {
			fmt.Printf("%-10s  | %12s | %6s | %6s | %6.2f%% | %9.3f\n",
				dm.Date.Format("2006-01-02"),
				formatNumber(dm.Transactions),
				formatNumber(dm.Views),
				formatNumber(dm.Clicks),
				dm.CTR,
				dm.Earned,
			)
		}
		fmt.Printf("\n")
	}

	if len(summary.AdTypeMetrics) > 0 {
		fmt.Printf("AD TYPES\n")
		fmt.Print(rule)
		fmt.Printf("Ad Type              | Transactions |   Earned  |  Share \n")
		fmt.Printf("---------------------|--------------|-----------|--------\n")
		for _, at := range summary.AdTypeMetrics {
			fmt.Printf("%-20s | %12s | %9.3f | %5.1f%%\n",
				at.AdType, formatNumber(at.Transactions), at.Earned, at.Share)
		}
		fmt.Printf("\n")
	}

	if len(summary.TopCreatives) > 0 {
		fmt.Printf("TOP CREATIVES\n")
		fmt.Print(rule)
		fmt.Printf("Creative Instance                     |  Views | Clicks |   CTR   |   Earned  \n")
		fmt.Printf("--------------------------------------|--------|--------|---------|-----------\n")
		for _, c := range summary.TopCreatives {
			fmt.Printf("%-37s | %6s | %6s | %6.2f%% | %9.3f\n",
				c.CreativeInstanceID,
				formatNumber(c.Views),
				formatNumber(c.Clicks),
				c.CTR,
				c.Earned,
			)
		}
		fmt.Printf("\n")
	}

	if total.Transactions > 0 && total.Reconciled == 0 {
		fmt.Printf("No transactions have been paid out yet in this period.\n")
	}
	fmt.Printf("═══════════════════════════════════════════════════════════════════════════════════\n")
}

// formatNumber formats large integers with comma separators for improved readability.
// Example: 1234567 becomes "1,234,567"
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(digit)
	}
	return result
}
