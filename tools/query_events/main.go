package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/adconfirm/internal/adevents"
	"github.com/patrickwarner/adconfirm/internal/config"
	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

// query_events prints logged ad events, or ledger transactions with
// -transactions, as JSON.
func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	var (
		since        time.Duration
		adType       string
		transactions bool
		summary      bool
		driver       string
		dsn          string
		chDSN        string
	)
	flag.DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	flag.StringVar(&adType, "type", "", "only events of this ad type")
	flag.BoolVar(&transactions, "transactions", false, "query ledger transactions instead of ad events")
	flag.BoolVar(&summary, "summary", false, "with -transactions, print earnings totals only")
	flag.StringVar(&driver, "driver", cfg.DBDriver, "event database driver")
	flag.StringVar(&dsn, "dsn", cfg.DBDSN, "event database DSN")
	flag.StringVar(&chDSN, "clickhouse", cfg.ClickHouseDSN, "ClickHouse DSN")
	flag.Parse()

	ctx := context.Background()
	var out any
	if transactions {
		out, err = queryLedger(ctx, chDSN, since, summary)
	} else {
		out, err = queryEvents(ctx, driver, dsn, since, models.AdType(adType))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}

func queryEvents(ctx context.Context, driver, dsn string, since time.Duration, adType models.AdType) ([]models.AdEventInfo, error) {
	conn, err := db.OpenSQL(ctx, driver, dsn, db.SQLOptions{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	defer db.CloseSQL(conn)

	store := adevents.New(conn, 0, nil, observability.NewNoOpRegistry())
	if adType != "" {
		if !adType.IsValid() {
			return nil, fmt.Errorf("unknown ad type %q", adType)
		}
		return store.GetForType(ctx, adType)
	}
	return store.GetSince(ctx, time.Now().Add(-since))
}

func queryLedger(ctx context.Context, dsn string, since time.Duration, summary bool) (any, error) {
	l, err := ledger.InitClickHouse(ctx, dsn, observability.NewNoOpRegistry())
	if err != nil {
		return nil, err
	}
	defer l.Close()

	if summary {
		return l.Earnings(ctx)
	}
	now := time.Now()
	return l.GetTransactions(ctx, now.Add(-since), now)
}
