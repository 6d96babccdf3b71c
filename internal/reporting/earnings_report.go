// Package reporting provides earnings reporting over the transaction ledger.
// It aggregates confirmed ad interactions into totals, daily breakdowns,
// per ad type figures and creative performance.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
)

const topCreativesLimit = 10

// EarningsMetrics represents earnings over a period. Values are in BAT.
type EarningsMetrics struct {
	Date         time.Time `json:"date"`         // Day for daily metrics, report end for totals
	Transactions int64     `json:"transactions"` // Confirmed ad interactions
	Views        int64     `json:"views"`        // View confirmations
	Clicks       int64     `json:"clicks"`       // Click confirmations
	Conversions  int64     `json:"conversions"`  // Conversion confirmations
	Earned       float64   `json:"earned"`       // Value of all transactions
	Reconciled   float64   `json:"reconciled"`   // Value already paid out
	CTR          float64   `json:"ctr"`          // Clicks per view as a percentage
	PerThousand  float64   `json:"per_thousand"` // Earned per 1000 views
}

// AdTypeMetrics breaks earnings down by ad type.
type AdTypeMetrics struct {
	AdType       models.AdType `json:"ad_type"`
	Transactions int64         `json:"transactions"`
	Earned       float64       `json:"earned"`
	Share        float64       `json:"share"` // Percentage of total earnings
}

// CreativeMetrics represents performance of a single creative instance.
type CreativeMetrics struct {
	CreativeInstanceID string  `json:"creative_instance_id"`
	Views              int64   `json:"views"`
	Clicks             int64   `json:"clicks"`
	CTR                float64 `json:"ctr"`
	Earned             float64 `json:"earned"`
}

// EarningsSummary is a full earnings report for the trailing days.
type EarningsSummary struct {
	From          time.Time         `json:"from"`
	To            time.Time         `json:"to"`
	TotalMetrics  EarningsMetrics   `json:"total_metrics"`
	DailyMetrics  []EarningsMetrics `json:"daily_metrics"`   // Oldest day first
	AdTypeMetrics []AdTypeMetrics   `json:"ad_type_metrics"` // Highest earnings first
	TopCreatives  []CreativeMetrics `json:"top_creatives"`   // Highest earnings first
}

// GenerateEarningsReport reads the ledger for the days ending at now and
// assembles the report.
func GenerateEarningsReport(ctx context.Context, l ledger.Service, days int, now time.Time) (*EarningsSummary, error) {
	if days < 1 {
		days = 1
	}
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)

	txs, err := l.GetTransactions(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	return Summarize(txs, start, end), nil
}

// Summarize builds a report from txs, which must fall in [from, to).
func Summarize(txs []models.TransactionInfo, from, to time.Time) *EarningsSummary {
	summary := &EarningsSummary{From: from, To: to}
	summary.TotalMetrics.Date = to

	daily := map[time.Time]*EarningsMetrics{}
	adTypes := map[models.AdType]*AdTypeMetrics{}
	creatives := map[string]*CreativeMetrics{}

	for _, tx := range txs {
		day := time.Date(tx.CreatedAt.Year(), tx.CreatedAt.Month(), tx.CreatedAt.Day(), 0, 0, 0, 0, time.UTC)
		dm, ok := daily[day]
		if !ok {
			dm = &EarningsMetrics{Date: day}
			daily[day] = dm
		}
		add(dm, tx)
		add(&summary.TotalMetrics, tx)

		at, ok := adTypes[tx.AdType]
		if !ok {
			at = &AdTypeMetrics{AdType: tx.AdType}
			adTypes[tx.AdType] = at
		}
		at.Transactions++
		at.Earned += tx.Value

		cm, ok := creatives[tx.CreativeInstanceID]
		if !ok {
			cm = &CreativeMetrics{CreativeInstanceID: tx.CreativeInstanceID}
			creatives[tx.CreativeInstanceID] = cm
		}
		switch tx.ConfirmationType {
		case models.ConfirmationTypeViewed:
			cm.Views++
		case models.ConfirmationTypeClicked:
			cm.Clicks++
		}
		cm.Earned += tx.Value
	}

	finish(&summary.TotalMetrics)
	for _, dm := range daily {
		finish(dm)
		summary.DailyMetrics = append(summary.DailyMetrics, *dm)
	}
	sort.Slice(summary.DailyMetrics, func(i, j int) bool {
		return summary.DailyMetrics[i].Date.Before(summary.DailyMetrics[j].Date)
	})

	for _, at := range adTypes {
		if summary.TotalMetrics.Earned > 0 {
			at.Share = at.Earned / summary.TotalMetrics.Earned * 100
		}
		summary.AdTypeMetrics = append(summary.AdTypeMetrics, *at)
	}
	sort.Slice(summary.AdTypeMetrics, func(i, j int) bool {
		a, b := summary.AdTypeMetrics[i], summary.AdTypeMetrics[j]
		if a.Earned != b.Earned {
			return a.Earned > b.Earned
		}
		return a.AdType < b.AdType
	})

	for _, cm := range creatives {
		if cm.Views > 0 {
			cm.CTR = float64(cm.Clicks) / float64(cm.Views) * 100
		}
		summary.TopCreatives = append(summary.TopCreatives, *cm)
	}
	sort.Slice(summary.TopCreatives, func(i, j int) bool {
		a, b := summary.TopCreatives[i], summary.TopCreatives[j]
		if a.Earned != b.Earned {
			return a.Earned > b.Earned
		}
		return a.CreativeInstanceID < b.CreativeInstanceID
	})
	if len(summary.TopCreatives) > topCreativesLimit {
		summary.TopCreatives = summary.TopCreatives[:topCreativesLimit]
	}
	return summary
}

func add(m *EarningsMetrics, tx models.TransactionInfo) {
	m.Transactions++
	m.Earned += tx.Value
	if tx.IsReconciled() {
		m.Reconciled += tx.Value
	}
	switch tx.ConfirmationType {
	case models.ConfirmationTypeViewed:
		m.Views++
	case models.ConfirmationTypeClicked:
		m.Clicks++
	case models.ConfirmationTypeConversion:
		m.Conversions++
	}
}

func finish(m *EarningsMetrics) {
	if m.Views > 0 {
		m.CTR = float64(m.Clicks) / float64(m.Views) * 100
		m.PerThousand = m.Earned / float64(m.Views) * 1000
	}
}
