// Package ledger keeps the account's transaction history in ClickHouse.
//
// Every opted-in confirmation that earned a payment token becomes a
// transaction. A payout reconciles the transactions whose tokens it redeemed.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

// ErrUnavailable is returned when the ledger DB is not configured.
var ErrUnavailable = errors.New("ledger unavailable")

// Service records and reads transactions. Implementations return
// ErrUnavailable when their storage is not configured.
type Service interface {
	AddTransaction(ctx context.Context, t models.TransactionInfo) error
	// Reconcile marks the transactions with the given ids as paid out at.
	Reconcile(ctx context.Context, ids []string, at time.Time) error
	// GetTransactions returns the transactions created in [from, to), oldest first.
	GetTransactions(ctx context.Context, from, to time.Time) ([]models.TransactionInfo, error)
	Earnings(ctx context.Context) (Earnings, error)
}

// Earnings summarizes the ledger.
type Earnings struct {
	Pending         float64 `json:"pending"`
	PendingCount    int     `json:"pending_count"`
	Reconciled      float64 `json:"reconciled"`
	ReconciledCount int     `json:"reconciled_count"`
}

// Summarize totals txs by reconciliation state.
func Summarize(txs []models.TransactionInfo) Earnings {
	var e Earnings
	for _, t := range txs {
		if t.IsReconciled() {
			e.Reconciled += t.Value
			e.ReconciledCount++
			continue
		}
		e.Pending += t.Value
		e.PendingCount++
	}
	return e
}

const selectTransactions = `SELECT id, created_at, creative_instance_id, value, ad_type,
       confirmation_type, reconciled_at
FROM transactions FINAL`

// Ledger wraps a ClickHouse DB connection.
type Ledger struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// InitClickHouse connects to ClickHouse and ensures the transactions table
// exists. Rows are versioned so reconciling rewrites a transaction.
func InitClickHouse(ctx context.Context, dsn string, metrics observability.MetricsRegistry) (*Ledger, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS transactions (
       id                   String,
       created_at           Int64,
       creative_instance_id String,
       value                Float64,
       ad_type              LowCardinality(String),
       confirmation_type    LowCardinality(String),
       reconciled_at        Int64,
       version              UInt64
   ) ENGINE=ReplacingMergeTree(version) ORDER BY id`
	if _, err := db.ExecContext(ctx, create); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}

	zap.L().Info("Connected to ClickHouse ledger")
	return &Ledger{DB: db, Metrics: metrics}, nil
}

func (l *Ledger) AddTransaction(ctx context.Context, t models.TransactionInfo) error {
	if l == nil || l.DB == nil {
		return ErrUnavailable
	}
	if err := l.insert(ctx, []models.TransactionInfo{t}, 0); err != nil {
		return fmt.Errorf("add transaction: %w", err)
	}
	return nil
}

func (l *Ledger) Reconcile(ctx context.Context, ids []string, at time.Time) error {
	if l == nil || l.DB == nil {
		return ErrUnavailable
	}
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	pending, err := l.query(ctx, selectTransactions+` WHERE reconciled_at = 0 ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	var updated []models.TransactionInfo
	for _, t := range pending {
		if want[t.ID] {
			t.ReconciledAt = at.UTC()
			updated = append(updated, t)
		}
	}
	if len(updated) == 0 {
		return nil
	}
	if err := l.insert(ctx, updated, uint64(at.UnixNano())); err != nil {
		return fmt.Errorf("reconcile transactions: %w", err)
	}
	return nil
}

func (l *Ledger) GetTransactions(ctx context.Context, from, to time.Time) ([]models.TransactionInfo, error) {
	if l == nil || l.DB == nil {
		return nil, ErrUnavailable
	}
	return l.query(ctx, selectTransactions+` WHERE created_at >= ? AND created_at < ? ORDER BY created_at, id`,
		from.UnixNano(), to.UnixNano())
}

func (l *Ledger) Earnings(ctx context.Context) (Earnings, error) {
	if l == nil || l.DB == nil {
		return Earnings{}, ErrUnavailable
	}
	txs, err := l.query(ctx, selectTransactions)
	if err != nil {
		return Earnings{}, err
	}
	return Summarize(txs), nil
}

// insert writes rows in one batch. A higher version replaces earlier rows
// with the same id once ClickHouse merges them; reads use FINAL.
func (l *Ledger) insert(ctx context.Context, txs []models.TransactionInfo, version uint64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (id, created_at, creative_instance_id, value, ad_type, confirmation_type, reconciled_at, version)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range txs {
		var reconciledAt int64
		if t.IsReconciled() {
			reconciledAt = t.ReconciledAt.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.CreatedAt.UnixNano(), t.CreativeInstanceID, t.Value,
			string(t.AdType), string(t.ConfirmationType), reconciledAt, version); err != nil {
			l.Metrics.IncrementPersistErrors("ledger")
			zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("transaction_id", t.ID))
			return fmt.Errorf("append %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		l.Metrics.IncrementPersistErrors("ledger")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]models.TransactionInfo, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var txs []models.TransactionInfo
	for rows.Next() {
		var (
			t                       models.TransactionInfo
			createdAt, reconciledAt int64
			adType, ct              string
		)
		if err := rows.Scan(&t.ID, &createdAt, &t.CreativeInstanceID, &t.Value, &adType, &ct, &reconciledAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		if reconciledAt != 0 {
			t.ReconciledAt = time.Unix(0, reconciledAt).UTC()
		}
		t.AdType = models.AdType(adType)
		t.ConfirmationType = models.ConfirmationType(ct)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return txs, nil
}

// Close terminates the ClickHouse connection.
func (l *Ledger) Close() {
	if l != nil && l.DB != nil {
		if err := l.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

var _ Service = (*Ledger)(nil)
