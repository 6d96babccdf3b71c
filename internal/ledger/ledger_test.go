package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adconfirm/internal/models"
)

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func testTransaction(id string, value float64, at time.Time) models.TransactionInfo {
	return models.TransactionInfo{
		ID:                 id,
		CreatedAt:          at,
		CreativeInstanceID: "3519f52c-46a4-4c48-9c2b-c264c0067f04",
		Value:              value,
		AdType:             models.AdTypeNotification,
		ConfirmationType:   models.ConfirmationTypeViewed,
	}
}

func TestSummarize(t *testing.T) {
	paid := testTransaction("a", 0.05, base)
	paid.ReconciledAt = base.Add(time.Hour)
	txs := []models.TransactionInfo{
		paid,
		testTransaction("b", 0.01, base),
		testTransaction("c", 0.02, base),
	}

	e := Summarize(txs)
	assert.InDelta(t, 0.03, e.Pending, 1e-9)
	assert.Equal(t, 2, e.PendingCount)
	assert.InDelta(t, 0.05, e.Reconciled, 1e-9)
	assert.Equal(t, 1, e.ReconciledCount)
	assert.Equal(t, Earnings{}, Summarize(nil))
}

func TestLedger_NilIsUnavailable(t *testing.T) {
	var l *Ledger
	ctx := context.Background()
	assert.ErrorIs(t, l.AddTransaction(ctx, testTransaction("a", 1, base)), ErrUnavailable)
	assert.ErrorIs(t, l.Reconcile(ctx, []string{"a"}, base), ErrUnavailable)
	_, err := l.GetTransactions(ctx, base, base.Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = l.Earnings(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	l.Close()

	assert.ErrorIs(t, (&Ledger{}).AddTransaction(ctx, testTransaction("a", 1, base)), ErrUnavailable)
}

func TestMockLedger_Reconcile(t *testing.T) {
	l := NewMockLedger()
	ctx := context.Background()
	require.NoError(t, l.AddTransaction(ctx, testTransaction("a", 0.01, base)))
	require.NoError(t, l.AddTransaction(ctx, testTransaction("b", 0.02, base.Add(time.Minute))))

	require.NoError(t, l.Reconcile(ctx, []string{"a", "unknown"}, base.Add(time.Hour)))
	// a second payout does not move the reconciliation date
	require.NoError(t, l.Reconcile(ctx, []string{"a"}, base.Add(2*time.Hour)))

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, base.Add(time.Hour), all[0].ReconciledAt)
	assert.False(t, all[1].IsReconciled())

	e, err := l.Earnings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.PendingCount)
	assert.InDelta(t, 0.02, e.Pending, 1e-9)
}

func TestMockLedger_GetTransactionsRange(t *testing.T) {
	l := NewMockLedger()
	ctx := context.Background()
	require.NoError(t, l.AddTransaction(ctx, testTransaction("late", 1, base.Add(2*time.Hour))))
	require.NoError(t, l.AddTransaction(ctx, testTransaction("early", 1, base)))
	require.NoError(t, l.AddTransaction(ctx, testTransaction("edge", 1, base.Add(time.Hour))))

	txs, err := l.GetTransactions(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "early", txs[0].ID)
}

func TestMockLedger_Err(t *testing.T) {
	l := NewMockLedger()
	l.Err = errors.New("down")
	assert.Error(t, l.AddTransaction(context.Background(), testTransaction("a", 1, base)))
	_, err := l.Earnings(context.Background())
	assert.Error(t, err)
}
