package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/adconfirm/internal/models"
)

var _ Service = (*MockLedger)(nil)

// MockLedger is an in-memory Service for tests and for running without
// ClickHouse. Err, when set, is returned by every call.
type MockLedger struct {
	mu  sync.Mutex
	txs map[string]models.TransactionInfo
	Err error
}

func NewMockLedger() *MockLedger {
	return &MockLedger{txs: map[string]models.TransactionInfo{}}
}

func (m *MockLedger) AddTransaction(_ context.Context, t models.TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.txs[t.ID] = t
	return nil
}

func (m *MockLedger) Reconcile(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, id := range ids {
		if t, ok := m.txs[id]; ok && !t.IsReconciled() {
			t.ReconciledAt = at.UTC()
			m.txs[id] = t
		}
	}
	return nil
}

func (m *MockLedger) GetTransactions(_ context.Context, from, to time.Time) ([]models.TransactionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.TransactionInfo
	for _, t := range m.txs {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			out = append(out, t)
		}
	}
	sortTransactions(out)
	return out, nil
}

func (m *MockLedger) Earnings(context.Context) (Earnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Earnings{}, m.Err
	}
	all := make([]models.TransactionInfo, 0, len(m.txs))
	for _, t := range m.txs {
		all = append(all, t)
	}
	return Summarize(all), nil
}

// All returns every transaction, oldest first.
func (m *MockLedger) All() []models.TransactionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TransactionInfo, 0, len(m.txs))
	for _, t := range m.txs {
		out = append(out, t)
	}
	sortTransactions(out)
	return out
}

func sortTransactions(txs []models.TransactionInfo) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}
