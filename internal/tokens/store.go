// Package tokens implements the ordered token pools spent by confirmations
// and redeemed by payouts.
//
// A Store keeps its entries in insertion order and hands them out oldest
// first, so tokens are spent before they age out. Every mutation saves the
// full collection through the store's Persister before returning.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/observability"
)

const saveTimeout = 5 * time.Second

// Store is a FIFO collection of T backed by a Persister. It is safe for
// concurrent use; each operation is applied and persisted atomically with
// respect to the others.
type Store[T any] struct {
	mu        sync.Mutex
	name      string
	tokens    []T
	equal     func(a, b T) bool
	persister Persister[T]
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
}

// NewStore creates an empty store. name labels the pool in logs and metrics.
func NewStore[T any](name string, equal func(a, b T) bool, persister Persister[T], logger *zap.Logger, metrics observability.MetricsRegistry) *Store[T] {
	if persister == nil {
		persister = NopPersister[T]{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Store[T]{
		name:      name,
		equal:     equal,
		persister: persister,
		logger:    logger,
		metrics:   metrics,
	}
}

// Name returns the pool name.
func (s *Store[T]) Name() string { return s.name }

// Load replaces the in-memory contents with the persisted collection.
func (s *Store[T]) Load(ctx context.Context) error {
	items, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = items
	s.metrics.SetTokenPoolSize(s.name, len(s.tokens))
	return nil
}

// GetToken returns the oldest entry. Calling it on an empty store is a
// programming error and panics; guard with IsEmpty.
func (s *Store[T]) GetToken() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		panic("tokens: GetToken called on empty " + s.name + " pool")
	}
	return s.tokens[0]
}

// GetAllTokens returns a copy of the entries in order.
func (s *Store[T]) GetAllTokens() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// SetTokens replaces the entire contents.
func (s *Store[T]) SetTokens(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append([]T(nil), items...)
	s.saveLocked()
}

// AddTokens appends items. Duplicates are not detected.
func (s *Store[T]) AddTokens(items []T) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, items...)
	s.saveLocked()
}

// RemoveToken removes the first entry equal to item and reports whether one
// was removed.
func (s *Store[T]) RemoveToken(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tokens {
		if s.equal(s.tokens[i], item) {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			s.saveLocked()
			return true
		}
	}
	return false
}

// RemoveTokens removes every entry equal to one of items. Items not present
// are ignored.
func (s *Store[T]) RemoveTokens(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tokens[:0]
	removed := 0
	for _, t := range s.tokens {
		if s.containsAny(items, t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	// clear the tail so removed entries can be collected
	var zero T
	for i := len(kept); i < len(s.tokens); i++ {
		s.tokens[i] = zero
	}
	s.tokens = kept
	if removed > 0 {
		s.saveLocked()
	}
}

// RemoveAllTokens clears the store.
func (s *Store[T]) RemoveAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	s.saveLocked()
}

// TokenExists reports whether an entry equal to item is present.
func (s *Store[T]) TokenExists(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containsAny(s.tokens, item)
}

func (s *Store[T]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Store[T]) IsEmpty() bool {
	return s.Count() == 0
}

func (s *Store[T]) containsAny(items []T, item T) bool {
	for _, t := range items {
		if s.equal(t, item) {
			return true
		}
	}
	return false
}

// saveLocked persists the current contents. Failures are logged and counted;
// the in-memory state stays authoritative until the next successful save.
func (s *Store[T]) saveLocked() {
	s.metrics.SetTokenPoolSize(s.name, len(s.tokens))

	snapshot := make([]T, len(s.tokens))
	copy(snapshot, s.tokens)

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.metrics.IncrementPersistErrors(s.name)
		s.logger.Error("failed to persist token pool",
			zap.String("pool", s.name),
			zap.Int("count", len(snapshot)),
			zap.Error(err))
	}
}
