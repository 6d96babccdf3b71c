package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry is a MetricsRegistry for tests. It counts calls keyed
// by method name and labels, e.g. "IncrementRefills:success".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	calls  map[string]int
	gauges map[string]int
}

func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{calls: map[string]int{}, gauges: map[string]int{}}
}

func (m *MockMetricsRegistry) record(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	key := name
	if len(labels) > 0 {
		key += ":" + strings.Join(labels, ":")
	}
	m.calls[key]++
}

// Count returns how many times the keyed call was recorded.
func (m *MockMetricsRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// Gauge returns the last value set for the pool.
func (m *MockMetricsRegistry) Gauge(pool string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[pool]
}

// Admin API metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.record("IncrementRequests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Token pool metrics
func (m *MockMetricsRegistry) SetTokenPoolSize(pool string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = map[string]int{}
	}
	m.gauges[pool] = n
}
func (m *MockMetricsRegistry) IncrementPersistErrors(store string) {
	m.record("IncrementPersistErrors", store)
}

// Manager outcome metrics
func (m *MockMetricsRegistry) IncrementRefills(outcome string) {
	m.record("IncrementRefills", outcome)
}
func (m *MockMetricsRegistry) AddRefilledTokens(n int) {}
func (m *MockMetricsRegistry) IncrementConfirmations(confirmationType, outcome string) {
	m.record("IncrementConfirmations", confirmationType, outcome)
}
func (m *MockMetricsRegistry) IncrementPayouts(outcome string) {
	m.record("IncrementPayouts", outcome)
}

// Ads server metrics
func (m *MockMetricsRegistry) IncrementAdsServerRequests(endpoint, status string) {
	m.record("IncrementAdsServerRequests", endpoint, status)
}
func (m *MockMetricsRegistry) RecordAdsServerLatency(endpoint string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementRateLimitHits(endpoint string) {
	m.record("IncrementRateLimitHits", endpoint)
}

// Queue metrics
func (m *MockMetricsRegistry) IncrementAdEvents(adType, confirmationType string) {
	m.record("IncrementAdEvents", adType, confirmationType)
}
func (m *MockMetricsRegistry) IncrementConversions(outcome string) {
	m.record("IncrementConversions", outcome)
}

var _ MetricsRegistry = (*MockMetricsRegistry)(nil)
