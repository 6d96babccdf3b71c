package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it by injection instead of touching the Prometheus globals.
type MetricsRegistry interface {
	// Admin API metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Token pool metrics
	SetTokenPoolSize(pool string, n int)
	IncrementPersistErrors(store string)

	// Manager outcome metrics
	IncrementRefills(outcome string)
	AddRefilledTokens(n int)
	IncrementConfirmations(confirmationType, outcome string)
	IncrementPayouts(outcome string)

	// Ads server metrics
	IncrementAdsServerRequests(endpoint, status string)
	RecordAdsServerLatency(endpoint string, duration time.Duration)
	IncrementRateLimitHits(endpoint string)

	// Queue metrics
	IncrementAdEvents(adType, confirmationType string)
	IncrementConversions(outcome string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// Admin API metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Token pool metrics
func (r *PrometheusRegistry) SetTokenPoolSize(pool string, n int) {
	TokenPoolSize.WithLabelValues(pool).Set(float64(n))
}

func (r *PrometheusRegistry) IncrementPersistErrors(store string) {
	PersistErrors.WithLabelValues(store).Inc()
}

// Manager outcome metrics
func (r *PrometheusRegistry) IncrementRefills(outcome string) {
	RefillCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) AddRefilledTokens(n int) {
	RefilledTokens.Add(float64(n))
}

func (r *PrometheusRegistry) IncrementConfirmations(confirmationType, outcome string) {
	ConfirmationCount.WithLabelValues(confirmationType, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementPayouts(outcome string) {
	PayoutCount.WithLabelValues(outcome).Inc()
}

// Ads server metrics
func (r *PrometheusRegistry) IncrementAdsServerRequests(endpoint, status string) {
	AdsServerRequests.WithLabelValues(endpoint, status).Inc()
}

func (r *PrometheusRegistry) RecordAdsServerLatency(endpoint string, duration time.Duration) {
	AdsServerLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementRateLimitHits(endpoint string) {
	RateLimitHits.WithLabelValues(endpoint).Inc()
}

// Queue metrics
func (r *PrometheusRegistry) IncrementAdEvents(adType, confirmationType string) {
	AdEventCount.WithLabelValues(adType, confirmationType).Inc()
}

func (r *PrometheusRegistry) IncrementConversions(outcome string) {
	ConversionCount.WithLabelValues(outcome).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// Admin API metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Token pool metrics
func (r *NoOpRegistry) SetTokenPoolSize(pool string, n int) {}
func (r *NoOpRegistry) IncrementPersistErrors(store string) {}

// Manager outcome metrics
func (r *NoOpRegistry) IncrementRefills(outcome string)                         {}
func (r *NoOpRegistry) AddRefilledTokens(n int)                                 {}
func (r *NoOpRegistry) IncrementConfirmations(confirmationType, outcome string) {}
func (r *NoOpRegistry) IncrementPayouts(outcome string)                         {}

// Ads server metrics
func (r *NoOpRegistry) IncrementAdsServerRequests(endpoint, status string)             {}
func (r *NoOpRegistry) RecordAdsServerLatency(endpoint string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementRateLimitHits(endpoint string)                         {}

// Queue metrics
func (r *NoOpRegistry) IncrementAdEvents(adType, confirmationType string) {}
func (r *NoOpRegistry) IncrementConversions(outcome string)               {}
