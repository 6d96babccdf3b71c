package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total admin API requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_api_requests_total",
			Help: "Total admin API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// admin API latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adconfirm_api_request_duration_seconds",
			Help:    "Histogram of admin API request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// current number of entries per token pool
	TokenPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adconfirm_token_pool_size",
			Help: "Number of entries held in each token pool",
		},
		[]string{"pool"},
	)

	// number of errors persisting a pool or queue
	PersistErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_persist_errors_total",
			Help: "Total persistence errors per store",
		},
		[]string{"store"},
	)

	// refill attempts labelled by outcome
	RefillCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_refills_total",
			Help: "Total token refill attempts",
		},
		[]string{"outcome"},
	)

	// unblinded tokens added by successful refills
	RefilledTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adconfirm_refilled_tokens_total",
			Help: "Total confirmation tokens obtained by refills",
		},
	)

	// confirmation redemptions labelled by confirmation type and outcome
	ConfirmationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_confirmations_total",
			Help: "Total confirmation redemptions",
		},
		[]string{"type", "outcome"},
	)

	// payment token payouts labelled by outcome
	PayoutCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_payouts_total",
			Help: "Total payment token redemptions",
		},
		[]string{"outcome"},
	)

	// requests sent to the ads server per endpoint and status
	AdsServerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_ads_server_requests_total",
			Help: "Total requests sent to the ads server",
		},
		[]string{"endpoint", "status"},
	)

	// latency of ads server calls
	AdsServerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adconfirm_ads_server_request_duration_seconds",
			Help:    "Duration of ads server requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// outbound requests that had to wait on the rate limiter
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_ratelimit_hits_total",
			Help: "Total ads server requests delayed by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// ad events logged, labelled by ad type and confirmation type
	AdEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_ad_events_total",
			Help: "Total ad events logged",
		},
		[]string{"ad_type", "confirmation_type"},
	)

	// conversions labelled by outcome (queued, processed, failed)
	ConversionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adconfirm_conversions_total",
			Help: "Total conversions handled",
		},
		[]string{"outcome"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		TokenPoolSize,
		PersistErrors,
		RefillCount,
		RefilledTokens,
		ConfirmationCount,
		PayoutCount,
		AdsServerRequests,
		AdsServerLatency,
		RateLimitHits,
		AdEventCount,
		ConversionCount,
	)
}
