package tokens

import (
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/db"
	"github.com/patrickwarner/adconfirm/internal/models"
	"github.com/patrickwarner/adconfirm/internal/observability"
)

// Pool names, also used as Redis key suffixes.
const (
	ConfirmationPool       = "confirmation_tokens"
	PaymentPool            = "payment_tokens"
	FailedConfirmationPool = "failed_confirmations"

	keyPrefix = "adconfirm:"
)

// ConfirmationTokens holds the unblinded tokens spent by confirmations.
type ConfirmationTokens = Store[models.UnblindedTokenInfo]

// PaymentTokens holds the unblinded payment tokens awaiting payout.
type PaymentTokens = Store[models.UnblindedPaymentTokenInfo]

// Confirmations holds confirmations queued for retry.
type Confirmations = Store[models.ConfirmationInfo]

func NewConfirmationTokens(p Persister[models.UnblindedTokenInfo], logger *zap.Logger, metrics observability.MetricsRegistry) *ConfirmationTokens {
	return NewStore(ConfirmationPool, func(a, b models.UnblindedTokenInfo) bool {
		return a.Value.Equal(b.Value)
	}, p, logger, metrics)
}

func NewPaymentTokens(p Persister[models.UnblindedPaymentTokenInfo], logger *zap.Logger, metrics observability.MetricsRegistry) *PaymentTokens {
	return NewStore(PaymentPool, func(a, b models.UnblindedPaymentTokenInfo) bool {
		return a.Value.Equal(b.Value)
	}, p, logger, metrics)
}

func NewConfirmations(p Persister[models.ConfirmationInfo], logger *zap.Logger, metrics observability.MetricsRegistry) *Confirmations {
	return NewStore(FailedConfirmationPool, func(a, b models.ConfirmationInfo) bool {
		return a.ID == b.ID
	}, p, logger, metrics)
}

// RedisPersisters returns Redis-backed persisters for the three pools.
func RedisPersisters(store *db.RedisStore) (Persister[models.UnblindedTokenInfo], Persister[models.UnblindedPaymentTokenInfo], Persister[models.ConfirmationInfo]) {
	return NewRedisPersister[models.UnblindedTokenInfo](store, keyPrefix+ConfirmationPool, UnblindedTokenCodec{}),
		NewRedisPersister[models.UnblindedPaymentTokenInfo](store, keyPrefix+PaymentPool, PaymentTokenCodec{}),
		NewRedisPersister[models.ConfirmationInfo](store, keyPrefix+FailedConfirmationPool, ConfirmationCodec{})
}
