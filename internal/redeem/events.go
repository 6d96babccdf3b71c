package redeem

import "github.com/patrickwarner/adconfirm/internal/models"

const eventBuffer = 64

// Event is emitted on the manager's event channel.
type Event interface {
	isRedeemEvent()
}

// RedeemedOptedIn reports a confirmation whose payment token was signed,
// verified and stored.
type RedeemedOptedIn struct {
	Confirmation models.ConfirmationInfo
	PaymentToken models.UnblindedPaymentTokenInfo
}

// RedeemedOptedOut reports an accepted confirmation that earns nothing.
type RedeemedOptedOut struct {
	Confirmation models.ConfirmationInfo
}

// Failed reports a confirmation that could not be redeemed. When ShouldRetry
// is false the confirmation has been dropped.
type Failed struct {
	Confirmation  models.ConfirmationInfo
	ShouldRetry   bool
	ShouldBackoff bool
	Err           error
}

// TokenPoolExhausted reports an opted-in redemption that found no token.
type TokenPoolExhausted struct {
	Event models.AdEventInfo
}

func (RedeemedOptedIn) isRedeemEvent()    {}
func (RedeemedOptedOut) isRedeemEvent()   {}
func (Failed) isRedeemEvent()             {}
func (TokenPoolExhausted) isRedeemEvent() {}
