package models

import (
	"time"

	"github.com/patrickwarner/adconfirm/internal/cbr"
)

// ConfirmationInfo is a single confirmation submitted to the server.
// OptedIn is nil for users who have not enabled rewards.
type ConfirmationInfo struct {
	ID                 string
	TransactionID      string
	CreativeInstanceID string
	Type               ConfirmationType
	AdType             AdType
	CreatedAt          time.Time
	WasCreated         bool
	OptedIn            *OptedInInfo
}

// OptedInInfo carries the token spent by a confirmation and the payment token
// requested in exchange.
type OptedInInfo struct {
	Token               UnblindedTokenInfo
	PaymentToken        cbr.Token
	BlindedPaymentToken cbr.BlindedToken
	UserData            map[string]string
	Credential          string
}

func (c ConfirmationInfo) IsValid() bool {
	if c.ID == "" || c.TransactionID == "" || c.CreativeInstanceID == "" ||
		!c.Type.IsValid() || !c.AdType.IsValid() || c.CreatedAt.IsZero() {
		return false
	}
	if c.OptedIn == nil {
		return true
	}
	return c.OptedIn.Token.IsValid() && c.OptedIn.PaymentToken.HasValue() &&
		c.OptedIn.BlindedPaymentToken.HasValue() && c.OptedIn.Credential != ""
}
