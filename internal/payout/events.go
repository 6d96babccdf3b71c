package payout

import (
	"time"

	"github.com/patrickwarner/adconfirm/internal/models"
)

const eventBuffer = 64

// Event is emitted on the manager's event channel.
type Event interface {
	isPayoutEvent()
}

// Redeemed reports the payment tokens accepted for payout.
type Redeemed struct {
	Tokens []models.UnblindedPaymentTokenInfo
}

// ScheduledNext reports the date of the next redemption.
type ScheduledNext struct {
	At time.Time
}

type Failed struct {
	Err error
}

type WillRetry struct {
	At time.Time
}

type DidRetry struct{}

func (Redeemed) isPayoutEvent()      {}
func (ScheduledNext) isPayoutEvent() {}
func (Failed) isPayoutEvent()        {}
func (WillRetry) isPayoutEvent()     {}
func (DidRetry) isPayoutEvent()      {}
