package account

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/ledger"
	"github.com/patrickwarner/adconfirm/internal/models"
)

// Status is a snapshot of the account.
type Status struct {
	OptedIn               bool      `json:"opted_in"`
	ConfirmationTokens    int       `json:"confirmation_tokens"`
	PaymentTokens         int       `json:"payment_tokens"`
	FailedConfirmations   int       `json:"failed_confirmations"`
	NextTokenRedemptionAt time.Time `json:"next_token_redemption_at,omitempty"`
	RefillRetrying        bool      `json:"refill_retrying"`
	PayoutRetrying        bool      `json:"payout_retrying"`
	CaptchaID             string    `json:"captcha_id,omitempty"`
	IssuersPing           int64     `json:"issuers_ping,omitempty"`
	// EstimatedPendingRewards is the value of the payment tokens awaiting
	// payout.
	EstimatedPendingRewards float64          `json:"estimated_pending_rewards"`
	AdsReceivedThisMonth    int              `json:"ads_received_this_month"`
	Earnings                *ledger.Earnings `json:"earnings,omitempty"`
}

// Status reports pool sizes, payout schedule and earnings. Ledger figures
// are left out when the ledger cannot be read.
func (a *Account) Status(ctx context.Context) Status {
	info, hasIssuers := a.Issuers.Issuers()
	s := Status{
		OptedIn:               a.Redeem.OptedIn(),
		ConfirmationTokens:    a.Tokens.Count(),
		PaymentTokens:         a.Payments.Count(),
		FailedConfirmations:   a.Failed.Count(),
		NextTokenRedemptionAt: a.Payout.NextTokenRedemptionAt(),
		RefillRetrying:        a.Refill.IsRetrying(),
		PayoutRetrying:        a.Payout.IsRetrying(),
		CaptchaID:             a.Refill.CaptchaID(),
	}
	if hasIssuers {
		s.IssuersPing = info.Ping
		for _, t := range a.Payments.GetAllTokens() {
			if v, ok := info.AssociatedValue(models.IssuerTypePayments, t.PublicKey); ok {
				s.EstimatedPendingRewards += v
			}
		}
	}

	if e, err := a.Ledger.Earnings(ctx); err == nil {
		s.Earnings = &e
	} else {
		a.logger.Debug("ledger earnings unavailable", zap.Error(err))
	}

	now := a.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if txs, err := a.Ledger.GetTransactions(ctx, monthStart, now.Add(time.Nanosecond)); err == nil {
		for _, t := range txs {
			if t.AdType == models.AdTypeNotification && t.Value > 0 {
				s.AdsReceivedThisMonth++
			}
		}
	}
	return s
}
