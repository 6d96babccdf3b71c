package models

import "time"

// TransactionInfo is an account ledger entry for a redeemed confirmation.
type TransactionInfo struct {
	ID                 string           `json:"id"`
	CreatedAt          time.Time        `json:"created_at"`
	CreativeInstanceID string           `json:"creative_instance_id"`
	Value              float64          `json:"value"`
	AdType             AdType           `json:"ad_type"`
	ConfirmationType   ConfirmationType `json:"confirmation_type"`
	ReconciledAt       time.Time        `json:"reconciled_at,omitempty"`
}

// IsReconciled reports whether the transaction has been paid out.
func (t TransactionInfo) IsReconciled() bool { return !t.ReconciledAt.IsZero() }
