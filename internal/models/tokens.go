package models

import "github.com/patrickwarner/adconfirm/internal/cbr"

// UnblindedTokenInfo is an entry in the confirmation token pool.
type UnblindedTokenInfo struct {
	Value     cbr.UnblindedToken
	PublicKey cbr.PublicKey
}

func (t UnblindedTokenInfo) IsValid() bool {
	return t.Value.HasValue() && t.PublicKey.HasValue()
}

// UnblindedPaymentTokenInfo is an entry in the payment token pool.
type UnblindedPaymentTokenInfo struct {
	TransactionID    string
	Value            cbr.UnblindedToken
	PublicKey        cbr.PublicKey
	ConfirmationType ConfirmationType
	AdType           AdType
}

func (t UnblindedPaymentTokenInfo) IsValid() bool {
	return t.TransactionID != "" && t.Value.HasValue() && t.PublicKey.HasValue() &&
		t.ConfirmationType.IsValid() && t.AdType.IsValid()
}
