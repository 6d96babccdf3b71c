package adsclient

// RequestSignedTokensRequest is the body of the token signing request.
type RequestSignedTokensRequest struct {
	BlindedTokens []string `json:"blindedTokens"`
}

type requestSignedTokensResponse struct {
	Nonce string `json:"nonce"`
}

// SignedTokens is the issuer's answer to a signing request.
type SignedTokens struct {
	BatchProof   string   `json:"batchProof"`
	SignedTokens []string `json:"signedTokens"`
	PublicKey    string   `json:"publicKey"`
}

type captchaResponse struct {
	CaptchaID string `json:"captcha_id"`
}

// ConfirmationPayload is the JSON body of a confirmation. For opted-in
// confirmations it is also the message signed by the spent token.
type ConfirmationPayload struct {
	TransactionID        string            `json:"transactionId"`
	CreativeInstanceID   string            `json:"creativeInstanceId"`
	Type                 string            `json:"type"`
	BlindedPaymentTokens []string          `json:"blindedPaymentTokens,omitempty"`
	PublicKey            string            `json:"publicKey,omitempty"`
	BuildChannel         string            `json:"buildChannel"`
	Platform             string            `json:"platform"`
	Payload              map[string]string `json:"payload"`
}

// Credential proves possession of an unblinded token.
type Credential struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Preimage  string `json:"t"`
}

// PaymentToken is the fetched result of an opted-in confirmation.
type PaymentToken struct {
	ID                 string               `json:"id"`
	CreatedAt          string               `json:"createdAt,omitempty"`
	Type               string               `json:"type,omitempty"`
	CreativeInstanceID string               `json:"creativeInstanceId,omitempty"`
	PaymentToken       *PaymentTokenSigning `json:"paymentToken,omitempty"`
}

type PaymentTokenSigning struct {
	PublicKey    string   `json:"publicKey"`
	BatchProof   string   `json:"batchProof"`
	SignedTokens []string `json:"signedTokens"`
}

// PaymentCredential is one redeemed payment token in a payout request.
type PaymentCredential struct {
	Credential       PaymentCredentialSignature `json:"credential"`
	PublicKey        string                     `json:"publicKey"`
	ConfirmationType string                     `json:"confirmationType"`
}

type PaymentCredentialSignature struct {
	Signature string `json:"signature"`
	Preimage  string `json:"t"`
}

// RedeemPaymentTokensRequest is the body of a payout request.
type RedeemPaymentTokensRequest struct {
	Payload            string              `json:"payload"`
	PaymentCredentials []PaymentCredential `json:"paymentCredentials"`
}

// PayoutPayload is the message every payment credential signs.
type PayoutPayload struct {
	PaymentID string `json:"paymentId"`
}
