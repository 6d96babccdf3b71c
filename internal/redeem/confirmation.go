package redeem

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patrickwarner/adconfirm/internal/adsclient"
	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/models"
)

var errEncode = errors.New("encode token")

// newConfirmation builds an opted-out confirmation for event.
func newConfirmation(event models.AdEventInfo, ct models.ConfirmationType, now time.Time) models.ConfirmationInfo {
	return models.ConfirmationInfo{
		ID:                 uuid.NewString(),
		TransactionID:      uuid.NewString(),
		CreativeInstanceID: event.CreativeInstanceID,
		Type:               ct,
		AdType:             event.Type,
		CreatedAt:          now.UTC(),
	}
}

// optIn spends token on c: it generates the payment token to be signed and
// signs the confirmation payload with the token's verification key.
func optIn(c *models.ConfirmationInfo, token models.UnblindedTokenInfo, userData map[string]string, cfg Config) error {
	paymentToken, err := cbr.RandomToken()
	if err != nil {
		return fmt.Errorf("generate payment token: %w", err)
	}
	blinded, ok := paymentToken.Blind()
	if !ok {
		return fmt.Errorf("blind payment token: %w", errEncode)
	}
	c.OptedIn = &models.OptedInInfo{
		Token:               token,
		PaymentToken:        paymentToken,
		BlindedPaymentToken: blinded,
		UserData:            userData,
	}

	payload, err := buildPayload(*c, cfg)
	if err != nil {
		return err
	}
	credential, err := buildCredential(token, payload)
	if err != nil {
		return err
	}
	c.OptedIn.Credential = credential
	return nil
}

// buildPayload renders the confirmation body. The encoding is deterministic
// so a retried confirmation produces the bytes its credential signed.
func buildPayload(c models.ConfirmationInfo, cfg Config) ([]byte, error) {
	p := adsclient.ConfirmationPayload{
		TransactionID:      c.TransactionID,
		CreativeInstanceID: c.CreativeInstanceID,
		Type:               string(c.Type),
		BuildChannel:       cfg.BuildChannel,
		Platform:           cfg.Platform,
		Payload:            map[string]string{},
	}
	if c.OptedIn != nil {
		blinded, ok := c.OptedIn.BlindedPaymentToken.EncodeBase64()
		if !ok {
			return nil, fmt.Errorf("blinded payment token: %w", errEncode)
		}
		pk, ok := c.OptedIn.Token.PublicKey.EncodeBase64()
		if !ok {
			return nil, fmt.Errorf("public key: %w", errEncode)
		}
		p.BlindedPaymentTokens = []string{blinded}
		p.PublicKey = pk
		for k, v := range c.OptedIn.UserData {
			p.Payload[k] = v
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation payload: %w", err)
	}
	return b, nil
}

// buildCredential signs payload with the token and returns the URL-safe
// base64 of the credential JSON.
func buildCredential(token models.UnblindedTokenInfo, payload []byte) (string, error) {
	sig, ok := token.Value.DeriveVerificationKey().Sign(payload)
	if !ok {
		return "", fmt.Errorf("sign payload: %w", errEncode)
	}
	encodedSig, ok := sig.EncodeBase64()
	if !ok {
		return "", fmt.Errorf("signature: %w", errEncode)
	}
	preimage, ok := token.Value.Preimage().EncodeBase64()
	if !ok {
		return "", fmt.Errorf("preimage: %w", errEncode)
	}
	b, err := json.Marshal(adsclient.Credential{
		Payload:   string(payload),
		Signature: encodedSig,
		Preimage:  preimage,
	})
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
