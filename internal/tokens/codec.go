package tokens

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/patrickwarner/adconfirm/internal/cbr"
	"github.com/patrickwarner/adconfirm/internal/models"
)

// ErrCorruptRecord is returned when a persisted entry does not decode to a
// valid value.
var ErrCorruptRecord = errors.New("corrupt token record")

type unblindedTokenRecord struct {
	Value     string `cbor:"1,keyasint"`
	PublicKey string `cbor:"2,keyasint"`
}

type paymentTokenRecord struct {
	TransactionID    string `cbor:"1,keyasint"`
	Value            string `cbor:"2,keyasint"`
	PublicKey        string `cbor:"3,keyasint"`
	ConfirmationType string `cbor:"4,keyasint"`
	AdType           string `cbor:"5,keyasint"`
}

type optedInRecord struct {
	Token               unblindedTokenRecord `cbor:"1,keyasint"`
	PaymentToken        string               `cbor:"2,keyasint"`
	BlindedPaymentToken string               `cbor:"3,keyasint"`
	UserData            map[string]string    `cbor:"4,keyasint,omitempty"`
	Credential          string               `cbor:"5,keyasint"`
}

type confirmationRecord struct {
	ID                 string         `cbor:"1,keyasint"`
	TransactionID      string         `cbor:"2,keyasint"`
	CreativeInstanceID string         `cbor:"3,keyasint"`
	Type               string         `cbor:"4,keyasint"`
	AdType             string         `cbor:"5,keyasint"`
	CreatedAt          int64          `cbor:"6,keyasint"`
	WasCreated         bool           `cbor:"7,keyasint"`
	OptedIn            *optedInRecord `cbor:"8,keyasint,omitempty"`
}

// UnblindedTokenCodec encodes confirmation pool entries.
type UnblindedTokenCodec struct{}

func (UnblindedTokenCodec) Encode(t models.UnblindedTokenInfo) ([]byte, error) {
	r, err := toUnblindedTokenRecord(t)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(r)
}

func (UnblindedTokenCodec) Decode(b []byte) (models.UnblindedTokenInfo, error) {
	var r unblindedTokenRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return models.UnblindedTokenInfo{}, err
	}
	return fromUnblindedTokenRecord(r)
}

func toUnblindedTokenRecord(t models.UnblindedTokenInfo) (unblindedTokenRecord, error) {
	value, ok := t.Value.EncodeBase64()
	if !ok {
		return unblindedTokenRecord{}, ErrCorruptRecord
	}
	pk, ok := t.PublicKey.EncodeBase64()
	if !ok {
		return unblindedTokenRecord{}, ErrCorruptRecord
	}
	return unblindedTokenRecord{Value: value, PublicKey: pk}, nil
}

func fromUnblindedTokenRecord(r unblindedTokenRecord) (models.UnblindedTokenInfo, error) {
	t := models.UnblindedTokenInfo{
		Value:     cbr.DecodeUnblindedTokenBase64(r.Value),
		PublicKey: cbr.DecodePublicKeyBase64(r.PublicKey),
	}
	if !t.IsValid() {
		return models.UnblindedTokenInfo{}, ErrCorruptRecord
	}
	return t, nil
}

// PaymentTokenCodec encodes payment pool entries.
type PaymentTokenCodec struct{}

func (PaymentTokenCodec) Encode(t models.UnblindedPaymentTokenInfo) ([]byte, error) {
	value, ok := t.Value.EncodeBase64()
	if !ok {
		return nil, ErrCorruptRecord
	}
	pk, ok := t.PublicKey.EncodeBase64()
	if !ok {
		return nil, ErrCorruptRecord
	}
	return cbor.Marshal(paymentTokenRecord{
		TransactionID:    t.TransactionID,
		Value:            value,
		PublicKey:        pk,
		ConfirmationType: string(t.ConfirmationType),
		AdType:           string(t.AdType),
	})
}

func (PaymentTokenCodec) Decode(b []byte) (models.UnblindedPaymentTokenInfo, error) {
	var r paymentTokenRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return models.UnblindedPaymentTokenInfo{}, err
	}
	t := models.UnblindedPaymentTokenInfo{
		TransactionID:    r.TransactionID,
		Value:            cbr.DecodeUnblindedTokenBase64(r.Value),
		PublicKey:        cbr.DecodePublicKeyBase64(r.PublicKey),
		ConfirmationType: models.ConfirmationType(r.ConfirmationType),
		AdType:           models.AdType(r.AdType),
	}
	if !t.IsValid() {
		return models.UnblindedPaymentTokenInfo{}, ErrCorruptRecord
	}
	return t, nil
}

// ConfirmationCodec encodes queued confirmations, including the token each
// one has reserved.
type ConfirmationCodec struct{}

func (ConfirmationCodec) Encode(c models.ConfirmationInfo) ([]byte, error) {
	r := confirmationRecord{
		ID:                 c.ID,
		TransactionID:      c.TransactionID,
		CreativeInstanceID: c.CreativeInstanceID,
		Type:               string(c.Type),
		AdType:             string(c.AdType),
		CreatedAt:          c.CreatedAt.UnixNano(),
		WasCreated:         c.WasCreated,
	}
	if c.OptedIn != nil {
		token, err := toUnblindedTokenRecord(c.OptedIn.Token)
		if err != nil {
			return nil, err
		}
		payment, ok := c.OptedIn.PaymentToken.EncodeBase64()
		if !ok {
			return nil, ErrCorruptRecord
		}
		blinded, ok := c.OptedIn.BlindedPaymentToken.EncodeBase64()
		if !ok {
			return nil, ErrCorruptRecord
		}
		r.OptedIn = &optedInRecord{
			Token:               token,
			PaymentToken:        payment,
			BlindedPaymentToken: blinded,
			UserData:            c.OptedIn.UserData,
			Credential:          c.OptedIn.Credential,
		}
	}
	return cbor.Marshal(r)
}

func (ConfirmationCodec) Decode(b []byte) (models.ConfirmationInfo, error) {
	var r confirmationRecord
	if err := cbor.Unmarshal(b, &r); err != nil {
		return models.ConfirmationInfo{}, err
	}
	c := models.ConfirmationInfo{
		ID:                 r.ID,
		TransactionID:      r.TransactionID,
		CreativeInstanceID: r.CreativeInstanceID,
		Type:               models.ConfirmationType(r.Type),
		AdType:             models.AdType(r.AdType),
		CreatedAt:          time.Unix(0, r.CreatedAt).UTC(),
		WasCreated:         r.WasCreated,
	}
	if r.OptedIn != nil {
		token, err := fromUnblindedTokenRecord(r.OptedIn.Token)
		if err != nil {
			return models.ConfirmationInfo{}, err
		}
		c.OptedIn = &models.OptedInInfo{
			Token:               token,
			PaymentToken:        cbr.DecodeTokenBase64(r.OptedIn.PaymentToken),
			BlindedPaymentToken: cbr.DecodeBlindedTokenBase64(r.OptedIn.BlindedPaymentToken),
			UserData:            r.OptedIn.UserData,
			Credential:          r.OptedIn.Credential,
		}
	}
	if !c.IsValid() {
		return models.ConfirmationInfo{}, ErrCorruptRecord
	}
	return c, nil
}
