package conversions

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/box"
)

// EnvelopeAlgorithm names the NaCl construction used to seal conversion ids.
const EnvelopeAlgorithm = "crypto_box_curve25519xsalsa20poly1305"

// Payload keys of a sealed envelope in a conversion confirmation.
const (
	UserDataAlgorithm  = "conversion_envelope_alg"
	UserDataCiphertext = "conversion_envelope_ciphertext"
	UserDataPublicKey  = "conversion_envelope_epk"
	UserDataNonce      = "conversion_envelope_nonce"
)

const envelopeMessageLength = 32

var (
	ErrInvalidConversionID = errors.New("invalid verifiable conversion id")
	ErrInvalidPublicKey    = errors.New("invalid advertiser public key")
	ErrInvalidEnvelope     = errors.New("invalid conversion envelope")
)

var conversionIDPattern = regexp.MustCompile(`^[-a-zA-Z0-9]{1,30}$`)

// Envelope is a conversion id sealed for the advertiser. Every field is
// standard base64.
type Envelope struct {
	Algorithm          string `json:"alg"`
	Ciphertext         string `json:"ciphertext"`
	EphemeralPublicKey string `json:"epk"`
	Nonce              string `json:"nonce"`
}

// SealEnvelope encrypts conversionID to the advertiser's Curve25519 public
// key with a fresh ephemeral key pair. The id is zero padded so all
// envelopes have the same length.
func SealEnvelope(conversionID, advertiserPublicKey string) (Envelope, error) {
	if !conversionIDPattern.MatchString(conversionID) {
		return Envelope{}, ErrInvalidConversionID
	}
	peer, err := decodeKey(advertiserPublicKey)
	if err != nil {
		return Envelope{}, err
	}

	ephemeralPublic, ephemeralSecret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	message := make([]byte, envelopeMessageLength)
	copy(message, conversionID)
	sealed := box.Seal(nil, message, &nonce, peer, ephemeralSecret)

	return Envelope{
		Algorithm:          EnvelopeAlgorithm,
		Ciphertext:         base64.StdEncoding.EncodeToString(sealed),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeralPublic[:]),
		Nonce:              base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// OpenEnvelope recovers the conversion id with the advertiser's secret key.
func OpenEnvelope(e Envelope, advertiserSecretKey string) (string, error) {
	if e.Algorithm != EnvelopeAlgorithm {
		return "", ErrInvalidEnvelope
	}
	secret, err := decodeKey(advertiserSecretKey)
	if err != nil {
		return "", err
	}
	peer, err := decodeKey(e.EphemeralPublicKey)
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	rawNonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil || len(rawNonce) != 24 {
		return "", ErrInvalidEnvelope
	}
	var nonce [24]byte
	copy(nonce[:], rawNonce)
	sealed, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return "", ErrInvalidEnvelope
	}

	message, ok := box.Open(nil, sealed, &nonce, peer, secret)
	if !ok {
		return "", ErrInvalidEnvelope
	}
	return string(bytes.TrimRight(message, "\x00")), nil
}

// UserData returns the envelope as confirmation payload fields.
func (e Envelope) UserData() map[string]string {
	return map[string]string{
		UserDataAlgorithm:  e.Algorithm,
		UserDataCiphertext: e.Ciphertext,
		UserDataPublicKey:  e.EphemeralPublicKey,
		UserDataNonce:      e.Nonce,
	}
}

func decodeKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPublicKey
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
