package cbr

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
)

const outputLength = sha512.Size

// UnblindedToken is the redeemable secret obtained by unblinding a verified
// SignedToken: the token preimage and the PRF output for it.
type UnblindedToken struct {
	preimage []byte
	output   []byte
}

func DecodeUnblindedTokenBase64(s string) UnblindedToken {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != PreimageLength+outputLength {
		return UnblindedToken{}
	}
	return UnblindedToken{
		preimage: bytes.Clone(raw[:PreimageLength]),
		output:   bytes.Clone(raw[PreimageLength:]),
	}
}

func (u UnblindedToken) HasValue() bool {
	return len(u.preimage) == PreimageLength && len(u.output) == outputLength
}

func (u UnblindedToken) EncodeBase64() (string, bool) {
	if !u.HasValue() {
		return "", false
	}
	raw := make([]byte, 0, PreimageLength+outputLength)
	raw = append(raw, u.preimage...)
	raw = append(raw, u.output...)
	return enc.EncodeToString(raw), true
}

func (u UnblindedToken) Equal(o UnblindedToken) bool {
	return bytes.Equal(u.preimage, o.preimage) && bytes.Equal(u.output, o.output)
}

// Preimage returns the value revealed to the server when the token is spent.
func (u UnblindedToken) Preimage() TokenPreimage {
	if !u.HasValue() {
		return TokenPreimage{}
	}
	return TokenPreimage{raw: bytes.Clone(u.preimage)}
}

// DeriveVerificationKey returns the key used to sign requests with this token.
func (u UnblindedToken) DeriveVerificationKey() VerificationKey {
	if !u.HasValue() {
		return VerificationKey{}
	}
	return VerificationKey{key: bytes.Clone(u.output)}
}

// VerificationKey signs messages on behalf of an unblinded token. The issuer
// derives the same key from the token preimage and its private key.
type VerificationKey struct {
	key []byte
}

func (k VerificationKey) HasValue() bool { return len(k.key) == outputLength }

// Sign returns an HMAC-SHA512 signature over message.
func (k VerificationKey) Sign(message []byte) (VerificationSignature, bool) {
	if !k.HasValue() {
		return VerificationSignature{}, false
	}
	mac := hmac.New(sha512.New, k.key)
	mac.Write(message)
	return VerificationSignature{raw: mac.Sum(nil)}, true
}

// Verify reports whether sig is a valid signature over message.
func (k VerificationKey) Verify(sig VerificationSignature, message []byte) bool {
	expected, ok := k.Sign(message)
	if !ok || !sig.HasValue() {
		return false
	}
	return hmac.Equal(expected.raw, sig.raw)
}

// VerificationSignature is a signature produced by a VerificationKey.
type VerificationSignature struct {
	raw []byte
}

func DecodeVerificationSignatureBase64(s string) VerificationSignature {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != sha512.Size {
		return VerificationSignature{}
	}
	return VerificationSignature{raw: raw}
}

func (s VerificationSignature) HasValue() bool { return len(s.raw) == sha512.Size }

func (s VerificationSignature) EncodeBase64() (string, bool) {
	if !s.HasValue() {
		return "", false
	}
	return enc.EncodeToString(s.raw), true
}
