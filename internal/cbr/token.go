package cbr

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
)

// PreimageLength is the size of a token preimage in bytes.
const PreimageLength = 64

// Token is a client secret: a random preimage and the scalar used to blind it.
type Token struct {
	preimage []byte
	blind    group.Scalar
}

// RandomToken generates a fresh token.
func RandomToken() (Token, error) {
	preimage := make([]byte, PreimageLength)
	if _, err := rand.Read(preimage); err != nil {
		return Token{}, fmt.Errorf("read preimage: %w", err)
	}
	return Token{preimage: preimage, blind: grp.RandomNonZeroScalar(rand.Reader)}, nil
}

// RandomTokens generates count fresh tokens.
func RandomTokens(count int) ([]Token, error) {
	out := make([]Token, 0, count)
	for i := 0; i < count; i++ {
		t, err := RandomToken()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DecodeTokenBase64 parses a token produced by EncodeBase64.
func DecodeTokenBase64(s string) Token {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != PreimageLength+scalarLength {
		return Token{}
	}
	blind := grp.NewScalar()
	if err := blind.UnmarshalBinary(raw[PreimageLength:]); err != nil || blind.IsZero() {
		return Token{}
	}
	return Token{preimage: bytes.Clone(raw[:PreimageLength]), blind: blind}
}

func (t Token) HasValue() bool {
	return len(t.preimage) == PreimageLength && t.blind != nil
}

func (t Token) EncodeBase64() (string, bool) {
	if !t.HasValue() {
		return "", false
	}
	s, err := t.blind.MarshalBinary()
	if err != nil {
		return "", false
	}
	raw := make([]byte, 0, PreimageLength+len(s))
	raw = append(raw, t.preimage...)
	raw = append(raw, s...)
	return enc.EncodeToString(raw), true
}

func (t Token) Equal(o Token) bool {
	if !t.HasValue() || !o.HasValue() {
		return t.HasValue() == o.HasValue()
	}
	return bytes.Equal(t.preimage, o.preimage) && t.blind.IsEqual(o.blind)
}

// Preimage returns the token's preimage.
func (t Token) Preimage() TokenPreimage {
	if !t.HasValue() {
		return TokenPreimage{}
	}
	return TokenPreimage{raw: bytes.Clone(t.preimage)}
}

// Blind derives the blinded token sent to the issuer. It returns false when the
// token is invalid or the preimage cannot be mapped to the group.
func (t Token) Blind() (BlindedToken, bool) {
	if !t.HasValue() {
		return BlindedToken{}, false
	}
	_, req, err := blinder.DeterministicBlind([][]byte{t.preimage}, []oprf.Blind{t.blind})
	if err != nil {
		return BlindedToken{}, false
	}
	return BlindedToken{element: req.Elements[0]}, true
}

// blinder blinds in verifiable mode, the mode issuers sign and prove in.
// Blinding never reads the server key, so a fixed derived key stands in for
// the issuer's.
var blinder = func() oprf.VerifiableClient {
	key, err := oprf.DeriveKey(suite, oprf.VerifiableMode, make([]byte, 32), []byte("adconfirm blinding"))
	if err != nil {
		panic(fmt.Sprintf("derive blinding key: %v", err))
	}
	return oprf.NewVerifiableClient(suite, key.Public())
}()

// BlindTokens blinds every token, failing the whole batch if any one fails.
func BlindTokens(tokens []Token) ([]BlindedToken, error) {
	out := make([]BlindedToken, 0, len(tokens))
	for i, t := range tokens {
		b, ok := t.Blind()
		if !ok {
			return nil, fmt.Errorf("blind token %d: %w", i, ErrInvalidBatch)
		}
		out = append(out, b)
	}
	return out, nil
}

// TokenPreimage is the public half of a token, revealed when it is redeemed.
type TokenPreimage struct {
	raw []byte
}

func DecodeTokenPreimageBase64(s string) TokenPreimage {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != PreimageLength {
		return TokenPreimage{}
	}
	return TokenPreimage{raw: raw}
}

func (p TokenPreimage) HasValue() bool { return len(p.raw) == PreimageLength }

func (p TokenPreimage) EncodeBase64() (string, bool) {
	if !p.HasValue() {
		return "", false
	}
	return enc.EncodeToString(p.raw), true
}

func (p TokenPreimage) Equal(o TokenPreimage) bool { return bytes.Equal(p.raw, o.raw) }

// BlindedToken is a token blinded for signing. It is not secret.
type BlindedToken struct {
	element group.Element
}

// NewBlindedToken wraps a group element.
func NewBlindedToken(e group.Element) BlindedToken { return BlindedToken{element: e} }

func DecodeBlindedTokenBase64(s string) BlindedToken {
	return BlindedToken{element: decodeElement(s)}
}

func (b BlindedToken) HasValue() bool               { return b.element != nil }
func (b BlindedToken) EncodeBase64() (string, bool) { return encodeElement(b.element) }
func (b BlindedToken) Equal(o BlindedToken) bool    { return equalElements(b.element, o.element) }
func (b BlindedToken) Element() group.Element       { return b.element }

// SignedToken is the issuer's evaluation of a BlindedToken.
type SignedToken struct {
	element group.Element
}

// NewSignedToken wraps a group element.
func NewSignedToken(e group.Element) SignedToken { return SignedToken{element: e} }

func DecodeSignedTokenBase64(s string) SignedToken {
	return SignedToken{element: decodeElement(s)}
}

func (s SignedToken) HasValue() bool               { return s.element != nil }
func (s SignedToken) EncodeBase64() (string, bool) { return encodeElement(s.element) }
func (s SignedToken) Equal(o SignedToken) bool     { return equalElements(s.element, o.element) }
func (s SignedToken) Element() group.Element       { return s.element }
