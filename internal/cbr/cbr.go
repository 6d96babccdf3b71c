// Package cbr wraps the blinded-token primitives used to anonymously
// authenticate confirmations.
//
// Tokens are issued with a verifiable oblivious PRF over ristretto255: the
// client blinds a random preimage, the issuer evaluates the blinded element
// with its private key and proves (with one batch DLEQ proof) that every
// evaluation used the key behind its published PublicKey. Unblinding yields
// an UnblindedToken whose PRF output keys an HMAC that signs requests.
//
// Every type has an invalid zero value. Values decoded from malformed base64
// are invalid as well; HasValue reports validity and EncodeBase64 returns
// false for invalid values.
package cbr

import (
	"encoding/base64"
	"errors"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
)

var (
	suite = oprf.SuiteRistretto255
	grp   = suite.Group()

	scalarLength  = int(grp.Params().ScalarLength)
	elementLength = int(grp.Params().CompressedElementLength)
)

var (
	// ErrInvalidBatch is returned when the token, blinded and signed batches
	// are empty, differ in length or contain invalid values.
	ErrInvalidBatch = errors.New("invalid token batch")
	// ErrBlindedTokenMismatch is returned when a blinded token does not belong
	// to the token it is paired with.
	ErrBlindedTokenMismatch = errors.New("blinded token does not match token")
	// ErrVerificationFailed is returned when the batch DLEQ proof does not
	// verify against the public key.
	ErrVerificationFailed = errors.New("batch proof verification failed")
)

var enc = base64.StdEncoding

func decodeElement(s string) group.Element {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != elementLength {
		return nil
	}
	e := grp.NewElement()
	if err := e.UnmarshalBinary(raw); err != nil || e.IsIdentity() {
		return nil
	}
	return e
}

func encodeElement(e group.Element) (string, bool) {
	if e == nil {
		return "", false
	}
	raw, err := e.MarshalBinaryCompress()
	if err != nil {
		return "", false
	}
	return enc.EncodeToString(raw), true
}

func equalElements(a, b group.Element) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.IsEqual(b)
}
