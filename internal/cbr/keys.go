package cbr

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/oprf"
	"github.com/cloudflare/circl/zk/dleq"
)

// PublicKey identifies an issuer key.
type PublicKey struct {
	key *oprf.PublicKey
	raw []byte
}

// NewPublicKey wraps an oprf public key.
func NewPublicKey(k *oprf.PublicKey) PublicKey {
	if k == nil {
		return PublicKey{}
	}
	raw, err := k.MarshalBinary()
	if err != nil {
		return PublicKey{}
	}
	return PublicKey{key: k, raw: raw}
}

func DecodePublicKeyBase64(s string) PublicKey {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != elementLength {
		return PublicKey{}
	}
	k := new(oprf.PublicKey)
	if err := k.UnmarshalBinary(suite, raw); err != nil {
		return PublicKey{}
	}
	return PublicKey{key: k, raw: raw}
}

func (p PublicKey) HasValue() bool { return p.key != nil }

func (p PublicKey) EncodeBase64() (string, bool) {
	if !p.HasValue() {
		return "", false
	}
	return enc.EncodeToString(p.raw), true
}

func (p PublicKey) Equal(o PublicKey) bool { return bytes.Equal(p.raw, o.raw) }

// String returns the base64 encoding, or an empty string for an invalid key.
func (p PublicKey) String() string {
	s, _ := p.EncodeBase64()
	return s
}

// BatchDLEQProof proves that a batch of signed tokens was produced with the
// private key behind a PublicKey.
type BatchDLEQProof struct {
	proof *dleq.Proof
}

// NewBatchDLEQProof wraps a dleq proof.
func NewBatchDLEQProof(p *dleq.Proof) BatchDLEQProof { return BatchDLEQProof{proof: p} }

func DecodeBatchDLEQProofBase64(s string) BatchDLEQProof {
	raw, err := enc.DecodeString(s)
	if err != nil || len(raw) != 2*scalarLength {
		return BatchDLEQProof{}
	}
	p := new(dleq.Proof)
	if err := p.UnmarshalBinary(grp, raw); err != nil {
		return BatchDLEQProof{}
	}
	return BatchDLEQProof{proof: p}
}

func (b BatchDLEQProof) HasValue() bool { return b.proof != nil }

func (b BatchDLEQProof) EncodeBase64() (string, bool) {
	if !b.HasValue() {
		return "", false
	}
	raw, err := b.proof.MarshalBinary()
	if err != nil {
		return "", false
	}
	return enc.EncodeToString(raw), true
}

// VerifyAndUnblind verifies the proof over the whole batch and unblinds every
// signed token. Either all tokens are returned or none.
func (b BatchDLEQProof) VerifyAndUnblind(tokens []Token, blinded []BlindedToken, signed []SignedToken, pk PublicKey) ([]UnblindedToken, error) {
	n := len(tokens)
	if n == 0 || len(blinded) != n || len(signed) != n || !b.HasValue() || !pk.HasValue() {
		return nil, ErrInvalidBatch
	}

	inputs := make([][]byte, n)
	blinds := make([]oprf.Blind, n)
	evaluated := make([]group.Element, n)
	for i := range tokens {
		if !tokens[i].HasValue() || !blinded[i].HasValue() || !signed[i].HasValue() {
			return nil, ErrInvalidBatch
		}
		inputs[i] = tokens[i].preimage
		blinds[i] = tokens[i].blind.Copy()
		evaluated[i] = signed[i].element
	}

	client := oprf.NewVerifiableClient(suite, pk.key)
	finData, req, err := client.DeterministicBlind(inputs, blinds)
	if err != nil {
		return nil, fmt.Errorf("reblind tokens: %w", err)
	}
	for i := range req.Elements {
		if !req.Elements[i].IsEqual(blinded[i].element) {
			return nil, ErrBlindedTokenMismatch
		}
	}

	outputs, err := client.Finalize(finData, &oprf.Evaluation{Elements: evaluated, Proof: b.proof})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	out := make([]UnblindedToken, n)
	for i := range outputs {
		out[i] = UnblindedToken{preimage: bytes.Clone(inputs[i]), output: outputs[i]}
	}
	return out, nil
}

// Issuer is the signing side of the protocol. The engine never holds an
// issuer key; Issuer backs the local confirmations server used for testing
// and simulation.
type Issuer struct {
	key    *oprf.PrivateKey
	server oprf.VerifiableServer
	public PublicKey
}

// NewIssuer generates a fresh issuer key.
func NewIssuer() (*Issuer, error) {
	key, err := oprf.GenerateKey(suite, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}
	return &Issuer{
		key:    key,
		server: oprf.NewVerifiableServer(suite, key),
		public: NewPublicKey(key.Public()),
	}, nil
}

func (i *Issuer) PublicKey() PublicKey { return i.public }

// Sign evaluates a batch of blinded tokens and proves the evaluation.
func (i *Issuer) Sign(blinded []BlindedToken) ([]SignedToken, BatchDLEQProof, error) {
	if len(blinded) == 0 {
		return nil, BatchDLEQProof{}, ErrInvalidBatch
	}
	elements := make([]group.Element, len(blinded))
	for j, b := range blinded {
		if !b.HasValue() {
			return nil, BatchDLEQProof{}, ErrInvalidBatch
		}
		elements[j] = b.element
	}

	ev, err := i.server.Evaluate(&oprf.EvaluationRequest{Elements: elements})
	if err != nil {
		return nil, BatchDLEQProof{}, fmt.Errorf("evaluate: %w", err)
	}
	signed := make([]SignedToken, len(ev.Elements))
	for j, e := range ev.Elements {
		signed[j] = SignedToken{element: e}
	}
	return signed, BatchDLEQProof{proof: ev.Proof}, nil
}

// VerificationKeyFor derives the verification key of the token with the
// given preimage.
func (i *Issuer) VerificationKeyFor(preimage TokenPreimage) (VerificationKey, error) {
	if !preimage.HasValue() {
		return VerificationKey{}, ErrInvalidBatch
	}
	out, err := i.server.FullEvaluate(preimage.raw)
	if err != nil {
		return VerificationKey{}, fmt.Errorf("evaluate preimage: %w", err)
	}
	return VerificationKey{key: out}, nil
}

// VerifyCredential reports whether sig was produced over message by the
// token with the given preimage.
func (i *Issuer) VerifyCredential(preimage TokenPreimage, sig VerificationSignature, message []byte) bool {
	key, err := i.VerificationKeyFor(preimage)
	if err != nil {
		return false
	}
	return key.Verify(sig, message)
}
