package models

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidSeed is returned when a recovery seed is too short.
var ErrInvalidSeed = errors.New("invalid recovery seed")

const minSeedLength = 32

var walletKeyInfo = []byte("wallet-signing-key")

// WalletInfo identifies the rewards wallet requests are made for.
type WalletInfo struct {
	PaymentID string
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// WalletFromSeed derives the wallet signing key from its recovery seed.
func WalletFromSeed(paymentID string, seed []byte) (WalletInfo, error) {
	if len(seed) < minSeedLength {
		return WalletInfo{}, ErrInvalidSeed
	}
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, seed, nil, walletKeyInfo), keySeed); err != nil {
		return WalletInfo{}, fmt.Errorf("derive wallet key: %w", err)
	}
	sk := ed25519.NewKeyFromSeed(keySeed)
	return WalletInfo{
		PaymentID: paymentID,
		PublicKey: sk.Public().(ed25519.PublicKey),
		SecretKey: sk,
	}, nil
}

func (w WalletInfo) IsValid() bool {
	return w.PaymentID != "" && len(w.PublicKey) == ed25519.PublicKeySize && len(w.SecretKey) == ed25519.PrivateKeySize
}

// Sign signs message with the wallet key.
func (w WalletInfo) Sign(message []byte) []byte {
	return ed25519.Sign(w.SecretKey, message)
}
