package models

import (
	"strconv"

	"github.com/patrickwarner/adconfirm/internal/cbr"
)

// IssuerType names an issuer in the issuers document.
type IssuerType string

const (
	IssuerTypeConfirmations IssuerType = "confirmations"
	IssuerTypePayments      IssuerType = "payments"
)

// IssuerPublicKey is one key of an issuer and the value of tokens it signs.
type IssuerPublicKey struct {
	PublicKey       string `json:"publicKey"`
	AssociatedValue string `json:"associatedValue"`
}

type IssuerInfo struct {
	Name       IssuerType        `json:"name"`
	PublicKeys []IssuerPublicKey `json:"publicKeys"`
}

// IssuersInfo is the set of issuer keys the server currently signs with.
type IssuersInfo struct {
	Ping    int64        `json:"ping"`
	Issuers []IssuerInfo `json:"issuers"`
}

// IsValid reports whether both confirmation and payment issuers have keys.
func (i IssuersInfo) IsValid() bool {
	c, ok := i.Find(IssuerTypeConfirmations)
	if !ok || len(c.PublicKeys) == 0 {
		return false
	}
	p, ok := i.Find(IssuerTypePayments)
	return ok && len(p.PublicKeys) > 0
}

func (i IssuersInfo) Find(t IssuerType) (IssuerInfo, bool) {
	for _, issuer := range i.Issuers {
		if issuer.Name == t {
			return issuer, true
		}
	}
	return IssuerInfo{}, false
}

// PublicKeyExists reports whether pk belongs to the issuer of type t.
func (i IssuersInfo) PublicKeyExists(t IssuerType, pk cbr.PublicKey) bool {
	_, ok := i.lookup(t, pk)
	return ok
}

// AssociatedValue returns the value of a token signed by pk.
func (i IssuersInfo) AssociatedValue(t IssuerType, pk cbr.PublicKey) (float64, bool) {
	k, ok := i.lookup(t, pk)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(k.AssociatedValue, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (i IssuersInfo) lookup(t IssuerType, pk cbr.PublicKey) (IssuerPublicKey, bool) {
	encoded, ok := pk.EncodeBase64()
	if !ok {
		return IssuerPublicKey{}, false
	}
	issuer, ok := i.Find(t)
	if !ok {
		return IssuerPublicKey{}, false
	}
	for _, k := range issuer.PublicKeys {
		if k.PublicKey == encoded {
			return k, true
		}
	}
	return IssuerPublicKey{}, false
}
