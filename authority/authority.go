// Package authority implements the published trust documents of the
// federation: providers and payees announce their service URLs, keys
// and capabilities in signed, time-limited authority objects that
// counterparties fetch and cache instead of relying on a central CA.
package authority

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

const (
	QualifierProviderAuthority = "ProviderAuthority"
	QualifierPayeeAuthority    = "PayeeAuthority"
)

var (
	ErrTrustChainMismatch = errors.New("payee attestation key does not match provider chain")
	ErrAuthorityExpired   = errors.New("authority object has expired")
)

// EncryptionParameter announces one key counterparties may encrypt to.
// A provider lists up to two during key rotation.
type EncryptionParameter struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
}

// ProviderAuthority is the self-signed document a provider republishes
// every renewal cycle. HostingProvider, when set, names the authority
// URL of the party that signs payee authorities on this provider's
// behalf.
type ProviderAuthority struct {
	protocol.Head
	AuthorityURL         string                `json:"authorityUrl"`
	BaseURL              string                `json:"baseUrl"`
	ServiceURL           string                `json:"serviceUrl"`
	CommonName           string                `json:"commonName"`
	PaymentMethods       []string              `json:"paymentMethods"`
	SignatureProfiles    []string              `json:"signatureProfiles"`
	EncryptionParameters []EncryptionParameter `json:"encryptionParameters"`
	HostingProvider      string                `json:"hostingProvider,omitempty"`
	Payees               []string              `json:"payees,omitempty"`
	Timestamp            time.Time             `json:"timeStamp"`
	Expires              time.Time             `json:"expires"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// PayeeAuthority vouches for one merchant. It is signed by the payee's
// provider (or its hosting provider), never by the payee itself;
// AttestationKey is the key the payee signs requests with.
type PayeeAuthority struct {
	protocol.Head
	AuthorityURL         string    `json:"authorityUrl"`
	ProviderAuthorityURL string    `json:"providerAuthorityUrl"`
	PayeeID              string    `json:"payeeId"`
	CommonName           string    `json:"commonName"`
	AttestationKey       string    `json:"attestationKey"`
	AccountHashes        []string  `json:"accountHashes,omitempty"`
	Timestamp            time.Time `json:"timeStamp"`
	Expires              time.Time `json:"expires"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

// Verified pairs a decoded authority object with the key that signed
// it; trust decisions compare that key, not any field inside the
// document.
type Verified[T any] struct {
	Authority *T
	SignedBy  *ecdsa.PublicKey
	FetchedAt time.Time
}

// DecodeAttestationKey decodes the payee's request-signing key.
func (p *PayeeAuthority) DecodeAttestationKey() (*ecdsa.PublicKey, error) {
	key, err := envelope.DecodePublicKey(p.AttestationKey)
	if err != nil {
		return nil, fmt.Errorf("payee attestation key: %w", err)
	}
	return key, nil
}

// EncryptionKey returns the provider's current HPKE key, preferring the
// first listed parameter with a supported algorithm.
func (p *ProviderAuthority) EncryptionKey() (string, error) {
	for _, ep := range p.EncryptionParameters {
		if ep.Algorithm == envelope.AlgorithmHPKEP256 {
			return ep.PublicKey, nil
		}
	}
	return "", fmt.Errorf("no supported encryption parameter in authority %s", p.AuthorityURL)
}

// CheckAttestation verifies that the payee authority was signed by the
// provider's key or, when the provider delegates, by the hosting
// provider's key. hosting may be nil when no delegation is announced.
func CheckAttestation(payee Verified[PayeeAuthority], provider Verified[ProviderAuthority], hosting *Verified[ProviderAuthority]) error {
	if envelope.SameKey(payee.SignedBy, provider.SignedBy) {
		return nil
	}
	if hosting != nil && envelope.SameKey(payee.SignedBy, hosting.SignedBy) {
		return nil
	}
	return ErrTrustChainMismatch
}

func checkExpiry(expires time.Time, now time.Time) error {
	if now.After(expires) {
		return fmt.Errorf("%w: expired %s", ErrAuthorityExpired, expires.Format(time.RFC3339))
	}
	return nil
}
