// Package credentials provides the key material used to sign and
// decrypt protocol messages. Signing keys are held in memory or in an
// HSM; decryption keys are HPKE key pairs, of which a party may hold
// two during rotation.
package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem"

	"github.com/saturnpay/saturn/envelope"
)

// MemorySigner signs with an in-process P-256 key.
type MemorySigner struct {
	key *ecdsa.PrivateKey
}

func NewMemorySigner(key *ecdsa.PrivateKey) *MemorySigner {
	return &MemorySigner{key: key}
}

// GenerateSigner creates a signer with a fresh P-256 key. Demo and test
// deployments use this; production wires an HSMSigner.
func GenerateSigner() (*MemorySigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &MemorySigner{key: key}, nil
}

func (s *MemorySigner) Public() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns the JOSE-style r||s encoding over digest.
func (s *MemorySigner) Sign(digest []byte) ([]byte, error) {
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	sv.FillBytes(out[32:])
	return out, nil
}

var _ envelope.Signer = (*MemorySigner)(nil)

// DecryptionKeyRing holds the active HPKE decryption keys, newest first.
type DecryptionKeyRing struct {
	keys    []kem.PrivateKey
	publics []kem.PublicKey
}

func NewDecryptionKeyRing() *DecryptionKeyRing {
	return &DecryptionKeyRing{}
}

// Add generates and registers a fresh decryption key, returning its
// public half for publication in the authority object.
func (r *DecryptionKeyRing) Add() (kem.PublicKey, error) {
	pub, priv, err := envelope.GenerateEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("generating decryption key: %w", err)
	}
	r.keys = append([]kem.PrivateKey{priv}, r.keys...)
	r.publics = append([]kem.PublicKey{pub}, r.publics...)
	return pub, nil
}

// Keys returns the candidate private keys for envelope.Decrypt.
func (r *DecryptionKeyRing) Keys() []kem.PrivateKey {
	return r.keys
}

// Current returns the public key counterparties should encrypt to.
func (r *DecryptionKeyRing) Current() kem.PublicKey {
	if len(r.publics) == 0 {
		return nil
	}
	return r.publics[0]
}
