// Package envelope implements the signed-message envelope used by all
// Saturn and interbanking messages: a detached ES256 signature over the
// RFC 8785 canonicalization of a JSON object carrying the reserved
// "@context" and "@qualifier" fields.
package envelope

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/gowebpki/jcs"
)

const (
	ContextField   = "@context"
	QualifierField = "@qualifier"
	SignatureField = "signature"

	AlgorithmES256 = "ES256"
)

var (
	ErrSignatureInvalid        = errors.New("envelope: signature invalid")
	ErrUnexpectedMessageType   = errors.New("envelope: unexpected message type")
	ErrMalformedEnvelope       = errors.New("envelope: malformed envelope")
	ErrNoMatchingDecryptionKey = errors.New("envelope: no matching decryption key")
)

// Signer produces ES256 signatures. Implementations may hold the key in
// memory or delegate to an HSM.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	Public() *ecdsa.PublicKey
}

// Signature is the detached signature object attached to signed messages.
// Value holds the JOSE-style r||s encoding.
type Signature struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Value     string `json:"value"`
}

var b64 = base64.RawURLEncoding

// Sign serializes msg, which must carry "@context" and "@qualifier" and
// must not already be signed, and returns the message with a detached
// signature attached.
func Sign(msg any, signer Signer) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := obj[ContextField]; !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, ContextField)
	}
	if _, ok := obj[QualifierField]; !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, QualifierField)
	}
	if _, ok := obj[SignatureField]; ok {
		return nil, fmt.Errorf("%w: message is already signed", ErrMalformedEnvelope)
	}
	digest, err := digestObject(obj)
	if err != nil {
		return nil, err
	}
	value, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("signing message: %w", err)
	}
	sig, err := json.Marshal(Signature{
		Algorithm: AlgorithmES256,
		PublicKey: EncodePublicKey(signer.Public()),
		Value:     b64.EncodeToString(value),
	})
	if err != nil {
		return nil, err
	}
	obj[SignatureField] = sig
	return json.Marshal(obj)
}

// Verify checks the context, qualifier and detached signature of raw.
// When out is non-nil the message is decoded into it with unknown fields
// rejected, so injected or unread fields fail the request. The signer's
// public key is returned for trust-chain checks by the caller; Verify
// itself only proves the message is internally consistent.
func Verify(raw []byte, contextURI, qualifier string, out any) (*ecdsa.PublicKey, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := checkHead(obj, contextURI, qualifier); err != nil {
		return nil, err
	}
	sigRaw, ok := obj[SignatureField]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, SignatureField)
	}
	var sig Signature
	if err := strictUnmarshal(sigRaw, &sig); err != nil {
		return nil, fmt.Errorf("%w: bad signature object: %v", ErrMalformedEnvelope, err)
	}
	if sig.Algorithm != AlgorithmES256 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureInvalid, sig.Algorithm)
	}
	delete(obj, SignatureField)
	digest, err := digestObject(obj)
	if err != nil {
		return nil, err
	}
	pub, err := DecodePublicKey(sig.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	value, err := b64.DecodeString(sig.Value)
	if err != nil || len(value) != 64 {
		return nil, fmt.Errorf("%w: bad signature value", ErrSignatureInvalid)
	}
	r := new(big.Int).SetBytes(value[:32])
	s := new(big.Int).SetBytes(value[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return nil, ErrSignatureInvalid
	}
	if out != nil {
		if err := strictUnmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}
	return pub, nil
}

// Qualifier extracts the "@qualifier" field without verifying anything,
// for request dispatch at a shared endpoint.
func Qualifier(raw []byte) (string, error) {
	var head struct {
		Qualifier string `json:"@qualifier"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.Qualifier == "" {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, QualifierField)
	}
	return head.Qualifier, nil
}

func checkHead(obj map[string]json.RawMessage, contextURI, qualifier string) error {
	var context, got string
	if raw, ok := obj[ContextField]; !ok || json.Unmarshal(raw, &context) != nil {
		return fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, ContextField)
	}
	if raw, ok := obj[QualifierField]; !ok || json.Unmarshal(raw, &got) != nil {
		return fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, QualifierField)
	}
	if context != contextURI {
		return fmt.Errorf("%w: context %q", ErrUnexpectedMessageType, context)
	}
	if got != qualifier {
		return fmt.Errorf("%w: got %q, expected %q", ErrUnexpectedMessageType, got, qualifier)
	}
	return nil
}

func digestObject(obj map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalization: %v", ErrMalformedEnvelope, err)
	}
	digest := sha256.Sum256(canon)
	return digest[:], nil
}

func strictUnmarshal(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// EncodePublicKey returns the Base64URL SEC1 uncompressed point of a
// P-256 public key, the interchange form used in all messages.
func EncodePublicKey(pub *ecdsa.PublicKey) string {
	return b64.EncodeToString(elliptic.Marshal(elliptic.P256(), pub.X, pub.Y))
}

func DecodePublicKey(s string) (*ecdsa.PublicKey, error) {
	point, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), point)
	if x == nil {
		return nil, errors.New("not a P-256 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// KeyHash returns the SHA-256 digest of the encoded public key point,
// the form the ledger stores for credential authentication.
func KeyHash(pub *ecdsa.PublicKey) []byte {
	digest := sha256.Sum256(elliptic.Marshal(elliptic.P256(), pub.X, pub.Y))
	return digest[:]
}

// SameKey reports whether two public keys are the same point.
func SameKey(a, b *ecdsa.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0
}

// TrustRoot is a set of public keys acceptable as a message signer.
type TrustRoot struct {
	keys map[string]struct{}
}

func NewTrustRoot(keys ...*ecdsa.PublicKey) *TrustRoot {
	root := &TrustRoot{keys: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		root.keys[EncodePublicKey(key)] = struct{}{}
	}
	return root
}

// Add admits another key, for roots assembled at startup.
func (t *TrustRoot) Add(pub *ecdsa.PublicKey) {
	t.keys[EncodePublicKey(pub)] = struct{}{}
}

func (t *TrustRoot) Contains(pub *ecdsa.PublicKey) bool {
	_, ok := t.keys[EncodePublicKey(pub)]
	return ok
}
