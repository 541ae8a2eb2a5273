package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// The one suite every party supports. Authority objects name it in
// their encryption parameters so a different suite can be introduced
// without a flag day.
const AlgorithmHPKEP256 = "HPKE-P256-SHA256-A128GCM"

var (
	suite          = hpke.NewSuite(hpke.KEM_P256_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)
	encryptionInfo = []byte("saturn-envelope-v1")
)

// Encrypted is the public-key encryption envelope: an HPKE encapsulated
// key plus the sealed payload. Only the addressed party can open it,
// intermediaries relay it as-is.
type Encrypted struct {
	Algorithm       string `json:"algorithm"`
	EncapsulatedKey string `json:"encapsulatedKey"`
	CipherText      string `json:"cipherText"`
}

// GenerateEncryptionKey creates a fresh HPKE key pair.
func GenerateEncryptionKey() (kem.PublicKey, kem.PrivateKey, error) {
	kemID, _, _ := suite.Params()
	return kemID.Scheme().GenerateKeyPair()
}

func EncodeEncryptionKey(pub kem.PublicKey) (string, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(raw), nil
}

func DecodeEncryptionKey(s string) (kem.PublicKey, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	kemID, _, _ := suite.Params()
	return kemID.Scheme().UnmarshalBinaryPublicKey(raw)
}

// Encrypt seals plaintext for the recipient's published encryption key.
func Encrypt(plaintext []byte, recipient kem.PublicKey) (*Encrypted, error) {
	sender, err := suite.NewSender(recipient, encryptionInfo)
	if err != nil {
		return nil, fmt.Errorf("hpke sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hpke setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("hpke seal: %w", err)
	}
	return &Encrypted{
		Algorithm:       AlgorithmHPKEP256,
		EncapsulatedKey: b64.EncodeToString(enc),
		CipherText:      b64.EncodeToString(ct),
	}, nil
}

// Decrypt opens the envelope trying each candidate key in order. A
// provider normally holds two active keys during rotation; failure of
// every candidate yields ErrNoMatchingDecryptionKey.
func Decrypt(e *Encrypted, keys []kem.PrivateKey) ([]byte, error) {
	if e.Algorithm != AlgorithmHPKEP256 {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedEnvelope, e.Algorithm)
	}
	enc, err := b64.DecodeString(e.EncapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encapsulated key", ErrMalformedEnvelope)
	}
	ct, err := b64.DecodeString(e.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cipher text", ErrMalformedEnvelope)
	}
	for _, key := range keys {
		receiver, err := suite.NewReceiver(key, encryptionInfo)
		if err != nil {
			continue
		}
		opener, err := receiver.Setup(enc)
		if err != nil {
			continue
		}
		if plaintext, err := opener.Open(ct, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrNoMatchingDecryptionKey
}

// SessionSealed carries a message encrypted under the symmetric session
// key the payer supplied in its authorization data. Used for user-facing
// soft rejections and step-up challenges, which must not be readable by
// the relaying payee.
type SessionSealed struct {
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

const AlgorithmA128GCM = "A128GCM"

// SessionKeyLength is the required session key size in bytes.
const SessionKeyLength = 16

// SealSession encrypts plaintext with AES-128-GCM under key.
func SealSession(key, plaintext []byte) (*SessionSealed, error) {
	gcm, err := sessionAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	return &SessionSealed{
		Algorithm:  AlgorithmA128GCM,
		Nonce:      b64.EncodeToString(nonce),
		CipherText: b64.EncodeToString(ct),
	}, nil
}

// OpenSession decrypts a SessionSealed message.
func OpenSession(key []byte, sealed *SessionSealed) ([]byte, error) {
	if sealed.Algorithm != AlgorithmA128GCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedEnvelope, sealed.Algorithm)
	}
	gcm, err := sessionAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce, err := b64.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedEnvelope)
	}
	ct, err := b64.DecodeString(sealed.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cipher text", ErrMalformedEnvelope)
	}
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingDecryptionKey, err)
	}
	return plaintext, nil
}

func sessionAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeyLength {
		return nil, fmt.Errorf("session key must be %d bytes", SessionKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
