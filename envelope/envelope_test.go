package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/cloudflare/circl/kem"
	"github.com/stretchr/testify/require"

	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
)

type note struct {
	Context   string `json:"@context"`
	Qualifier string `json:"@qualifier"`
	Text      string `json:"text"`

	Signature *envelope.Signature `json:"signature,omitempty"`
}

const (
	testContext   = "https://example.org/test/v1"
	testQualifier = "Note"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	signed, err := envelope.Sign(note{Context: testContext, Qualifier: testQualifier, Text: "hello"}, signer)
	require.NoError(t, err)

	var out note
	signedBy, err := envelope.Verify(signed, testContext, testQualifier, &out)
	require.NoError(t, err)
	require.Equal(t, "hello", out.Text)
	require.True(t, envelope.SameKey(signer.Public(), signedBy))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	signed, err := envelope.Sign(note{Context: testContext, Qualifier: testQualifier, Text: "hello"}, signer)
	require.NoError(t, err)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(signed, &obj))
	obj["text"] = json.RawMessage(`"goodbye"`)
	tampered, err := json.Marshal(obj)
	require.NoError(t, err)

	_, err = envelope.Verify(tampered, testContext, testQualifier, nil)
	require.ErrorIs(t, err, envelope.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongQualifier(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	signed, err := envelope.Sign(note{Context: testContext, Qualifier: testQualifier, Text: "hello"}, signer)
	require.NoError(t, err)

	_, err = envelope.Verify(signed, testContext, "SomethingElse", nil)
	require.ErrorIs(t, err, envelope.ErrUnexpectedMessageType)

	_, err = envelope.Verify(signed, "https://example.org/other/v1", testQualifier, nil)
	require.ErrorIs(t, err, envelope.ErrUnexpectedMessageType)
}

func TestVerifyRejectsInjectedField(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	// The extra field is covered by the signature, so the envelope
	// itself verifies; decoding into the typed message must still
	// reject it.
	signed, err := envelope.Sign(map[string]any{
		"@context":   testContext,
		"@qualifier": testQualifier,
		"text":       "hello",
		"extra":      "injected",
	}, signer)
	require.NoError(t, err)

	var out note
	_, err = envelope.Verify(signed, testContext, testQualifier, &out)
	require.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestSignRejectsAlreadySigned(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	signed, err := envelope.Sign(note{Context: testContext, Qualifier: testQualifier, Text: "x"}, signer)
	require.NoError(t, err)

	var resigned map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(signed, &resigned))
	_, err = envelope.Sign(resigned, signer)
	require.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
}

func TestPublicKeyEncodeDecode(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	encoded := envelope.EncodePublicKey(signer.Public())
	decoded, err := envelope.DecodePublicKey(encoded)
	require.NoError(t, err)
	require.True(t, envelope.SameKey(signer.Public(), decoded))

	_, err = envelope.DecodePublicKey("not-a-key")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pub, priv, err := envelope.GenerateEncryptionKey()
	require.NoError(t, err)

	sealed, err := envelope.Encrypt([]byte("account data"), pub)
	require.NoError(t, err)
	require.Equal(t, envelope.AlgorithmHPKEP256, sealed.Algorithm)

	plain, err := envelope.Decrypt(sealed, []kem.PrivateKey{priv})
	require.NoError(t, err)
	require.Equal(t, []byte("account data"), plain)
}

func TestDecryptTriesAllKeys(t *testing.T) {
	pub, priv, err := envelope.GenerateEncryptionKey()
	require.NoError(t, err)
	_, other, err := envelope.GenerateEncryptionKey()
	require.NoError(t, err)

	sealed, err := envelope.Encrypt([]byte("payload"), pub)
	require.NoError(t, err)

	// Newest key first fails, the older one opens it.
	plain, err := envelope.Decrypt(sealed, []kem.PrivateKey{other, priv})
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), plain)

	_, err = envelope.Decrypt(sealed, []kem.PrivateKey{other})
	require.ErrorIs(t, err, envelope.ErrNoMatchingDecryptionKey)
}

func TestSessionSealRoundTrip(t *testing.T) {
	key := make([]byte, envelope.SessionKeyLength)
	for i := range key {
		key[i] = byte(i)
	}

	sealed, err := envelope.SealSession(key, []byte("user message"))
	require.NoError(t, err)

	plain, err := envelope.OpenSession(key, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("user message"), plain)

	wrong := make([]byte, envelope.SessionKeyLength)
	_, err = envelope.OpenSession(wrong, sealed)
	require.Error(t, err)

	_, err = envelope.SealSession(key[:8], []byte("short key"))
	require.Error(t, err)
}
