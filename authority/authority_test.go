package authority

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func signedProvider(t *testing.T, signer envelope.Signer, authorityURL, hostingProvider string) []byte {
	t.Helper()
	doc, err := envelope.Sign(ProviderAuthority{
		Head:              protocol.NewHead(QualifierProviderAuthority),
		AuthorityURL:      authorityURL,
		BaseURL:           "https://bank.example.com",
		ServiceURL:        "https://bank.example.com/service",
		CommonName:        "Example Bank",
		PaymentMethods:    []string{"https://supercard.com"},
		SignatureProfiles: []string{envelope.AlgorithmES256},
		EncryptionParameters: []EncryptionParameter{{
			Algorithm: envelope.AlgorithmHPKEP256,
			PublicKey: "ignored-in-these-tests",
		}},
		HostingProvider: hostingProvider,
		Timestamp:       protocol.Now(),
		Expires:         protocol.Now().Add(time.Hour),
	}, signer)
	require.NoError(t, err)
	return doc
}

func signedPayee(t *testing.T, signer envelope.Signer, authorityURL, providerURL string) []byte {
	t.Helper()
	payeeKey, err := credentials.GenerateSigner()
	require.NoError(t, err)

	doc, err := envelope.Sign(PayeeAuthority{
		Head:                 protocol.NewHead(QualifierPayeeAuthority),
		AuthorityURL:         authorityURL,
		ProviderAuthorityURL: providerURL,
		PayeeID:              "86344",
		CommonName:           "Space Shop",
		AttestationKey:       envelope.EncodePublicKey(payeeKey.Public()),
		Timestamp:            protocol.Now(),
		Expires:              protocol.Now().Add(time.Hour),
	}, signer)
	require.NoError(t, err)
	return doc
}

func verified[T any](t *testing.T, raw []byte, qualifier string) Verified[T] {
	t.Helper()
	var obj T
	signer, err := envelope.Verify(raw, protocol.ContextURI, qualifier, &obj)
	require.NoError(t, err)
	return Verified[T]{Authority: &obj, SignedBy: signer, FetchedAt: time.Now()}
}

func TestCheckAttestation(t *testing.T) {
	providerSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)
	otherSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)

	provider := verified[ProviderAuthority](t,
		signedProvider(t, providerSigner, "https://bank.example.com/authority", ""),
		QualifierProviderAuthority)

	t.Run("signed by provider", func(t *testing.T) {
		payee := verified[PayeeAuthority](t,
			signedPayee(t, providerSigner, "https://bank.example.com/payees/86344", provider.Authority.AuthorityURL),
			QualifierPayeeAuthority)
		assert.NoError(t, CheckAttestation(payee, provider, nil))
	})

	t.Run("signed by stranger", func(t *testing.T) {
		payee := verified[PayeeAuthority](t,
			signedPayee(t, otherSigner, "https://bank.example.com/payees/86344", provider.Authority.AuthorityURL),
			QualifierPayeeAuthority)
		assert.ErrorIs(t, CheckAttestation(payee, provider, nil), ErrTrustChainMismatch)
	})

	t.Run("signed by hosting provider", func(t *testing.T) {
		hostingSigner, err := credentials.GenerateSigner()
		require.NoError(t, err)
		hosting := verified[ProviderAuthority](t,
			signedProvider(t, hostingSigner, "https://hosting.example.com/authority", ""),
			QualifierProviderAuthority)
		payee := verified[PayeeAuthority](t,
			signedPayee(t, hostingSigner, "https://hosting.example.com/payees/86344", provider.Authority.AuthorityURL),
			QualifierPayeeAuthority)

		assert.ErrorIs(t, CheckAttestation(payee, provider, nil), ErrTrustChainMismatch)
		assert.NoError(t, CheckAttestation(payee, provider, &hosting))
	})
}

func TestVerifyTrustChainRetriesOnceAfterKeyRotation(t *testing.T) {
	oldSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)
	newSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)

	var payeeFetches atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	providerURL := srv.URL + "/authority"
	payeeURL := srv.URL + "/payees/86344"

	// The payee authority still carries the old signature on the first
	// fetch; the republished one appears on the retry.
	staleDoc := signedPayee(t, oldSigner, payeeURL, providerURL)
	freshDoc := signedPayee(t, newSigner, payeeURL, providerURL)
	providerDoc := signedProvider(t, newSigner, providerURL, "")

	mux.HandleFunc("/authority", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(providerDoc)
	})
	mux.HandleFunc("/payees/86344", func(w http.ResponseWriter, r *http.Request) {
		n := payeeFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Write(staleDoc)
			return
		}
		w.Write(freshDoc)
	})

	d := NewDirectory(testLogger(), srv.Client())
	payee, provider, err := d.VerifyTrustChain(context.Background(), payeeURL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), payeeFetches.Load())
	assert.Equal(t, "86344", payee.Authority.PayeeID)
	assert.True(t, envelope.SameKey(provider.SignedBy, newSigner.Public()))
}

func TestVerifyTrustChainTerminalAfterSecondMismatch(t *testing.T) {
	providerSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)
	strangerSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)

	var payeeFetches atomic.Int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	providerURL := srv.URL + "/authority"
	payeeURL := srv.URL + "/payees/86344"

	providerDoc := signedProvider(t, providerSigner, providerURL, "")
	forgedDoc := signedPayee(t, strangerSigner, payeeURL, providerURL)

	mux.HandleFunc("/authority", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(providerDoc)
	})
	mux.HandleFunc("/payees/86344", func(w http.ResponseWriter, r *http.Request) {
		payeeFetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(forgedDoc)
	})

	d := NewDirectory(testLogger(), srv.Client())
	_, _, err = d.VerifyTrustChain(context.Background(), payeeURL)
	assert.ErrorIs(t, err, ErrTrustChainMismatch)
	assert.Equal(t, int32(2), payeeFetches.Load())
}

func TestDirectoryRejectsWrongContentType(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(signedProvider(t, signer, "https://bank.example.com/authority", ""))
	}))
	defer srv.Close()

	d := NewDirectory(testLogger(), srv.Client())
	_, err = d.ProviderAuthority(context.Background(), srv.URL, false)
	assert.ErrorContains(t, err, "content type")
}

func TestDirectoryCachesUntilExpiry(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)

	var fetches atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(signedProvider(t, signer, srv.URL, ""))
	}))
	defer srv.Close()

	d := NewDirectory(testLogger(), srv.Client())

	_, err = d.ProviderAuthority(context.Background(), srv.URL, true)
	require.NoError(t, err)
	_, err = d.ProviderAuthority(context.Background(), srv.URL, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	_, err = d.ProviderAuthority(context.Background(), srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestManagerPublishesAndStops(t *testing.T) {
	signer, err := credentials.GenerateSigner()
	require.NoError(t, err)
	payeeSigner, err := credentials.GenerateSigner()
	require.NoError(t, err)

	m := NewManager(testLogger(), signer, func() string { return "encryption-key" }, ManagerConfig{
		AuthorityURL:   "https://bank.example.com/authority",
		BaseURL:        "https://bank.example.com",
		ServiceURL:     "https://bank.example.com/service",
		CommonName:     "Example Bank",
		PaymentMethods: []string{"https://supercard.com"},
		Expiration:     time.Hour,
	}, []Payee{{
		ID:             "86344",
		CommonName:     "Space Shop",
		AuthorityURL:   "https://bank.example.com/payees/86344",
		AttestationKey: envelope.EncodePublicKey(payeeSigner.Public()),
	}})

	require.NoError(t, m.Start())
	defer m.Stop()

	var provider ProviderAuthority
	signedBy, err := envelope.Verify(m.CurrentAuthority(), protocol.ContextURI, QualifierProviderAuthority, &provider)
	require.NoError(t, err)
	assert.True(t, envelope.SameKey(signedBy, signer.Public()))
	assert.Equal(t, "Example Bank", provider.CommonName)
	assert.True(t, provider.Expires.After(provider.Timestamp))

	doc, ok := m.PayeeAuthority("86344")
	require.True(t, ok)
	var payee PayeeAuthority
	signedBy, err = envelope.Verify(doc, protocol.ContextURI, QualifierPayeeAuthority, &payee)
	require.NoError(t, err)
	assert.True(t, envelope.SameKey(signedBy, signer.Public()))
	assert.Equal(t, "Space Shop", payee.CommonName)

	rec, ok := m.PayeeByAuthorityURL("https://bank.example.com/payees/86344")
	require.True(t, ok)
	assert.Equal(t, "86344", rec.ID)

	m.Stop()
}
