package acquirer_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/acquirer"
	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/interbanking"
	"github.com/saturnpay/saturn/methods"
	"github.com/saturnpay/saturn/protocol"
)

type fixture struct {
	t       *testing.T
	cfg     *acquirer.Config
	service *acquirer.Service
	server  *httptest.Server

	bankSigner  *credentials.MemorySigner
	payeeSigner *credentials.MemorySigner
	keyRing     *credentials.DecryptionKeyRing

	payeeAuthorityURL string
	bankAuthorityURL  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fix := &fixture{t: t}
	var err error
	fix.bankSigner, err = credentials.GenerateSigner()
	require.NoError(t, err)
	fix.payeeSigner, err = credentials.GenerateSigner()
	require.NoError(t, err)

	fix.keyRing = credentials.NewDecryptionKeyRing()
	_, err = fix.keyRing.Add()
	require.NoError(t, err)

	var handler http.Handler
	fix.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(fix.server.Close)

	cfg := acquirer.DefaultConfig()
	cfg.BaseURL = fix.server.URL
	fix.cfg = cfg

	fix.payeeAuthorityURL = fix.server.URL + "/payees/demo-shop"
	fix.bankAuthorityURL = fix.server.URL + "/bank-authority"

	now := protocol.Now()
	expires := now.Add(time.Hour)

	bankDoc, err := envelope.Sign(authority.ProviderAuthority{
		Head:              protocol.NewHead(authority.QualifierProviderAuthority),
		AuthorityURL:      fix.bankAuthorityURL,
		BaseURL:           fix.server.URL,
		ServiceURL:        fix.server.URL + "/service",
		CommonName:        "Payer Bank",
		PaymentMethods:    []string{methods.SuperCard},
		SignatureProfiles: []string{envelope.AlgorithmES256},
		Payees:            []string{fix.payeeAuthorityURL},
		Timestamp:         now,
		Expires:           expires,
	}, fix.bankSigner)
	require.NoError(t, err)

	payeeDoc, err := envelope.Sign(authority.PayeeAuthority{
		Head:                 protocol.NewHead(authority.QualifierPayeeAuthority),
		AuthorityURL:         fix.payeeAuthorityURL,
		ProviderAuthorityURL: fix.bankAuthorityURL,
		PayeeID:              "demo-shop",
		CommonName:           "Demo Shop",
		AttestationKey:       envelope.EncodePublicKey(fix.payeeSigner.Public()),
		Timestamp:            now,
		Expires:              expires,
	}, fix.bankSigner)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/bank-authority", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(bankDoc)
	})
	router.Get("/payees/demo-shop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(payeeDoc)
	})
	handler = router

	fix.service = acquirer.NewService(acquirer.ServiceParams{
		Logger:    logger,
		Config:    cfg,
		Methods:   methods.NewRegistry(),
		Directory: authority.NewDirectory(logger, nil),
		Signer:    fix.bankSigner,
		KeyRing:   fix.keyRing,
		Interbank: interbanking.NewClient(logger, fix.bankSigner, nil),
		CardNet:   nil,
	})
	return fix
}

// authorizationResponse builds a bank-signed authorization response with
// card data sealed for the acquirer.
func (f *fixture) authorizationResponse(testMode bool) []byte {
	cardData, err := json.Marshal(methods.CardAccount{
		CardNumber: "4532015112830366",
		CardHolder: "LUKE SKYWALKER",
		Expiry:     "3012",
	})
	require.NoError(f.t, err)
	sealed, err := envelope.Encrypt(cardData, f.keyRing.Current())
	require.NoError(f.t, err)

	signed, err := envelope.Sign(protocol.AuthorizationResponse{
		Head:                 protocol.NewHead(protocol.QualifierAuthorizationResponse),
		RequestHash:          "hash",
		AccountReference:     "453201******0366",
		EncryptedAccountData: sealed,
		ReferenceID:          "#0000000018",
		TestMode:             testMode,
		Timestamp:            protocol.Now(),
	}, f.bankSigner)
	require.NoError(f.t, err)
	return signed
}

func (f *fixture) transactRequest(authResp []byte, signer envelope.Signer, testMode bool) []byte {
	signed, err := envelope.Sign(acquirer.CardTransactRequest{
		Head:                  protocol.NewHead(acquirer.QualifierCardTransactRequest),
		RecipientURL:          f.cfg.ServiceURL(),
		PayeeAuthorityURL:     f.payeeAuthorityURL,
		ProviderAuthorityURL:  f.bankAuthorityURL,
		AuthorizationResponse: authResp,
		Amount:                decimal.RequireFromString("500.00"),
		Currency:              protocol.SEK,
		TestMode:              testMode,
		Timestamp:             protocol.Now(),
	}, signer)
	require.NoError(f.t, err)
	return signed
}

func TestCardTransactTestMode(t *testing.T) {
	fix := newFixture(t)

	raw := fix.transactRequest(fix.authorizationResponse(true), fix.payeeSigner, true)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusOK, out.HTTPStatus)
	require.NotNil(t, out.Body)

	var resp acquirer.CardResponse
	signedBy, err := envelope.Verify(out.Body, protocol.ContextURI, acquirer.QualifierCardTransactResponse, &resp)
	require.NoError(t, err)
	require.True(t, envelope.SameKey(fix.bankSigner.Public(), signedBy))
	require.True(t, resp.TestMode)
	require.Contains(t, resp.NetworkReference, "test-")
	require.Empty(t, resp.ProviderReference)
}

func TestCardTransactRejectsUntrustedPayee(t *testing.T) {
	fix := newFixture(t)

	stranger, err := credentials.GenerateSigner()
	require.NoError(t, err)

	raw := fix.transactRequest(fix.authorizationResponse(true), stranger, true)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusForbidden, out.HTTPStatus)
	require.Nil(t, out.Body)
}

func TestCardTransactRejectsForgedAuthorizationResponse(t *testing.T) {
	fix := newFixture(t)

	forger, err := credentials.GenerateSigner()
	require.NoError(t, err)

	cardData, err := json.Marshal(methods.CardAccount{
		CardNumber: "4532015112830366", CardHolder: "X", Expiry: "3012",
	})
	require.NoError(t, err)
	sealed, err := envelope.Encrypt(cardData, fix.keyRing.Current())
	require.NoError(t, err)

	forged, err := envelope.Sign(protocol.AuthorizationResponse{
		Head:                 protocol.NewHead(protocol.QualifierAuthorizationResponse),
		RequestHash:          "hash",
		AccountReference:     "453201******0366",
		EncryptedAccountData: sealed,
		ReferenceID:          "#0000000018",
		TestMode:             true,
		Timestamp:            protocol.Now(),
	}, forger)
	require.NoError(t, err)

	raw := fix.transactRequest(forged, fix.payeeSigner, true)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusForbidden, out.HTTPStatus)
}

func TestCardTransactRejectsMisaddressedCardData(t *testing.T) {
	fix := newFixture(t)

	// Card data sealed for someone else's key.
	otherRing := credentials.NewDecryptionKeyRing()
	otherPub, err := otherRing.Add()
	require.NoError(t, err)
	cardData, err := json.Marshal(methods.CardAccount{
		CardNumber: "4532015112830366", CardHolder: "X", Expiry: "3012",
	})
	require.NoError(t, err)
	sealed, err := envelope.Encrypt(cardData, otherPub)
	require.NoError(t, err)

	authResp, err := envelope.Sign(protocol.AuthorizationResponse{
		Head:                 protocol.NewHead(protocol.QualifierAuthorizationResponse),
		RequestHash:          "hash",
		AccountReference:     "453201******0366",
		EncryptedAccountData: sealed,
		ReferenceID:          "#0000000018",
		TestMode:             true,
		Timestamp:            protocol.Now(),
	}, fix.bankSigner)
	require.NoError(t, err)

	raw := fix.transactRequest(authResp, fix.payeeSigner, true)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusBadRequest, out.HTTPStatus)
}

func TestCardTransactRejectsTestModeMismatch(t *testing.T) {
	fix := newFixture(t)

	// A live capture riding on a test-mode authorization must not pass.
	raw := fix.transactRequest(fix.authorizationResponse(true), fix.payeeSigner, false)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusBadRequest, out.HTTPStatus)
}

func TestCardTransactIdempotentResubmission(t *testing.T) {
	fix := newFixture(t)

	raw := fix.transactRequest(fix.authorizationResponse(true), fix.payeeSigner, true)
	first := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusOK, first.HTTPStatus)

	second := fix.service.Process(context.Background(), raw)
	require.Equal(t, first, second)
}

func TestCardRefundTestMode(t *testing.T) {
	fix := newFixture(t)

	raw, err := envelope.Sign(acquirer.CardRefundRequest{
		Head:                  protocol.NewHead(acquirer.QualifierCardRefundRequest),
		RecipientURL:          fix.cfg.ServiceURL(),
		PayeeAuthorityURL:     fix.payeeAuthorityURL,
		ProviderAuthorityURL:  fix.bankAuthorityURL,
		AuthorizationResponse: fix.authorizationResponse(true),
		Amount:                decimal.RequireFromString("200.00"),
		Currency:              protocol.SEK,
		TestMode:              true,
		Timestamp:             protocol.Now(),
	}, fix.payeeSigner)
	require.NoError(t, err)

	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusOK, out.HTTPStatus)

	var resp acquirer.CardResponse
	_, err = envelope.Verify(out.Body, protocol.ContextURI, acquirer.QualifierCardRefundResponse, &resp)
	require.NoError(t, err)
	require.True(t, resp.TestMode)
}

func TestCardTransactWithoutNetworkIsUnavailable(t *testing.T) {
	fix := newFixture(t)

	// A live capture with no card network connection cannot settle.
	raw := fix.transactRequest(fix.authorizationResponse(false), fix.payeeSigner, false)
	out := fix.service.Process(context.Background(), raw)
	require.Equal(t, http.StatusServiceUnavailable, out.HTTPStatus)
}
