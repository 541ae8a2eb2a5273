package acquirer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/interbanking"
	"github.com/saturnpay/saturn/internal/dedup"
	"github.com/saturnpay/saturn/internal/refid"
	"github.com/saturnpay/saturn/methods"
	"github.com/saturnpay/saturn/protocol"
)

// ServiceParams collects the collaborators the acquirer runs on.
type ServiceParams struct {
	Logger    *slog.Logger
	Config    *Config
	Methods   *methods.Registry
	Directory *authority.Directory
	Signer    envelope.Signer
	KeyRing   *credentials.DecryptionKeyRing
	Interbank *interbanking.Client
	CardNet   *CardNetwork
}

// Service drives one card operation end to end: payee verification,
// card data unsealing, the card network leg and the interbanking leg,
// with a compensating card-network call when settlement fails.
type Service struct {
	logger    *slog.Logger
	cfg       *Config
	methods   *methods.Registry
	directory *authority.Directory
	signer    envelope.Signer
	keyRing   *credentials.DecryptionKeyRing
	interbank *interbanking.Client
	cardnet   *CardNetwork
	refids    *refid.Generator
	dedup     *dedup.Cache
	now       func() time.Time
}

// Outcome is the rendered result of one request: either a signed
// response body or a clear-text rejection.
type Outcome struct {
	HTTPStatus int    `json:"httpStatus"`
	Body       []byte `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		logger:    p.Logger.With(slog.String("component", "card-service")),
		cfg:       p.Config,
		methods:   p.Methods,
		directory: p.Directory,
		signer:    p.Signer,
		keyRing:   p.KeyRing,
		interbank: p.Interbank,
		cardnet:   p.CardNet,
		refids:    refid.NewGenerator(uint64(time.Now().Unix() % 1000000)),
		dedup:     dedup.New(p.Config.DedupTTL),
		now:       time.Now,
	}
}

// Process handles one card operation. Resubmission of the same bytes
// within the dedup window replays the stored outcome, so a payee retry
// never runs a second card-network transaction.
func (s *Service) Process(ctx context.Context, raw []byte) Outcome {
	fingerprint, err := protocol.RequestHash(raw)
	if err != nil {
		return reject(http.StatusBadRequest, "malformed request")
	}
	if stored, ok := s.dedup.Lookup(fingerprint); ok {
		var out Outcome
		if err := json.Unmarshal(stored, &out); err == nil {
			s.logger.Info("duplicate card request replayed from cache",
				slog.String("fingerprint", fingerprint))
			return out
		}
	}

	out := s.dispatch(ctx, raw)

	if encoded, err := json.Marshal(out); err == nil {
		s.dedup.Store(fingerprint, encoded)
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, raw []byte) Outcome {
	qualifier, err := envelope.Qualifier(raw)
	if err != nil {
		return reject(http.StatusBadRequest, "malformed request")
	}
	switch qualifier {
	case QualifierCardTransactRequest:
		var req CardTransactRequest
		signedBy, err := envelope.Verify(raw, protocol.ContextURI, QualifierCardTransactRequest, &req)
		if err != nil {
			return reject(http.StatusBadRequest, "malformed request")
		}
		return s.cardOperation(ctx, raw, cardOperation{
			signedBy:              signedBy,
			recipientURL:          req.RecipientURL,
			payeeAuthorityURL:     req.PayeeAuthorityURL,
			providerAuthorityURL:  req.ProviderAuthorityURL,
			authorizationResponse: req.AuthorizationResponse,
			amount:                req.Amount,
			currency:              req.Currency,
			testMode:              req.TestMode,
			refund:                false,
		})
	case QualifierCardRefundRequest:
		var req CardRefundRequest
		signedBy, err := envelope.Verify(raw, protocol.ContextURI, QualifierCardRefundRequest, &req)
		if err != nil {
			return reject(http.StatusBadRequest, "malformed request")
		}
		return s.cardOperation(ctx, raw, cardOperation{
			signedBy:              signedBy,
			recipientURL:          req.RecipientURL,
			payeeAuthorityURL:     req.PayeeAuthorityURL,
			providerAuthorityURL:  req.ProviderAuthorityURL,
			authorizationResponse: req.AuthorizationResponse,
			amount:                req.Amount,
			currency:              req.Currency,
			testMode:              req.TestMode,
			refund:                true,
		})
	default:
		return reject(http.StatusBadRequest, "unknown message type")
	}
}

type cardOperation struct {
	signedBy              *ecdsa.PublicKey
	recipientURL          string
	payeeAuthorityURL     string
	providerAuthorityURL  string
	authorizationResponse json.RawMessage
	amount                decimal.Decimal
	currency              protocol.Currency
	testMode              bool
	refund                bool
}

func (s *Service) cardOperation(ctx context.Context, raw []byte, op cardOperation) Outcome {
	if op.recipientURL != s.cfg.ServiceURL() {
		return reject(http.StatusBadRequest, "request addressed to another acquirer")
	}
	if err := protocol.CheckAmount(op.amount, op.currency); err != nil {
		return reject(http.StatusBadRequest, "bad amount")
	}

	// The calling payee must be attested by an intact trust chain and
	// must have signed with its attested key.
	payee, _, err := s.directory.VerifyTrustChain(ctx, op.payeeAuthorityURL)
	if err != nil {
		s.logger.Warn("payee trust chain rejected",
			slog.String("payeeAuthorityUrl", op.payeeAuthorityURL), "err", err)
		return reject(http.StatusForbidden, "payee trust chain verification failed")
	}
	attestationKey, err := payee.Authority.DecodeAttestationKey()
	if err != nil || !envelope.SameKey(op.signedBy, attestationKey) {
		return reject(http.StatusForbidden, "request not signed by attested payee key")
	}

	// The embedded authorization response must come from the provider
	// the payee claims it does.
	provider, err := s.directory.ProviderAuthority(ctx, op.providerAuthorityURL, true)
	if err != nil {
		return reject(http.StatusForbidden, "payer provider authority unavailable")
	}
	var authResp protocol.AuthorizationResponse
	issuerKey, err := envelope.Verify(op.authorizationResponse, protocol.ContextURI,
		protocol.QualifierAuthorizationResponse, &authResp)
	if err != nil || !envelope.SameKey(issuerKey, provider.SignedBy) {
		return reject(http.StatusForbidden, "authorization response not signed by payer provider")
	}
	if authResp.TestMode != op.testMode {
		return reject(http.StatusBadRequest, "test mode flag does not match authorization")
	}

	card, out := s.unsealCard(authResp.EncryptedAccountData)
	if card == nil {
		return out
	}

	referenceID := s.refids.Next()
	networkRef := ""
	providerRef := ""
	if op.testMode {
		networkRef = "test-" + uuid.NewString()
	} else {
		networkRef, providerRef, out = s.settle(ctx, op, *card, payee.Authority.CommonName,
			authResp.ReferenceID, referenceID, provider.Authority)
		if out.HTTPStatus != 0 {
			return out
		}
	}

	requestHash, err := protocol.RequestHash(raw)
	if err != nil {
		return reject(http.StatusInternalServerError, "internal error")
	}
	respQualifier := QualifierCardTransactResponse
	if op.refund {
		respQualifier = QualifierCardRefundResponse
	}
	signed, err := envelope.Sign(CardResponse{
		Head:              protocol.NewHead(respQualifier),
		RequestHash:       requestHash,
		ReferenceID:       referenceID,
		NetworkReference:  networkRef,
		ProviderReference: providerRef,
		TestMode:          op.testMode,
		Timestamp:         protocol.Now(),
	}, s.signer)
	if err != nil {
		return reject(http.StatusInternalServerError, "internal error")
	}

	s.logger.Info("card operation completed",
		slog.String("referenceId", referenceID),
		slog.String("payeeId", payee.Authority.PayeeID),
		slog.String("amount", protocol.FormatAmount(op.amount, op.currency)),
		slog.Bool("refund", op.refund),
		slog.Bool("testMode", op.testMode),
	)
	return Outcome{HTTPStatus: http.StatusOK, Body: signed}
}

// unsealCard opens the account data addressed to this acquirer and
// checks the card itself.
func (s *Service) unsealCard(encrypted *envelope.Encrypted) (*methods.CardAccount, Outcome) {
	if encrypted == nil {
		return nil, reject(http.StatusBadRequest, "authorization response carries no account data")
	}
	plain, err := envelope.Decrypt(encrypted, s.keyRing.Keys())
	if err != nil {
		s.logger.Warn("card data decryption failed", "err", err)
		return nil, reject(http.StatusBadRequest, "account data not addressed to this acquirer")
	}
	rec, err := s.methods.Decode(methods.SuperCard, plain)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "bad card account data")
	}
	card, ok := rec.(methods.CardAccount)
	if !ok {
		return nil, reject(http.StatusBadRequest, "bad card account data")
	}
	if card.Expired(s.now()) {
		return nil, reject(http.StatusBadRequest, "card expired")
	}
	return &card, Outcome{}
}

// settle runs the card network leg and then the interbanking leg. If
// settlement fails after the network approved, the network transaction
// is compensated with the opposite operation.
func (s *Service) settle(ctx context.Context, op cardOperation, card methods.CardAccount,
	payeeName, transactionReference, referenceID string,
	provider *authority.ProviderAuthority) (networkRef, providerRef string, out Outcome) {

	if s.cardnet == nil {
		return "", "", reject(http.StatusServiceUnavailable, "card network offline")
	}

	networkOp := s.cardnet.Authorize
	compensate := s.cardnet.Refund
	bankOp := interbanking.CreditCardTransact
	if op.refund {
		networkOp = s.cardnet.Refund
		compensate = s.cardnet.Authorize
		bankOp = interbanking.CreditCardRefund
	}

	networkRef, err := networkOp(card, op.amount, op.currency, payeeName)
	if err != nil {
		s.logger.Warn("card network declined", "err", err)
		return "", "", reject(http.StatusBadGateway, "card network declined")
	}

	resp, err := s.interbank.Perform(ctx, provider.BaseURL+"/interbanking", interbanking.Request{
		Operation:            bankOp,
		TransactionReference: transactionReference,
		Amount:               op.amount,
		Currency:             op.currency,
		PayeeName:            payeeName,
		PayeeReference:       referenceID,
	})
	if err != nil {
		s.logger.Error("bank settlement failed, compensating card network transaction",
			slog.String("networkReference", networkRef), "err", err)
		if _, revErr := compensate(card, op.amount, op.currency, payeeName); revErr != nil {
			// Operational alert: the card network ran a transaction
			// with no matching bank settlement.
			s.logger.Error("REVERSAL FAILED after settlement failure",
				slog.String("networkReference", networkRef), "err", revErr)
		}
		return "", "", reject(http.StatusBadGateway, "bank settlement failed")
	}
	return networkRef, resp.OurReference, Outcome{}
}

func reject(status int, msg string) Outcome {
	return Outcome{HTTPStatus: status, Message: msg}
}
