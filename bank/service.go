package bank

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/authority"
	"github.com/saturnpay/saturn/bank/models"
	"github.com/saturnpay/saturn/credentials"
	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/interbanking"
	"github.com/saturnpay/saturn/internal/dedup"
	"github.com/saturnpay/saturn/internal/refid"
	"github.com/saturnpay/saturn/methods"
	"github.com/saturnpay/saturn/protocol"
)

// ServiceParams collects the collaborators the orchestrator runs on.
// Everything is injected; the service holds no globals.
type ServiceParams struct {
	Logger    *slog.Logger
	Config    *Config
	Repo      *Repository
	Methods   *methods.Registry
	Directory *authority.Directory
	Manager   *authority.Manager
	Signer    envelope.Signer
	KeyRing   *credentials.DecryptionKeyRing
	Interbank *interbanking.Client
}

// Service is the transaction orchestrator: it drives each request type
// through decode, trust verification, policy, ledger and settlement,
// and renders the outcome as data.
type Service struct {
	logger    *slog.Logger
	cfg       *Config
	repo      *Repository
	methods   *methods.Registry
	directory *authority.Directory
	manager   *authority.Manager
	signer    envelope.Signer
	keyRing   *credentials.DecryptionKeyRing
	interbank *interbanking.Client
	refids    *refid.Generator
	dedup     *dedup.Cache
	rba       RBAPolicy
	now       func() time.Time
}

func NewService(p ServiceParams) *Service {
	return &Service{
		logger:    p.Logger.With(slog.String("component", "orchestrator")),
		cfg:       p.Config,
		repo:      p.Repo,
		methods:   p.Methods,
		directory: p.Directory,
		manager:   p.Manager,
		signer:    p.Signer,
		keyRing:   p.KeyRing,
		interbank: p.Interbank,
		refids:    refid.NewGenerator(uint64(time.Now().Unix() % 1000000)),
		dedup:     dedup.New(p.Config.DedupTTL),
		rba:       DefaultRBAPolicy(),
		now:       time.Now,
	}
}

// Process handles one protocol message. A resubmission of the same
// bytes within the dedup window replays the stored outcome instead of
// executing again; the ledger sees each distinct request once.
func (s *Service) Process(ctx context.Context, raw []byte, clientIP string) Outcome {
	fingerprint, err := protocol.RequestHash(raw)
	if err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
	if stored, ok := s.dedup.Lookup(fingerprint); ok {
		var out Outcome
		if err := json.Unmarshal(stored, &out); err == nil {
			s.logger.Info("duplicate request replayed from cache",
				slog.String("fingerprint", fingerprint))
			return out
		}
	}

	out := s.dispatch(ctx, raw, clientIP)

	if encoded, err := json.Marshal(out); err == nil {
		s.dedup.Store(fingerprint, encoded)
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, raw []byte, clientIP string) Outcome {
	qualifier, err := envelope.Qualifier(raw)
	if err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
	switch qualifier {
	case protocol.QualifierAuthorizationRequest:
		return s.authorize(ctx, raw, clientIP)
	case protocol.QualifierTransactionRequest:
		return s.transact(ctx, raw)
	case protocol.QualifierRefundRequest:
		return s.refund(ctx, raw)
	case protocol.QualifierBalanceRequest:
		return s.balance(ctx, raw)
	default:
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
}

// authorize runs the authorization state machine. The step order is
// part of the protocol: nothing touches the ledger until the trust
// chain, the payer authentication and the policy gates have all
// passed.
func (s *Service) authorize(ctx context.Context, raw []byte, clientIP string) Outcome {
	var req protocol.AuthorizationRequest
	reqSigner, err := envelope.Verify(raw, protocol.ContextURI, protocol.QualifierAuthorizationRequest, &req)
	if err != nil {
		s.logger.Warn("authorization request rejected", "err", err)
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}

	// 1. Addressed to us?
	if req.RecipientURL != s.cfg.ServiceURL() {
		return hardReject(ReasonWrongRecipient, http.StatusBadRequest)
	}

	// 2. Method understood?
	if !s.methods.Supported(req.PaymentMethod) {
		return hardReject(ReasonUnknownMethod, http.StatusBadRequest)
	}

	// 3. Merchant directory + trust chain + payee signatures.
	merchant, ok := s.manager.PayeeByAuthorityURL(req.PayeeAuthorityURL)
	if !ok {
		s.logger.Warn("authorization from unknown merchant",
			slog.String("payeeAuthorityUrl", req.PayeeAuthorityURL))
		return hardReject(ReasonUnknownMerchant, http.StatusForbidden)
	}
	payee, provider, err := s.directory.VerifyTrustChain(ctx, req.PayeeAuthorityURL)
	if err != nil {
		if errors.Is(err, authority.ErrTrustChainMismatch) {
			return hardReject(ReasonTrustChainMismatch, http.StatusForbidden)
		}
		s.logger.Error("authority resolution failed", "err", err)
		return hardReject(ReasonTrustChainMismatch, http.StatusForbidden)
	}
	attestationKey, err := payee.Authority.DecodeAttestationKey()
	if err != nil || !envelope.SameKey(reqSigner, attestationKey) {
		return hardReject(ReasonBadSignature, http.StatusForbidden)
	}

	var paymentRequest protocol.PaymentRequest
	prSigner, err := envelope.Verify(req.PaymentRequest, protocol.ContextURI, protocol.QualifierPaymentRequest, &paymentRequest)
	if err != nil || !envelope.SameKey(prSigner, attestationKey) {
		return hardReject(ReasonBadSignature, http.StatusForbidden)
	}
	if paymentRequest.PayeeID != payee.Authority.PayeeID {
		return hardReject(ReasonBadSignature, http.StatusForbidden)
	}
	if err := protocol.CheckAmount(paymentRequest.Amount, paymentRequest.Currency); err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}

	// 4. Claimed receive account must be one the payee registered.
	if len(merchant.AccountHashes) > 0 {
		hash, err := protocol.RequestHash(req.PayeeReceiveAccount)
		if err != nil || !contains(merchant.AccountHashes, hash) {
			return hardReject(ReasonAccountMismatch, http.StatusForbidden)
		}
	}

	// 5. Decrypt the payer's authorization.
	plain, err := envelope.Decrypt(&req.EncryptedAuthorizationData, s.keyRing.Keys())
	if err != nil {
		s.logger.Warn("authorization data decryption failed", "err", err)
		return hardReject(ReasonDecryptionFailed, http.StatusBadRequest)
	}
	var authData protocol.AuthorizationData
	payerKey, err := envelope.Verify(plain, protocol.ContextURI, protocol.QualifierAuthorizationData, &authData)
	if err != nil {
		return hardReject(ReasonBadSignature, http.StatusBadRequest)
	}
	requestHash, err := protocol.RequestHash(req.PaymentRequest)
	if err != nil || authData.RequestHash != requestHash {
		// The payer authorized a different payment request than the
		// one the payee submitted.
		return hardReject(ReasonBadSignature, http.StatusBadRequest)
	}
	sessionKey, err := base64.RawURLEncoding.DecodeString(authData.SessionKey)
	if err != nil || len(sessionKey) != envelope.SessionKeyLength {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}

	// 6. Authenticate the payer against the ledger.
	cred, err := s.repo.Authenticate(ctx, authData.Account.CredentialID, authData.Account.AccountID,
		authData.Account.PaymentMethod, envelope.KeyHash(payerKey))
	if err != nil {
		return s.ledgerAuthReject(err)
	}

	// 7. Freshness. A stale or future-dated authorization is the
	// wallet's clock problem, not an attack; the payer gets a message
	// and can simply retry.
	if out, ok := s.checkFreshness(authData.Timestamp, sessionKey); !ok {
		return out
	}

	// Demo deployments cap single payments.
	if s.cfg.DemoAccountLimit.IsPositive() && paymentRequest.Amount.GreaterThanOrEqual(s.cfg.DemoAccountLimit) {
		return s.userReject(ReasonOverDemoLimit, sessionKey,
			fmt.Sprintf("This demo limits payments to %s %s.",
				protocol.FormatAmount(s.cfg.DemoAccountLimit, paymentRequest.Currency), paymentRequest.Currency))
	}

	// 8. Risk-based step-up, re-entrant on resubmission.
	if s.rba.Required(paymentRequest.Amount) && !s.rba.Satisfied(authData.ChallengeResults) {
		text := s.rba.Prompt
		if len(authData.ChallengeResults) > 0 {
			text = "The answer did not match our records, please try again."
		}
		body, err := s.userMessage(sessionKey, text, s.rba.Challenge())
		if err != nil {
			return hardReject(ReasonInternal, http.StatusInternalServerError)
		}
		return pending(body)
	}

	// 9-10. Ledger reservation and settlement. Test mode stops short
	// of both but has exercised every protocol step above.
	referenceID := s.refids.Next()
	logData := ""
	if req.TestMode {
		logData = "Test mode: no ledger operation"
	} else {
		txID, err := s.repo.Debit(ctx, authData.Account.AccountID, paymentRequest.Amount, paymentRequest.Currency,
			models.Reserve, string(req.PayeeReceiveAccount), paymentRequest.PayeeCommonName, referenceID)
		if err != nil {
			if errors.Is(err, models.ErrInsufficientFunds) {
				return s.userReject(ReasonInsufficientFunds, sessionKey, "Unfortunately, your balance does not cover this payment.")
			}
			s.logger.Error("ledger debit failed", "err", err)
			return hardReject(ReasonInternal, http.StatusInternalServerError)
		}
		logData = fmt.Sprintf("Local transaction ID: %d", txID)

		codec, _ := s.methods.Lookup(req.PaymentMethod)
		if !codec.CardNetwork {
			// Account rails settle now; card rails settle when the
			// acquirer calls in.
			_, err := s.interbank.Perform(ctx, providerInterbankingURL(provider.Authority), interbanking.Request{
				Operation:      interbanking.CreditTransfer,
				Account:        authData.Account.AccountID,
				Amount:         paymentRequest.Amount,
				Currency:       paymentRequest.Currency,
				PayeeName:      paymentRequest.PayeeCommonName,
				PayeeReference: referenceID,
				PayeeAccount:   string(req.PayeeReceiveAccount),
				TestMode:       false,
			})
			if err != nil {
				s.logger.Error("settlement failed, reversing reservation",
					slog.Int64("txId", txID), "err", err)
				if revErr := s.repo.Reverse(ctx, txID); revErr != nil {
					// Operational alert: money is held without a
					// matching settlement.
					s.logger.Error("REVERSAL FAILED after settlement failure",
						slog.Int64("txId", txID), "err", revErr)
				}
				return hardReject(ReasonSettlementFailed, http.StatusBadGateway)
			}
		}
	}

	// 11. Encode and sign the response.
	accountRecord, err := s.methods.Decode(cred.PaymentMethod, cred.AccountData)
	if err != nil {
		s.logger.Error("stored account data unreadable",
			slog.String("credentialId", cred.ID), "err", err)
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	encryptedAccountData, err := s.encryptAccountData(ctx, cred.AccountData, req.PaymentMethod, provider)
	if err != nil {
		s.logger.Error("encrypting account data", "err", err)
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}

	fullHash, err := protocol.RequestHash(raw)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	response := protocol.AuthorizationResponse{
		Head:                 protocol.NewHead(protocol.QualifierAuthorizationResponse),
		RequestHash:          fullHash,
		AccountReference:     accountRecord.AccountReference(),
		EncryptedAccountData: encryptedAccountData,
		ReferenceID:          referenceID,
		LogData:              logData,
		TestMode:             req.TestMode,
		Timestamp:            protocol.Now(),
	}
	signed, err := envelope.Sign(response, s.signer)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}

	s.logger.Info("authorization accepted",
		slog.String("referenceId", referenceID),
		slog.String("payeeId", merchant.ID),
		slog.String("amount", protocol.FormatAmount(paymentRequest.Amount, paymentRequest.Currency)),
		slog.String("clientIp", clientIP),
		slog.Bool("testMode", req.TestMode),
	)
	return accepted(signed, referenceID)
}

// transact finalizes a reservation at the payee's request. Settlement
// already happened at authorization time (account rails) or comes in
// over interbanking (card rails), so this is a pure ledger linkage.
func (s *Service) transact(ctx context.Context, raw []byte) Outcome {
	var req protocol.TransactionRequest
	reqSigner, err := envelope.Verify(raw, protocol.ContextURI, protocol.QualifierTransactionRequest, &req)
	if err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
	if req.RecipientURL != s.cfg.ServiceURL() {
		return hardReject(ReasonWrongRecipient, http.StatusBadRequest)
	}
	if out, ok := s.verifyPayeeSigner(ctx, req.PayeeAuthorityURL, reqSigner); !ok {
		return out
	}
	if err := protocol.CheckAmount(req.Amount, req.Currency); err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}

	referenceID := s.refids.Next()
	if !req.TestMode {
		if !refid.Valid(req.TransactionReference) {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
		reservation, err := s.repo.FindByReference(ctx, req.TransactionReference)
		if err != nil {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
		if reservation.Currency != req.Currency {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
		if _, err := s.repo.FinalizeReservation(ctx, reservation.ID, req.Amount, referenceID); err != nil {
			s.logger.Warn("finalize rejected",
				slog.String("transactionReference", req.TransactionReference), "err", err)
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
	}

	return s.signedReceipt(raw, protocol.QualifierTransactionResponse, referenceID, req.TestMode)
}

// refund credits the payer back and reverses the original settlement.
func (s *Service) refund(ctx context.Context, raw []byte) Outcome {
	var req protocol.RefundRequest
	reqSigner, err := envelope.Verify(raw, protocol.ContextURI, protocol.QualifierRefundRequest, &req)
	if err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
	if req.RecipientURL != s.cfg.ServiceURL() {
		return hardReject(ReasonWrongRecipient, http.StatusBadRequest)
	}
	if out, ok := s.verifyPayeeSigner(ctx, req.PayeeAuthorityURL, reqSigner); !ok {
		return out
	}
	if err := protocol.CheckAmount(req.Amount, req.Currency); err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}

	referenceID := s.refids.Next()
	if !req.TestMode {
		original, err := s.repo.FindByReference(ctx, req.TransactionReference)
		if err != nil {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
		if original.Currency != req.Currency || req.Amount.GreaterThan(original.Amount) {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}

		txID, err := s.repo.Credit(ctx, original.AccountID, req.Amount, req.Currency,
			original.PayeeAccount, original.PayeeName, referenceID)
		if err != nil {
			s.logger.Error("refund credit failed", "err", err)
			return hardReject(ReasonInternal, http.StatusInternalServerError)
		}

		_, payeeProvider, err := s.directory.VerifyTrustChain(ctx, req.PayeeAuthorityURL)
		if err != nil {
			return hardReject(ReasonTrustChainMismatch, http.StatusForbidden)
		}
		_, err = s.interbank.Perform(ctx, providerInterbankingURL(payeeProvider.Authority), interbanking.Request{
			Operation:            interbanking.ReverseCreditTransfer,
			Account:              original.AccountID,
			TransactionReference: req.TransactionReference,
			Amount:               req.Amount,
			Currency:             req.Currency,
			PayeeName:            original.PayeeName,
			PayeeReference:       referenceID,
			PayeeAccount:         original.PayeeAccount,
		})
		if err != nil {
			s.logger.Error("refund settlement failed, reversing credit",
				slog.Int64("txId", txID), "err", err)
			if revErr := s.repo.Reverse(ctx, txID); revErr != nil {
				s.logger.Error("REVERSAL FAILED after refund settlement failure",
					slog.Int64("txId", txID), "err", revErr)
			}
			return hardReject(ReasonSettlementFailed, http.StatusBadGateway)
		}
	}

	return s.signedReceipt(raw, protocol.QualifierRefundResponse, referenceID, req.TestMode)
}

// balance answers an authenticated balance query.
func (s *Service) balance(ctx context.Context, raw []byte) Outcome {
	var req protocol.BalanceRequest
	signerKey, err := envelope.Verify(raw, protocol.ContextURI, protocol.QualifierBalanceRequest, &req)
	if err != nil {
		return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
	}
	if err := s.repo.AuthenticateBalanceKey(ctx, req.CredentialID, req.AccountID, envelope.KeyHash(signerKey)); err != nil {
		return s.ledgerAuthReject(err)
	}
	amount, err := s.repo.Balance(ctx, req.AccountID, req.Currency)
	if err != nil {
		if errors.Is(err, models.ErrWrongCurrency) {
			return hardReject(ReasonMalformedRequest, http.StatusBadRequest)
		}
		return s.ledgerAuthReject(err)
	}

	response := protocol.BalanceResponse{
		Head:      protocol.NewHead(protocol.QualifierBalanceResponse),
		AccountID: req.AccountID,
		Amount:    amount,
		Currency:  req.Currency,
		Timestamp: protocol.Now(),
	}
	signed, err := envelope.Sign(response, s.signer)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	return accepted(signed, "")
}

// verifyPayeeSigner runs the shared payee checks for transact and
// refund: known merchant, intact trust chain, request signed with the
// attested key.
func (s *Service) verifyPayeeSigner(ctx context.Context, payeeAuthorityURL string, reqSigner *ecdsa.PublicKey) (Outcome, bool) {
	if _, ok := s.manager.PayeeByAuthorityURL(payeeAuthorityURL); !ok {
		return hardReject(ReasonUnknownMerchant, http.StatusForbidden), false
	}
	payee, _, err := s.directory.VerifyTrustChain(ctx, payeeAuthorityURL)
	if err != nil {
		return hardReject(ReasonTrustChainMismatch, http.StatusForbidden), false
	}
	attestationKey, err := payee.Authority.DecodeAttestationKey()
	if err != nil || !envelope.SameKey(reqSigner, attestationKey) {
		return hardReject(ReasonBadSignature, http.StatusForbidden), false
	}
	return Outcome{}, true
}

func (s *Service) checkFreshness(ts time.Time, sessionKey []byte) (Outcome, bool) {
	diff := s.now().Sub(ts)
	if diff < -s.cfg.MaxClientClockSkew {
		return s.userReject(ReasonStaleOrFutureRequest, sessionKey,
			"Your device's clock appears to be ahead of the bank's, please check it and try again."), false
	}
	if diff > s.cfg.MaxClientAuthAge {
		return s.userReject(ReasonStaleOrFutureRequest, sessionKey,
			"Your authorization has expired, please try again."), false
	}
	return Outcome{}, true
}

func (s *Service) ledgerAuthReject(err error) Outcome {
	// These are expected conditions, not store failures; log quietly.
	switch {
	case errors.Is(err, models.ErrNoSuchCredential), errors.Is(err, models.ErrNoSuchAccount):
		s.logger.Info("authentication failed", "err", err)
		return hardReject(ReasonNoSuchAccount, http.StatusForbidden)
	case errors.Is(err, models.ErrWrongMethod):
		s.logger.Info("authentication failed", "err", err)
		return hardReject(ReasonWrongMethod, http.StatusForbidden)
	case errors.Is(err, models.ErrWrongKey):
		s.logger.Info("authentication failed", "err", err)
		return hardReject(ReasonWrongKey, http.StatusForbidden)
	default:
		s.logger.Error("ledger error during authentication", "err", err)
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
}

// userMessage builds a ProviderUserResponse sealed with the payer's
// session key, so only the payer's wallet can read it.
func (s *Service) userMessage(sessionKey []byte, text string, challenges ...protocol.UserChallengeItem) ([]byte, error) {
	msg := protocol.UserMessage{Text: text, Challenges: challenges}
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	sealed, err := envelope.SealSession(sessionKey, plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.ProviderUserResponse{
		Head:               protocol.NewHead(protocol.QualifierProviderUserResponse),
		ProviderCommonName: s.cfg.CommonName,
		EncryptedMessage:   *sealed,
	})
}

func (s *Service) userReject(reason RejectReason, sessionKey []byte, text string) Outcome {
	body, err := s.userMessage(sessionKey, text)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	return softReject(reason, body)
}

func (s *Service) signedReceipt(raw []byte, qualifier, referenceID string, testMode bool) Outcome {
	requestHash, err := protocol.RequestHash(raw)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	var msg any
	switch qualifier {
	case protocol.QualifierTransactionResponse:
		msg = protocol.TransactionResponse{
			Head:        protocol.NewHead(qualifier),
			RequestHash: requestHash,
			ReferenceID: referenceID,
			TestMode:    testMode,
			Timestamp:   protocol.Now(),
		}
	case protocol.QualifierRefundResponse:
		msg = protocol.RefundResponse{
			Head:        protocol.NewHead(qualifier),
			RequestHash: requestHash,
			ReferenceID: referenceID,
			TestMode:    testMode,
			Timestamp:   protocol.Now(),
		}
	default:
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	signed, err := envelope.Sign(msg, s.signer)
	if err != nil {
		return hardReject(ReasonInternal, http.StatusInternalServerError)
	}
	return accepted(signed, referenceID)
}

// encryptAccountData seals the payer's account record for whoever runs
// the money on the payee side: the acquirer for card rails, the
// payee's provider otherwise.
func (s *Service) encryptAccountData(ctx context.Context, accountData []byte, paymentMethod string, payeeProvider authority.Verified[authority.ProviderAuthority]) (*envelope.Encrypted, error) {
	target := payeeProvider
	codec, _ := s.methods.Lookup(paymentMethod)
	if codec.CardNetwork {
		acquirer, err := s.directory.ProviderAuthority(ctx, s.cfg.AcquirerAuthorityURL, true)
		if err != nil {
			return nil, fmt.Errorf("resolving acquirer authority: %w", err)
		}
		target = acquirer
	}
	encoded, err := target.Authority.EncryptionKey()
	if err != nil {
		return nil, err
	}
	recipient, err := envelope.DecodeEncryptionKey(encoded)
	if err != nil {
		return nil, err
	}
	return envelope.Encrypt(accountData, recipient)
}

func providerInterbankingURL(p *authority.ProviderAuthority) string {
	return p.BaseURL + "/interbanking"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
