package bank

import (
	"fmt"
	"net/http"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/bank/models"
	"github.com/saturnpay/saturn/interbanking"
)

// RegisterInterbankHandlers wires this bank's side of the settlement
// protocol onto srv. Caller verification has already happened by the
// time any of these run.
func (s *Service) RegisterInterbankHandlers(srv *interbanking.Server) {
	srv.Handle(interbanking.CreditTransfer, s.handleCreditTransfer)
	srv.Handle(interbanking.ReverseCreditTransfer, s.handleReverseCreditTransfer)
	srv.Handle(interbanking.CreditCardTransact, s.handleCardTransact)
	srv.Handle(interbanking.CreditCardRefund, s.handleCardRefund)
}

// handleCreditTransfer books an incoming transfer onto the local payee
// account. The sender's reference is stored with the entry so a later
// reversal can find it.
func (s *Service) handleCreditTransfer(r *http.Request, req *interbanking.Request) (string, error) {
	txID, err := s.repo.Credit(r.Context(), req.PayeeAccount, req.Amount, req.Currency,
		req.Account, req.PayeeName, req.PayeeReference)
	if err != nil {
		return "", fmt.Errorf("credit transfer to %s: %w", req.PayeeAccount, err)
	}
	s.logger.Info("incoming credit transfer booked",
		slog.Int64("txId", txID), slog.String("reference", req.PayeeReference))
	return s.refids.Next(), nil
}

func (s *Service) handleReverseCreditTransfer(r *http.Request, req *interbanking.Request) (string, error) {
	original, err := s.repo.FindByReference(r.Context(), req.TransactionReference)
	if err != nil {
		return "", fmt.Errorf("reverse credit transfer: %w", models.ErrUnknownTransaction)
	}
	if err := s.repo.Reverse(r.Context(), original.ID); err != nil {
		return "", fmt.Errorf("reverse credit transfer: %w", err)
	}
	return s.refids.Next(), nil
}

// handleCardTransact is the acquirer finalizing a card reservation.
func (s *Service) handleCardTransact(r *http.Request, req *interbanking.Request) (string, error) {
	reservation, err := s.repo.FindByReference(r.Context(), req.TransactionReference)
	if err != nil {
		return "", fmt.Errorf("card transact: %w", models.ErrUnknownTransaction)
	}
	reference := s.refids.Next()
	if _, err := s.repo.FinalizeReservation(r.Context(), reservation.ID, req.Amount, reference); err != nil {
		return "", fmt.Errorf("card transact: %w", err)
	}
	return reference, nil
}

func (s *Service) handleCardRefund(r *http.Request, req *interbanking.Request) (string, error) {
	original, err := s.repo.FindByReference(r.Context(), req.TransactionReference)
	if err != nil {
		return "", fmt.Errorf("card refund: %w", models.ErrUnknownTransaction)
	}
	if req.Currency != original.Currency || req.Amount.GreaterThan(original.Amount) {
		return "", fmt.Errorf("card refund: amount or currency does not match original")
	}
	reference := s.refids.Next()
	if _, err := s.repo.Credit(r.Context(), original.AccountID, req.Amount, req.Currency,
		original.PayeeAccount, original.PayeeName, reference); err != nil {
		return "", fmt.Errorf("card refund: %w", err)
	}
	return reference, nil
}
