package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/protocol"
)

// Ledger error kinds. The distinction between "no such credential",
// "wrong method" and "wrong key" is deliberate: authentication reports
// exactly which part of the triple failed, and callers decide how much
// of that to reveal.
var (
	ErrNoSuchCredential   = errors.New("no such credential")
	ErrNoSuchAccount      = errors.New("no such account")
	ErrWrongMethod        = errors.New("wrong payment method for credential")
	ErrWrongKey           = errors.New("wrong public key for credential")
	ErrWrongCurrency      = errors.New("wrong currency for account")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrAlreadyReversed    = errors.New("transaction already reversed")
	ErrAlreadyFinalized   = errors.New("reservation already finalized")
	ErrNotFound           = errors.New("not found")
)

type TransactionType string

const (
	DirectDebit   TransactionType = "DIRECT_DEBIT"
	Reserve       TransactionType = "RESERVE"
	Transact      TransactionType = "TRANSACT"
	CreditAccount TransactionType = "CREDIT_ACCOUNT"
)

// Account is one payer account held at this bank.
type Account struct {
	ID       string
	UserName string
	Currency protocol.Currency
	Balance  decimal.Decimal
	// DemoStandardBalance, when positive, marks a demo account the
	// restorer sweeps back to this balance.
	DemoStandardBalance decimal.Decimal
}

// Credential binds a payment method and a signing key to an account.
// KeyHash is the SHA-256 of the encoded public key; the key itself is
// never stored.
type Credential struct {
	ID             string
	AccountID      string
	PaymentMethod  string
	KeyHash        []byte
	BalanceKeyHash []byte
	// AccountData is the method-specific record (card or IBAN data)
	// released, encrypted, to the payee side on acceptance.
	AccountData []byte
}

// Transaction is one ledger entry. Entries are never deleted; a
// reversal flips Reversed and restores the balance, keeping the audit
// trail intact.
type Transaction struct {
	ID                int64
	AccountID         string
	Type              TransactionType
	Amount            decimal.Decimal
	Currency          protocol.Currency
	PayeeAccount      string
	PayeeName         string
	PayeeReference    string
	LinkedReservation int64
	Reversed          bool
	Finalized         bool
	CreatedAt         time.Time
}
