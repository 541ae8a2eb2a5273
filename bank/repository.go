package bank

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/saturnpay/saturn/bank/models"
	"github.com/saturnpay/saturn/protocol"
)

// Repository is the ledger gateway. It runs against Postgres in
// production and against in-memory slices in tests and demos; the
// memory path serializes per-repository with a mutex, the Postgres
// path with row locks, so two concurrent reservations on one account
// can never both pass the balance check.
type Repository struct {
	Accounts     []*models.Account
	Credentials  []*models.Credential
	Transactions []*models.Transaction

	mu       sync.RWMutex
	nextTxID int64
	db       *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		Accounts:     make([]*models.Account, 0),
		Credentials:  make([]*models.Credential, 0),
		Transactions: make([]*models.Transaction, 0),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, account *models.Account) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.Accounts = append(r.Accounts, account)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO bank.accounts(account_id, user_name, currency, balance, demo_standard_balance)
        VALUES ($1,$2,$3,$4,$5)
    `, account.ID, account.UserName, string(account.Currency), account.Balance.String(), account.DemoStandardBalance.String())
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s exists: %w", account.ID, err)
	}
	return err
}

func (r *Repository) AddCredential(ctx context.Context, cred *models.Credential) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.Credentials = append(r.Credentials, cred)
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO bank.credentials(credential_id, account_id, payment_method, key_hash, balance_key_hash, account_data)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, cred.ID, cred.AccountID, cred.PaymentMethod, cred.KeyHash, cred.BalanceKeyHash, cred.AccountData)
	return err
}

func (r *Repository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, a := range r.Accounts {
			if a.ID == accountID {
				return a, nil
			}
		}
		return nil, models.ErrNoSuchAccount
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT account_id, user_name, currency, balance, demo_standard_balance
          FROM bank.accounts WHERE account_id=$1`, accountID)
	return scanAccount(row)
}

// Authenticate checks the credential/account/method/key quadruple and
// returns the credential record on success. Each failure mode is its
// own error so the caller can classify without string matching.
func (r *Repository) Authenticate(ctx context.Context, credentialID, accountID, paymentMethod string, keyHash []byte) (*models.Credential, error) {
	cred, err := r.findCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.AccountID != accountID {
		return nil, models.ErrNoSuchAccount
	}
	if cred.PaymentMethod != paymentMethod {
		return nil, models.ErrWrongMethod
	}
	if !bytes.Equal(cred.KeyHash, keyHash) {
		return nil, models.ErrWrongKey
	}
	return cred, nil
}

// AuthenticateBalanceKey checks the credential's separate balance key.
func (r *Repository) AuthenticateBalanceKey(ctx context.Context, credentialID, accountID string, keyHash []byte) error {
	cred, err := r.findCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if cred.AccountID != accountID {
		return models.ErrNoSuchAccount
	}
	if !bytes.Equal(cred.BalanceKeyHash, keyHash) {
		return models.ErrWrongKey
	}
	return nil
}

func (r *Repository) findCredential(ctx context.Context, credentialID string) (*models.Credential, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, c := range r.Credentials {
			if c.ID == credentialID {
				return c, nil
			}
		}
		return nil, models.ErrNoSuchCredential
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT credential_id, account_id, payment_method, key_hash, balance_key_hash, account_data
          FROM bank.credentials WHERE credential_id=$1`, credentialID)
	var c models.Credential
	if err := row.Scan(&c.ID, &c.AccountID, &c.PaymentMethod, &c.KeyHash, &c.BalanceKeyHash, &c.AccountData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNoSuchCredential
		}
		return nil, err
	}
	return &c, nil
}

// Balance returns the account balance after a currency check.
func (r *Repository) Balance(ctx context.Context, accountID string, currency protocol.Currency) (decimal.Decimal, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if account.Currency != currency {
		return decimal.Zero, models.ErrWrongCurrency
	}
	return account.Balance, nil
}

// Debit withdraws amount from the account and records a transaction of
// the given type. The balance guard and the balance change are one
// atomic step.
func (r *Repository) Debit(ctx context.Context, accountID string, amount decimal.Decimal, currency protocol.Currency, txType models.TransactionType, payeeAccount, payeeName, payeeReference string) (int64, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		account, err := r.lockedAccount(accountID)
		if err != nil {
			return 0, err
		}
		if account.Currency != currency {
			return 0, models.ErrWrongCurrency
		}
		if account.Balance.LessThan(amount) {
			return 0, models.ErrInsufficientFunds
		}
		account.Balance = account.Balance.Sub(amount)
		return r.appendTransaction(&models.Transaction{
			AccountID:      accountID,
			Type:           txType,
			Amount:         amount,
			Currency:       currency,
			PayeeAccount:   payeeAccount,
			PayeeName:      payeeName,
			PayeeReference: payeeReference,
		}), nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return 0, err
	}

	var cur string
	if err := tx.QueryRowContext(ctx, `
        SELECT currency FROM bank.accounts WHERE account_id=$1 FOR UPDATE
    `, accountID).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrNoSuchAccount
		}
		return 0, err
	}
	if protocol.Currency(cur) != currency {
		return 0, models.ErrWrongCurrency
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts
           SET balance = balance - $2, updated_at = now()
         WHERE account_id=$1 AND balance >= $2
    `, accountID, amount.String())
	if err != nil {
		return 0, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, models.ErrInsufficientFunds
	}

	var txID int64
	if err := tx.QueryRowContext(ctx, `
        INSERT INTO bank.transactions(account_id, tx_type, amount, currency, payee_account, payee_name, payee_reference)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING tx_id
    `, accountID, string(txType), amount.String(), string(currency), payeeAccount, payeeName, payeeReference).Scan(&txID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return txID, nil
}

// Credit adds amount to the account and records a CREDIT_ACCOUNT
// transaction.
func (r *Repository) Credit(ctx context.Context, accountID string, amount decimal.Decimal, currency protocol.Currency, payeeAccount, payeeName, payeeReference string) (int64, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		account, err := r.lockedAccount(accountID)
		if err != nil {
			return 0, err
		}
		if account.Currency != currency {
			return 0, models.ErrWrongCurrency
		}
		account.Balance = account.Balance.Add(amount)
		return r.appendTransaction(&models.Transaction{
			AccountID:      accountID,
			Type:           models.CreditAccount,
			Amount:         amount,
			Currency:       currency,
			PayeeAccount:   payeeAccount,
			PayeeName:      payeeName,
			PayeeReference: payeeReference,
		}), nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return 0, err
	}

	var cur string
	if err := tx.QueryRowContext(ctx, `
        SELECT currency FROM bank.accounts WHERE account_id=$1 FOR UPDATE
    `, accountID).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrNoSuchAccount
		}
		return 0, err
	}
	if protocol.Currency(cur) != currency {
		return 0, models.ErrWrongCurrency
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts SET balance = balance + $2, updated_at = now() WHERE account_id=$1
    `, accountID, amount.String()); err != nil {
		return 0, err
	}

	var txID int64
	if err := tx.QueryRowContext(ctx, `
        INSERT INTO bank.transactions(account_id, tx_type, amount, currency, payee_account, payee_name, payee_reference)
        VALUES ($1,'CREDIT_ACCOUNT',$2,$3,$4,$5,$6)
        RETURNING tx_id
    `, accountID, amount.String(), string(currency), payeeAccount, payeeName, payeeReference).Scan(&txID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return txID, nil
}

// FinalizeReservation converts a reservation into a definitive
// TRANSACT debit of amount, which must not exceed the reserved amount.
// The difference flows back to the account. Unknown, reversed, and
// already-finalized reservations are rejected; that linkage is what
// makes duplicate or out-of-order finalize messages harmless.
func (r *Repository) FinalizeReservation(ctx context.Context, reservationID int64, amount decimal.Decimal, payeeReference string) (int64, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		reservation := r.lockedTransaction(reservationID)
		if reservation == nil || reservation.Type != models.Reserve {
			return 0, models.ErrUnknownTransaction
		}
		if reservation.Reversed {
			return 0, models.ErrAlreadyReversed
		}
		if reservation.Finalized {
			return 0, models.ErrAlreadyFinalized
		}
		if amount.GreaterThan(reservation.Amount) {
			return 0, fmt.Errorf("finalize amount %s exceeds reserved %s", amount, reservation.Amount)
		}

		account, err := r.lockedAccount(reservation.AccountID)
		if err != nil {
			return 0, err
		}
		account.Balance = account.Balance.Add(reservation.Amount.Sub(amount))
		reservation.Finalized = true
		return r.appendTransaction(&models.Transaction{
			AccountID:         reservation.AccountID,
			Type:              models.Transact,
			Amount:            amount,
			Currency:          reservation.Currency,
			PayeeAccount:      reservation.PayeeAccount,
			PayeeName:         reservation.PayeeName,
			PayeeReference:    payeeReference,
			LinkedReservation: reservationID,
		}), nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return 0, err
	}

	var (
		accountID, txType, cur, payeeAccount, payeeName string
		reservedStr                                     string
		reversed, finalized                             bool
	)
	err = tx.QueryRowContext(ctx, `
        SELECT account_id, tx_type, amount, currency, payee_account, payee_name, reversed, finalized
          FROM bank.transactions WHERE tx_id=$1 FOR UPDATE
    `, reservationID).Scan(&accountID, &txType, &reservedStr, &cur, &payeeAccount, &payeeName, &reversed, &finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrUnknownTransaction
	}
	if err != nil {
		return 0, err
	}
	if models.TransactionType(txType) != models.Reserve {
		return 0, models.ErrUnknownTransaction
	}
	if reversed {
		return 0, models.ErrAlreadyReversed
	}
	if finalized {
		return 0, models.ErrAlreadyFinalized
	}
	reserved, err := decimal.NewFromString(reservedStr)
	if err != nil {
		return 0, err
	}
	if amount.GreaterThan(reserved) {
		return 0, fmt.Errorf("finalize amount %s exceeds reserved %s", amount, reserved)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts SET balance = balance + $2, updated_at = now() WHERE account_id=$1
    `, accountID, reserved.Sub(amount).String()); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bank.transactions SET finalized = true WHERE tx_id=$1
    `, reservationID); err != nil {
		return 0, err
	}

	var txID int64
	if err := tx.QueryRowContext(ctx, `
        INSERT INTO bank.transactions(account_id, tx_type, amount, currency, payee_account, payee_name, payee_reference, linked_reservation)
        VALUES ($1,'TRANSACT',$2,$3,$4,$5,$6,$7)
        RETURNING tx_id
    `, accountID, amount.String(), cur, payeeAccount, payeeName, payeeReference, reservationID).Scan(&txID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return txID, nil
}

// Reverse undoes one transaction: debit types flow back to the
// account, credits flow out. A transaction can be reversed once; the
// entry itself stays, flagged, as the audit record of the compensation.
func (r *Repository) Reverse(ctx context.Context, txID int64) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		t := r.lockedTransaction(txID)
		if t == nil {
			return models.ErrUnknownTransaction
		}
		if t.Reversed {
			return models.ErrAlreadyReversed
		}
		account, err := r.lockedAccount(t.AccountID)
		if err != nil {
			return err
		}
		if t.Type == models.CreditAccount {
			account.Balance = account.Balance.Sub(t.Amount)
		} else {
			account.Balance = account.Balance.Add(t.Amount)
		}
		t.Reversed = true
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return err
	}

	var (
		accountID, txType, amountStr string
		reversed                     bool
	)
	err = tx.QueryRowContext(ctx, `
        SELECT account_id, tx_type, amount, reversed FROM bank.transactions WHERE tx_id=$1 FOR UPDATE
    `, txID).Scan(&accountID, &txType, &amountStr, &reversed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrUnknownTransaction
	}
	if err != nil {
		return err
	}
	if reversed {
		return models.ErrAlreadyReversed
	}

	op := `balance = balance + $2`
	if models.TransactionType(txType) == models.CreditAccount {
		op = `balance = balance - $2`
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bank.accounts SET `+op+`, updated_at = now() WHERE account_id=$1
    `, accountID, amountStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE bank.transactions SET reversed = true WHERE tx_id=$1
    `, txID); err != nil {
		return err
	}
	return tx.Commit()
}

// FindByReference looks up the transaction carrying a payee reference
// issued by this bank.
func (r *Repository) FindByReference(ctx context.Context, payeeReference string) (*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, t := range r.Transactions {
			if t.PayeeReference == payeeReference {
				return t, nil
			}
		}
		return nil, models.ErrUnknownTransaction
	}
	row := r.db.QueryRowContext(ctx, `
        SELECT tx_id, account_id, tx_type, amount, currency, payee_account, payee_name, payee_reference,
               coalesce(linked_reservation, 0), reversed, finalized, created_at
          FROM bank.transactions WHERE payee_reference=$1`, payeeReference)
	return scanTransaction(row)
}

// ListTransactions returns all transactions for a given account ID.
func (r *Repository) ListTransactions(ctx context.Context, accountID string) ([]*models.Transaction, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.Transaction
		for _, t := range r.Transactions {
			if t.AccountID == accountID {
				out = append(out, t)
			}
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT tx_id, account_id, tx_type, amount, currency, payee_account, payee_name, payee_reference,
               coalesce(linked_reservation, 0), reversed, finalized, created_at
          FROM bank.transactions WHERE account_id=$1 ORDER BY tx_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RestoreDemoAccounts resets every demo account whose balance drifted
// from its standard value, and returns how many were touched.
func (r *Repository) RestoreDemoAccounts(ctx context.Context) (int, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		n := 0
		for _, a := range r.Accounts {
			if a.DemoStandardBalance.IsPositive() && !a.Balance.Equal(a.DemoStandardBalance) {
				a.Balance = a.DemoStandardBalance
				n++
			}
		}
		return n, nil
	}
	res, err := r.db.ExecContext(ctx, `
        UPDATE bank.accounts
           SET balance = demo_standard_balance, updated_at = now()
         WHERE demo_standard_balance > 0 AND balance <> demo_standard_balance
    `)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Ping returns store readiness.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

// lockedAccount and lockedTransaction expect r.mu held.
func (r *Repository) lockedAccount(accountID string) (*models.Account, error) {
	for _, a := range r.Accounts {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, models.ErrNoSuchAccount
}

func (r *Repository) lockedTransaction(txID int64) *models.Transaction {
	for _, t := range r.Transactions {
		if t.ID == txID {
			return t
		}
	}
	return nil
}

func (r *Repository) appendTransaction(t *models.Transaction) int64 {
	r.nextTxID++
	t.ID = r.nextTxID
	t.CreatedAt = time.Now().UTC()
	r.Transactions = append(r.Transactions, t)
	return t.ID
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var cur, balance, standard string
	if err := row.Scan(&a.ID, &a.UserName, &cur, &balance, &standard); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNoSuchAccount
		}
		return nil, err
	}
	var err error
	a.Currency = protocol.Currency(cur)
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	if a.DemoStandardBalance, err = decimal.NewFromString(standard); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var txType, amount, cur string
	err := row.Scan(&t.ID, &t.AccountID, &txType, &amount, &cur, &t.PayeeAccount, &t.PayeeName,
		&t.PayeeReference, &t.LinkedReservation, &t.Reversed, &t.Finalized, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUnknownTransaction
	}
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(txType)
	t.Currency = protocol.Currency(cur)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
