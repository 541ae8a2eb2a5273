package bank_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/saturnpay/saturn/bank"
	"github.com/saturnpay/saturn/bank/models"
	"github.com/saturnpay/saturn/methods"
	"github.com/saturnpay/saturn/protocol"
)

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seededRepo(t *testing.T) *bank.Repository {
	t.Helper()
	repo := bank.NewRepository()
	require.NoError(t, repo.CreateAccount(context.Background(), &models.Account{
		ID:                  "8645-124",
		UserName:            "Luke Skywalker",
		Currency:            protocol.SEK,
		Balance:             amount("1000.00"),
		DemoStandardBalance: amount("1000.00"),
	}))
	require.NoError(t, repo.AddCredential(context.Background(), &models.Credential{
		ID:            "cred-1",
		AccountID:     "8645-124",
		PaymentMethod: methods.SEPA,
		KeyHash:       []byte("key-hash"),
	}))
	return repo
}

func TestAuthenticateLadder(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	cred, err := repo.Authenticate(ctx, "cred-1", "8645-124", methods.SEPA, []byte("key-hash"))
	require.NoError(t, err)
	require.Equal(t, "8645-124", cred.AccountID)

	_, err = repo.Authenticate(ctx, "missing", "8645-124", methods.SEPA, []byte("key-hash"))
	require.ErrorIs(t, err, models.ErrNoSuchCredential)

	_, err = repo.Authenticate(ctx, "cred-1", "other-account", methods.SEPA, []byte("key-hash"))
	require.ErrorIs(t, err, models.ErrNoSuchAccount)

	_, err = repo.Authenticate(ctx, "cred-1", "8645-124", methods.SuperCard, []byte("key-hash"))
	require.ErrorIs(t, err, models.ErrWrongMethod)

	_, err = repo.Authenticate(ctx, "cred-1", "8645-124", methods.SEPA, []byte("wrong"))
	require.ErrorIs(t, err, models.ErrWrongKey)
}

func TestDebitGuardsBalanceAndCurrency(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	_, err := repo.Debit(ctx, "8645-124", amount("1000.01"), protocol.SEK, models.Reserve, "acct", "Shop", "#100000017")
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	_, err = repo.Debit(ctx, "8645-124", amount("1.00"), protocol.EUR, models.Reserve, "acct", "Shop", "#100000017")
	require.ErrorIs(t, err, models.ErrWrongCurrency)

	// Balance untouched by the rejected attempts.
	balance, err := repo.Balance(ctx, "8645-124", protocol.SEK)
	require.NoError(t, err)
	require.True(t, balance.Equal(amount("1000.00")))
}

func TestDebitThenReverseRestoresBalance(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	txID, err := repo.Debit(ctx, "8645-124", amount("500.00"), protocol.SEK, models.Reserve, "acct", "Shop", "#100000017")
	require.NoError(t, err)

	balance, err := repo.Balance(ctx, "8645-124", protocol.SEK)
	require.NoError(t, err)
	require.True(t, balance.Equal(amount("500.00")))

	require.NoError(t, repo.Reverse(ctx, txID))

	balance, err = repo.Balance(ctx, "8645-124", protocol.SEK)
	require.NoError(t, err)
	require.True(t, balance.Equal(amount("1000.00")))

	// The reversed entry stays as the audit record and cannot be
	// reversed twice.
	require.ErrorIs(t, repo.Reverse(ctx, txID), models.ErrAlreadyReversed)

	tx, err := repo.FindByReference(ctx, "#100000017")
	require.NoError(t, err)
	require.True(t, tx.Reversed)
}

func TestCreditThenReverse(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	txID, err := repo.Credit(ctx, "8645-124", amount("200.00"), protocol.SEK, "acct", "Shop", "#100000025")
	require.NoError(t, err)

	balance, _ := repo.Balance(ctx, "8645-124", protocol.SEK)
	require.True(t, balance.Equal(amount("1200.00")))

	require.NoError(t, repo.Reverse(ctx, txID))
	balance, _ = repo.Balance(ctx, "8645-124", protocol.SEK)
	require.True(t, balance.Equal(amount("1000.00")))
}

func TestFinalizeReservation(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	reservationID, err := repo.Debit(ctx, "8645-124", amount("500.00"), protocol.SEK, models.Reserve, "acct", "Shop", "#100000017")
	require.NoError(t, err)

	t.Run("partial amount refunds the difference", func(t *testing.T) {
		txID, err := repo.FinalizeReservation(ctx, reservationID, amount("420.00"), "#100000025")
		require.NoError(t, err)

		balance, _ := repo.Balance(ctx, "8645-124", protocol.SEK)
		require.True(t, balance.Equal(amount("580.00")))

		tx, err := repo.FindByReference(ctx, "#100000025")
		require.NoError(t, err)
		require.Equal(t, txID, tx.ID)
		require.Equal(t, models.Transact, tx.Type)
		require.Equal(t, reservationID, tx.LinkedReservation)
	})

	t.Run("double finalize rejected", func(t *testing.T) {
		_, err := repo.FinalizeReservation(ctx, reservationID, amount("420.00"), "#100000033")
		require.ErrorIs(t, err, models.ErrAlreadyFinalized)
	})

	t.Run("finalize above reserved amount rejected", func(t *testing.T) {
		otherID, err := repo.Debit(ctx, "8645-124", amount("100.00"), protocol.SEK, models.Reserve, "acct", "Shop", "#100000041")
		require.NoError(t, err)
		_, err = repo.FinalizeReservation(ctx, otherID, amount("100.01"), "#100000058")
		require.Error(t, err)
	})

	t.Run("reversed reservation cannot finalize", func(t *testing.T) {
		revID, err := repo.Debit(ctx, "8645-124", amount("50.00"), protocol.SEK, models.Reserve, "acct", "Shop", "#100000066")
		require.NoError(t, err)
		require.NoError(t, repo.Reverse(ctx, revID))
		_, err = repo.FinalizeReservation(ctx, revID, amount("50.00"), "#100000074")
		require.ErrorIs(t, err, models.ErrAlreadyReversed)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		_, err := repo.FinalizeReservation(ctx, 99999, amount("1.00"), "#100000082")
		require.ErrorIs(t, err, models.ErrUnknownTransaction)
	})
}

func TestRestoreDemoAccounts(t *testing.T) {
	repo := seededRepo(t)
	ctx := context.Background()

	_, err := repo.Debit(ctx, "8645-124", amount("300.00"), protocol.SEK, models.DirectDebit, "acct", "Shop", "#100000017")
	require.NoError(t, err)

	n, err := repo.RestoreDemoAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	balance, _ := repo.Balance(ctx, "8645-124", protocol.SEK)
	require.True(t, balance.Equal(amount("1000.00")))

	// A second sweep has nothing to do.
	n, err = repo.RestoreDemoAccounts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBalanceWrongCurrency(t *testing.T) {
	repo := seededRepo(t)
	_, err := repo.Balance(context.Background(), "8645-124", protocol.USD)
	require.ErrorIs(t, err, models.ErrWrongCurrency)
}
