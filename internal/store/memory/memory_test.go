package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Orders().Create(ctx, &domain.Order{ID: "ord_1", Status: domain.OrderAccepted})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Orders().Get(ctx, "ord_1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderAccepted, o.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestWithinTx_RollsBackEverythingOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accts, err := tx.Accounts().LockForUpdate(ctx, "u1")
		require.NoError(t, err)
		accts["u1"].Balance = decimal.NewFromInt(100)
		require.NoError(t, tx.Accounts().Save(ctx, accts["u1"]))
		require.NoError(t, tx.Accounts().AppendTransaction(ctx, &domain.Transaction{ID: "txn_1", UserID: "u1"}))
		require.NoError(t, tx.Orders().Create(ctx, &domain.Order{ID: "ord_1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Orders().Get(ctx, "ord_1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		acct, err := tx.Accounts().Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, acct.Balance.IsZero())
		txs, err := tx.Accounts().ListTransactions(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Empty(t, txs)
		return nil
	})
}

func TestAccounts_SaveRejectsNegative(t *testing.T) {
	s := New()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Accounts().Save(ctx, &domain.Account{UserID: "u1", Balance: decimal.NewFromInt(-1)})
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestOrders_ListAwaitingConfirmation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, o := range []*domain.Order{
			{ID: "due", Status: domain.OrderServiceCompleted, ConfirmationDeadline: &past},
			{ID: "not-due", Status: domain.OrderServiceCompleted, ConfirmationDeadline: &future},
			{ID: "disputed", Status: domain.OrderDisputed, ConfirmationDeadline: &past},
		} {
			if err := tx.Orders().Create(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ids, err := tx.Orders().ListAwaitingConfirmation(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"due"}, ids)
		return nil
	})
}

func TestPreOrders_OnePerInvitation(t *testing.T) {
	s := New()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.PreOrders().Create(ctx, &domain.PreOrder{ID: "pre_1", InvitationID: "inv_1"}))
		return tx.PreOrders().Create(ctx, &domain.PreOrder{ID: "pre_2", InvitationID: "inv_1"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestWithinTx_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().WithinTx(ctx, func(context.Context, store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
