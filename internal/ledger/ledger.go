// Package ledger tracks user wallets: a spendable balance and an escrow
// balance held against orders.
//
// Every mutation writes the new account state and an immutable
// Transaction row in the same store transaction. Accounts touched by one
// unit of work are locked in ascending user id order.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/traces"
)

// Ledger manages wallets over a transactional store.
type Ledger struct {
	store    store.Store
	platform string
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger for consistency alerts.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger. platformUserID is the account that collects fees.
func New(st store.Store, platformUserID string, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		platform: platformUserID,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PlatformAccount is the fee sink's user id.
func (l *Ledger) PlatformAccount() string { return l.platform }

// In returns a Posting bound to an open transaction. Services use it to
// move money atomically with their own state changes.
func (l *Ledger) In(tx store.Tx) *Posting {
	return &Posting{l: l, tx: tx, locked: make(map[string]*domain.Account)}
}

// Deposit credits a user's spendable balance.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	return l.single(ctx, "deposit", userID, amount, func(ctx context.Context, p *Posting) (*domain.Transaction, error) {
		return p.Deposit(ctx, userID, amount, description)
	})
}

// Withdraw debits a user's spendable balance. Escrowed funds are never
// withdrawable.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	return l.single(ctx, "withdraw", userID, amount, func(ctx context.Context, p *Posting) (*domain.Transaction, error) {
		return p.Withdraw(ctx, userID, amount, description)
	})
}

// TransferToEscrow moves funds from a user's balance into escrow for an order.
func (l *Ledger) TransferToEscrow(ctx context.Context, userID string, amount decimal.Decimal, orderID string) (*domain.Transaction, error) {
	return l.single(ctx, "escrow_lock", userID, amount, func(ctx context.Context, p *Posting) (*domain.Transaction, error) {
		return p.TransferToEscrow(ctx, userID, amount, orderID, "escrow lock for order "+orderID)
	})
}

// ReleaseFromEscrow pays out an order: provider gets value minus fee,
// the platform gets the fee.
func (l *Ledger) ReleaseFromEscrow(ctx context.Context, orderID string, feePercent decimal.Decimal) (*Release, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.ReleaseFromEscrow", traces.OrderID(orderID))
	var rel *Release
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		rel, err = l.In(tx).ReleaseFromEscrow(ctx, o, feePercent)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	metrics.LedgerOperationsTotal.WithLabelValues("escrow_release").Inc()
	return rel, nil
}

// RefundFromEscrow returns an order's full value from the client's escrow
// to the client's balance.
func (l *Ledger) RefundFromEscrow(ctx context.Context, orderID string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.RefundFromEscrow", traces.OrderID(orderID))
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		_, err = l.In(tx).RefundFromEscrow(ctx, o)
		return err
	})
	traces.End(span, err)
	if err == nil {
		metrics.LedgerOperationsTotal.WithLabelValues("escrow_refund").Inc()
	}
	return err
}

// Balance returns the user's account. Users without activity get a zero account.
func (l *Ledger) Balance(ctx context.Context, userID string) (*domain.Account, error) {
	var acct *domain.Account
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acct, err = tx.Accounts().Get(ctx, userID)
		return err
	})
	return acct, err
}

// History returns the user's most recent transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		txs, err = tx.Accounts().ListTransactions(ctx, userID, limit)
		return err
	})
	return txs, err
}

func (l *Ledger) single(ctx context.Context, kind, userID string, amount decimal.Decimal, fn func(context.Context, *Posting) (*domain.Transaction, error)) (*domain.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+kind, traces.UserID(userID), traces.Amount(money.Format(amount)))
	var out *domain.Transaction
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = fn(ctx, l.In(tx))
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	metrics.LedgerOperationsTotal.WithLabelValues(kind).Inc()
	return out, nil
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Validation("amount", "must be greater than zero")
	}
	if !amount.Equal(money.Round(amount)) {
		return domain.Validation("amount", "must have at most %d decimal places", money.Places)
	}
	return nil
}
