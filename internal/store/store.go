// Package store defines the transactional persistence contract of the
// negotiation and settlement core.
//
// Every state change runs inside Store.WithinTx. Reads that precede a
// write use the ForUpdate variants, which hold an exclusive row lock until
// the transaction ends, so concurrent operations on the same entity are
// serialized.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/combinado/internal/domain"
)

// Store opens units of work.
type Store interface {
	// WithinTx runs fn in a single atomic transaction. The transaction
	// commits if fn returns nil and rolls back otherwise; no mutation made
	// through tx survives a rollback.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Accounts() AccountRepo
	Invitations() InvitationRepo
	PreOrders() PreOrderRepo
	Proposals() ProposalRepo
	Orders() OrderRepo
	History() HistoryRepo
}

// AccountRepo persists wallets and their append-only transaction log.
type AccountRepo interface {
	// Get returns the account, or a zero account if the user has none yet.
	Get(ctx context.Context, userID string) (*domain.Account, error)

	// LockForUpdate locks the accounts of the given users in ascending
	// user id order, creating missing ones at zero.
	LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*domain.Account, error)

	Save(ctx context.Context, acct *domain.Account) error
	AppendTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error)
	ListTransactionsByOrder(ctx context.Context, orderID string) ([]*domain.Transaction, error)

	// All returns every account and the full transaction log, for audits.
	All(ctx context.Context) ([]*domain.Account, []*domain.Transaction, error)
}

type InvitationRepo interface {
	Create(ctx context.Context, inv *domain.Invitation) error
	Get(ctx context.Context, id string) (*domain.Invitation, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Invitation, error)
	Update(ctx context.Context, inv *domain.Invitation) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Invitation, error)

	// ListExpirable returns ids of pending invitations whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type PreOrderRepo interface {
	Create(ctx context.Context, p *domain.PreOrder) error
	Get(ctx context.Context, id string) (*domain.PreOrder, error)
	GetForUpdate(ctx context.Context, id string) (*domain.PreOrder, error)
	GetByInvitation(ctx context.Context, invitationID string) (*domain.PreOrder, error)
	Update(ctx context.Context, p *domain.PreOrder) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.PreOrder, error)

	// ListExpirable returns ids of non-terminal pre-orders whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type ProposalRepo interface {
	Create(ctx context.Context, p *domain.Proposal) error
	Get(ctx context.Context, id string) (*domain.Proposal, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Proposal, error)
	Update(ctx context.Context, p *domain.Proposal) error
	ListByPreOrder(ctx context.Context, preOrderID string) ([]*domain.Proposal, error)
}

type OrderRepo interface {
	Create(ctx context.Context, o *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Order, error)
	Update(ctx context.Context, o *domain.Order) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error)
	ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]*domain.Order, error)

	// ListAwaitingConfirmation returns ids of servico_executado orders whose
	// confirmation deadline is before now.
	ListAwaitingConfirmation(ctx context.Context, now time.Time, limit int) ([]string, error)

	CountByProviderStatus(ctx context.Context, providerID string, status domain.OrderStatus) (int, error)
}

type HistoryRepo interface {
	Append(ctx context.Context, e *domain.HistoryEntry) error
	List(ctx context.Context, entity domain.HistoryEntity, entityID string) ([]*domain.HistoryEntry, error)
}

// ErrDuplicate is returned by Create when a unique key already exists.
var ErrDuplicate = errors.New("duplicate key")
