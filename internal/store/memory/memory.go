// Package memory is an in-process implementation of store.Store for tests
// and single-node development.
//
// A single writer lock is held for the whole of WithinTx, which gives every
// transaction the isolation of SELECT ... FOR UPDATE on every row it reads.
// Mutations go to a copy of the state that replaces the committed state
// only when the callback succeeds.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/store"
)

type state struct {
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	invitations  map[string]domain.Invitation
	preOrders    map[string]domain.PreOrder
	proposals    map[string]domain.Proposal
	orders       map[string]domain.Order
	history      []domain.HistoryEntry
}

func newState() *state {
	return &state{
		accounts:    make(map[string]domain.Account),
		invitations: make(map[string]domain.Invitation),
		preOrders:   make(map[string]domain.PreOrder),
		proposals:   make(map[string]domain.Proposal),
		orders:      make(map[string]domain.Order),
	}
}

func (s *state) clone() *state {
	return &state{
		accounts:     maps.Clone(s.accounts),
		transactions: slices.Clone(s.transactions),
		invitations:  maps.Clone(s.invitations),
		preOrders:    maps.Clone(s.preOrders),
		proposals:    maps.Clone(s.proposals),
		orders:       maps.Clone(s.orders),
		history:      slices.Clone(s.history),
	}
}

// Store is the in-memory store.
type Store struct {
	mu sync.Mutex
	st *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

var _ store.Store = (*Store)(nil)

// WithinTx runs fn against a private copy of the state and publishes the
// copy on success.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

type tx struct {
	st *state
}

func (t *tx) Accounts() store.AccountRepo       { return accountRepo{t.st} }
func (t *tx) Invitations() store.InvitationRepo { return invitationRepo{t.st} }
func (t *tx) PreOrders() store.PreOrderRepo     { return preOrderRepo{t.st} }
func (t *tx) Proposals() store.ProposalRepo     { return proposalRepo{t.st} }
func (t *tx) Orders() store.OrderRepo           { return orderRepo{t.st} }
func (t *tx) History() store.HistoryRepo        { return historyRepo{t.st} }

// limited truncates a result list; limit <= 0 means no limit.
func limited[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
