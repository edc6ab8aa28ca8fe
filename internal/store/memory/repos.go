package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/store"
)

type accountRepo struct{ st *state }

func (r accountRepo) Get(_ context.Context, userID string) (*domain.Account, error) {
	a, ok := r.st.accounts[userID]
	if !ok {
		return &domain.Account{UserID: userID}, nil
	}
	return &a, nil
}

func (r accountRepo) LockForUpdate(_ context.Context, userIDs ...string) (map[string]*domain.Account, error) {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	out := make(map[string]*domain.Account, len(ids))
	for _, id := range slices.Compact(ids) {
		a, ok := r.st.accounts[id]
		if !ok {
			now := time.Now()
			a = domain.Account{UserID: id, CreatedAt: now, UpdatedAt: now}
			r.st.accounts[id] = a
		}
		out[id] = &a
	}
	return out, nil
}

func (r accountRepo) Save(_ context.Context, acct *domain.Account) error {
	if acct.Balance.IsNegative() || acct.EscrowBalance.IsNegative() {
		return fmt.Errorf("account %s: negative balance rejected: %w", acct.UserID, domain.ErrInsufficientFunds)
	}
	r.st.accounts[acct.UserID] = *acct
	return nil
}

func (r accountRepo) AppendTransaction(_ context.Context, t *domain.Transaction) error {
	r.st.transactions = append(r.st.transactions, *t)
	return nil
}

func (r accountRepo) ListTransactions(_ context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for i := len(r.st.transactions) - 1; i >= 0; i-- {
		if t := r.st.transactions[i]; t.UserID == userID {
			out = append(out, &t)
		}
	}
	return limited(out, limit), nil
}

func (r accountRepo) ListTransactionsByOrder(_ context.Context, orderID string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, t := range r.st.transactions {
		if t.OrderID == orderID {
			out = append(out, &t)
		}
	}
	return out, nil
}

func (r accountRepo) All(_ context.Context) ([]*domain.Account, []*domain.Transaction, error) {
	accts := make([]*domain.Account, 0, len(r.st.accounts))
	for _, id := range slices.Sorted(maps.Keys(r.st.accounts)) {
		a := r.st.accounts[id]
		accts = append(accts, &a)
	}
	txs := make([]*domain.Transaction, len(r.st.transactions))
	for i, t := range r.st.transactions {
		txs[i] = &t
	}
	return accts, txs, nil
}

type invitationRepo struct{ st *state }

func (r invitationRepo) Create(_ context.Context, inv *domain.Invitation) error {
	if _, ok := r.st.invitations[inv.ID]; ok {
		return fmt.Errorf("invitation %s: %w", inv.ID, store.ErrDuplicate)
	}
	r.st.invitations[inv.ID] = *inv
	return nil
}

func (r invitationRepo) Get(_ context.Context, id string) (*domain.Invitation, error) {
	inv, ok := r.st.invitations[id]
	if !ok {
		return nil, fmt.Errorf("invitation %s: %w", id, domain.ErrNotFound)
	}
	return &inv, nil
}

func (r invitationRepo) GetForUpdate(ctx context.Context, id string) (*domain.Invitation, error) {
	return r.Get(ctx, id)
}

func (r invitationRepo) Update(_ context.Context, inv *domain.Invitation) error {
	if _, ok := r.st.invitations[inv.ID]; !ok {
		return fmt.Errorf("invitation %s: %w", inv.ID, domain.ErrNotFound)
	}
	r.st.invitations[inv.ID] = *inv
	return nil
}

func (r invitationRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Invitation, error) {
	var out []*domain.Invitation
	for _, inv := range r.st.invitations {
		if inv.ClientID == userID || inv.ProviderID == userID {
			out = append(out, &inv)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Invitation) int { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return limited(out, limit), nil
}

func (r invitationRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []domain.Invitation
	for _, inv := range r.st.invitations {
		if inv.Status == domain.InvitationPending && inv.ExpiresAt.Before(now) {
			due = append(due, inv)
		}
	}
	slices.SortFunc(due, func(a, b domain.Invitation) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return limited(ids(due, func(i domain.Invitation) string { return i.ID }), limit), nil
}

type preOrderRepo struct{ st *state }

func (r preOrderRepo) Create(_ context.Context, p *domain.PreOrder) error {
	if _, ok := r.st.preOrders[p.ID]; ok {
		return fmt.Errorf("pre-order %s: %w", p.ID, store.ErrDuplicate)
	}
	for _, existing := range r.st.preOrders {
		if existing.InvitationID == p.InvitationID {
			return fmt.Errorf("pre-order for invitation %s: %w", p.InvitationID, store.ErrDuplicate)
		}
	}
	r.st.preOrders[p.ID] = *p
	return nil
}

func (r preOrderRepo) Get(_ context.Context, id string) (*domain.PreOrder, error) {
	p, ok := r.st.preOrders[id]
	if !ok {
		return nil, fmt.Errorf("pre-order %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (r preOrderRepo) GetForUpdate(ctx context.Context, id string) (*domain.PreOrder, error) {
	return r.Get(ctx, id)
}

func (r preOrderRepo) GetByInvitation(_ context.Context, invitationID string) (*domain.PreOrder, error) {
	for _, p := range r.st.preOrders {
		if p.InvitationID == invitationID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("pre-order for invitation %s: %w", invitationID, domain.ErrNotFound)
}

func (r preOrderRepo) Update(_ context.Context, p *domain.PreOrder) error {
	if _, ok := r.st.preOrders[p.ID]; !ok {
		return fmt.Errorf("pre-order %s: %w", p.ID, domain.ErrNotFound)
	}
	r.st.preOrders[p.ID] = *p
	return nil
}

func (r preOrderRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.PreOrder, error) {
	var out []*domain.PreOrder
	for _, p := range r.st.preOrders {
		if p.ClientID == userID || p.ProviderID == userID {
			out = append(out, &p)
		}
	}
	slices.SortFunc(out, func(a, b *domain.PreOrder) int { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return limited(out, limit), nil
}

func (r preOrderRepo) ListExpirable(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []domain.PreOrder
	for _, p := range r.st.preOrders {
		if !p.Status.IsTerminal() && p.ExpiresAt.Before(now) {
			due = append(due, p)
		}
	}
	slices.SortFunc(due, func(a, b domain.PreOrder) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return limited(ids(due, func(p domain.PreOrder) string { return p.ID }), limit), nil
}

type proposalRepo struct{ st *state }

func (r proposalRepo) Create(_ context.Context, p *domain.Proposal) error {
	if _, ok := r.st.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s: %w", p.ID, store.ErrDuplicate)
	}
	r.st.proposals[p.ID] = *p
	return nil
}

func (r proposalRepo) Get(_ context.Context, id string) (*domain.Proposal, error) {
	p, ok := r.st.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (r proposalRepo) GetForUpdate(ctx context.Context, id string) (*domain.Proposal, error) {
	return r.Get(ctx, id)
}

func (r proposalRepo) Update(_ context.Context, p *domain.Proposal) error {
	if _, ok := r.st.proposals[p.ID]; !ok {
		return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrNotFound)
	}
	r.st.proposals[p.ID] = *p
	return nil
}

func (r proposalRepo) ListByPreOrder(_ context.Context, preOrderID string) ([]*domain.Proposal, error) {
	var out []*domain.Proposal
	for _, p := range r.st.proposals {
		if p.PreOrderID == preOrderID {
			out = append(out, &p)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Proposal) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

type orderRepo struct{ st *state }

func (r orderRepo) Create(_ context.Context, o *domain.Order) error {
	if _, ok := r.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, store.ErrDuplicate)
	}
	r.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (r orderRepo) Get(_ context.Context, id string) (*domain.Order, error) {
	o, ok := r.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	o = cloneOrder(o)
	return &o, nil
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) Update(_ context.Context, o *domain.Order) error {
	if _, ok := r.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrNotFound)
	}
	r.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (r orderRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range r.st.orders {
		if o.ClientID == userID || o.ProviderID == userID {
			o = cloneOrder(o)
			out = append(out, &o)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Order) int { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return limited(out, limit), nil
}

func (r orderRepo) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range r.st.orders {
		if o.Status == status {
			o = cloneOrder(o)
			out = append(out, &o)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Order) int { return newestFirst(a.CreatedAt, b.CreatedAt, a.ID, b.ID) })
	return limited(out, limit), nil
}

func (r orderRepo) ListAwaitingConfirmation(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []domain.Order
	for _, o := range r.st.orders {
		if o.Status == domain.OrderServiceCompleted && o.ConfirmationDeadline != nil && o.ConfirmationDeadline.Before(now) {
			due = append(due, o)
		}
	}
	slices.SortFunc(due, func(a, b domain.Order) int { return a.ConfirmationDeadline.Compare(*b.ConfirmationDeadline) })
	return limited(ids(due, func(o domain.Order) string { return o.ID }), limit), nil
}

func (r orderRepo) CountByProviderStatus(_ context.Context, providerID string, status domain.OrderStatus) (int, error) {
	n := 0
	for _, o := range r.st.orders {
		if o.ProviderID == providerID && o.Status == status {
			n++
		}
	}
	return n, nil
}

type historyRepo struct{ st *state }

func (r historyRepo) Append(_ context.Context, e *domain.HistoryEntry) error {
	entry := *e
	entry.Payload = maps.Clone(e.Payload)
	r.st.history = append(r.st.history, entry)
	return nil
}

func (r historyRepo) List(_ context.Context, entity domain.HistoryEntity, entityID string) ([]*domain.HistoryEntry, error) {
	var out []*domain.HistoryEntry
	for _, e := range r.st.history {
		if e.Entity == entity && e.EntityID == entityID {
			e.Payload = maps.Clone(e.Payload)
			out = append(out, &e)
		}
	}
	return out, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.DisputeEvidence = slices.Clone(o.DisputeEvidence)
	o.DisputeProviderEvidence = slices.Clone(o.DisputeProviderEvidence)
	return o
}

func newestFirst(a, b time.Time, aID, bID string) int {
	return cmp.Or(b.Compare(a), cmp.Compare(aID, bID))
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}
