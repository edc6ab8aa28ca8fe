package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mbd888/combinado/internal/domain"
)

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows pgx.Rows, err error, scan func(scanner) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*T, error) { return scan(row) })
}

// --- accounts ---

type accountRepo struct{ q pgx.Tx }

const accountColumns = `user_id, balance, escrow_balance, created_at, updated_at`

func scanAccount(row scanner) (*domain.Account, error) {
	a := &domain.Account{}
	if err := row.Scan(&a.UserID, &a.Balance, &a.EscrowBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (r accountRepo) Get(ctx context.Context, userID string) (*domain.Account, error) {
	a, err := scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.Account{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", userID, err)
	}
	return a, nil
}

func (r accountRepo) LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*domain.Account, error) {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	now := time.Now()
	if _, err := r.q.Exec(ctx, `
		INSERT INTO accounts (user_id, created_at, updated_at)
		SELECT id, $2, $2 FROM unnest($1::text[]) AS id ORDER BY id
		ON CONFLICT (user_id) DO NOTHING`, ids, now); err != nil {
		return nil, fmt.Errorf("create accounts: %w", translate(err))
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = ANY($1)
		ORDER BY user_id
		FOR UPDATE`, ids)
	accts, err := collect(rows, err, scanAccount)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	out := make(map[string]*domain.Account, len(accts))
	for _, a := range accts {
		out[a.UserID] = a
	}
	return out, nil
}

func (r accountRepo) Save(ctx context.Context, acct *domain.Account) error {
	if acct.Balance.IsNegative() || acct.EscrowBalance.IsNegative() {
		return fmt.Errorf("account %s: negative balance rejected: %w", acct.UserID, domain.ErrInsufficientFunds)
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			escrow_balance = EXCLUDED.escrow_balance,
			updated_at = EXCLUDED.updated_at`,
		acct.UserID, acct.Balance, acct.EscrowBalance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.UserID, translate(err))
	}
	return nil
}

var transactions = newTable("transactions",
	"id", "user_id", "type", "amount",
	"balance_before", "balance_after", "escrow_before", "escrow_after",
	"order_id", "related_user_id", "description", "created_at",
)

func scanTransaction(row scanner) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.EscrowBefore, &t.EscrowAfter,
		&t.OrderID, &t.RelatedUserID, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r accountRepo) AppendTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := r.q.Exec(ctx, transactions.insert(),
		t.ID, t.UserID, t.Type, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.EscrowBefore, t.EscrowAfter,
		t.OrderID, t.RelatedUserID, t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, translate(err))
	}
	return nil
}

func (r accountRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	rows, err := r.q.Query(ctx, transactions.selectFrom()+`
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2`, userID, limitArg(limit))
	return collect(rows, err, scanTransaction)
}

func (r accountRepo) ListTransactionsByOrder(ctx context.Context, orderID string) ([]*domain.Transaction, error) {
	rows, err := r.q.Query(ctx, transactions.selectFrom()+` WHERE order_id = $1 ORDER BY seq`, orderID)
	return collect(rows, err, scanTransaction)
}

func (r accountRepo) All(ctx context.Context) ([]*domain.Account, []*domain.Transaction, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	accts, err := collect(rows, err, scanAccount)
	if err != nil {
		return nil, nil, fmt.Errorf("list accounts: %w", err)
	}
	rows, err = r.q.Query(ctx, transactions.selectFrom()+` ORDER BY seq`)
	txs, err := collect(rows, err, scanTransaction)
	if err != nil {
		return nil, nil, fmt.Errorf("list transactions: %w", err)
	}
	return accts, txs, nil
}

// --- invitations ---

type invitationRepo struct{ q pgx.Tx }

var invitations = newTable("invitations",
	"id", "client_id", "provider_id", "provider_phone",
	"title", "description", "category",
	"original_value", "proposed_value", "proposal_justification", "proposal_pending",
	"delivery_date", "expires_at",
	"client_accepted", "client_accepted_at", "provider_accepted", "provider_accepted_at",
	"status", "pre_order_id", "order_id", "rejected_by", "rejection_reason",
	"created_at", "updated_at",
)

func invitationArgs(inv *domain.Invitation) []any {
	return []any{
		inv.ID, inv.ClientID, inv.ProviderID, inv.ProviderPhone,
		inv.Title, inv.Description, inv.Category,
		inv.OriginalValue, inv.ProposedValue, inv.ProposalJustification, inv.ProposalPending,
		inv.DeliveryDate, inv.ExpiresAt,
		inv.ClientAccepted, inv.ClientAcceptedAt, inv.ProviderAccepted, inv.ProviderAcceptedAt,
		inv.Status, inv.PreOrderID, inv.OrderID, inv.RejectedBy, inv.RejectionReason,
		inv.CreatedAt, inv.UpdatedAt,
	}
}

func scanInvitation(row scanner) (*domain.Invitation, error) {
	inv := &domain.Invitation{}
	err := row.Scan(
		&inv.ID, &inv.ClientID, &inv.ProviderID, &inv.ProviderPhone,
		&inv.Title, &inv.Description, &inv.Category,
		&inv.OriginalValue, &inv.ProposedValue, &inv.ProposalJustification, &inv.ProposalPending,
		&inv.DeliveryDate, &inv.ExpiresAt,
		&inv.ClientAccepted, &inv.ClientAcceptedAt, &inv.ProviderAccepted, &inv.ProviderAcceptedAt,
		&inv.Status, &inv.PreOrderID, &inv.OrderID, &inv.RejectedBy, &inv.RejectionReason,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r invitationRepo) Create(ctx context.Context, inv *domain.Invitation) error {
	if _, err := r.q.Exec(ctx, invitations.insert(), invitationArgs(inv)...); err != nil {
		return fmt.Errorf("invitation %s: %w", inv.ID, translate(err))
	}
	return nil
}

func (r invitationRepo) Get(ctx context.Context, id string) (*domain.Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx, invitations.selectFrom()+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "invitation", id)
	}
	return inv, nil
}

func (r invitationRepo) GetForUpdate(ctx context.Context, id string) (*domain.Invitation, error) {
	inv, err := scanInvitation(r.q.QueryRow(ctx, invitations.selectFrom()+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "invitation", id)
	}
	return inv, nil
}

func (r invitationRepo) Update(ctx context.Context, inv *domain.Invitation) error {
	return execOne(ctx, r.q, "invitation", inv.ID, invitations.update(), invitationArgs(inv)...)
}

func (r invitationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Invitation, error) {
	rows, err := r.q.Query(ctx, invitations.selectFrom()+`
		WHERE client_id = $1 OR provider_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limitArg(limit))
	return collect(rows, err, scanInvitation)
}

func (r invitationRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM invitations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`, domain.InvitationPending, now, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- pre-orders ---

type preOrderRepo struct{ q pgx.Tx }

var preOrders = newTable("pre_orders",
	"id", "invitation_id", "client_id", "provider_id",
	"title", "description", "category",
	"original_value", "current_value", "delivery_date", "status",
	"client_accepted_terms", "client_accepted_terms_at",
	"provider_accepted_terms", "provider_accepted_terms_at",
	"active_proposal_id", "expires_at", "converted_at", "order_id",
	"cancelled_by", "cancellation_reason", "cancelled_at",
	"created_at", "updated_at",
)

func preOrderArgs(p *domain.PreOrder) []any {
	return []any{
		p.ID, p.InvitationID, p.ClientID, p.ProviderID,
		p.Title, p.Description, p.Category,
		p.OriginalValue, p.CurrentValue, p.DeliveryDate, p.Status,
		p.ClientAcceptedTerms, p.ClientAcceptedTermsAt,
		p.ProviderAcceptedTerms, p.ProviderAcceptedTermsAt,
		p.ActiveProposalID, p.ExpiresAt, p.ConvertedAt, p.OrderID,
		p.CancelledBy, p.CancellationReason, p.CancelledAt,
		p.CreatedAt, p.UpdatedAt,
	}
}

func scanPreOrder(row scanner) (*domain.PreOrder, error) {
	p := &domain.PreOrder{}
	err := row.Scan(
		&p.ID, &p.InvitationID, &p.ClientID, &p.ProviderID,
		&p.Title, &p.Description, &p.Category,
		&p.OriginalValue, &p.CurrentValue, &p.DeliveryDate, &p.Status,
		&p.ClientAcceptedTerms, &p.ClientAcceptedTermsAt,
		&p.ProviderAcceptedTerms, &p.ProviderAcceptedTermsAt,
		&p.ActiveProposalID, &p.ExpiresAt, &p.ConvertedAt, &p.OrderID,
		&p.CancelledBy, &p.CancellationReason, &p.CancelledAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r preOrderRepo) Create(ctx context.Context, p *domain.PreOrder) error {
	if _, err := r.q.Exec(ctx, preOrders.insert(), preOrderArgs(p)...); err != nil {
		return fmt.Errorf("pre-order %s: %w", p.ID, translate(err))
	}
	return nil
}

func (r preOrderRepo) Get(ctx context.Context, id string) (*domain.PreOrder, error) {
	p, err := scanPreOrder(r.q.QueryRow(ctx, preOrders.selectFrom()+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "pre-order", id)
	}
	return p, nil
}

func (r preOrderRepo) GetForUpdate(ctx context.Context, id string) (*domain.PreOrder, error) {
	p, err := scanPreOrder(r.q.QueryRow(ctx, preOrders.selectFrom()+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "pre-order", id)
	}
	return p, nil
}

func (r preOrderRepo) GetByInvitation(ctx context.Context, invitationID string) (*domain.PreOrder, error) {
	p, err := scanPreOrder(r.q.QueryRow(ctx, preOrders.selectFrom()+` WHERE invitation_id = $1`, invitationID))
	if err != nil {
		return nil, notFound(err, "pre-order for invitation", invitationID)
	}
	return p, nil
}

func (r preOrderRepo) Update(ctx context.Context, p *domain.PreOrder) error {
	return execOne(ctx, r.q, "pre-order", p.ID, preOrders.update(), preOrderArgs(p)...)
}

func (r preOrderRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.PreOrder, error) {
	rows, err := r.q.Query(ctx, preOrders.selectFrom()+`
		WHERE client_id = $1 OR provider_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limitArg(limit))
	return collect(rows, err, scanPreOrder)
}

func (r preOrderRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM pre_orders
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`, openPreOrderStatuses, now, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

var openPreOrderStatuses = []string{
	string(domain.PreOrderNegotiating),
	string(domain.PreOrderAwaitingReply),
	string(domain.PreOrderReadyToConvert),
}

// --- proposals ---

type proposalRepo struct{ q pgx.Tx }

var proposals = newTable("proposals",
	"id", "pre_order_id", "proposed_by",
	"value", "delivery_date", "description", "justification", "is_extreme",
	"status", "responded_by", "responded_at", "created_at",
)

func proposalArgs(p *domain.Proposal) []any {
	return []any{
		p.ID, p.PreOrderID, p.ProposedBy,
		p.Value, p.DeliveryDate, p.Description, p.Justification, p.IsExtreme,
		p.Status, p.RespondedBy, p.RespondedAt, p.CreatedAt,
	}
}

func scanProposal(row scanner) (*domain.Proposal, error) {
	p := &domain.Proposal{}
	err := row.Scan(
		&p.ID, &p.PreOrderID, &p.ProposedBy,
		&p.Value, &p.DeliveryDate, &p.Description, &p.Justification, &p.IsExtreme,
		&p.Status, &p.RespondedBy, &p.RespondedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r proposalRepo) Create(ctx context.Context, p *domain.Proposal) error {
	if _, err := r.q.Exec(ctx, proposals.insert(), proposalArgs(p)...); err != nil {
		return fmt.Errorf("proposal %s: %w", p.ID, translate(err))
	}
	return nil
}

func (r proposalRepo) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := scanProposal(r.q.QueryRow(ctx, proposals.selectFrom()+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "proposal", id)
	}
	return p, nil
}

func (r proposalRepo) GetForUpdate(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := scanProposal(r.q.QueryRow(ctx, proposals.selectFrom()+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "proposal", id)
	}
	return p, nil
}

func (r proposalRepo) Update(ctx context.Context, p *domain.Proposal) error {
	return execOne(ctx, r.q, "proposal", p.ID, proposals.update(), proposalArgs(p)...)
}

func (r proposalRepo) ListByPreOrder(ctx context.Context, preOrderID string) ([]*domain.Proposal, error) {
	rows, err := r.q.Query(ctx, proposals.selectFrom()+` WHERE pre_order_id = $1 ORDER BY created_at, id`, preOrderID)
	return collect(rows, err, scanProposal)
}

// --- orders ---

type orderRepo struct{ q pgx.Tx }

var orders = newTable("orders",
	"id", "client_id", "provider_id", "title", "description", "category",
	"value", "status", "service_deadline", "invitation_id", "pre_order_id",
	"platform_fee_percentage", "contestation_fee", "cancellation_fee_percentage",
	"client_escrow", "provider_escrow",
	"accepted_at", "started_at", "completed_at", "confirmation_deadline", "confirmed_at",
	"auto_confirmed", "platform_fee",
	"cancelled_at", "cancelled_by", "cancellation_reason", "cancellation_fee",
	"dispute_opened_at", "dispute_reason", "dispute_client_statement", "dispute_evidence",
	"dispute_provider_response", "dispute_provider_evidence", "dispute_provider_responded_at",
	"dispute_decision", "dispute_resolved_by", "dispute_admin_notes", "dispute_resolved_at",
	"created_at", "updated_at",
)

func orderArgs(o *domain.Order) []any {
	return []any{
		o.ID, o.ClientID, o.ProviderID, o.Title, o.Description, o.Category,
		o.Value, o.Status, o.ServiceDeadline, o.InvitationID, o.PreOrderID,
		o.PlatformFeePercentage, o.ContestationFee, o.CancellationFeePercentage,
		o.ClientEscrow, o.ProviderEscrow,
		o.AcceptedAt, o.StartedAt, o.CompletedAt, o.ConfirmationDeadline, o.ConfirmedAt,
		o.AutoConfirmed, o.PlatformFee,
		o.CancelledAt, o.CancelledBy, o.CancellationReason, o.CancellationFee,
		o.DisputeOpenedAt, o.DisputeReason, o.DisputeClientStatement, o.DisputeEvidence,
		o.DisputeProviderResponse, o.DisputeProviderEvidence, o.DisputeProviderRespondedAt,
		o.DisputeDecision, o.DisputeResolvedBy, o.DisputeAdminNotes, o.DisputeResolvedAt,
		o.CreatedAt, o.UpdatedAt,
	}
}

func scanOrder(row scanner) (*domain.Order, error) {
	o := &domain.Order{}
	err := row.Scan(
		&o.ID, &o.ClientID, &o.ProviderID, &o.Title, &o.Description, &o.Category,
		&o.Value, &o.Status, &o.ServiceDeadline, &o.InvitationID, &o.PreOrderID,
		&o.PlatformFeePercentage, &o.ContestationFee, &o.CancellationFeePercentage,
		&o.ClientEscrow, &o.ProviderEscrow,
		&o.AcceptedAt, &o.StartedAt, &o.CompletedAt, &o.ConfirmationDeadline, &o.ConfirmedAt,
		&o.AutoConfirmed, &o.PlatformFee,
		&o.CancelledAt, &o.CancelledBy, &o.CancellationReason, &o.CancellationFee,
		&o.DisputeOpenedAt, &o.DisputeReason, &o.DisputeClientStatement, &o.DisputeEvidence,
		&o.DisputeProviderResponse, &o.DisputeProviderEvidence, &o.DisputeProviderRespondedAt,
		&o.DisputeDecision, &o.DisputeResolvedBy, &o.DisputeAdminNotes, &o.DisputeResolvedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r orderRepo) Create(ctx context.Context, o *domain.Order) error {
	if _, err := r.q.Exec(ctx, orders.insert(), orderArgs(o)...); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, translate(err))
	}
	return nil
}

func (r orderRepo) Get(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, orders.selectFrom()+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, orders.selectFrom()+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return o, nil
}

func (r orderRepo) Update(ctx context.Context, o *domain.Order) error {
	return execOne(ctx, r.q, "order", o.ID, orders.update(), orderArgs(o)...)
}

func (r orderRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	rows, err := r.q.Query(ctx, orders.selectFrom()+`
		WHERE client_id = $1 OR provider_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, userID, limitArg(limit))
	return collect(rows, err, scanOrder)
}

func (r orderRepo) ListByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]*domain.Order, error) {
	rows, err := r.q.Query(ctx, orders.selectFrom()+`
		WHERE status = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, status, limitArg(limit))
	return collect(rows, err, scanOrder)
}

func (r orderRepo) ListAwaitingConfirmation(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND confirmation_deadline < $2
		ORDER BY confirmation_deadline
		LIMIT $3`, domain.OrderServiceCompleted, now, limitArg(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r orderRepo) CountByProviderStatus(ctx context.Context, providerID string, status domain.OrderStatus) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE provider_id = $1 AND status = $2`,
		providerID, status).Scan(&n)
	return n, err
}

// --- history ---

type historyRepo struct{ q pgx.Tx }

var history = newTable("history",
	"id", "entity", "entity_id", "actor_id", "event_type",
	"from_status", "to_status", "description", "payload", "created_at",
)

func scanHistory(row scanner) (*domain.HistoryEntry, error) {
	e := &domain.HistoryEntry{}
	err := row.Scan(&e.ID, &e.Entity, &e.EntityID, &e.ActorID, &e.EventType,
		&e.FromStatus, &e.ToStatus, &e.Description, &e.Payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r historyRepo) Append(ctx context.Context, e *domain.HistoryEntry) error {
	_, err := r.q.Exec(ctx, history.insert(),
		e.ID, e.Entity, e.EntityID, e.ActorID, e.EventType,
		e.FromStatus, e.ToStatus, e.Description, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("history %s: %w", e.ID, translate(err))
	}
	return nil
}

func (r historyRepo) List(ctx context.Context, entity domain.HistoryEntity, entityID string) ([]*domain.HistoryEntry, error) {
	rows, err := r.q.Query(ctx, history.selectFrom()+` WHERE entity = $1 AND entity_id = $2 ORDER BY seq`,
		entity, entityID)
	return collect(rows, err, scanHistory)
}
