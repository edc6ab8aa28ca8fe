package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a user's wallet. Balance is spendable; EscrowBalance is held
// pending settlement of one or more orders. Both are never negative.
type Account struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	EscrowBalance decimal.Decimal `json:"escrowBalance"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Total is balance plus escrow.
func (a *Account) Total() decimal.Decimal {
	return a.Balance.Add(a.EscrowBalance)
}

// TransactionType tags a ledger row.
type TransactionType string

const (
	TxDeposit       TransactionType = "deposito"
	TxWithdrawal    TransactionType = "saque"
	TxEscrowLock    TransactionType = "bloqueio_escrow"
	TxEscrowRelease TransactionType = "liberacao_escrow"
	TxEscrowRefund  TransactionType = "reembolso_escrow"
	TxPayment       TransactionType = "pagamento"
	TxFee           TransactionType = "taxa"
	TxPenalty       TransactionType = "multa"
	TxCompensation  TransactionType = "compensacao"
)

// Transaction is one immutable ledger row. Before/after snapshots of both
// columns are stored so any account can be replayed and audited.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	EscrowBefore  decimal.Decimal `json:"escrowBefore"`
	EscrowAfter   decimal.Decimal `json:"escrowAfter"`
	OrderID       string          `json:"orderId,omitempty"`
	RelatedUserID string          `json:"relatedUserId,omitempty"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (t *Transaction) BalanceDelta() decimal.Decimal { return t.BalanceAfter.Sub(t.BalanceBefore) }
func (t *Transaction) EscrowDelta() decimal.Decimal  { return t.EscrowAfter.Sub(t.EscrowBefore) }

// Invitation is a client's offer of work to a specific provider contact.
type Invitation struct {
	ID                    string           `json:"id"`
	ClientID              string           `json:"clientId"`
	ProviderID            string           `json:"providerId,omitempty"`
	ProviderPhone         string           `json:"providerPhone"`
	Title                 string           `json:"title"`
	Description           string           `json:"description"`
	Category              string           `json:"category,omitempty"`
	OriginalValue         decimal.Decimal  `json:"originalValue"`
	ProposedValue         *decimal.Decimal `json:"proposedValue,omitempty"`
	ProposalJustification string           `json:"proposalJustification,omitempty"`
	ProposalPending       bool             `json:"proposalPending"`
	DeliveryDate          time.Time        `json:"deliveryDate"`
	ExpiresAt             time.Time        `json:"expiresAt"`
	ClientAccepted        bool             `json:"clientAccepted"`
	ClientAcceptedAt      *time.Time       `json:"clientAcceptedAt,omitempty"`
	ProviderAccepted      bool             `json:"providerAccepted"`
	ProviderAcceptedAt    *time.Time       `json:"providerAcceptedAt,omitempty"`
	Status                InvitationStatus `json:"status"`
	PreOrderID            string           `json:"preOrderId,omitempty"`
	OrderID               string           `json:"orderId,omitempty"`
	RejectedBy            string           `json:"rejectedBy,omitempty"`
	RejectionReason       string           `json:"rejectionReason,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// CurrentValue is the proposal-adjusted value when one exists.
func (i *Invitation) CurrentValue() decimal.Decimal {
	if i.ProposedValue != nil {
		return *i.ProposedValue
	}
	return i.OriginalValue
}

func (i *Invitation) MutuallyAccepted() bool {
	return i.ClientAccepted && i.ProviderAccepted
}

// ExpiredAt reports whether the invitation is past its expiry at now.
func (i *Invitation) ExpiredAt(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// PreOrder is the fund-free negotiation record between an accepted
// invitation and a funded order.
type PreOrder struct {
	ID                      string          `json:"id"`
	InvitationID            string          `json:"invitationId"`
	ClientID                string          `json:"clientId"`
	ProviderID              string          `json:"providerId"`
	Title                   string          `json:"title"`
	Description             string          `json:"description"`
	Category                string          `json:"category,omitempty"`
	OriginalValue           decimal.Decimal `json:"originalValue"`
	CurrentValue            decimal.Decimal `json:"currentValue"`
	DeliveryDate            time.Time       `json:"deliveryDate"`
	Status                  PreOrderStatus  `json:"status"`
	ClientAcceptedTerms     bool            `json:"clientAcceptedTerms"`
	ClientAcceptedTermsAt   *time.Time      `json:"clientAcceptedTermsAt,omitempty"`
	ProviderAcceptedTerms   bool            `json:"providerAcceptedTerms"`
	ProviderAcceptedTermsAt *time.Time      `json:"providerAcceptedTermsAt,omitempty"`
	ActiveProposalID        string          `json:"activeProposalId,omitempty"`
	ExpiresAt               time.Time       `json:"expiresAt"`
	ConvertedAt             *time.Time      `json:"convertedAt,omitempty"`
	OrderID                 string          `json:"orderId,omitempty"`
	CancelledBy             string          `json:"cancelledBy,omitempty"`
	CancellationReason      string          `json:"cancellationReason,omitempty"`
	CancelledAt             *time.Time      `json:"cancelledAt,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

func (p *PreOrder) HasActiveProposal() bool { return p.ActiveProposalID != "" }

func (p *PreOrder) MutuallyAccepted() bool {
	return p.ClientAcceptedTerms && p.ProviderAcceptedTerms
}

// ReadyToConvert is the conversion guard: both flags set, nothing pending.
func (p *PreOrder) ReadyToConvert() bool {
	return p.MutuallyAccepted() && !p.HasActiveProposal()
}

// ResetAcceptance clears both parties' consent to the terms.
func (p *PreOrder) ResetAcceptance() {
	p.ClientAcceptedTerms = false
	p.ClientAcceptedTermsAt = nil
	p.ProviderAcceptedTerms = false
	p.ProviderAcceptedTermsAt = nil
}

func (p *PreOrder) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// RoleOf returns the caller's side of the negotiation.
func (p *PreOrder) RoleOf(userID string) (Role, bool) {
	switch userID {
	case p.ClientID:
		return RoleClient, true
	case p.ProviderID:
		return RoleProvider, true
	}
	return "", false
}

// Proposal is one offer to change a pre-order's terms.
type Proposal struct {
	ID            string           `json:"id"`
	PreOrderID    string           `json:"preOrderId"`
	ProposedBy    string           `json:"proposedBy"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	DeliveryDate  *time.Time       `json:"deliveryDate,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Justification string           `json:"justification"`
	IsExtreme     bool             `json:"isExtreme"`
	Status        ProposalStatus   `json:"status"`
	RespondedBy   string           `json:"respondedBy,omitempty"`
	RespondedAt   *time.Time       `json:"respondedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// EvidenceFile is metadata of an uploaded dispute attachment. Content is
// stored by the boundary layer; the core only validates and records it.
type EvidenceFile struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Order is the funded, binding unit of work.
type Order struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"clientId"`
	ProviderID      string          `json:"providerId,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category,omitempty"`
	Value           decimal.Decimal `json:"value"`
	Status          OrderStatus     `json:"status"`
	ServiceDeadline time.Time       `json:"serviceDeadline"`
	InvitationID    string          `json:"invitationId,omitempty"`
	PreOrderID      string          `json:"preOrderId,omitempty"`

	// Fee configuration snapshotted at creation.
	PlatformFeePercentage     decimal.Decimal `json:"platformFeePercentageAtCreation"`
	ContestationFee           decimal.Decimal `json:"contestationFeeAtCreation"`
	CancellationFeePercentage decimal.Decimal `json:"cancellationFeePercentageAtCreation"`

	ClientEscrow   decimal.Decimal `json:"clientEscrow"`
	ProviderEscrow decimal.Decimal `json:"providerEscrow"`

	AcceptedAt           *time.Time      `json:"acceptedAt,omitempty"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	ConfirmationDeadline *time.Time      `json:"confirmationDeadline,omitempty"`
	ConfirmedAt          *time.Time      `json:"confirmedAt,omitempty"`
	AutoConfirmed        bool            `json:"autoConfirmed"`
	PlatformFee          decimal.Decimal `json:"platformFee"`

	CancelledAt        *time.Time      `json:"cancelledAt,omitempty"`
	CancelledBy        string          `json:"cancelledBy,omitempty"`
	CancellationReason string          `json:"cancellationReason,omitempty"`
	CancellationFee    decimal.Decimal `json:"cancellationFee"`

	DisputeOpenedAt            *time.Time      `json:"disputeOpenedAt,omitempty"`
	DisputeReason              string          `json:"disputeReason,omitempty"`
	DisputeClientStatement     string          `json:"disputeClientStatement,omitempty"`
	DisputeEvidence            []EvidenceFile  `json:"disputeEvidence,omitempty"`
	DisputeProviderResponse    string          `json:"disputeProviderResponse,omitempty"`
	DisputeProviderEvidence    []EvidenceFile  `json:"disputeProviderEvidence,omitempty"`
	DisputeProviderRespondedAt *time.Time      `json:"disputeProviderRespondedAt,omitempty"`
	DisputeDecision            DisputeDecision `json:"disputeDecision,omitempty"`
	DisputeResolvedBy          string          `json:"disputeResolvedBy,omitempty"`
	DisputeAdminNotes          string          `json:"disputeAdminNotes,omitempty"`
	DisputeResolvedAt          *time.Time      `json:"disputeResolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoleOf returns the caller's side of the order.
func (o *Order) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == o.ClientID:
		return RoleClient, true
	case userID == o.ProviderID:
		return RoleProvider, true
	}
	return "", false
}

// HistoryEntity names the parent table of a history entry.
type HistoryEntity string

const (
	HistoryPreOrder HistoryEntity = "pre_order"
	HistoryOrder    HistoryEntity = "order"
)

// HistoryEntry is one append-only audit row.
type HistoryEntry struct {
	ID          string         `json:"id"`
	Entity      HistoryEntity  `json:"entity"`
	EntityID    string         `json:"entityId"`
	ActorID     string         `json:"actorId"`
	EventType   string         `json:"eventType"`
	FromStatus  string         `json:"fromStatus,omitempty"`
	ToStatus    string         `json:"toStatus,omitempty"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
