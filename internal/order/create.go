package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/traces"
	"github.com/mbd888/combinado/internal/validation"
)

// Commitments returns what each party locks into escrow for an order of
// the given value: the client holds value plus the contestation fee, the
// provider holds the contestation fee.
func Commitments(value decimal.Decimal, st config.Settings) (client, provider decimal.Decimal) {
	return value.Add(st.ContestationFee), st.ContestationFee
}

// FundedParams describe an order whose terms both parties already agreed.
type FundedParams struct {
	ClientID        string
	ProviderID      string
	Title           string
	Description     string
	Category        string
	Value           decimal.Decimal
	ServiceDeadline time.Time
	InvitationID    string
	PreOrderID      string

	// Status is the initial status: aceita for conversions, aguardando_execucao
	// for the direct invitation path.
	Status domain.OrderStatus
}

// CreateFunded creates an order inside tx and locks both parties'
// commitments into escrow. Callers check balances first so they can report
// every shortfall at once; a shortfall here still fails closed.
func (s *Service) CreateFunded(ctx context.Context, tx store.Tx, p *ledger.Posting, st config.Settings, actor domain.Actor, params FundedParams) (*domain.Order, error) {
	if params.ClientID == "" || params.ProviderID == "" {
		return nil, domain.Validation("parties", "client and provider are required")
	}
	if params.ClientID == params.ProviderID {
		return nil, domain.Validation("providerId", "client and provider must be different users")
	}
	if err := validValue(params.Value); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	clientLock, providerLock := Commitments(params.Value, st)
	o := &domain.Order{
		ID:                        idgen.WithPrefix(idgen.Order),
		ClientID:                  params.ClientID,
		ProviderID:                params.ProviderID,
		Title:                     params.Title,
		Description:               params.Description,
		Category:                  params.Category,
		Value:                     params.Value,
		Status:                    params.Status,
		ServiceDeadline:           params.ServiceDeadline,
		InvitationID:              params.InvitationID,
		PreOrderID:                params.PreOrderID,
		PlatformFeePercentage:     st.PlatformFeePercentage,
		ContestationFee:           st.ContestationFee,
		CancellationFeePercentage: st.CancellationFeePercentage,
		ClientEscrow:              clientLock,
		ProviderEscrow:            providerLock,
		AcceptedAt:                &now,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	if err := p.Lock(ctx, o.ClientID, o.ProviderID); err != nil {
		return nil, err
	}
	if err := tx.Orders().Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if _, err := p.TransferToEscrow(ctx, o.ClientID, clientLock, o.ID, "escrow for order "+o.ID); err != nil {
		return nil, withParty(err, domain.RoleClient)
	}
	if providerLock.IsPositive() {
		if _, err := p.TransferToEscrow(ctx, o.ProviderID, providerLock, o.ID, "contestation fee for order "+o.ID); err != nil {
			return nil, withParty(err, domain.RoleProvider)
		}
	}

	if err := s.appendHistory(ctx, tx, o.ID, actor, "order_created", "", string(o.Status),
		"order created with value "+money.BRL(o.Value), map[string]any{
			"value":           money.Format(o.Value),
			"clientEscrow":    money.Format(clientLock),
			"providerEscrow":  money.Format(providerLock),
			"invitationId":    o.InvitationID,
			"preOrderId":      o.PreOrderID,
			"platformFeePct":  o.PlatformFeePercentage.String(),
			"contestationFee": money.Format(o.ContestationFee),
		}); err != nil {
		return nil, err
	}
	return o, nil
}

// CreatedEvent is the event announcing a new order to both parties.
func CreatedEvent(o *domain.Order, at time.Time) events.Event {
	return events.New(events.OrderCreated, o.ID, at, map[string]any{
		"value":        money.Format(o.Value),
		"status":       string(o.Status),
		"invitationId": o.InvitationID,
		"preOrderId":   o.PreOrderID,
	}, o.ClientID, o.ProviderID)
}

// CreateFromInvitation is the direct invitation path: a mutually accepted
// invitation becomes a funded order awaiting execution with no negotiation.
func (s *Service) CreateFromInvitation(ctx context.Context, tx store.Tx, p *ledger.Posting, st config.Settings, actor domain.Actor, inv *domain.Invitation) (*domain.Order, error) {
	return s.CreateFunded(ctx, tx, p, st, actor, FundedParams{
		ClientID:        inv.ClientID,
		ProviderID:      inv.ProviderID,
		Title:           inv.Title,
		Description:     inv.Description,
		Category:        inv.Category,
		Value:           inv.CurrentValue(),
		ServiceDeadline: inv.DeliveryDate,
		InvitationID:    inv.ID,
		Status:          domain.OrderAwaitingStart,
	})
}

// OpenRequest is a client's public order waiting for any provider.
type OpenRequest struct {
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Value           decimal.Decimal `json:"value"`
	ServiceDeadline time.Time       `json:"serviceDeadline"`
}

// CreateOpen publishes an order any provider may accept. The client's
// value and contestation fee are locked immediately.
func (s *Service) CreateOpen(ctx context.Context, actor domain.Actor, req OpenRequest) (*domain.Order, error) {
	if !actor.Has(domain.RoleClient) {
		return nil, fmt.Errorf("creating orders requires the client role: %w", domain.ErrNotParty)
	}
	if err := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
	).Err(); err != nil {
		return nil, err
	}
	if err := validValue(req.Value); err != nil {
		return nil, err
	}
	if !req.ServiceDeadline.After(s.clock.Now()) {
		return nil, domain.Validation("serviceDeadline", "must be in the future")
	}

	st, err := s.settings.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	ctx, span := traces.StartSpan(ctx, "order.CreateOpen", traces.UserID(actor.UserID), traces.Amount(money.Format(req.Value)))
	var o *domain.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := s.ledger.In(tx)
		clientLock, _ := Commitments(req.Value, st)
		if err := p.Lock(ctx, actor.UserID); err != nil {
			return err
		}
		if sf, err := p.Shortfall(ctx, domain.RoleClient, actor.UserID, clientLock); err != nil {
			return err
		} else if sf != nil {
			return sf
		}

		now := s.clock.Now()
		o = &domain.Order{
			ID:                        idgen.WithPrefix(idgen.Order),
			ClientID:                  actor.UserID,
			Title:                     validation.SanitizeString(req.Title, 200),
			Description:               validation.SanitizeString(req.Description, 5000),
			Category:                  validation.SanitizeString(req.Category, 100),
			Value:                     req.Value,
			Status:                    domain.OrderOpen,
			ServiceDeadline:           req.ServiceDeadline,
			PlatformFeePercentage:     st.PlatformFeePercentage,
			ContestationFee:           st.ContestationFee,
			CancellationFeePercentage: st.CancellationFeePercentage,
			ClientEscrow:              clientLock,
			ProviderEscrow:            decimal.Zero,
			CreatedAt:                 now,
			UpdatedAt:                 now,
		}
		if err := tx.Orders().Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		if _, err := p.TransferToEscrow(ctx, o.ClientID, clientLock, o.ID, "escrow for open order "+o.ID); err != nil {
			return withParty(err, domain.RoleClient)
		}
		return s.appendHistory(ctx, tx, o.ID, actor, "order_created", "", string(o.Status),
			"open order published with value "+money.BRL(o.Value),
			map[string]any{"value": money.Format(o.Value), "clientEscrow": money.Format(clientLock)})
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	metrics.Transition("order", string(o.Status))
	s.events.Publish(ctx, CreatedEvent(o, s.clock.Now()))
	return o, nil
}

// AcceptOrder assigns a provider to an open order. The provider locks the
// contestation fee snapshotted on the order and may not exceed the
// configured number of orders in progress.
func (s *Service) AcceptOrder(ctx context.Context, actor domain.Actor, id string) (*domain.Order, error) {
	return s.mutate(ctx, "AcceptOrder", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if !actor.Has(domain.RoleProvider) {
			return fmt.Errorf("accepting orders requires the provider role: %w", domain.ErrNotParty)
		}
		if o.ClientID == actor.UserID {
			return domain.Validation("orderId", "cannot accept your own order")
		}
		if o.Status != domain.OrderOpen {
			return domain.Transition("order", o.Status, domain.OrderAccepted)
		}

		active, err := m.tx.Orders().CountByProviderStatus(ctx, actor.UserID, domain.OrderInProgress)
		if err != nil {
			return err
		}
		if active >= m.settings.MaxConcurrentOrders {
			return fmt.Errorf("%d of %d orders in progress: %w", active, m.settings.MaxConcurrentOrders, domain.ErrCapacityReached)
		}

		if o.ContestationFee.IsPositive() {
			if _, err := m.posting.TransferToEscrow(ctx, actor.UserID, o.ContestationFee, o.ID, "contestation fee for order "+o.ID); err != nil {
				return withParty(err, domain.RoleProvider)
			}
		}

		now := m.s.clock.Now()
		o.ProviderID = actor.UserID
		o.ProviderEscrow = o.ContestationFee
		o.AcceptedAt = &now
		if err := m.transition(ctx, actor, domain.OrderAccepted, "order_accepted", "provider accepted the order", nil); err != nil {
			return err
		}
		m.emit(events.OrderAccepted, map[string]any{"providerId": actor.UserID})
		return nil
	}, actor.UserID)
}

func validValue(v decimal.Decimal) error {
	if !v.IsPositive() {
		return domain.Validation("value", "must be greater than zero")
	}
	if !v.Equal(money.Round(v)) {
		return domain.Validation("value", "must have at most %d decimal places", money.Places)
	}
	return nil
}

// withParty tags a ledger insufficient-funds failure with the party it
// belongs to.
func withParty(err error, party domain.Role) error {
	var ife *domain.InsufficientFundsError
	if errors.As(err, &ife) && ife.Party == "" {
		ife.Party = party
	}
	return err
}
