package invitation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/conversion"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/preorder"
	"github.com/mbd888/combinado/internal/validation"
)

// MinValueJustification is the shortest accepted justification for a
// provider's value proposal, in characters.
const MinValueJustification = 50

// AcceptResult is the outcome of one party accepting an invitation.
type AcceptResult struct {
	Invitation *domain.Invitation `json:"invitation"`

	// PreOrder or Order is set when this acceptance completed the mutual
	// acceptance and the downstream entity was created.
	PreOrder *domain.PreOrder `json:"preOrder,omitempty"`
	Order    *domain.Order    `json:"order,omitempty"`

	// AlreadyAccepted is true when the caller had accepted before. Nothing
	// changes and no conversion is triggered.
	AlreadyAccepted bool `json:"alreadyAccepted"`
}

// AcceptAsClient records the client's acceptance.
func (s *Service) AcceptAsClient(ctx context.Context, actor domain.Actor, id string) (*AcceptResult, error) {
	return s.accept(ctx, actor, id, domain.RoleClient)
}

// AcceptAsProvider records the invited provider's acceptance and binds the
// provider to the invitation.
func (s *Service) AcceptAsProvider(ctx context.Context, actor domain.Actor, id string) (*AcceptResult, error) {
	return s.accept(ctx, actor, id, domain.RoleProvider)
}

// accept sets one party's flag after checking their balance covers their
// commitment (client: current value, provider: contestation fee). The
// acceptance that completes the pair also triggers the conversion, under
// the same invitation lock, so two concurrent acceptances cannot both miss
// it. A failed conversion keeps both flags and returns a
// *domain.RetryableError.
func (s *Service) accept(ctx context.Context, actor domain.Actor, id string, as domain.Role) (*AcceptResult, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindInvitation, id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &AcceptResult{}
	inv, err := s.apply(ctx, "Accept", id, func(ctx context.Context, m *mut) error {
		inv := m.inv
		if err := authorize(inv, actor, as); err != nil {
			return err
		}
		if (as == domain.RoleClient && inv.ClientAccepted) || (as == domain.RoleProvider && inv.ProviderAccepted) {
			res.AlreadyAccepted = true
			return errSkip
		}
		if inv.Status.IsTerminal() {
			return fmt.Errorf("invitation %s is %s: %w", inv.ID, inv.Status, domain.ErrAlreadyFinal)
		}
		if inv.ProposalPending {
			return fmt.Errorf("answer the value proposal first: %w", domain.ErrProposalPending)
		}

		need := inv.CurrentValue()
		if as == domain.RoleProvider {
			need = m.settings.ContestationFee
		}
		sf, err := m.s.ledger.In(m.tx).Shortfall(ctx, as, actor.UserID, need)
		if err != nil {
			return err
		}
		if sf != nil {
			return sf
		}

		now := m.s.clock.Now()
		if as == domain.RoleClient {
			inv.ClientAccepted, inv.ClientAcceptedAt = true, &now
		} else {
			inv.ProviderID = actor.UserID
			inv.ProviderAccepted, inv.ProviderAcceptedAt = true, &now
		}
		if inv.MutuallyAccepted() {
			if err := m.transition(domain.InvitationAccepted); err != nil {
				return err
			}
		}
		m.emit(events.InvitationAccepted, map[string]any{
			"party": string(as),
			"value": money.Format(inv.CurrentValue()),
		})
		return nil
	})
	if res.AlreadyAccepted {
		res.Invitation, err = s.load(ctx, id)
		return res, err
	}
	if err != nil {
		return nil, err
	}
	res.Invitation = inv
	if inv.Status != domain.InvitationAccepted {
		return res, nil
	}
	return s.convert(ctx, actor, res)
}

// authorize checks actor is the invitation's party for role as.
func authorize(inv *domain.Invitation, actor domain.Actor, as domain.Role) error {
	if as == domain.RoleProvider && !actor.Has(domain.RoleProvider) {
		return fmt.Errorf("accepting as provider requires the provider role: %w", domain.ErrNotParty)
	}
	role, ok := roleOf(inv, actor)
	if !ok || role != as {
		return fmt.Errorf("invitation %s is not addressed to this %s: %w", inv.ID, as, domain.ErrNotParty)
	}
	return nil
}

// RetryConversion re-runs the conversion of a mutually accepted invitation
// whose downstream creation failed.
func (s *Service) RetryConversion(ctx context.Context, actor domain.Actor, id string) (*AcceptResult, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindInvitation, id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := roleOf(inv, actor); !ok && !actor.IsAdmin() {
		return nil, fmt.Errorf("invitation %s: %w", id, domain.ErrNotParty)
	}
	if inv.Status != domain.InvitationAccepted {
		return nil, domain.Transition("invitation", inv.Status, domain.InvitationConvertedPreOrder)
	}
	return s.convert(ctx, actor, &AcceptResult{Invitation: inv, AlreadyAccepted: true})
}

// convert creates the pre-order (or, on the legacy path, the funded order)
// for a mutually accepted invitation in its own transaction. The caller
// holds the invitation lock.
func (s *Service) convert(ctx context.Context, actor domain.Actor, res *AcceptResult) (*AcceptResult, error) {
	var legacy bool
	inv, err := s.apply(ctx, "Convert", res.Invitation.ID, func(ctx context.Context, m *mut) error {
		inv := m.inv
		if inv.Status != domain.InvitationAccepted || !inv.MutuallyAccepted() {
			return fmt.Errorf("invitation %s: %w", inv.ID, domain.ErrNotMutuallyAgreed)
		}
		legacy = m.settings.LegacyDirectOrder
		if legacy {
			return m.convertToOrder(ctx, actor, res)
		}
		return m.convertToPreOrder(ctx, actor, res)
	})
	if err != nil {
		s.logger.Error("invitation conversion failed",
			logging.InvitationID(res.Invitation.ID), logging.Actor(actor.UserID), "legacy", legacy, logging.Err(err))
		metrics.ConversionsTotal.WithLabelValues("invitation_failed").Inc()
		s.events.Publish(ctx, events.New(events.ConversionFailed, res.Invitation.ID, s.clock.Now(), map[string]any{
			"invitationId": res.Invitation.ID,
			"retryable":    true,
		}, res.Invitation.ClientID, res.Invitation.ProviderID))
		return res, &domain.RetryableError{Op: "convert invitation " + res.Invitation.ID, Recorded: true, Err: err}
	}
	res.Invitation = inv
	return res, nil
}

func (m *mut) convertToPreOrder(ctx context.Context, actor domain.Actor, res *AcceptResult) error {
	p, err := m.s.preorders.CreateFromInvitation(ctx, m.tx, m.settings, actor, m.inv)
	if err != nil {
		return err
	}
	m.inv.PreOrderID = p.ID
	if err := m.transition(domain.InvitationConvertedPreOrder); err != nil {
		return err
	}
	res.PreOrder = p
	m.events = append(m.events, preorder.CreatedEvent(p, m.s.clock.Now()))
	metrics.Transition("pre_order", string(p.Status))
	return nil
}

func (m *mut) convertToOrder(ctx context.Context, actor domain.Actor, res *AcceptResult) error {
	p := m.s.ledger.In(m.tx)
	if err := p.Lock(ctx, m.inv.ClientID, m.inv.ProviderID); err != nil {
		return err
	}
	if err := conversion.CheckBalances(ctx, p, m.inv.ClientID, m.inv.ProviderID, m.inv.CurrentValue(), m.settings); err != nil {
		return err
	}
	o, err := m.s.orders.CreateFromInvitation(ctx, m.tx, p, m.settings, actor, m.inv)
	if err != nil {
		return err
	}
	m.inv.OrderID = o.ID
	if err := m.transition(domain.InvitationConvertedOrder); err != nil {
		return err
	}
	res.Order = o
	m.events = append(m.events, order.CreatedEvent(o, m.s.clock.Now()))
	metrics.Transition("order", string(o.Status))
	return nil
}

// Reject declines a pending invitation. Only the invited provider may reject.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, id, reason string) (*domain.Invitation, error) {
	return s.mutate(ctx, "Reject", id, func(ctx context.Context, m *mut) error {
		inv := m.inv
		if err := authorize(inv, actor, domain.RoleProvider); err != nil {
			return err
		}
		if inv.Status.IsTerminal() {
			return fmt.Errorf("invitation %s is %s: %w", inv.ID, inv.Status, domain.ErrAlreadyFinal)
		}
		if err := m.transition(domain.InvitationRejected); err != nil {
			return err
		}
		inv.ProviderID = actor.UserID
		inv.RejectedBy = actor.UserID
		inv.RejectionReason = validation.SanitizeString(reason, 2000)
		m.emit(events.InvitationRejected, map[string]any{"reason": inv.RejectionReason})
		return nil
	})
}

// ProposeValue lets the invited provider counter the invitation's value
// before it is accepted. Both acceptances are withdrawn until the client
// answers.
func (s *Service) ProposeValue(ctx context.Context, actor domain.Actor, id string, value decimal.Decimal, justification string) (*domain.Invitation, error) {
	if !value.IsPositive() || !value.Equal(money.Round(value)) {
		return nil, domain.Validation("value", "must be positive with at most %d decimal places", money.Places)
	}
	if err := validation.MinChars("justification", justification, MinValueJustification); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "ProposeValue", id, func(ctx context.Context, m *mut) error {
		inv := m.inv
		if err := authorize(inv, actor, domain.RoleProvider); err != nil {
			return err
		}
		if inv.Status != domain.InvitationPending {
			return fmt.Errorf("invitation %s is %s: %w", inv.ID, inv.Status, domain.ErrAlreadyFinal)
		}
		if inv.ProposalPending {
			return domain.ErrProposalPending
		}
		if value.Equal(inv.CurrentValue()) {
			return domain.Validation("value", "must differ from the current value %s", money.BRL(inv.CurrentValue()))
		}

		v := value
		inv.ProviderID = actor.UserID
		inv.ProposedValue = &v
		inv.ProposalJustification = validation.SanitizeString(justification, 2000)
		inv.ProposalPending = true
		resetAcceptance(inv)
		m.emit(events.InvitationValueProposed, map[string]any{
			"value":    money.Format(v),
			"previous": money.Format(inv.OriginalValue),
		})
		return nil
	})
}

// RespondToValueProposal is the client's answer to a value proposal.
// Approving makes the proposed value current; rejecting restores the
// original value.
func (s *Service) RespondToValueProposal(ctx context.Context, actor domain.Actor, id string, approve bool) (*domain.Invitation, error) {
	return s.mutate(ctx, "RespondToValueProposal", id, func(ctx context.Context, m *mut) error {
		inv := m.inv
		if err := authorize(inv, actor, domain.RoleClient); err != nil {
			return err
		}
		if inv.Status != domain.InvitationPending {
			return fmt.Errorf("invitation %s is %s: %w", inv.ID, inv.Status, domain.ErrAlreadyFinal)
		}
		if !inv.ProposalPending {
			return domain.ErrNoPendingProposal
		}
		inv.ProposalPending = false
		if !approve {
			inv.ProposedValue = nil
			inv.ProposalJustification = ""
		}
		resetAcceptance(inv)
		m.emit(events.InvitationProposalAnswered, map[string]any{
			"approved": approve,
			"value":    money.Format(inv.CurrentValue()),
		})
		return nil
	})
}

func resetAcceptance(inv *domain.Invitation) {
	inv.ClientAccepted, inv.ClientAcceptedAt = false, nil
	inv.ProviderAccepted, inv.ProviderAcceptedAt = false, nil
}
