package preorder

import (
	"context"
	"fmt"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/validation"
)

// MinCancelReason is the shortest accepted cancellation reason, in characters.
const MinCancelReason = 10

// TermsResult is the outcome of accepting the current terms.
type TermsResult struct {
	PreOrder *domain.PreOrder `json:"preOrder"`

	// Order is set when this acceptance completed the agreement and the
	// conversion succeeded.
	Order *domain.Order `json:"order,omitempty"`

	// AlreadyAccepted is true when the caller had accepted these terms before.
	AlreadyAccepted bool `json:"alreadyAccepted"`
}

// AcceptTerms records the caller's consent to the current terms. The
// caller's balance must cover their commitment (client: value plus
// contestation fee, provider: contestation fee). When both parties have
// accepted, the pre-order is converted immediately. If that conversion
// fails the acceptance stays recorded and a *domain.RetryableError is
// returned together with the result.
func (s *Service) AcceptTerms(ctx context.Context, actor domain.Actor, id string) (*TermsResult, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindPreOrder, id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &TermsResult{}
	pre, err := s.apply(ctx, "AcceptTerms", id, func(ctx context.Context, m *mut) error {
		p := m.pre
		role, err := requireParty(p, actor)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return fmt.Errorf("pre-order %s is %s: %w", p.ID, p.Status, domain.ErrAlreadyFinal)
		}
		if p.HasActiveProposal() {
			return fmt.Errorf("answer proposal %s first: %w", p.ActiveProposalID, domain.ErrProposalPending)
		}
		if (role == domain.RoleClient && p.ClientAcceptedTerms) || (role == domain.RoleProvider && p.ProviderAcceptedTerms) {
			res.AlreadyAccepted = true
			if p.ReadyToConvert() {
				return m.transition(ctx, actor, domain.PreOrderReadyToConvert, "ready_to_convert",
					"both parties accepted the terms", nil)
			}
			return nil
		}

		clientNeeds, providerNeeds := order.Commitments(p.CurrentValue, m.settings)
		need := clientNeeds
		if role == domain.RoleProvider {
			need = providerNeeds
		}
		sf, err := s.ledger.In(m.tx).Shortfall(ctx, role, actor.UserID, need)
		if err != nil {
			return err
		}
		if sf != nil {
			return sf
		}

		now := s.clock.Now()
		if role == domain.RoleClient {
			p.ClientAcceptedTerms, p.ClientAcceptedTermsAt = true, &now
		} else {
			p.ProviderAcceptedTerms, p.ProviderAcceptedTermsAt = true, &now
		}
		payload := map[string]any{
			"party":      string(role),
			"value":      money.Format(p.CurrentValue),
			"commitment": money.Format(need),
		}
		if err := m.note(ctx, actor, "terms_accepted", "", "", string(role)+" accepted the terms", payload); err != nil {
			return err
		}
		m.emit(events.TermsAccepted, payload)

		if p.ReadyToConvert() {
			return m.transition(ctx, actor, domain.PreOrderReadyToConvert, "ready_to_convert",
				"both parties accepted the terms", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.PreOrder = pre
	if !pre.ReadyToConvert() || pre.Status == domain.PreOrderConverted {
		return res, nil
	}
	return s.convert(ctx, actor, res)
}

// RetryConversion re-runs a conversion that failed after both parties
// accepted. Converting an already converted pre-order returns its order.
func (s *Service) RetryConversion(ctx context.Context, actor domain.Actor, id string) (*TermsResult, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindPreOrder, id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	pre, err := s.apply(ctx, "RetryConversion", id, func(ctx context.Context, m *mut) error {
		p := m.pre
		if _, err := requireParty(p, actor); err != nil {
			return err
		}
		if p.Status == domain.PreOrderConverted {
			return nil
		}
		if !p.ReadyToConvert() {
			return fmt.Errorf("pre-order %s: %w", p.ID, domain.ErrNotMutuallyAgreed)
		}
		return m.transition(ctx, actor, domain.PreOrderReadyToConvert, "conversion_retried",
			"conversion retried", nil)
	})
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, actor, &TermsResult{PreOrder: pre, AlreadyAccepted: true})
}

// convert runs the conversion with the entity lock held and refreshes the
// result's pre-order from the outcome.
func (s *Service) convert(ctx context.Context, actor domain.Actor, res *TermsResult) (*TermsResult, error) {
	o, convErr := s.conversion.Convert(ctx, actor, res.PreOrder.ID)
	s.cache.Remove(res.PreOrder.ID)
	res.Order = o
	if fresh, err := s.load(ctx, res.PreOrder.ID); err == nil {
		res.PreOrder = fresh
	}
	return res, convErr
}

// Cancel ends the negotiation. No funds are held by a pre-order so none
// move. Cancelling an already cancelled pre-order is a no-op.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, id, reason string) (*domain.PreOrder, error) {
	if err := validation.MinChars("reason", reason, MinCancelReason); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "Cancel", id, func(ctx context.Context, m *mut) error {
		p := m.pre
		role, err := requireParty(p, actor)
		if err != nil {
			return err
		}
		if p.Status == domain.PreOrderCancelled {
			return nil
		}
		if p.Status.IsTerminal() {
			return fmt.Errorf("pre-order %s is %s: %w", p.ID, p.Status, domain.ErrAlreadyFinal)
		}
		if p.HasActiveProposal() {
			if err := m.closeActiveProposal(ctx, actor, domain.ProposalRejected); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		p.CancelledBy = actor.UserID
		p.CancellationReason = validation.SanitizeString(reason, 2000)
		p.CancelledAt = &now
		payload := map[string]any{"cancelledBy": string(role), "reason": p.CancellationReason}
		if err := m.transition(ctx, actor, domain.PreOrderCancelled, "cancelled", p.CancellationReason, payload); err != nil {
			return err
		}
		m.emit(events.PreOrderCancelled, payload)
		return nil
	})
}
