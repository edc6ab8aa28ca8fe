package preorder

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// Justification lengths, in characters.
const (
	MinJustification        = 50
	MinExtremeJustification = 100
)

var (
	extremeIncrease = decimal.NewFromInt(1)
	extremeDecrease = decimal.NewFromFloat(-0.5)
)

// IsExtreme reports whether moving from current to proposed is more than a
// 100% increase or a 50% decrease.
func IsExtreme(current, proposed decimal.Decimal) bool {
	r := money.ChangeRatio(current, proposed)
	return r.GreaterThan(extremeIncrease) || r.LessThan(extremeDecrease)
}

// ProposalRequest is a counter-offer. Nil fields keep the current term.
type ProposalRequest struct {
	Value         *decimal.Decimal `json:"value,omitempty"`
	DeliveryDate  *time.Time       `json:"deliveryDate,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Justification string           `json:"justification"`
}

// CreateProposal offers new terms. Any new offer withdraws both parties'
// acceptance of the previous terms.
func (s *Service) CreateProposal(ctx context.Context, actor domain.Actor, id string, req ProposalRequest) (*domain.Proposal, error) {
	var prop *domain.Proposal
	_, err := s.mutate(ctx, "CreateProposal", id, func(ctx context.Context, m *mut) error {
		p := m.pre
		if _, err := requireParty(p, actor); err != nil {
			return err
		}
		if !p.Status.IsNegotiable() {
			return domain.Transition("pre-order", p.Status, domain.PreOrderAwaitingReply)
		}
		if p.HasActiveProposal() {
			return fmt.Errorf("proposal %s awaits a response: %w", p.ActiveProposalID, domain.ErrProposalPending)
		}

		var err error
		prop, err = s.buildProposal(p, actor, req)
		if err != nil {
			return err
		}
		if err := m.tx.Proposals().Create(ctx, prop); err != nil {
			return fmt.Errorf("create proposal: %w", err)
		}

		p.ActiveProposalID = prop.ID
		p.ResetAcceptance()
		payload := proposalPayload(prop)
		if err := m.transition(ctx, actor, domain.PreOrderAwaitingReply, "proposal_created",
			"new terms proposed", payload); err != nil {
			return err
		}
		m.emit(events.ProposalCreated, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prop, nil
}

// buildProposal validates req against the current terms of p.
func (s *Service) buildProposal(p *domain.PreOrder, actor domain.Actor, req ProposalRequest) (*domain.Proposal, error) {
	prop := &domain.Proposal{
		ID:         idgen.WithPrefix(idgen.Proposal),
		PreOrderID: p.ID,
		ProposedBy: actor.UserID,
		Status:     domain.ProposalPending,
		CreatedAt:  s.clock.Now(),
	}

	if req.Value != nil && !req.Value.Equal(p.CurrentValue) {
		v := *req.Value
		if !v.IsPositive() {
			return nil, domain.Validation("value", "must be greater than zero")
		}
		if !v.Equal(money.Round(v)) {
			return nil, domain.Validation("value", "must have at most %d decimal places", money.Places)
		}
		prop.Value = &v
		prop.IsExtreme = IsExtreme(p.CurrentValue, v)
	}
	if req.DeliveryDate != nil && !req.DeliveryDate.Equal(p.DeliveryDate) {
		if !req.DeliveryDate.After(s.clock.Now()) {
			return nil, domain.Validation("deliveryDate", "must be in the future")
		}
		d := *req.DeliveryDate
		prop.DeliveryDate = &d
	}
	if req.Description != nil {
		d := validation.SanitizeString(*req.Description, 5000)
		if d != p.Description {
			prop.Description = &d
		}
	}
	if prop.Value == nil && prop.DeliveryDate == nil && prop.Description == nil {
		return nil, domain.Validation("proposal", "must change the value, delivery date or description")
	}

	need := MinJustification
	if prop.IsExtreme {
		need = MinExtremeJustification
	}
	if err := validation.MinChars("justification", req.Justification, need); err != nil {
		return nil, err
	}
	prop.Justification = validation.SanitizeString(req.Justification, 2000)
	return prop, nil
}

// AcceptProposal applies the pending proposal's terms. Only the party that
// did not make it may accept.
func (s *Service) AcceptProposal(ctx context.Context, actor domain.Actor, id, proposalID string) (*domain.PreOrder, error) {
	return s.mutate(ctx, "AcceptProposal", id, func(ctx context.Context, m *mut) error {
		prop, err := m.pendingProposal(ctx, actor, proposalID)
		if err != nil {
			return err
		}
		p := m.pre
		before := map[string]any{
			"value":        money.Format(p.CurrentValue),
			"deliveryDate": p.DeliveryDate.Format(time.RFC3339),
		}
		if prop.Value != nil {
			p.CurrentValue = *prop.Value
		}
		if prop.DeliveryDate != nil {
			p.DeliveryDate = *prop.DeliveryDate
		}
		if prop.Description != nil {
			p.Description = *prop.Description
		}
		p.ResetAcceptance()
		if err := m.closeActiveProposal(ctx, actor, domain.ProposalAccepted); err != nil {
			return err
		}

		payload := proposalPayload(prop)
		payload["previous"] = before
		if err := m.transition(ctx, actor, domain.PreOrderNegotiating, "proposal_accepted",
			"proposal accepted, new terms applied", payload); err != nil {
			return err
		}
		m.emit(events.ProposalAccepted, proposalPayload(prop))
		return nil
	})
}

// RejectProposal discards the pending proposal and keeps the current terms.
func (s *Service) RejectProposal(ctx context.Context, actor domain.Actor, id, proposalID string) (*domain.PreOrder, error) {
	return s.mutate(ctx, "RejectProposal", id, func(ctx context.Context, m *mut) error {
		prop, err := m.pendingProposal(ctx, actor, proposalID)
		if err != nil {
			return err
		}
		if err := m.closeActiveProposal(ctx, actor, domain.ProposalRejected); err != nil {
			return err
		}
		if err := m.transition(ctx, actor, domain.PreOrderNegotiating, "proposal_rejected",
			"proposal rejected, terms unchanged", map[string]any{"proposalId": prop.ID}); err != nil {
			return err
		}
		m.emit(events.ProposalRejected, map[string]any{"proposalId": prop.ID})
		return nil
	})
}

// pendingProposal loads the active proposal and checks actor may answer it.
func (m *mut) pendingProposal(ctx context.Context, actor domain.Actor, proposalID string) (*domain.Proposal, error) {
	p := m.pre
	if _, err := requireParty(p, actor); err != nil {
		return nil, err
	}
	if !p.HasActiveProposal() || p.ActiveProposalID != proposalID {
		return nil, fmt.Errorf("proposal %s on pre-order %s: %w", proposalID, p.ID, domain.ErrNoPendingProposal)
	}
	prop, err := m.tx.Proposals().GetForUpdate(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if prop.Status != domain.ProposalPending {
		return nil, fmt.Errorf("proposal %s is %s: %w", prop.ID, prop.Status, domain.ErrNoPendingProposal)
	}
	if prop.ProposedBy == actor.UserID {
		return nil, domain.ErrOwnProposal
	}
	return prop, nil
}

// closeActiveProposal answers the active proposal with status and clears
// the pointer.
func (m *mut) closeActiveProposal(ctx context.Context, actor domain.Actor, status domain.ProposalStatus) error {
	prop, err := m.tx.Proposals().GetForUpdate(ctx, m.pre.ActiveProposalID)
	if err != nil {
		return err
	}
	if !prop.Status.CanTransitionTo(status) {
		return domain.Transition("proposal", prop.Status, status)
	}
	now := m.s.clock.Now()
	prop.Status = status
	prop.RespondedBy = actor.UserID
	prop.RespondedAt = &now
	if err := m.tx.Proposals().Update(ctx, prop); err != nil {
		return fmt.Errorf("update proposal %s: %w", prop.ID, err)
	}
	m.pre.ActiveProposalID = ""
	return nil
}

func proposalPayload(p *domain.Proposal) map[string]any {
	out := map[string]any{
		"proposalId": p.ID,
		"proposedBy": p.ProposedBy,
		"isExtreme":  p.IsExtreme,
	}
	if p.Value != nil {
		out["value"] = money.Format(*p.Value)
	}
	if p.DeliveryDate != nil {
		out["deliveryDate"] = p.DeliveryDate.Format(time.RFC3339)
	}
	if p.Description != nil {
		out["descriptionChanged"] = true
	}
	return out
}
