package order

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// Minimum text lengths, in characters.
const (
	MinDisputeReason    = 10
	MinProviderResponse = 20
	MinCancelReason     = 10
)

// DisputeRequest is the client's contestation of completed work.
type DisputeRequest struct {
	Reason    string                `json:"reason"`
	Statement string                `json:"statement"`
	Evidence  []domain.EvidenceFile `json:"evidence"`
}

// OpenDispute contests the provider's completion claim. Only the client may
// open it, and only before the confirmation deadline. Escrow stays locked
// until an admin resolves the dispute.
func (s *Service) OpenDispute(ctx context.Context, actor domain.Actor, id string, req DisputeRequest) (*domain.Order, error) {
	if err := validation.MinChars("reason", req.Reason, MinDisputeReason); err != nil {
		return nil, err
	}
	if err := validation.Evidence("evidence", req.Evidence); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "OpenDispute", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if err := requireParty(o, actor, domain.RoleClient); err != nil {
			return err
		}
		if o.Status != domain.OrderServiceCompleted {
			return domain.Transition("order", o.Status, domain.OrderDisputed)
		}
		now := m.s.clock.Now()
		if o.ConfirmationDeadline != nil && now.After(*o.ConfirmationDeadline) {
			return fmt.Errorf("deadline was %s: %w", o.ConfirmationDeadline.Format(time.RFC3339), domain.ErrDeadlinePassed)
		}

		o.DisputeOpenedAt = &now
		o.DisputeReason = validation.SanitizeString(req.Reason, 2000)
		o.DisputeClientStatement = validation.SanitizeString(req.Statement, validation.MaxStringLength)
		o.DisputeEvidence = sanitizeEvidence(req.Evidence)
		if err := m.transition(ctx, actor, domain.OrderDisputed, "dispute_opened", o.DisputeReason,
			map[string]any{"evidenceFiles": len(o.DisputeEvidence)}); err != nil {
			return err
		}
		m.emit(events.DisputeOpened, map[string]any{"reason": o.DisputeReason})
		return nil
	})
}

// DisputeResponse is the provider's side of a dispute.
type DisputeResponse struct {
	Response string                `json:"response"`
	Evidence []domain.EvidenceFile `json:"evidence"`
}

// RespondToDispute records the provider's statement. It may be given once
// and does not change the status; the dispute waits for an admin.
func (s *Service) RespondToDispute(ctx context.Context, actor domain.Actor, id string, req DisputeResponse) (*domain.Order, error) {
	if err := validation.MinChars("response", req.Response, MinProviderResponse); err != nil {
		return nil, err
	}
	if err := validation.Evidence("evidence", req.Evidence); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "RespondToDispute", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if err := requireParty(o, actor, domain.RoleProvider); err != nil {
			return err
		}
		if o.Status != domain.OrderDisputed {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, domain.ErrInvalidTransition)
		}
		if o.DisputeProviderRespondedAt != nil {
			return domain.ErrAlreadyResponded
		}

		now := m.s.clock.Now()
		o.DisputeProviderResponse = validation.SanitizeString(req.Response, validation.MaxStringLength)
		o.DisputeProviderEvidence = sanitizeEvidence(req.Evidence)
		o.DisputeProviderRespondedAt = &now
		if err := m.note(ctx, actor, "dispute_response", "provider responded to the dispute",
			map[string]any{"evidenceFiles": len(o.DisputeProviderEvidence)}); err != nil {
			return err
		}
		m.emit(events.DisputeResponded, nil)
		return nil
	})
}

// Resolution is an admin's ruling on a dispute.
type Resolution struct {
	Decision domain.DisputeDecision `json:"decision"`
	Notes    string                 `json:"notes"`
}

// ResolveDispute settles a disputed order by admin decision:
//
//	favor_cliente   client refunded, client contestation fee kept by the platform
//	favor_prestador provider paid minus platform fee, client contestation fee kept
//	dividir_50_50   value split in half, platform fee on the provider half only
//
// The provider's contestation fee is always returned, and both are
// returned on a split. The resolution is final.
func (s *Service) ResolveDispute(ctx context.Context, actor domain.Actor, id string, req Resolution) (*domain.Order, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrAdminOnly
	}
	if !req.Decision.Valid() {
		return nil, domain.Validation("decision", "must be one of favor_cliente, favor_prestador, dividir_50_50")
	}
	return s.mutate(ctx, "ResolveDispute", id, func(ctx context.Context, m *mut) error {
		o := m.order
		to := req.Decision.ResultingStatus()
		if o.Status != domain.OrderDisputed {
			return domain.Transition("order", o.Status, to)
		}

		var (
			rel *ledger.Release
			err error
		)
		switch req.Decision {
		case domain.DecisionFavorClient:
			rel, err = m.posting.RefundFromEscrow(ctx, o)
		case domain.DecisionFavorProvider:
			rel, err = m.posting.ReleaseFromEscrow(ctx, o, o.PlatformFeePercentage)
		case domain.DecisionSplit:
			clientShare, providerShare := money.Split(o.Value)
			rel, err = m.posting.ReleaseFromEscrowPartial(ctx, o, clientShare, providerShare, o.PlatformFeePercentage)
		}
		if err != nil {
			return err
		}

		if req.Decision == domain.DecisionSplit {
			err = m.returnContestationFees(ctx, true, true)
		} else {
			err = m.forfeitClientContestationFee(ctx)
		}
		if err != nil {
			return err
		}

		now := m.s.clock.Now()
		o.DisputeDecision = req.Decision
		o.DisputeResolvedBy = actor.UserID
		o.DisputeAdminNotes = validation.SanitizeString(req.Notes, validation.MaxStringLength)
		o.DisputeResolvedAt = &now
		o.PlatformFee = rel.Fee
		if to == domain.OrderCancelled {
			o.CancelledAt = &now
		} else {
			o.ConfirmedAt = &now
		}

		payload := releasePayload(rel)
		payload["decision"] = string(req.Decision)
		if err := m.transition(ctx, actor, to, "dispute_resolved", "dispute resolved: "+string(req.Decision), payload); err != nil {
			return err
		}
		m.emit(events.DisputeResolved, payload)
		metrics.SettlementsTotal.WithLabelValues(string(req.Decision)).Inc()
		return nil
	})
}

// forfeitClientContestationFee pays the client's contestation fee to the
// platform and returns the provider's.
func (m *mut) forfeitClientContestationFee(ctx context.Context) error {
	o := m.order
	if err := m.posting.PayFromEscrow(ctx, o.ClientID, m.s.ledger.PlatformAccount(), o.ContestationFee,
		domain.TxFee, o.ID, "contestation fee forfeited on order "+o.ID); err != nil {
		return err
	}
	return m.returnContestationFees(ctx, false, true)
}

func sanitizeEvidence(files []domain.EvidenceFile) []domain.EvidenceFile {
	if len(files) == 0 {
		return nil
	}
	out := make([]domain.EvidenceFile, len(files))
	for i, f := range files {
		f.Name = validation.SanitizeString(f.Name, 255)
		out[i] = f
	}
	return out
}
