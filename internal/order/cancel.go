package order

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/validation"
)

// CancelOrder ends an order before the work is claimed complete.
//
// The cancelling party pays value x cancellation percentage (snapshotted
// at creation), split between the platform and the other party. A client
// pays it out of escrow and gets the rest back; a provider pays it from
// spendable balance and the client is refunded in full. Both contestation
// fees are returned. An open order nobody accepted is refunded without a
// fee.
func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, id, reason string) (*domain.Order, error) {
	if err := validation.MinChars("reason", reason, MinCancelReason); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "CancelOrder", id, func(ctx context.Context, m *mut) error {
		o := m.order
		role, ok := o.RoleOf(actor.UserID)
		if !ok {
			return domain.ErrNotParty
		}
		if !o.Status.IsCancellable() {
			return domain.Transition("order", o.Status, domain.OrderCancelled)
		}

		var (
			fee decimal.Decimal
			err error
		)
		switch {
		case o.ProviderID == "":
			_, err = m.posting.ReturnFromEscrow(ctx, o.ClientID, o.ClientEscrow, o.ID, "open order "+o.ID+" withdrawn")
			fee = decimal.Zero
		case role == domain.RoleClient:
			fee, err = m.cancelByClient(ctx)
		default:
			fee, err = m.cancelByProvider(ctx)
		}
		if err != nil {
			return err
		}

		now := m.s.clock.Now()
		o.CancelledAt = &now
		o.CancelledBy = actor.UserID
		o.CancellationReason = validation.SanitizeString(reason, 2000)
		o.CancellationFee = fee

		payload := map[string]any{
			"cancelledBy":     string(role),
			"cancellationFee": money.Format(fee),
		}
		if err := m.transition(ctx, actor, domain.OrderCancelled, "order_cancelled", o.CancellationReason, payload); err != nil {
			return err
		}
		m.emit(events.OrderCancelled, payload)
		metrics.SettlementsTotal.WithLabelValues("cancelled_by_" + string(role)).Inc()
		return nil
	})
}

func (m *mut) cancellationFee() (fee, platformShare, partyShare decimal.Decimal) {
	fee = money.Percent(m.order.Value, m.order.CancellationFeePercentage)
	platformShare, partyShare = money.Split(fee)
	return fee, platformShare, partyShare
}

func (m *mut) cancelByClient(ctx context.Context) (decimal.Decimal, error) {
	o := m.order
	fee, platformShare, providerShare := m.cancellationFee()
	platform := m.s.ledger.PlatformAccount()

	if err := m.posting.PayFromEscrow(ctx, o.ClientID, platform, platformShare, domain.TxFee, o.ID,
		"cancellation fee of order "+o.ID); err != nil {
		return fee, err
	}
	if err := m.posting.PayFromEscrow(ctx, o.ClientID, o.ProviderID, providerShare, domain.TxCompensation, o.ID,
		"cancellation compensation of order "+o.ID); err != nil {
		return fee, err
	}
	if _, err := m.posting.ReturnFromEscrow(ctx, o.ClientID, o.Value.Sub(fee), o.ID,
		"refund of cancelled order "+o.ID); err != nil {
		return fee, err
	}
	return fee, m.returnContestationFees(ctx, true, true)
}

func (m *mut) cancelByProvider(ctx context.Context) (decimal.Decimal, error) {
	o := m.order
	fee, platformShare, clientShare := m.cancellationFee()
	platform := m.s.ledger.PlatformAccount()

	if _, err := m.posting.ReturnFromEscrow(ctx, o.ClientID, o.Value, o.ID,
		"refund of cancelled order "+o.ID); err != nil {
		return fee, err
	}
	if err := m.returnContestationFees(ctx, true, true); err != nil {
		return fee, err
	}
	if err := m.posting.Transfer(ctx, o.ProviderID, platform, platformShare, domain.TxPenalty, o.ID,
		"cancellation penalty of order "+o.ID); err != nil {
		return fee, withParty(err, domain.RoleProvider)
	}
	if err := m.posting.Transfer(ctx, o.ProviderID, o.ClientID, clientShare, domain.TxCompensation, o.ID,
		"cancellation compensation of order "+o.ID); err != nil {
		return fee, withParty(err, domain.RoleProvider)
	}
	return fee, nil
}
