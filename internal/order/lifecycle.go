package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
)

// StartExecution marks that the provider began the work.
func (s *Service) StartExecution(ctx context.Context, actor domain.Actor, id string) (*domain.Order, error) {
	return s.mutate(ctx, "StartExecution", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if err := requireParty(o, actor, domain.RoleProvider); err != nil {
			return err
		}
		if o.Status == domain.OrderInProgress {
			return nil
		}
		if !o.Status.CanTransitionTo(domain.OrderInProgress) {
			return domain.Transition("order", o.Status, domain.OrderInProgress)
		}
		active, err := m.tx.Orders().CountByProviderStatus(ctx, o.ProviderID, domain.OrderInProgress)
		if err != nil {
			return err
		}
		if active >= m.settings.MaxConcurrentOrders {
			return fmt.Errorf("%d of %d orders in progress: %w", active, m.settings.MaxConcurrentOrders, domain.ErrCapacityReached)
		}

		now := m.s.clock.Now()
		o.StartedAt = &now
		if err := m.transition(ctx, actor, domain.OrderInProgress, "execution_started", "provider started the work", nil); err != nil {
			return err
		}
		m.emit(events.OrderStarted, nil)
		return nil
	})
}

// MarkServiceCompleted records the provider's claim that the work is done
// and starts the client's confirmation window.
func (s *Service) MarkServiceCompleted(ctx context.Context, actor domain.Actor, id string) (*domain.Order, error) {
	return s.mutate(ctx, "MarkServiceCompleted", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if err := requireParty(o, actor, domain.RoleProvider); err != nil {
			return err
		}
		now := m.s.clock.Now()
		deadline := now.Add(m.settings.ConfirmationWindow)
		if err := m.transition(ctx, actor, domain.OrderServiceCompleted, "service_completed",
			"provider marked the service as completed",
			map[string]any{"confirmationDeadline": deadline.Format(time.RFC3339)}); err != nil {
			return err
		}
		o.CompletedAt = &now
		o.ConfirmationDeadline = &deadline
		m.emit(events.OrderServiceCompleted, map[string]any{"confirmationDeadline": deadline})
		return nil
	})
}

// ConfirmService is the client's acceptance of the work: the provider is
// paid the order value minus the platform fee and both contestation fees
// are returned. Once the confirmation deadline passes only the automatic
// sweep may confirm.
func (s *Service) ConfirmService(ctx context.Context, actor domain.Actor, id string) (*domain.Order, error) {
	return s.mutate(ctx, "ConfirmService", id, func(ctx context.Context, m *mut) error {
		o := m.order
		if err := requireParty(o, actor, domain.RoleClient); err != nil {
			return err
		}
		if o.Status != domain.OrderServiceCompleted {
			return domain.Transition("order", o.Status, domain.OrderCompleted)
		}
		if o.ConfirmationDeadline != nil && m.s.clock.Now().After(*o.ConfirmationDeadline) {
			return fmt.Errorf("deadline was %s: %w", o.ConfirmationDeadline.Format(time.RFC3339), domain.ErrDeadlinePassed)
		}
		return m.confirm(ctx, actor, false)
	})
}

// confirm settles an order in favor of the provider.
func (m *mut) confirm(ctx context.Context, actor domain.Actor, auto bool) error {
	o := m.order
	rel, err := m.posting.ReleaseFromEscrow(ctx, o, o.PlatformFeePercentage)
	if err != nil {
		return err
	}
	if err := m.returnContestationFees(ctx, true, true); err != nil {
		return err
	}

	now := m.s.clock.Now()
	o.ConfirmedAt = &now
	o.AutoConfirmed = auto
	o.PlatformFee = rel.Fee

	eventType, evType := "service_confirmed", events.OrderConfirmed
	description := "client confirmed the service"
	if auto {
		eventType, evType = "auto_confirmed", events.OrderAutoConfirmed
		description = "confirmation deadline passed without dispute"
	}
	if err := m.transition(ctx, actor, domain.OrderCompleted, eventType, description, releasePayload(rel)); err != nil {
		return err
	}
	m.emit(evType, releasePayload(rel))
	outcome := "confirmed"
	if auto {
		outcome = "auto_confirmed"
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	return nil
}

// returnContestationFees moves the held contestation fees back to the
// parties' balances.
func (m *mut) returnContestationFees(ctx context.Context, client, provider bool) error {
	o := m.order
	if client && o.ContestationFee.IsPositive() {
		if _, err := m.posting.ReturnFromEscrow(ctx, o.ClientID, o.ContestationFee, o.ID,
			"contestation fee returned for order "+o.ID); err != nil {
			return err
		}
	}
	if provider && o.ProviderID != "" && o.ProviderEscrow.IsPositive() {
		if _, err := m.posting.ReturnFromEscrow(ctx, o.ProviderID, o.ProviderEscrow, o.ID,
			"contestation fee returned for order "+o.ID); err != nil {
			return err
		}
	}
	return nil
}

func releasePayload(rel *ledger.Release) map[string]any {
	return map[string]any{
		"value":          money.Format(rel.Value),
		"platformFee":    money.Format(rel.Fee),
		"providerAmount": money.Format(rel.ProviderAmount),
		"clientRefund":   money.Format(rel.ClientRefund),
	}
}

var errSkip = errors.New("no longer eligible")

// AutoConfirmSweep confirms orders whose confirmation deadline passed with
// no dispute. Disputed orders are never touched. Each order is settled in
// its own transaction; failures are collected and do not stop the sweep.
func (s *Service) AutoConfirmSweep(ctx context.Context, limit int) (int, error) {
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.Orders().ListAwaitingConfirmation(ctx, s.clock.Now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list awaiting confirmation: %w", err)
	}

	var (
		done int
		errs error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, multierr.Append(errs, ctx.Err())
		}
		_, err := s.mutate(ctx, "AutoConfirm", id, func(ctx context.Context, m *mut) error {
			o := m.order
			// Re-checked under the lock: a dispute may have landed since listing.
			if o.Status != domain.OrderServiceCompleted || o.ConfirmationDeadline == nil ||
				!m.s.clock.Now().After(*o.ConfirmationDeadline) {
				return errSkip
			}
			return m.confirm(ctx, domain.System, true)
		})
		switch {
		case err == nil:
			done++
			metrics.SweepItemsTotal.WithLabelValues("auto_confirm", "ok").Inc()
		case errors.Is(err, errSkip):
			metrics.SweepItemsTotal.WithLabelValues("auto_confirm", "skipped").Inc()
		default:
			metrics.SweepItemsTotal.WithLabelValues("auto_confirm", "error").Inc()
			s.logger.Error("auto-confirmation failed", logging.OrderID(id), logging.Err(err))
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", id, err))
		}
	}
	if done > 0 {
		s.logger.Info("auto-confirmed orders", "count", done)
	}
	return done, errs
}
