// Package conversion turns a mutually agreed pre-order into a funded order.
//
// A conversion either creates the order, locks both escrows and marks the
// pre-order CONVERTIDA in one transaction, or leaves nothing behind and
// returns the pre-order to negotiation with both acceptances kept.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/syncutil"
	"github.com/mbd888/combinado/internal/traces"
)

// Service converts pre-orders.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	orders   *order.Service
	settings config.SettingsProvider
	locks    *syncutil.KeyedMutex
	events   events.Publisher
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a conversion service that builds orders through orders.
func NewService(st store.Store, l *ledger.Ledger, orders *order.Service, settings config.SettingsProvider) *Service {
	return &Service{
		store:    st,
		ledger:   l,
		orders:   orders,
		settings: settings,
		locks:    syncutil.NewKeyedMutex(),
		events:   events.Nop{},
		clock:    clock.New(),
		logger:   slog.Default(),
	}
}

// WithEvents sets the publisher for committed changes.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithLocks shares the per-entity lock table. It must be the same table the
// pre-order service uses.
func (s *Service) WithLocks(m *syncutil.KeyedMutex) *Service {
	s.locks = m
	return s
}

// CheckBalances reports every party whose spendable balance does not cover
// its commitment for an order of the given value. It returns nil when both
// are covered and a *domain.ShortfallReport otherwise.
func CheckBalances(ctx context.Context, p *ledger.Posting, clientID, providerID string, value decimal.Decimal, st config.Settings) error {
	clientNeeds, providerNeeds := order.Commitments(value, st)
	report := &domain.ShortfallReport{}
	for _, c := range []struct {
		party  domain.Role
		userID string
		need   decimal.Decimal
	}{
		{domain.RoleClient, clientID, clientNeeds},
		{domain.RoleProvider, providerID, providerNeeds},
	} {
		sf, err := p.Shortfall(ctx, c.party, c.userID, c.need)
		if err != nil {
			return fmt.Errorf("check %s balance: %w", c.party, err)
		}
		if sf != nil {
			report.Items = append(report.Items, sf)
		}
	}
	if len(report.Items) > 0 {
		return report
	}
	return nil
}

// ConvertToOrder converts a pre-order that is ready for conversion. It is
// idempotent: converting an already converted pre-order returns its order.
func (s *Service) ConvertToOrder(ctx context.Context, actor domain.Actor, preOrderID string) (*domain.Order, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindPreOrder, preOrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.Convert(ctx, actor, preOrderID)
}

// Convert is ConvertToOrder for callers already holding the pre-order's
// entity lock.
func (s *Service) Convert(ctx context.Context, actor domain.Actor, preOrderID string) (*domain.Order, error) {
	ctx, span := traces.StartSpan(ctx, "conversion.Convert", traces.PreOrderID(preOrderID))
	o, err := s.convert(ctx, actor, preOrderID)
	traces.End(span, err)
	return o, err
}

func (s *Service) convert(ctx context.Context, actor domain.Actor, preOrderID string) (*domain.Order, error) {
	st, err := s.settings.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var (
		o       *domain.Order
		already bool
		pre     *domain.PreOrder
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pre, err = tx.PreOrders().GetForUpdate(ctx, preOrderID)
		if err != nil {
			return err
		}
		if pre.Status == domain.PreOrderConverted {
			already = true
			o, err = tx.Orders().Get(ctx, pre.OrderID)
			return err
		}
		if err := convertible(pre, s.clock.Now()); err != nil {
			return err
		}

		p := s.ledger.In(tx)
		if err := p.Lock(ctx, pre.ClientID, pre.ProviderID); err != nil {
			return err
		}
		if err := CheckBalances(ctx, p, pre.ClientID, pre.ProviderID, pre.CurrentValue, st); err != nil {
			return err
		}

		o, err = s.orders.CreateFunded(ctx, tx, p, st, actor, order.FundedParams{
			ClientID:        pre.ClientID,
			ProviderID:      pre.ProviderID,
			Title:           pre.Title,
			Description:     pre.Description,
			Category:        pre.Category,
			Value:           pre.CurrentValue,
			ServiceDeadline: pre.DeliveryDate,
			InvitationID:    pre.InvitationID,
			PreOrderID:      pre.ID,
			Status:          domain.OrderAccepted,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		from := pre.Status
		pre.Status = domain.PreOrderConverted
		pre.ConvertedAt = &now
		pre.OrderID = o.ID
		pre.UpdatedAt = now
		if err := tx.PreOrders().Update(ctx, pre); err != nil {
			return fmt.Errorf("update pre-order %s: %w", pre.ID, err)
		}
		delta := pre.CurrentValue.Sub(pre.OriginalValue)
		return tx.History().Append(ctx, &domain.HistoryEntry{
			ID:          idgen.WithPrefix(idgen.History),
			Entity:      domain.HistoryPreOrder,
			EntityID:    pre.ID,
			ActorID:     actor.UserID,
			EventType:   "converted",
			FromStatus:  string(from),
			ToStatus:    string(pre.Status),
			Description: "converted to order " + o.ID,
			Payload: map[string]any{
				"orderId":       o.ID,
				"originalValue": money.Format(pre.OriginalValue),
				"finalValue":    money.Format(pre.CurrentValue),
				"valueDelta":    money.Format(delta),
				"changeRatio":   money.ChangeRatio(pre.OriginalValue, pre.CurrentValue).StringFixed(4),
			},
			CreatedAt: now,
		})
	})

	if err != nil {
		return nil, s.fail(ctx, actor, preOrderID, err)
	}
	if already {
		metrics.ConversionsTotal.WithLabelValues("already_converted").Inc()
		return o, nil
	}

	metrics.ConversionsTotal.WithLabelValues("ok").Inc()
	metrics.Transition("pre_order", string(domain.PreOrderConverted))
	metrics.Transition("order", string(o.Status))
	now := s.clock.Now()
	s.events.Publish(ctx,
		events.New(events.ConversionSucceeded, pre.ID, now, map[string]any{
			"preOrderId": pre.ID,
			"orderId":    o.ID,
			"value":      money.Format(o.Value),
		}, pre.ClientID, pre.ProviderID),
		order.CreatedEvent(o, now),
	)
	s.logger.Info("pre-order converted",
		logging.PreOrderID(pre.ID), logging.OrderID(o.ID), logging.Amount("value", o.Value),
		logging.Amount("clientEscrow", o.ClientEscrow), logging.Amount("providerEscrow", o.ProviderEscrow))
	return o, nil
}

// convertible checks the preconditions of a conversion.
func convertible(p *domain.PreOrder, now time.Time) error {
	if p.ExpiredAt(now) {
		return fmt.Errorf("pre-order %s: %w", p.ID, domain.ErrExpired)
	}
	if p.Status != domain.PreOrderReadyToConvert {
		return domain.Transition("pre-order", p.Status, domain.PreOrderConverted)
	}
	if !p.ReadyToConvert() {
		return fmt.Errorf("pre-order %s: %w", p.ID, domain.ErrNotMutuallyAgreed)
	}
	return nil
}

// fail handles a rolled back conversion. A pre-order left in
// PRONTO_CONVERSAO never stays there: past its deadline it moves to
// EXPIRADA, otherwise it goes back to negotiation with both acceptances
// intact. Only failures after the preconditions held are retryable.
func (s *Service) fail(ctx context.Context, actor domain.Actor, preOrderID string, cause error) error {
	expired := errors.Is(cause, domain.ErrExpired)
	rejected := expired || errors.Is(cause, domain.ErrNotFound) ||
		errors.Is(cause, domain.ErrInvalidTransition) || errors.Is(cause, domain.ErrNotMutuallyAgreed)

	switch {
	case rejected:
		metrics.ConversionsTotal.WithLabelValues("rejected").Inc()
	case errors.Is(cause, domain.ErrInsufficientFunds):
		metrics.ConversionsTotal.WithLabelValues("shortfall").Inc()
	default:
		metrics.ConversionsTotal.WithLabelValues("failed").Inc()
	}
	if errors.Is(cause, domain.ErrNotFound) {
		return cause
	}

	if domain.KindOf(cause) == domain.KindInternal {
		s.logger.Error("conversion failed", logging.PreOrderID(preOrderID), logging.Actor(actor.UserID), logging.Err(cause))
	} else {
		s.logger.Warn("conversion rejected", logging.PreOrderID(preOrderID), logging.Actor(actor.UserID), logging.Err(cause))
	}

	target, eventType, description := domain.PreOrderNegotiating, "conversion_failed", "conversion failed and may be retried"
	if expired {
		target, eventType, description = domain.PreOrderExpired, "expired", "negotiation window closed before conversion"
	}

	var pre *domain.PreOrder
	reverted := false
	revertErr := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		pre, err = tx.PreOrders().GetForUpdate(ctx, preOrderID)
		if err != nil {
			return err
		}
		if pre.Status != domain.PreOrderReadyToConvert {
			return nil
		}
		now := s.clock.Now()
		pre.Status = target
		pre.UpdatedAt = now
		if err := tx.PreOrders().Update(ctx, pre); err != nil {
			return err
		}
		reverted = true
		return tx.History().Append(ctx, &domain.HistoryEntry{
			ID:          idgen.WithPrefix(idgen.History),
			Entity:      domain.HistoryPreOrder,
			EntityID:    pre.ID,
			ActorID:     actor.UserID,
			EventType:   eventType,
			FromStatus:  string(domain.PreOrderReadyToConvert),
			ToStatus:    string(target),
			Description: description,
			Payload:     map[string]any{"error": publicReason(cause)},
			CreatedAt:   now,
		})
	})
	if revertErr != nil {
		s.logger.Error("CRITICAL: could not revert pre-order after failed conversion",
			logging.PreOrderID(preOrderID), logging.Err(revertErr))
		cause = multierr.Append(cause, fmt.Errorf("revert pre-order: %w", revertErr))
	} else if reverted {
		metrics.Transition("pre_order", string(pre.Status))
		if expired {
			s.events.Publish(ctx, events.New(events.PreOrderExpired, pre.ID, s.clock.Now(), map[string]any{
				"preOrderId": pre.ID,
				"expiresAt":  pre.ExpiresAt.Format(time.RFC3339),
			}, pre.ClientID, pre.ProviderID))
		} else {
			s.events.Publish(ctx, events.New(events.ConversionFailed, pre.ID, s.clock.Now(), map[string]any{
				"preOrderId": pre.ID,
				"reason":     publicReason(cause),
				"retryable":  !rejected,
			}, pre.ClientID, pre.ProviderID))
		}
	}
	if rejected {
		return cause
	}
	return &domain.RetryableError{Op: "convert pre-order " + preOrderID, Recorded: true, Err: cause}
}

// publicReason describes cause without leaking internals.
func publicReason(cause error) string {
	switch domain.KindOf(cause) {
	case domain.KindInternal:
		return "internal error"
	default:
		return cause.Error()
	}
}
