// Package preorder implements the fund-free negotiation between an accepted
// invitation and a funded order. Either party may propose new terms; once
// both accept the current terms with nothing pending the pre-order is
// converted into an order.
package preorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/conversion"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/syncutil"
	"github.com/mbd888/combinado/internal/traces"
)

// Service manages pre-orders.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	conversion *conversion.Service
	settings   config.SettingsProvider
	locks      *syncutil.KeyedMutex
	events     events.Publisher
	cache      *cache.Cache[*domain.PreOrder]
	clock      clock.Clock
	logger     *slog.Logger
}

// NewService creates a pre-order service. conv must share the lock table
// set through WithLocks.
func NewService(st store.Store, l *ledger.Ledger, conv *conversion.Service, settings config.SettingsProvider) *Service {
	return &Service{
		store:      st,
		ledger:     l,
		conversion: conv,
		settings:   settings,
		locks:      syncutil.NewKeyedMutex(),
		events:     events.Nop{},
		clock:      clock.New(),
		logger:     slog.Default(),
	}
}

// WithEvents sets the publisher for committed changes.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithCache enables read-through caching of Get.
func (s *Service) WithCache(c *cache.Cache[*domain.PreOrder]) *Service {
	s.cache = c
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

// WithLocks shares the per-entity lock table. The conversion service must
// use the same table.
func (s *Service) WithLocks(m *syncutil.KeyedMutex) *Service {
	s.locks = m
	return s
}

// mut carries the transaction-scoped state of one pre-order operation.
type mut struct {
	tx       store.Tx
	pre      *domain.PreOrder
	settings config.Settings
	events   []events.Event
	s        *Service
}

func (m *mut) emit(t events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["preOrderId"] = m.pre.ID
	data["status"] = string(m.pre.Status)
	m.events = append(m.events, events.New(t, m.pre.ID, m.s.clock.Now(), data, m.pre.ClientID, m.pre.ProviderID))
}

// transition moves the pre-order to status to. Moving to the current status
// is a no-op.
func (m *mut) transition(ctx context.Context, actor domain.Actor, to domain.PreOrderStatus, eventType, description string, payload map[string]any) error {
	from := m.pre.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return domain.Transition("pre-order", from, to)
	}
	m.pre.Status = to
	return m.note(ctx, actor, eventType, string(from), string(to), description, payload)
}

func (m *mut) note(ctx context.Context, actor domain.Actor, eventType, from, to, description string, payload map[string]any) error {
	return appendHistory(ctx, m.tx, m.pre.ID, actor, eventType, from, to, description, payload, m.s.clock.Now())
}

func appendHistory(ctx context.Context, tx store.Tx, id string, actor domain.Actor, eventType, from, to, description string, payload map[string]any, at time.Time) error {
	return tx.History().Append(ctx, &domain.HistoryEntry{
		ID:          idgen.WithPrefix(idgen.History),
		Entity:      domain.HistoryPreOrder,
		EntityID:    id,
		ActorID:     actor.UserID,
		EventType:   eventType,
		FromStatus:  from,
		ToStatus:    to,
		Description: description,
		Payload:     payload,
		CreatedAt:   at,
	})
}

// expire moves an overdue pre-order to EXPIRADA.
func (m *mut) expire(ctx context.Context) error {
	if err := m.transition(ctx, domain.System, domain.PreOrderExpired, "expired",
		"negotiation window closed", map[string]any{"expiresAt": m.pre.ExpiresAt.Format(time.RFC3339)}); err != nil {
		return err
	}
	if m.pre.ActiveProposalID != "" {
		if err := m.closeActiveProposal(ctx, domain.System, domain.ProposalRejected); err != nil {
			return err
		}
	}
	m.emit(events.PreOrderExpired, nil)
	return nil
}

var errSkip = errors.New("no longer eligible")

// mutate serializes on the pre-order id and runs apply.
func (s *Service) mutate(ctx context.Context, op, id string, fn func(ctx context.Context, m *mut) error) (*domain.PreOrder, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindPreOrder, id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, op, id, fn)
}

// apply runs fn in one transaction with the pre-order row locked. The
// caller holds the entity lock. An overdue pre-order is expired instead and
// the operation fails with domain.ErrExpired.
func (s *Service) apply(ctx context.Context, op, id string, fn func(ctx context.Context, m *mut) error) (*domain.PreOrder, error) {
	ctx, span := traces.StartSpan(ctx, "preorder."+op, traces.PreOrderID(id))
	settings, err := s.settings.Current(ctx)
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var (
		out     *domain.PreOrder
		evs     []events.Event
		from    domain.PreOrderStatus
		expired bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.PreOrders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = p.Status
		m := &mut{tx: tx, pre: p, settings: settings, s: s}
		if !p.Status.IsTerminal() && p.ExpiredAt(s.clock.Now()) {
			expired = true
			err = m.expire(ctx)
		} else {
			err = fn(ctx, m)
		}
		if err != nil {
			return err
		}
		p.UpdatedAt = s.clock.Now()
		if err := tx.PreOrders().Update(ctx, p); err != nil {
			return fmt.Errorf("update pre-order %s: %w", id, err)
		}
		out, evs = p, m.events
		return nil
	})
	traces.End(span, err)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal && !errors.Is(err, errSkip) {
			s.logger.Error("pre-order operation failed", logging.Op(op), logging.PreOrderID(id), logging.Err(err))
		}
		return nil, err
	}

	s.cache.Remove(id)
	if out.Status != from {
		metrics.Transition("pre_order", string(out.Status))
	}
	s.events.Publish(ctx, evs...)
	if expired {
		return out, fmt.Errorf("pre-order %s expired at %s: %w", id, out.ExpiresAt.Format(time.RFC3339), domain.ErrExpired)
	}
	return out, nil
}

func requireParty(p *domain.PreOrder, actor domain.Actor) (domain.Role, error) {
	role, ok := p.RoleOf(actor.UserID)
	if !ok {
		return "", fmt.Errorf("pre-order %s: %w", p.ID, domain.ErrNotParty)
	}
	return role, nil
}

// CreateFromInvitation opens a negotiation for a mutually accepted
// invitation inside the caller's transaction. No money moves. The caller
// publishes CreatedEvent after commit.
func (s *Service) CreateFromInvitation(ctx context.Context, tx store.Tx, st config.Settings, actor domain.Actor, inv *domain.Invitation) (*domain.PreOrder, error) {
	if existing, err := tx.PreOrders().GetByInvitation(ctx, inv.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	p := &domain.PreOrder{
		ID:            idgen.WithPrefix(idgen.PreOrder),
		InvitationID:  inv.ID,
		ClientID:      inv.ClientID,
		ProviderID:    inv.ProviderID,
		Title:         inv.Title,
		Description:   inv.Description,
		Category:      inv.Category,
		OriginalValue: inv.OriginalValue,
		CurrentValue:  inv.CurrentValue(),
		DeliveryDate:  inv.DeliveryDate,
		Status:        domain.PreOrderNegotiating,
		ExpiresAt:     now.Add(st.NegotiationWindow),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.PreOrders().Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create pre-order: %w", err)
	}
	if err := appendHistory(ctx, tx, p.ID, actor, "created", "", string(p.Status),
		"negotiation opened from invitation "+inv.ID, map[string]any{
			"invitationId": inv.ID,
			"value":        money.Format(p.CurrentValue),
			"expiresAt":    p.ExpiresAt.Format(time.RFC3339),
		}, now); err != nil {
		return nil, err
	}
	return p, nil
}

// CreatedEvent announces a new pre-order to both parties.
func CreatedEvent(p *domain.PreOrder, at time.Time) events.Event {
	return events.New(events.PreOrderCreated, p.ID, at, map[string]any{
		"preOrderId":   p.ID,
		"invitationId": p.InvitationID,
		"value":        money.Format(p.CurrentValue),
		"status":       string(p.Status),
	}, p.ClientID, p.ProviderID)
}

// Get returns a pre-order visible to actor. An overdue pre-order is expired
// on read and returned in its EXPIRADA state.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.PreOrder, error) {
	p, ok := s.cache.Get(id)
	if !ok {
		var err error
		if p, err = s.load(ctx, id); err != nil {
			return nil, err
		}
	}
	if _, party := p.RoleOf(actor.UserID); !party && !actor.IsAdmin() {
		return nil, fmt.Errorf("pre-order %s: %w", id, domain.ErrNotParty)
	}

	if !p.Status.IsTerminal() && p.ExpiredAt(s.clock.Now()) {
		expired, err := s.mutate(ctx, "Expire", id, func(context.Context, *mut) error { return errSkip })
		switch {
		case errors.Is(err, domain.ErrExpired):
			return expired, nil
		case errors.Is(err, errSkip):
			// Changed since the read.
			s.cache.Remove(id)
		case err != nil:
			return nil, err
		}
		return s.Get(ctx, actor, id)
	}
	s.cache.Add(id, p)
	cp := *p
	return &cp, nil
}

func (s *Service) load(ctx context.Context, id string) (*domain.PreOrder, error) {
	var p *domain.PreOrder
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.PreOrders().Get(ctx, id)
		return err
	})
	return p, err
}

// ListByUser returns pre-orders where userID is a party, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.PreOrder, error) {
	var out []*domain.PreOrder
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.PreOrders().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}

// History returns the negotiation trail of a pre-order.
func (s *Service) History(ctx context.Context, actor domain.Actor, id string) ([]*domain.HistoryEntry, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	var out []*domain.HistoryEntry
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.History().List(ctx, domain.HistoryPreOrder, id)
		return err
	})
	return out, err
}

// Proposals returns every proposal made on a pre-order, oldest first.
func (s *Service) Proposals(ctx context.Context, actor domain.Actor, id string) ([]*domain.Proposal, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	var out []*domain.Proposal
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Proposals().ListByPreOrder(ctx, id)
		return err
	})
	return out, err
}

// ExpireSweep expires every non-terminal pre-order past its negotiation
// window. It returns how many were expired.
func (s *Service) ExpireSweep(ctx context.Context, limit int) (int, error) {
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.PreOrders().ListExpirable(ctx, s.clock.Now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expirable pre-orders: %w", err)
	}

	var (
		done int
		errs error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, multierr.Append(errs, ctx.Err())
		}
		_, err := s.mutate(ctx, "Expire", id, func(context.Context, *mut) error { return errSkip })
		switch {
		case errors.Is(err, domain.ErrExpired):
			done++
			metrics.SweepItemsTotal.WithLabelValues("pre_order_expiry", "ok").Inc()
		case errors.Is(err, errSkip):
			metrics.SweepItemsTotal.WithLabelValues("pre_order_expiry", "skipped").Inc()
		default:
			metrics.SweepItemsTotal.WithLabelValues("pre_order_expiry", "error").Inc()
			errs = multierr.Append(errs, fmt.Errorf("pre-order %s: %w", id, err))
		}
	}
	if done > 0 {
		s.logger.Info("expired pre-orders", "count", done)
	}
	return done, errs
}
