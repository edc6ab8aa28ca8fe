// Package order implements the settlement state machine of a funded order:
// execution, confirmation (manual and automatic), dispute and cancellation.
//
// Every operation locks the order row, then the client, provider and
// platform accounts in user id order, and moves money through the ledger
// inside the same transaction as the status change.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raulk/clock"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/idgen"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/syncutil"
	"github.com/mbd888/combinado/internal/traces"
)

// Service manages orders.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	settings config.SettingsProvider
	locks    *syncutil.KeyedMutex
	events   events.Publisher
	cache    *cache.Cache[*domain.Order]
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService creates a new order service.
func NewService(st store.Store, l *ledger.Ledger, settings config.SettingsProvider) *Service {
	return &Service{
		store:    st,
		ledger:   l,
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

// WithCache enables read-through caching of Get.
func (s *Service) WithCache(c *cache.Cache[*domain.Order]) *Service {
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

// WithLocks shares the per-entity lock table with other services.
func (s *Service) WithLocks(m *syncutil.KeyedMutex) *Service {
	s.locks = m
	return s
}

// Settings returns the current marketplace settings.
func (s *Service) Settings(ctx context.Context) (config.Settings, error) {
	return s.settings.Current(ctx)
}

// mutation is the body of one order operation. It runs with the order row
// and the listed accounts locked and returns the events to publish once the
// transaction commits.
type mutation func(ctx context.Context, m *mut) error

// mut carries the transaction-scoped state of a mutation.
type mut struct {
	tx       store.Tx
	posting  *ledger.Posting
	order    *domain.Order
	settings config.Settings
	events   []events.Event
	s        *Service
}

func (m *mut) emit(t events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(m.order.Status)
	m.events = append(m.events, events.New(t, m.order.ID, m.s.clock.Now(), data, m.order.ClientID, m.order.ProviderID))
}

// transition moves the order to status to and appends a history row.
func (m *mut) transition(ctx context.Context, actor domain.Actor, to domain.OrderStatus, eventType, description string, payload map[string]any) error {
	from := m.order.Status
	if !from.CanTransitionTo(to) {
		return domain.Transition("order", from, to)
	}
	m.order.Status = to
	return m.s.appendHistory(ctx, m.tx, m.order.ID, actor, eventType, string(from), string(to), description, payload)
}

// note appends a history row without a status change.
func (m *mut) note(ctx context.Context, actor domain.Actor, eventType, description string, payload map[string]any) error {
	return m.s.appendHistory(ctx, m.tx, m.order.ID, actor, eventType, "", "", description, payload)
}

func (s *Service) appendHistory(ctx context.Context, tx store.Tx, orderID string, actor domain.Actor, eventType, from, to, description string, payload map[string]any) error {
	return tx.History().Append(ctx, &domain.HistoryEntry{
		ID:          idgen.WithPrefix(idgen.History),
		Entity:      domain.HistoryOrder,
		EntityID:    orderID,
		ActorID:     actor.UserID,
		EventType:   eventType,
		FromStatus:  from,
		ToStatus:    to,
		Description: description,
		Payload:     payload,
		CreatedAt:   s.clock.Now(),
	})
}

// mutate serializes on the order id, runs fn in one transaction and
// publishes its events after commit. extra lists accounts beyond the
// order's parties and the platform that fn will touch.
func (s *Service) mutate(ctx context.Context, op, id string, fn mutation, extra ...string) (*domain.Order, error) {
	ctx, span := traces.StartSpan(ctx, "order."+op, traces.OrderID(id))
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindOrder, id))
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	defer unlock()

	settings, err := s.settings.Current(ctx)
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var (
		out  *domain.Order
		evs  []events.Event
		from domain.OrderStatus
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = o.Status
		p := s.ledger.In(tx)
		if err := p.Lock(ctx, append([]string{o.ClientID, o.ProviderID, s.ledger.PlatformAccount()}, extra...)...); err != nil {
			return err
		}
		m := &mut{tx: tx, posting: p, order: o, settings: settings, s: s}
		if err := fn(ctx, m); err != nil {
			return err
		}
		o.UpdatedAt = s.clock.Now()
		if err := tx.Orders().Update(ctx, o); err != nil {
			return fmt.Errorf("update order %s: %w", id, err)
		}
		out, evs = o, m.events
		return nil
	})
	traces.End(span, err)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal && !errors.Is(err, errSkip) {
			s.logger.Error("order operation failed", logging.Op(op), logging.OrderID(id), logging.Err(err))
		}
		return nil, err
	}

	s.cache.Remove(id)
	if out.Status != from {
		metrics.Transition("order", string(out.Status))
	}
	s.events.Publish(ctx, evs...)
	return out, nil
}

func requireParty(o *domain.Order, actor domain.Actor, want domain.Role) error {
	if role, ok := o.RoleOf(actor.UserID); !ok || role != want {
		return fmt.Errorf("order %s requires the %s: %w", o.ID, want, domain.ErrNotParty)
	}
	return nil
}

// Get returns an order visible to actor: its client, its provider or an admin.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Order, error) {
	o, ok := s.cache.Get(id)
	if !ok {
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			o, err = tx.Orders().Get(ctx, id)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, o)
	}
	if _, party := o.RoleOf(actor.UserID); !party && !actor.IsAdmin() {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotParty)
	}
	cp := *o
	return &cp, nil
}

// ListByUser returns orders where userID is client or provider, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	var out []*domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Orders().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}

// History returns the audit trail of an order visible to actor.
func (s *Service) History(ctx context.Context, actor domain.Actor, id string) ([]*domain.HistoryEntry, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	var out []*domain.HistoryEntry
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.History().List(ctx, domain.HistoryOrder, id)
		return err
	})
	return out, err
}
