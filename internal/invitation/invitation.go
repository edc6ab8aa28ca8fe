// Package invitation coordinates the two independent acceptances of a
// client's invitation and, exactly once, turns a mutually accepted
// invitation into a pre-order (or, on the legacy path, a funded order).
package invitation

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
	"github.com/mbd888/combinado/internal/preorder"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/syncutil"
	"github.com/mbd888/combinado/internal/traces"
	"github.com/mbd888/combinado/internal/validation"
)

// Service manages invitations.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	preorders *preorder.Service
	orders    *order.Service
	settings  config.SettingsProvider
	locks     *syncutil.KeyedMutex
	events    events.Publisher
	cache     *cache.Cache[*domain.Invitation]
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates an invitation service.
func NewService(st store.Store, l *ledger.Ledger, preorders *preorder.Service, orders *order.Service, settings config.SettingsProvider) *Service {
	return &Service{
		store:     st,
		ledger:    l,
		preorders: preorders,
		orders:    orders,
		settings:  settings,
		locks:     syncutil.NewKeyedMutex(),
		events:    events.Nop{},
		clock:     clock.New(),
		logger:    slog.Default(),
	}
}

// WithEvents sets the publisher for committed changes.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithCache enables read-through caching of Get.
func (s *Service) WithCache(c *cache.Cache[*domain.Invitation]) *Service {
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

// CreateRequest is a client's invitation to a provider identified by phone.
type CreateRequest struct {
	ProviderPhone string          `json:"providerPhone"`
	ProviderID    string          `json:"providerId"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	Value         decimal.Decimal `json:"value"`
	DeliveryDate  time.Time       `json:"deliveryDate"`
}

// Create invites a provider. The client's balance must already cover the
// value and the contestation fee; nothing is locked until an order exists.
func (s *Service) Create(ctx context.Context, actor domain.Actor, req CreateRequest) (*domain.Invitation, error) {
	if !actor.Has(domain.RoleClient) {
		return nil, fmt.Errorf("inviting requires the client role: %w", domain.ErrNotParty)
	}
	phone := validation.NormalizePhone(req.ProviderPhone)
	if err := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.ValidPhone("providerPhone", phone),
	).Err(); err != nil {
		return nil, err
	}
	if phone == "" && req.ProviderID == "" {
		return nil, domain.Validation("providerPhone", "is required")
	}
	if !req.Value.IsPositive() || !req.Value.Equal(money.Round(req.Value)) {
		return nil, domain.Validation("value", "must be positive with at most %d decimal places", money.Places)
	}
	now := s.clock.Now()
	if !req.DeliveryDate.After(now) {
		return nil, domain.Validation("deliveryDate", "must be in the future")
	}
	if req.ProviderID == actor.UserID || (actor.Phone != "" && validation.NormalizePhone(actor.Phone) == phone) {
		return nil, domain.Validation("providerPhone", "cannot invite yourself")
	}

	st, err := s.settings.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	expires := now.Add(st.InvitationTTL)
	if req.DeliveryDate.Before(expires) {
		expires = req.DeliveryDate
	}
	inv := &domain.Invitation{
		ID:            idgen.WithPrefix(idgen.Invitation),
		ClientID:      actor.UserID,
		ProviderID:    req.ProviderID,
		ProviderPhone: phone,
		Title:         validation.SanitizeString(req.Title, 200),
		Description:   validation.SanitizeString(req.Description, 5000),
		Category:      validation.SanitizeString(req.Category, 100),
		OriginalValue: req.Value,
		DeliveryDate:  req.DeliveryDate,
		ExpiresAt:     expires,
		Status:        domain.InvitationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, span := traces.StartSpan(ctx, "invitation.Create", traces.UserID(actor.UserID), traces.Amount(money.Format(req.Value)))
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		clientNeeds, _ := order.Commitments(req.Value, st)
		sf, err := s.ledger.In(tx).Shortfall(ctx, domain.RoleClient, actor.UserID, clientNeeds)
		if err != nil {
			return err
		}
		if sf != nil {
			return sf
		}
		return tx.Invitations().Create(ctx, inv)
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	metrics.Transition("invitation", string(inv.Status))
	s.events.Publish(ctx, events.New(events.InvitationCreated, inv.ID, now, map[string]any{
		"invitationId":  inv.ID,
		"providerPhone": inv.ProviderPhone,
		"value":         money.Format(inv.OriginalValue),
	}, inv.ClientID, inv.ProviderID))
	return inv, nil
}

// mut carries the transaction-scoped state of one invitation operation.
type mut struct {
	tx       store.Tx
	inv      *domain.Invitation
	settings config.Settings
	events   []events.Event
	s        *Service
}

func (m *mut) emit(t events.Type, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["invitationId"] = m.inv.ID
	data["status"] = string(m.inv.Status)
	m.events = append(m.events, events.New(t, m.inv.ID, m.s.clock.Now(), data, m.inv.ClientID, m.inv.ProviderID))
}

func (m *mut) transition(to domain.InvitationStatus) error {
	if m.inv.Status == to {
		return nil
	}
	if !m.inv.Status.CanTransitionTo(to) {
		return domain.Transition("invitation", m.inv.Status, to)
	}
	m.inv.Status = to
	return nil
}

var errSkip = errors.New("no longer eligible")

func (s *Service) mutate(ctx context.Context, op, id string, fn func(ctx context.Context, m *mut) error) (*domain.Invitation, error) {
	unlock, err := s.locks.LockContext(ctx, cache.Key(cache.KindInvitation, id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, op, id, fn)
}

// apply runs fn in one transaction with the invitation row locked. A
// pending invitation past its expiry is expired instead and the operation
// fails with domain.ErrExpired.
func (s *Service) apply(ctx context.Context, op, id string, fn func(ctx context.Context, m *mut) error) (*domain.Invitation, error) {
	ctx, span := traces.StartSpan(ctx, "invitation."+op, traces.InvitationID(id))
	settings, err := s.settings.Current(ctx)
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var (
		out     *domain.Invitation
		evs     []events.Event
		from    domain.InvitationStatus
		expired bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.Invitations().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = inv.Status
		m := &mut{tx: tx, inv: inv, settings: settings, s: s}
		if inv.Status == domain.InvitationPending && inv.ExpiredAt(s.clock.Now()) {
			expired = true
			if err = m.transition(domain.InvitationExpired); err == nil {
				m.emit(events.InvitationExpired, nil)
			}
		} else {
			err = fn(ctx, m)
		}
		if err != nil {
			return err
		}
		inv.UpdatedAt = s.clock.Now()
		if err := tx.Invitations().Update(ctx, inv); err != nil {
			return fmt.Errorf("update invitation %s: %w", id, err)
		}
		out, evs = inv, m.events
		return nil
	})
	traces.End(span, err)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal && !errors.Is(err, errSkip) {
			s.logger.Error("invitation operation failed", logging.Op(op), logging.InvitationID(id), logging.Err(err))
		}
		return nil, err
	}

	s.cache.Remove(id)
	if out.Status != from {
		metrics.Transition("invitation", string(out.Status))
	}
	s.events.Publish(ctx, evs...)
	if expired {
		return out, fmt.Errorf("invitation %s expired at %s: %w", id, out.ExpiresAt.Format(time.RFC3339), domain.ErrExpired)
	}
	return out, nil
}

// visible reports whether actor may see inv: its client, its provider (by
// id or, before the provider is bound, by phone) or an admin.
func visible(inv *domain.Invitation, actor domain.Actor) bool {
	if actor.IsAdmin() {
		return true
	}
	_, ok := roleOf(inv, actor)
	return ok
}

func roleOf(inv *domain.Invitation, actor domain.Actor) (domain.Role, bool) {
	switch {
	case actor.UserID == "":
		return "", false
	case actor.UserID == inv.ClientID:
		return domain.RoleClient, true
	case inv.ProviderID != "":
		return domain.RoleProvider, actor.UserID == inv.ProviderID
	case actor.Phone != "" && validation.NormalizePhone(actor.Phone) == inv.ProviderPhone:
		return domain.RoleProvider, true
	}
	return "", false
}

func (s *Service) load(ctx context.Context, id string) (*domain.Invitation, error) {
	var inv *domain.Invitation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inv, err = tx.Invitations().Get(ctx, id)
		return err
	})
	return inv, err
}

// Get returns an invitation visible to actor, expiring it on read when overdue.
func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Invitation, error) {
	inv, ok := s.cache.Get(id)
	if !ok {
		var err error
		if inv, err = s.load(ctx, id); err != nil {
			return nil, err
		}
	}
	if !visible(inv, actor) {
		return nil, fmt.Errorf("invitation %s: %w", id, domain.ErrNotParty)
	}
	if inv.Status == domain.InvitationPending && inv.ExpiredAt(s.clock.Now()) {
		expired, err := s.mutate(ctx, "Expire", id, func(context.Context, *mut) error { return errSkip })
		switch {
		case errors.Is(err, domain.ErrExpired):
			return expired, nil
		case errors.Is(err, errSkip):
			s.cache.Remove(id)
		case err != nil:
			return nil, err
		}
		return s.Get(ctx, actor, id)
	}
	s.cache.Add(id, inv)
	cp := *inv
	return &cp, nil
}

// ListByUser returns invitations where userID is client or bound provider.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Invitation, error) {
	var out []*domain.Invitation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Invitations().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}

// ExpireSweep expires pending invitations past their expiry.
func (s *Service) ExpireSweep(ctx context.Context, limit int) (int, error) {
	var ids []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ids, err = tx.Invitations().ListExpirable(ctx, s.clock.Now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expirable invitations: %w", err)
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
			metrics.SweepItemsTotal.WithLabelValues("invitation_expiry", "ok").Inc()
		case errors.Is(err, errSkip):
			metrics.SweepItemsTotal.WithLabelValues("invitation_expiry", "skipped").Inc()
		default:
			metrics.SweepItemsTotal.WithLabelValues("invitation_expiry", "error").Inc()
			errs = multierr.Append(errs, fmt.Errorf("invitation %s: %w", id, err))
		}
	}
	if done > 0 {
		s.logger.Info("expired invitations", "count", done)
	}
	return done, errs
}
