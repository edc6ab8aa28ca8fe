// Package events carries domain notifications from the services to side
// effects: cache invalidation, realtime push and external webhooks.
//
// Services publish only after their transaction commits, so subscribers
// never observe state that was rolled back. A failing subscriber never
// affects the operation that published the event.
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/combinado/internal/idgen"
)

// Type names a domain event.
type Type string

const (
	InvitationCreated          Type = "invitation.created"
	InvitationAccepted         Type = "invitation.accepted"
	InvitationRejected         Type = "invitation.rejected"
	InvitationExpired          Type = "invitation.expired"
	InvitationValueProposed    Type = "invitation.value_proposed"
	InvitationProposalAnswered Type = "invitation.value_proposal_answered"

	PreOrderCreated   Type = "pre_order.created"
	PreOrderCancelled Type = "pre_order.cancelled"
	PreOrderExpired   Type = "pre_order.expired"
	ProposalCreated   Type = "proposal.created"
	ProposalAccepted  Type = "proposal.accepted"
	ProposalRejected  Type = "proposal.rejected"
	TermsAccepted     Type = "terms.accepted"

	ConversionSucceeded Type = "conversion.succeeded"
	ConversionFailed    Type = "conversion.failed"

	OrderCreated          Type = "order.created"
	OrderAccepted         Type = "order.accepted"
	OrderStarted          Type = "order.started"
	OrderServiceCompleted Type = "order.service_completed"
	OrderConfirmed        Type = "order.confirmed"
	OrderAutoConfirmed    Type = "order.auto_confirmed"
	OrderCancelled        Type = "order.cancelled"
	DisputeOpened         Type = "dispute.opened"
	DisputeResponded      Type = "dispute.responded"
	DisputeResolved       Type = "dispute.resolved"
)

// Event is one committed domain change.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	EntityID   string         `json:"entityId"`
	UserIDs    []string       `json:"userIds"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New builds an event addressed to the given users. Empty ids are dropped.
func New(t Type, entityID string, at time.Time, data map[string]any, userIDs ...string) Event {
	userIDs = slices.DeleteFunc(slices.Clone(userIDs), func(id string) bool { return id == "" })
	return Event{
		ID:         idgen.WithPrefix(idgen.Event),
		Type:       t,
		EntityID:   entityID,
		UserIDs:    userIDs,
		Data:       data,
		OccurredAt: at,
	}
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event)
}

// Handler consumes an event.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to subscribers. Sync handlers run inline, in
// subscription order, before Publish returns; async handlers each run on
// their own goroutine.
type Bus struct {
	mu         sync.RWMutex
	inline     []Handler
	background []Handler
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers an asynchronous handler.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.background = append(b.background, h)
	b.mu.Unlock()
}

// SubscribeSync registers a handler that runs before Publish returns.
// Use it for state that the caller's next read must see, like cache
// invalidation.
func (b *Bus) SubscribeSync(h Handler) {
	b.mu.Lock()
	b.inline = append(b.inline, h)
	b.mu.Unlock()
}

// Publish delivers evs. Async handlers get a context detached from the
// request so they outlive it.
func (b *Bus) Publish(ctx context.Context, evs ...Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	inline, background := b.inline, b.background
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, ev := range evs {
		for _, h := range inline {
			b.safely(ctx, h, ev)
		}
		for _, h := range background {
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.safely(detached, h, ev)
			}()
		}
	}
}

// Drain waits for in-flight async handlers. Called on shutdown and in tests.
func (b *Bus) Drain() {
	b.wg.Wait()
}

func (b *Bus) safely(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Type, "entityId", ev.EntityID, "panic", r)
		}
	}()
	h(ctx, ev)
}

// Recorder is a Publisher that keeps events in memory. Tests use it to
// assert what a service emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the types of everything published so far, in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}
