// Package cache is a read-through cache for entity lookups. Entries expire
// after a TTL and are dropped as soon as an event reports a change.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mbd888/combinado/internal/events"
)

// Entity kinds used as key prefixes.
const (
	KindInvitation = "invitation"
	KindPreOrder   = "pre_order"
	KindOrder      = "order"
)

// Key builds the cache key of an entity.
func Key(kind, id string) string { return kind + ":" + id }

// Cache holds values of one type. A nil *Cache is a valid, always-empty cache.
type Cache[V any] struct {
	kind string
	lru  *expirable.LRU[string, V]
}

// New creates a cache of at most size entries living at most ttl.
func New[V any](kind string, size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{kind: kind, lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *Cache[V]) Get(id string) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	return c.lru.Get(Key(c.kind, id))
}

func (c *Cache[V]) Add(id string, v V) {
	if c == nil {
		return
	}
	c.lru.Add(Key(c.kind, id), v)
}

func (c *Cache[V]) Remove(id string) {
	if c == nil {
		return
	}
	c.lru.Remove(Key(c.kind, id))
}

func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Remover is the type-erased view the Invalidator needs.
type Remover interface {
	Remove(id string)
}

// Invalidator drops cached entities named by an event. Register it with
// Bus.SubscribeSync so a caller never reads its own stale write.
type Invalidator struct {
	caches []Remover
}

// NewInvalidator watches the given caches.
func NewInvalidator(caches ...Remover) *Invalidator {
	return &Invalidator{caches: caches}
}

// Handle is an events.Handler. It drops the event's entity and any related
// ids carried in the payload from every cache.
func (inv *Invalidator) Handle(_ context.Context, ev events.Event) {
	ids := []string{ev.EntityID}
	for _, k := range []string{"invitationId", "preOrderId", "orderId"} {
		if id, ok := ev.Data[k].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	for _, c := range inv.caches {
		for _, id := range ids {
			c.Remove(id)
		}
	}
}
