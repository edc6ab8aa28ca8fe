package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/combinado/internal/events"
)

type item struct{ Status string }

func TestCache_AddGetRemove(t *testing.T) {
	c := New[*item]("order", 10, time.Minute)
	c.Add("ord_1", &item{Status: "aceita"})

	got, ok := c.Get("ord_1")
	assert.True(t, ok)
	assert.Equal(t, "aceita", got.Status)

	c.Remove("ord_1")
	_, ok = c.Get("ord_1")
	assert.False(t, ok)
}

func TestCache_Expires(t *testing.T) {
	c := New[int]("order", 10, 20*time.Millisecond)
	c.Add("ord_1", 1)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("ord_1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCache_NilIsEmpty(t *testing.T) {
	var c *Cache[int]
	c.Add("x", 1)
	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestInvalidator_DropsEntityAndRelatedIDs(t *testing.T) {
	orders := New[int](KindOrder, 10, time.Minute)
	preOrders := New[int](KindPreOrder, 10, time.Minute)
	orders.Add("ord_1", 1)
	preOrders.Add("pre_1", 1)
	preOrders.Add("pre_2", 2)

	inv := NewInvalidator(orders, preOrders)
	inv.Handle(context.Background(), events.New(events.ConversionSucceeded, "pre_1", time.Now(),
		map[string]any{"orderId": "ord_1"}))

	_, ok := orders.Get("ord_1")
	assert.False(t, ok)
	_, ok = preOrders.Get("pre_1")
	assert.False(t, ok)
	_, ok = preOrders.Get("pre_2")
	assert.True(t, ok)
}
