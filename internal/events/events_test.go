package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SyncHandlersRunBeforePublishReturns(t *testing.T) {
	bus := NewBus(nil)
	var seen []Type
	bus.SubscribeSync(func(_ context.Context, ev Event) { seen = append(seen, ev.Type) })

	bus.Publish(context.Background(),
		New(OrderCreated, "ord_1", time.Now(), nil, "c1"),
		New(OrderConfirmed, "ord_1", time.Now(), nil, "c1"))

	assert.Equal(t, []Type{OrderCreated, OrderConfirmed}, seen)
}

func TestBus_AsyncHandlersAndDrain(t *testing.T) {
	bus := NewBus(nil)
	var n atomic.Int32
	bus.Subscribe(func(context.Context, Event) { n.Add(1) })
	bus.Subscribe(func(context.Context, Event) { n.Add(1) })

	bus.Publish(context.Background(), New(DisputeOpened, "ord_1", time.Now(), nil))
	bus.Drain()

	assert.Equal(t, int32(2), n.Load())
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(nil)
	var after bool
	bus.SubscribeSync(func(context.Context, Event) { panic("boom") })
	bus.SubscribeSync(func(context.Context, Event) { after = true })

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), New(OrderCancelled, "ord_1", time.Now(), nil))
	})
	assert.True(t, after)
}

func TestBus_AsyncContextOutlivesRequest(t *testing.T) {
	bus := NewBus(nil)
	errs := make(chan error, 1)
	bus.Subscribe(func(ctx context.Context, _ Event) { errs <- ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, New(OrderCreated, "ord_1", time.Now(), nil))
	cancel()
	bus.Drain()

	assert.NoError(t, <-errs)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), New(TermsAccepted, "pre_1", time.Now(), map[string]any{"role": "cliente"}, "c1", "p1"))

	require.Len(t, r.Events(), 1)
	assert.Equal(t, []string{"c1", "p1"}, r.Events()[0].UserIDs)
	assert.Equal(t, []Type{TermsAccepted}, r.Types())

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestNew_DropsEmptyUsers(t *testing.T) {
	ev := New(OrderCreated, "ord_1", time.Now(), nil, "c1", "", "p1")
	assert.Equal(t, []string{"c1", "p1"}, ev.UserIDs)
	assert.NotEmpty(t, ev.ID)
}
