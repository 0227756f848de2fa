package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *collector) handle(ev core.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

func TestHubDeliversInOrderAndFiltersEcho(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	alice := hub.Client("alice")
	bob := hub.Client("bob")

	var atAlice, atBob collector
	subA, err := alice.Subscribe(ctx, "call:1", atAlice.handle)
	require.NoError(t, err)
	subB, err := bob.Subscribe(ctx, "call:1", atBob.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers("call:1"))

	for _, p := range []string{`1`, `2`, `3`} {
		require.NoError(t, alice.Publish(ctx, core.Event{Kind: core.EventBroadcast, Topic: "call:1", Payload: []byte(p)}))
	}

	require.Eventually(t, func() bool { return len(atBob.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := atBob.snapshot()
	for i, want := range []string{`1`, `2`, `3`} {
		assert.Equal(t, want, string(got[i].Payload))
		assert.Equal(t, "alice", got[i].From)
	}
	assert.Empty(t, atAlice.snapshot())

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, subB.Unsubscribe())
	assert.Equal(t, 0, hub.Subscribers("call:1"))
}

func TestHubEchoOption(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithEcho(true))
	alice := hub.Client("")
	require.NotEmpty(t, alice.ClientID())

	var got collector
	sub, err := alice.Subscribe(ctx, "call:2", got.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, alice.Publish(ctx, core.Event{Kind: core.EventBroadcast, Topic: "call:2", Payload: []byte(`{}`)}))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubNoDeliveryAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Client("a"), hub.Client("b")

	var got collector
	sub, err := b.Subscribe(ctx, "calls:b", got.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, a.Publish(ctx, core.Event{Kind: core.EventInsert, Topic: "calls:b", Payload: []byte(`{}`)}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestWireRoundTripRejectsNonJSON(t *testing.T) {
	_, err := encodeEvent(core.Event{Kind: core.EventBroadcast, Topic: "call:1", Payload: []byte("not json")})
	assert.Error(t, err)

	b, err := encodeEvent(core.Event{Kind: core.EventUpdate, Topic: "call-record:1", From: "x", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	ev, err := decodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, core.EventUpdate, ev.Kind)
	assert.JSONEq(t, `{"a":1}`, string(ev.Payload))

	_, err = decodeEvent([]byte(`{"topic":"x"}`))
	assert.Error(t, err)
}
