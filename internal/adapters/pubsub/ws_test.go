package pubsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heldRelay welcomes every client and answers each subscribe only when release
// is closed, with an ack or, when refuse is set, an error.
type heldRelay struct {
	release    chan struct{}
	refuse     bool
	subscribes atomic.Int32
}

func (r *heldRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if err := conn.WriteJSON(RelayFrame{Op: OpWelcome, From: "client-1"}); err != nil {
		return
	}
	for {
		var f RelayFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Op != OpSubscribe {
			continue
		}
		r.subscribes.Add(1)
		<-r.release
		reply := RelayFrame{Op: OpAck, Ref: f.Ref, Topic: f.Topic}
		if r.refuse {
			reply = RelayFrame{Op: OpError, Ref: f.Ref, Topic: f.Topic, Error: "forbidden"}
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func dialHeld(t *testing.T, relay *heldRelay) *WSTransport {
	t.Helper()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	tr, err := DialWS(context.Background(), WSConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func TestWSSecondSubscriberWaitsForAck(t *testing.T) {
	relay := &heldRelay{release: make(chan struct{})}
	tr := dialHeld(t, relay)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := tr.Subscribe(ctx, "call:1", func(core.Event) {})
		first <- err
	}()
	require.Eventually(t, func() bool { return relay.subscribes.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := tr.Subscribe(ctx, "call:1", func(core.Event) {})
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("second subscriber returned before the ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(relay.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.EqualValues(t, 1, relay.subscribes.Load(), "one relay subscribe per topic")
}

func TestWSRefusedSubscribeFailsEveryWaiter(t *testing.T) {
	relay := &heldRelay{release: make(chan struct{}), refuse: true}
	tr := dialHeld(t, relay)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := tr.Subscribe(ctx, "calls:bob", func(core.Event) {})
		first <- err
	}()
	require.Eventually(t, func() bool { return relay.subscribes.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := tr.Subscribe(ctx, "calls:bob", func(core.Event) {})
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(relay.release)

	assert.ErrorContains(t, <-first, "forbidden")
	assert.ErrorContains(t, <-second, "forbidden")
}
