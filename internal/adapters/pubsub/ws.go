package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type WSConfig struct {
	URL        string
	Token      string
	PingPeriod time.Duration
	AckTimeout time.Duration
	Echo       bool
}

func (c WSConfig) withDefaults() WSConfig {
	out := c
	if out.PingPeriod <= 0 {
		out.PingPeriod = 54 * time.Second
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 5 * time.Second
	}
	return out
}

// WSTransport talks to the relay server over one websocket.
type WSTransport struct {
	cfg  WSConfig
	conn *websocket.Conn
	id   string
	send chan []byte

	mu       sync.Mutex
	handlers map[string][]*wsSub
	pending  map[string]chan error
	waits    map[string]*topicWait
	closed   bool
	done     chan struct{}
}

// DialWS connects and waits for the relay to assign a client id.
func DialWS(ctx context.Context, cfg WSConfig) (*WSTransport, error) {
	cfg = cfg.withDefaults()
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.AckTimeout))
	}
	var hello RelayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay welcome: %w", err)
	}
	if hello.Op != OpWelcome || hello.From == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("relay welcome: unexpected %q frame", hello.Op)
	}
	_ = conn.SetReadDeadline(time.Time{})

	t := &WSTransport{
		cfg:      cfg,
		conn:     conn,
		id:       hello.From,
		send:     make(chan []byte, 64),
		handlers: make(map[string][]*wsSub),
		pending:  make(map[string]chan error),
		waits:    make(map[string]*topicWait),
		done:     make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	log.Info().Str("module", "pubsub.ws").Str("client_id", t.id).Str("url", cfg.URL).Msg("relay connected")
	return t, nil
}

func (t *WSTransport) ClientID() string { return t.id }

// Done is closed when the relay connection is gone.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) trySend(f RelayFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrClosed
	}
	select {
	case t.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (t *WSTransport) Publish(ctx context.Context, ev core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.trySend(RelayFrame{Op: OpPublish, Topic: ev.Topic, Kind: ev.Kind, Payload: ev.Payload})
}

// topicWait is the confirmation of a topic's first relay subscribe. Later local
// subscribers to the same topic wait on it instead of sending their own.
type topicWait struct {
	done chan struct{}
	err  error
}

func (t *WSTransport) Subscribe(ctx context.Context, topic string, h core.Handler) (core.Subscription, error) {
	s := &wsSub{t: t, topic: topic, h: h}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrClosed
	}
	first := len(t.handlers[topic]) == 0
	t.handlers[topic] = append(t.handlers[topic], s)
	if !first {
		w := t.waits[topic]
		t.mu.Unlock()
		if w == nil {
			return s, nil
		}
		return t.await(ctx, s, w)
	}
	w := &topicWait{done: make(chan struct{})}
	t.waits[topic] = w
	ack := make(chan error, 1)
	ref := uuid.NewString()
	t.pending[ref] = ack
	t.mu.Unlock()

	if err := t.trySend(RelayFrame{Op: OpSubscribe, Ref: ref, Topic: topic}); err != nil {
		t.dropPending(ref)
		t.settle(topic, w, err)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-ack:
	case <-timer.C:
		err = fmt.Errorf("relay subscribe %s: ack timeout", topic)
	case <-ctx.Done():
		err = ctx.Err()
	case <-t.done:
		err = core.ErrClosed
	}
	if err != nil {
		t.dropPending(ref)
		t.settle(topic, w, err)
		return nil, err
	}
	t.settle(topic, w, nil)
	return s, nil
}

// await blocks a later subscriber until the topic's first subscribe is settled.
func (t *WSTransport) await(ctx context.Context, s *wsSub, w *topicWait) (core.Subscription, error) {
	select {
	case <-w.done:
		if w.err != nil {
			return nil, w.err
		}
		return s, nil
	case <-ctx.Done():
		t.remove(s)
		return nil, ctx.Err()
	case <-t.done:
		return nil, core.ErrClosed
	}
}

// settle resolves w. A failed subscribe detaches every handler of the topic,
// since the relay never delivers it.
func (t *WSTransport) settle(topic string, w *topicWait, err error) {
	t.mu.Lock()
	if t.waits[topic] == w {
		delete(t.waits, topic)
	}
	if err != nil {
		w.err = err
		delete(t.handlers, topic)
	}
	close(w.done)
	t.mu.Unlock()
}

func (t *WSTransport) dropPending(ref string) {
	t.mu.Lock()
	delete(t.pending, ref)
	t.mu.Unlock()
}

// remove detaches s and tells the relay when the topic has no local handler left.
func (t *WSTransport) remove(s *wsSub) {
	t.mu.Lock()
	list := t.handlers[s.topic]
	found := false
	for i, x := range list {
		if x == s {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		t.mu.Unlock()
		return
	}
	last := len(list) == 0
	if last {
		delete(t.handlers, s.topic)
	} else {
		t.handlers[s.topic] = list
	}
	t.mu.Unlock()

	if last {
		if err := t.trySend(RelayFrame{Op: OpUnsubscribe, Topic: s.topic}); err != nil && !errors.Is(err, core.ErrClosed) {
			log.Warn().Err(err).Str("module", "pubsub.ws").Str("topic", s.topic).Msg("unsubscribe not sent")
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case data, ok := <-t.send:
			if !ok {
				return
			}
			if err := t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "pubsub.ws").Msg("writePump set deadline")
				t.Close()
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "pubsub.ws").Msg("writePump write error")
				t.Close()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "pubsub.ws").Msg("ping failed")
				t.Close()
				return
			}
		}
	}
}

func (t *WSTransport) readPump() {
	defer t.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				log.Warn().Err(err).Str("module", "pubsub.ws").Msg("readPump read error")
			}
			return
		}
		var f RelayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "pubsub.ws").Msg("bad relay frame")
			continue
		}
		t.dispatch(f)
	}
}

func (t *WSTransport) dispatch(f RelayFrame) {
	switch f.Op {
	case OpAck, OpError:
		t.mu.Lock()
		ack, ok := t.pending[f.Ref]
		delete(t.pending, f.Ref)
		t.mu.Unlock()
		if ok {
			if f.Op == OpError {
				ack <- fmt.Errorf("relay: %s", f.Error)
			} else {
				ack <- nil
			}
			return
		}
		if f.Op == OpError {
			log.Warn().Str("module", "pubsub.ws").Str("topic", f.Topic).Str("error", f.Error).Msg("relay error")
		}
	case OpEvent:
		if !t.cfg.Echo && f.From == t.id {
			return
		}
		ev := core.Event{Kind: f.Kind, Topic: f.Topic, From: f.From, Payload: []byte(f.Payload)}
		t.mu.Lock()
		list := append([]*wsSub(nil), t.handlers[f.Topic]...)
		t.mu.Unlock()
		for _, s := range list {
			s.h(ev)
		}
	default:
		log.Warn().Str("module", "pubsub.ws").Str("op", f.Op).Msg("unknown relay op")
	}
}

// Close drops the connection. Pending subscribes fail with ErrClosed.
func (t *WSTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = t.conn.Close()
}

type wsSub struct {
	t     *WSTransport
	topic string
	h     core.Handler
	once  sync.Once
}

func (s *wsSub) Unsubscribe() error {
	s.once.Do(func() { s.t.remove(s) })
	return nil
}
