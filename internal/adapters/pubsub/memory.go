// Package pubsub holds the topic transports the call core can run on.
package pubsub

import (
	"context"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 256

type HubOption func(*Hub)

// WithEcho makes the hub deliver a client's own broadcasts back to it.
func WithEcho(echo bool) HubOption {
	return func(h *Hub) { h.echo = echo }
}

// WithQueueSize bounds the per-subscription delivery queue.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// Hub is an in-process pub/sub. Each subscription owns a queue and a delivery
// goroutine; a full queue drops the event.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[*memorySub]struct{}
	echo      bool
	queueSize int
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics:    make(map[string]map[*memorySub]struct{}),
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Client returns a transport endpoint bound to the hub. An empty id gets a random one.
func (h *Hub) Client(id string) *MemoryTransport {
	if id == "" {
		id = uuid.NewString()
	}
	return &MemoryTransport{hub: h, id: id}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) add(s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[s.topic]
	if !ok {
		set = make(map[*memorySub]struct{})
		h.topics[s.topic] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[s.topic]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.topics, s.topic)
	}
}

func (h *Hub) publish(ev core.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for s := range h.topics[ev.Topic] {
		if !h.echo && s.owner == ev.From {
			continue
		}
		select {
		case s.queue <- ev:
			sent++
		default:
			log.Warn().Str("module", "pubsub.memory").Str("topic", ev.Topic).Str("owner", s.owner).Msg("subscriber queue full, event dropped")
		}
	}
	return sent
}

type MemoryTransport struct {
	hub *Hub
	id  string
}

func (t *MemoryTransport) ClientID() string { return t.id }

func (t *MemoryTransport) Subscribe(ctx context.Context, topic string, h core.Handler) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{
		hub:   t.hub,
		owner: t.id,
		topic: topic,
		h:     h,
		queue: make(chan core.Event, t.hub.queueSize),
		done:  make(chan struct{}),
	}
	t.hub.add(s)
	go s.loop()
	return s, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, ev core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.From = t.id
	t.hub.publish(ev)
	return nil
}

type memorySub struct {
	hub   *Hub
	owner string
	topic string
	h     core.Handler
	queue chan core.Event
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.h(ev)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
	return nil
}
