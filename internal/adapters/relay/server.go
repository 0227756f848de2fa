// Package relay is the server side of the websocket pub/sub protocol. Each client
// is bridged onto a backend transport, normally the in-process hub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/adapters/pubsub"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ReadLimit     int64
	PingPeriod    time.Duration
	SendBuffer    int
	PublishLimit  int
	PublishWindow time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ReadLimit <= 0 {
		out.ReadLimit = 65536
	}
	if out.PingPeriod <= 0 {
		out.PingPeriod = 54 * time.Second
	}
	if out.SendBuffer <= 0 {
		out.SendBuffer = 256
	}
	if out.PublishLimit <= 0 {
		out.PublishLimit = 100
	}
	if out.PublishWindow <= 0 {
		out.PublishWindow = 2 * time.Second
	}
	return out
}

// Backend hands out one transport endpoint per relay client.
type Backend func(clientID string) (core.Transport, error)

// HubBackend bridges clients onto an in-process hub.
func HubBackend(h *pubsub.Hub) Backend {
	return func(id string) (core.Transport, error) { return h.Client(id), nil }
}

type Server struct {
	cfg     Config
	backend Backend
	policy  Policy
	limiter *RateLimiter

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(cfg Config, backend Backend, policy Policy) *Server {
	cfg = cfg.withDefaults()
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		policy:  policy,
		limiter: NewRateLimiter(cfg.PublishLimit, cfg.PublishWindow),
		clients: make(map[*Client]struct{}),
	}
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and runs the client until it disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, user domain.UserID) {
	logger := log.With().Str("module", "relay").Str("user_id", string(user)).Logger()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	t, err := s.backend(uuid.NewString())
	if err != nil {
		logger.Error().Err(err).Msg("backend transport")
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		id:     t.ClientID(),
		user:   user,
		conn:   newConn(ws, s.cfg.SendBuffer),
		t:      t,
		server: s,
		cancel: cancel,
		subs:   make(map[string]core.Subscription),
	}
	c.logger = logger.With().Str("client_id", c.id).Logger()

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.reply(pubsub.RelayFrame{Op: pubsub.OpWelcome, From: c.id})
	c.logger.Info().Msg("new WS connection")

	go c.writePump(ctx, s.cfg.PingPeriod)
	go c.readPump(ctx, s.cfg.ReadLimit, s.cfg.PingPeriod)
}

func (s *Server) forget(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	remaining := 0
	for other := range s.clients {
		if other.user == c.user {
			remaining++
		}
	}
	s.mu.Unlock()
	if remaining == 0 {
		s.limiter.Forget(c.user)
	}
}

type Client struct {
	id     string
	user   domain.UserID
	conn   *Conn
	t      core.Transport
	server *Server
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]core.Subscription
	closed bool
}

func (c *Client) ID() string          { return c.id }
func (c *Client) User() domain.UserID { return c.user }

// authorize keeps a user's incoming-call feed private to that user.
func (c *Client) authorize(topic string) error {
	if err := core.ValidTopic(topic); err != nil {
		return err
	}
	if len(topic) > len(core.TopicUserCallsPrefix) && topic[:len(core.TopicUserCallsPrefix)] == core.TopicUserCallsPrefix &&
		topic != core.UserCallsTopic(c.user) {
		return core.ErrPermissionDenied
	}
	return nil
}

func (c *Client) handle(ctx context.Context, f pubsub.RelayFrame) {
	switch f.Op {
	case pubsub.OpSubscribe:
		c.subscribe(ctx, f)
	case pubsub.OpUnsubscribe:
		c.unsubscribe(f.Topic)
	case pubsub.OpPublish:
		c.publish(ctx, f)
	default:
		c.logger.Warn().Str("op", f.Op).Msg("unknown op")
		c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Ref: f.Ref, Error: "unknown_op"})
	}
}

func (c *Client) subscribe(ctx context.Context, f pubsub.RelayFrame) {
	if err := c.authorize(f.Topic); err != nil {
		c.logger.Warn().Err(err).Str("topic", f.Topic).Msg("subscribe refused")
		c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Ref: f.Ref, Topic: f.Topic, Error: err.Error()})
		return
	}
	c.mu.Lock()
	_, exists := c.subs[f.Topic]
	c.mu.Unlock()
	if !exists {
		topic := f.Topic
		sub, err := c.t.Subscribe(ctx, topic, func(ev core.Event) { c.deliver(topic, ev) })
		if err != nil {
			c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Ref: f.Ref, Topic: topic, Error: err.Error()})
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = sub.Unsubscribe()
			return
		}
		c.subs[topic] = sub
		c.mu.Unlock()
	}
	c.reply(pubsub.RelayFrame{Op: pubsub.OpAck, Ref: f.Ref, Topic: f.Topic})
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		_ = sub.Unsubscribe()
	}
}

func (c *Client) publish(ctx context.Context, f pubsub.RelayFrame) {
	fail := func(reason string) {
		c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Ref: f.Ref, Topic: f.Topic, Error: reason})
	}
	if err := core.ValidTopic(f.Topic); err != nil {
		fail(err.Error())
		return
	}
	switch f.Kind {
	case core.EventInsert, core.EventUpdate, core.EventBroadcast:
	default:
		fail("bad_kind")
		return
	}
	if len(f.Payload) == 0 || !json.Valid(f.Payload) {
		fail("bad_payload")
		return
	}
	if !c.server.limiter.Allow(c.user) {
		c.logger.Warn().Str("topic", f.Topic).Msg("publish rate limited")
		fail("rate_limited")
		return
	}
	if err := c.t.Publish(ctx, core.Event{Kind: f.Kind, Topic: f.Topic, Payload: f.Payload}); err != nil {
		c.logger.Warn().Err(err).Str("topic", f.Topic).Msg("publish failed")
		fail("publish_failed")
	}
}

func (c *Client) deliver(topic string, ev core.Event) {
	b, err := json.Marshal(pubsub.EventFrame(ev))
	if err != nil {
		c.logger.Error().Err(err).Msg("event marshal")
		return
	}
	err = c.conn.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	switch c.server.policy.OnBackpressure(c, topic) {
	case Disconnect:
		c.logger.Warn().Str("topic", topic).Msg("client too slow, disconnecting")
		go c.close()
	default:
		c.logger.Warn().Str("topic", topic).Msg("client too slow, frame dropped")
	}
}

func (c *Client) reply(f pubsub.RelayFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.logger.Error().Err(err).Msg("reply marshal")
		return
	}
	if err := c.conn.TrySend(b); err != nil && !errors.Is(err, core.ErrClosed) {
		c.logger.Warn().Err(err).Str("op", f.Op).Msg("reply dropped")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.cancel()
	c.conn.Close()
	if closer, ok := c.t.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	c.server.forget(c)
	c.logger.Info().Msg("client closed")
}
