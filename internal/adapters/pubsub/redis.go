package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig controls the redis client behind RedisTransport.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// RedisTransport maps topics onto redis PUBLISH/SUBSCRIBE channels.
type RedisTransport struct {
	rdb  *redis.Client
	id   string
	echo bool
}

func NewRedisTransport(rdb *redis.Client, echo bool) *RedisTransport {
	return &RedisTransport{rdb: rdb, id: uuid.NewString(), echo: echo}
}

func (t *RedisTransport) ClientID() string { return t.id }

func (t *RedisTransport) Publish(ctx context.Context, ev core.Event) error {
	ev.From = t.id
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := t.rdb.Publish(ctx, ev.Topic, b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, h core.Handler) (core.Subscription, error) {
	ps := t.rdb.Subscribe(ctx, topic)
	// Receive blocks until redis confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	s := &redisSub{ps: ps}
	go t.loop(topic, ps.Channel(), h)
	return s, nil
}

func (t *RedisTransport) loop(topic string, ch <-chan *redis.Message, h core.Handler) {
	for msg := range ch {
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Warn().Err(err).Str("module", "pubsub.redis").Str("topic", topic).Msg("bad event")
			continue
		}
		if !t.echo && ev.From == t.id {
			continue
		}
		h(ev)
	}
	log.Debug().Str("module", "pubsub.redis").Str("topic", topic).Msg("subscription loop done")
}

type redisSub struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	return s.err
}
