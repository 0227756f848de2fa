package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	gossipsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

func init() {
	// libp2p subsystems log dial noise to stderr by default.
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("swarm2", "error")
}

const defaultMDNSTag = "peercall"

type GossipConfig struct {
	ListenAddrs []string
	Bootstrap   []string
	MDNS        bool
	MDNSTag     string
	Echo        bool
}

// GossipTransport runs topics over a libp2p gossipsub mesh, without any server.
type GossipTransport struct {
	host host.Host
	ps   *gossipsub.PubSub
	mdns mdns.Service
	echo bool

	mu     sync.Mutex
	topics map[string]*gossipTopic
}

type gossipTopic struct {
	t    *gossipsub.Topic
	refs int
}

func NewGossipTransport(ctx context.Context, cfg GossipConfig) (*GossipTransport, error) {
	var opts []libp2p.Option
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	ps, err := gossipsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	t := &GossipTransport{
		host:   h,
		ps:     ps,
		echo:   cfg.Echo,
		topics: make(map[string]*gossipTopic),
	}

	for _, addr := range cfg.Bootstrap {
		if err := t.connect(ctx, addr); err != nil {
			log.Warn().Err(err).Str("module", "pubsub.gossip").Str("addr", addr).Msg("bootstrap peer unreachable")
		}
	}

	if cfg.MDNS {
		tag := cfg.MDNSTag
		if tag == "" {
			tag = defaultMDNSTag
		}
		t.mdns = mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
		if err := t.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("mdns: %w", err)
		}
	}

	log.Info().Str("module", "pubsub.gossip").Str("peer_id", h.ID().String()).Int("bootstrap", len(cfg.Bootstrap)).Msg("gossip transport up")
	return t, nil
}

func (t *GossipTransport) connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return t.host.Connect(dialCtx, *info)
}

func (t *GossipTransport) ClientID() string { return t.host.ID().String() }

func (t *GossipTransport) join(topic string) (*gossipsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gt, ok := t.topics[topic]; ok {
		gt.refs++
		return gt.t, nil
	}
	tp, err := t.ps.Join(topic)
	if err != nil {
		return nil, err
	}
	t.topics[topic] = &gossipTopic{t: tp, refs: 1}
	return tp, nil
}

func (t *GossipTransport) release(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gt, ok := t.topics[topic]
	if !ok {
		return
	}
	gt.refs--
	if gt.refs > 0 {
		return
	}
	delete(t.topics, topic)
	if err := gt.t.Close(); err != nil {
		log.Warn().Err(err).Str("module", "pubsub.gossip").Str("topic", topic).Msg("topic close")
	}
}

func (t *GossipTransport) Publish(ctx context.Context, ev core.Event) error {
	ev.From = t.ClientID()
	b, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	tp, err := t.join(ev.Topic)
	if err != nil {
		return fmt.Errorf("gossip join %s: %w", ev.Topic, err)
	}
	defer t.release(ev.Topic)
	return tp.Publish(ctx, b)
}

func (t *GossipTransport) Subscribe(ctx context.Context, topic string, h core.Handler) (core.Subscription, error) {
	tp, err := t.join(topic)
	if err != nil {
		return nil, fmt.Errorf("gossip join %s: %w", topic, err)
	}
	sub, err := tp.Subscribe()
	if err != nil {
		t.release(topic)
		return nil, fmt.Errorf("gossip subscribe %s: %w", topic, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &gossipSub{sub: sub, cancel: cancel, release: func() { t.release(topic) }}
	go t.loop(loopCtx, topic, sub, h)
	return s, nil
}

func (t *GossipTransport) loop(ctx context.Context, topic string, sub *gossipsub.Subscription, h core.Handler) {
	self := t.ClientID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("module", "pubsub.gossip").Str("topic", topic).Msg("subscription ended")
			}
			return
		}
		ev, err := decodeEvent(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "pubsub.gossip").Str("topic", topic).Msg("bad event")
			continue
		}
		if !t.echo && (ev.From == self || m.ReceivedFrom == t.host.ID()) {
			continue
		}
		h(ev)
	}
}

// Close shuts the libp2p host down. Subscriptions stop delivering.
func (t *GossipTransport) Close() error {
	if t.mdns != nil {
		_ = t.mdns.Close()
	}
	return t.host.Close()
}

type gossipSub struct {
	sub     *gossipsub.Subscription
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

func (s *gossipSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.release()
	})
	return nil
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debug().Err(err).Str("module", "pubsub.gossip").Str("peer", pi.ID.String()).Msg("mdns connect failed")
	}
}
