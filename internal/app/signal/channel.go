// Package signal carries offer, answer, candidate and hangup messages between the two
// participants of a call over a per-call transport topic.
package signal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxEarlyMessages = 64

// Channels opens at most one Channel per call.
type Channels struct {
	transport  core.Transport
	self       domain.UserID
	ignoreEcho bool

	mu   sync.Mutex
	open map[domain.CallID]*Channel
}

func NewChannels(t core.Transport, self domain.UserID, ignoreEcho bool) *Channels {
	return &Channels{
		transport:  t,
		self:       self,
		ignoreEcho: ignoreEcho,
		open:       make(map[domain.CallID]*Channel),
	}
}

// Open subscribes to the call topic. A second Open of the same call returns the same handle.
func (cs *Channels) Open(ctx context.Context, id domain.CallID) (*Channel, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ch, ok := cs.open[id]; ok {
		return ch, nil
	}

	ch := &Channel{
		owner:  cs,
		callID: id,
		topic:  core.SignalTopic(id),
		logger: log.With().Str("module", "signal").Str("call_id", string(id)).Logger(),
	}
	sub, err := cs.transport.Subscribe(ctx, ch.topic, ch.receive)
	if err != nil {
		return nil, &core.ChannelError{CallID: id, Err: err}
	}
	ch.sub = sub
	cs.open[id] = ch
	ch.logger.Debug().Msg("channel open")
	return ch, nil
}

// IsOpen reports whether a channel for the call is live.
func (cs *Channels) IsOpen(id domain.CallID) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.open[id]
	return ok
}

func (cs *Channels) forget(ch *Channel) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.open[ch.callID] == ch {
		delete(cs.open, ch.callID)
	}
}

type Channel struct {
	owner  *Channels
	callID domain.CallID
	topic  string
	sub    core.Subscription
	logger zerolog.Logger

	// deliver keeps flushed early messages ordered before live ones
	deliver sync.Mutex

	mu     sync.Mutex
	closed bool
	onMsg  func(Message)
	early  []Message
}

// Send publishes m. Transport failures are logged only: signaling is fire-and-forget.
func (ch *Channel) Send(ctx context.Context, m Message) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return core.ErrChannelClosed
	}
	m.From = ch.owner.self
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := ch.owner.transport.Publish(ctx, core.Event{Kind: core.EventBroadcast, Topic: ch.topic, Payload: b}); err != nil {
		ch.logger.Warn().Err(err).Str("type", string(m.Kind)).Msg("send failed")
	}
	return nil
}

// OnMessage sets the receive callback and flushes messages that arrived before it.
func (ch *Channel) OnMessage(fn func(Message)) {
	ch.deliver.Lock()
	defer ch.deliver.Unlock()
	ch.mu.Lock()
	ch.onMsg = fn
	early := ch.early
	ch.early = nil
	ch.mu.Unlock()
	for _, m := range early {
		fn(m)
	}
}

func (ch *Channel) receive(ev core.Event) {
	if ch.owner.ignoreEcho && ev.From == ch.owner.transport.ClientID() {
		return
	}
	m, err := decode(ev.Payload)
	if err != nil {
		ch.logger.Warn().Err(err).Msg("dropping malformed signal")
		return
	}
	if ch.owner.ignoreEcho && m.From == ch.owner.self {
		return
	}

	ch.deliver.Lock()
	defer ch.deliver.Unlock()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	fn := ch.onMsg
	if fn == nil {
		if len(ch.early) < maxEarlyMessages {
			ch.early = append(ch.early, m)
		} else {
			ch.logger.Warn().Str("type", string(m.Kind)).Msg("early buffer full, dropping")
		}
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn(m)
}

// Close unsubscribes. Safe to call more than once.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.onMsg = nil
	ch.early = nil
	ch.mu.Unlock()

	if err := ch.sub.Unsubscribe(); err != nil {
		ch.logger.Warn().Err(err).Msg("unsubscribe failed")
	}
	ch.owner.forget(ch)
	ch.logger.Debug().Msg("channel closed")
}
