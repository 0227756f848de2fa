// Package watcher turns row-change notifications into call events: incoming calls
// addressed to the current user, and updates of one call record.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	profileTimeout = 5 * time.Second
	maxSeen        = 1024
)

type ProfileSource interface {
	GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error)
}

// Known reports calls the local process already owns, such as its own outgoing call.
type Known func(domain.CallID) bool

type Watcher struct {
	transport core.Transport
	profiles  ProfileSource
	known     Known

	mu     sync.Mutex
	sub    core.Subscription
	seen   map[domain.CallID]struct{}
	logger zerolog.Logger
}

func New(t core.Transport, profiles ProfileSource, known Known) *Watcher {
	if known == nil {
		known = func(domain.CallID) bool { return false }
	}
	return &Watcher{
		transport: t,
		profiles:  profiles,
		known:     known,
		seen:      make(map[domain.CallID]struct{}),
		logger:    log.With().Str("module", "watcher").Logger(),
	}
}

// Subscribe listens for calls addressed to me and reports each new one once.
func (w *Watcher) Subscribe(ctx context.Context, me domain.UserID, onCandidate func(domain.CallRecord, domain.Profile)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return fmt.Errorf("watcher already subscribed: %w", core.ErrInvalidState)
	}
	w.logger = log.With().Str("module", "watcher").Str("user", string(me)).Logger()
	sub, err := w.transport.Subscribe(ctx, core.UserCallsTopic(me), func(ev core.Event) {
		w.handle(me, ev, onCandidate)
	})
	if err != nil {
		return fmt.Errorf("subscribe incoming calls: %w", err)
	}
	w.sub = sub
	w.logger.Info().Msg("watching incoming calls")
	return nil
}

// Unsubscribe releases the subscription. Safe to call more than once.
func (w *Watcher) Unsubscribe() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		w.logger.Warn().Err(err).Msg("unsubscribe failed")
	}
}

func (w *Watcher) handle(me domain.UserID, ev core.Event, onCandidate func(domain.CallRecord, domain.Profile)) {
	if ev.Kind != core.EventInsert {
		return
	}
	var rec domain.CallRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		w.logger.Warn().Err(err).Msg("bad call record")
		return
	}
	if rec.Status != domain.StatusInitiated || rec.Ended() || rec.CalleeID != me || rec.CallerID == me {
		return
	}
	if w.known(rec.ID) || !w.markSeen(rec.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
	defer cancel()
	profile, err := w.profiles.GetProfile(ctx, rec.CallerID)
	if err != nil {
		w.logger.Warn().Err(err).Str("caller", string(rec.CallerID)).Msg("caller profile unavailable")
		profile = domain.FallbackProfile(rec.CallerID)
	}
	w.logger.Info().Str("call_id", string(rec.ID)).Str("caller", string(rec.CallerID)).Msg("incoming call")
	onCandidate(rec, profile)
}

func (w *Watcher) markSeen(id domain.CallID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	if len(w.seen) >= maxSeen {
		w.seen = make(map[domain.CallID]struct{})
	}
	w.seen[id] = struct{}{}
	return true
}

// Records watches update notifications of single call records.
type Records struct {
	transport core.Transport
}

func NewRecords(t core.Transport) *Records {
	return &Records{transport: t}
}

func (r *Records) Watch(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (core.Subscription, error) {
	return r.transport.Subscribe(ctx, core.CallRecordTopic(id), func(ev core.Event) {
		if ev.Kind != core.EventUpdate {
			return
		}
		var rec domain.CallRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			log.Warn().Err(err).Str("module", "watcher").Str("call_id", string(id)).Msg("bad call record")
			return
		}
		if rec.ID != id {
			return
		}
		fn(rec)
	})
}
