package calls

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/peercall/internal/app/peer"
	"github.com/dkeye/peercall/internal/app/signal"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	eventQueueSize = 128
	knownCallsCap  = 128
)

type Deps struct {
	Self      domain.UserID
	Store     core.CallStore
	Media     MediaGate
	Channels  *signal.Channels
	Connector core.PeerConnector
	Records   RecordWatcher
}

// Controller owns at most one call at a time. Fields below the loop marker
// are touched only by the Run goroutine.
type Controller struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	events   chan func()
	done     chan struct{}
	running  atomic.Bool
	inflight atomic.Int64

	snapMu sync.RWMutex
	snap   Snapshot

	subsMu  sync.Mutex
	subs    map[int]chan Update
	nextSub int

	knownMu    sync.Mutex
	known      map[domain.CallID]struct{}
	knownOrder []domain.CallID

	// loop
	cur    *session
	gen    uint64
	closed bool
}

type session struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	phase   Phase
	role    domain.Role
	peerID  domain.UserID
	callID  domain.CallID
	profile *domain.Profile

	stream    core.MediaStream
	channel   *signal.Channel
	peer      *peer.Session
	recordSub core.Subscription
	ringTimer *time.Timer
	answered  bool
}

func New(deps Deps, opts Options) *Controller {
	return &Controller{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: log.With().Str("module", "calls").Str("user_id", string(deps.Self)).Logger(),
		events: make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Update),
		known:  make(map[domain.CallID]struct{}),
	}
}

// Run processes commands and completions until ctx is done. A live call is hung up on exit.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("controller already running: %w", core.ErrInvalidState)
	}
	c.logger.Info().Msg("controller started")
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

func (c *Controller) shutdown() {
	c.closed = true
	if s := c.cur; s != nil {
		c.end(s, ReasonLocalHangup, nil, domain.StatusFinished, true)
	}
	close(c.done)
	// completions already queued still own resources; let their stale paths release them
	for {
		select {
		case fn := <-c.events:
			fn()
		default:
			if c.inflight.Load() > 0 {
				runtime.Gosched()
				continue
			}
			c.subsMu.Lock()
			for id, ch := range c.subs {
				close(ch)
				delete(c.subs, id)
			}
			c.subsMu.Unlock()
			c.logger.Info().Msg("controller stopped")
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// complete posts apply; when the loop is gone orphan releases what the operation obtained.
func (c *Controller) complete(apply func(), orphan func()) {
	if !c.post(apply) && orphan != nil {
		orphan()
	}
}

func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	ok := c.post(func() {
		if c.closed {
			reply <- core.ErrClosed
			return
		}
		reply <- fn()
	})
	if !ok {
		return core.ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return core.ErrClosed
		}
	}
}

// Call dials callee. It returns once the call is Dialing; progress arrives on Updates.
func (c *Controller) Call(ctx context.Context, callee domain.UserID) error {
	if callee == c.deps.Self {
		return core.ErrSelfCall
	}
	if !callee.Valid() {
		return domain.ErrUserIDInvalid
	}
	return c.do(ctx, func() error {
		if c.cur != nil {
			return core.ErrBusy
		}
		s := c.begin(domain.RoleCaller, callee, PhaseDialing)
		c.logger.Info().Str("callee", string(callee)).Msg("dialing")
		c.publish(s, ReasonNone, nil)
		c.createRecord(s)
		return nil
	})
}

// Answer accepts the ringing call.
func (c *Controller) Answer(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.cur
		if s == nil || s.phase != PhaseRingingRemote {
			return core.ErrInvalidState
		}
		stopTimer(s)
		s.phase = PhaseConnecting
		c.logger.Info().Str("call_id", string(s.callID)).Msg("answering")
		c.publish(s, ReasonNone, nil)
		c.acquireMedia(s)
		return nil
	})
}

// Decline rejects the ringing call.
func (c *Controller) Decline(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.cur
		if s == nil || s.phase != PhaseRingingRemote {
			return core.ErrInvalidState
		}
		c.end(s, ReasonDeclined, nil, domain.StatusDeclined, true)
		return nil
	})
}

// HangUp ends a call that is dialing, connecting or active.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.cur
		if s == nil {
			return core.ErrInvalidState
		}
		switch s.phase {
		case PhaseDialing, PhaseConnecting, PhaseActive:
		default:
			return core.ErrInvalidState
		}
		c.end(s, ReasonLocalHangup, nil, domain.StatusFinished, true)
		return nil
	})
}

// Ring offers an incoming call. It is dropped while another call is live.
func (c *Controller) Ring(rec domain.CallRecord, caller domain.Profile) {
	c.post(func() {
		if c.closed {
			return
		}
		lg := c.logger.With().Str("call_id", string(rec.ID)).Logger()
		if rec.CalleeID != c.deps.Self || rec.CallerID == c.deps.Self || rec.Status != domain.StatusInitiated || rec.Ended() {
			lg.Debug().Msg("ignoring call not addressed to us")
			return
		}
		if c.cur != nil {
			lg.Info().Str("caller", string(rec.CallerID)).Msg("busy, ignoring incoming call")
			return
		}
		s := c.begin(domain.RoleCallee, rec.CallerID, PhaseRingingRemote)
		s.callID = rec.ID
		p := caller
		s.profile = &p
		c.remember(rec.ID)
		lg.Info().Str("caller", string(rec.CallerID)).Msg("ringing")
		c.publish(s, ReasonNone, nil)
		c.watchRecord(s)
		if d := c.opts.RingTimeout; d > 0 {
			gen := s.gen
			s.ringTimer = time.AfterFunc(d, func() {
				c.post(func() { c.onRingTimeout(gen) })
			})
		}
	})
}

func (c *Controller) SetAudioEnabled(v bool) { c.deps.Media.SetAudioEnabled(v) }
func (c *Controller) SetVideoEnabled(v bool) { c.deps.Media.SetVideoEnabled(v) }

func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Updates returns a channel of phase changes and a func that detaches it.
// A slow reader loses updates rather than stalling the controller.
func (c *Controller) Updates() (<-chan Update, func()) {
	ch := make(chan Update, c.opts.UpdateBuffer)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	select {
	case <-c.done:
		close(ch)
		c.subsMu.Unlock()
		return ch, func() {}
	default:
	}
	c.subs[id] = ch
	c.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subsMu.Unlock()
		})
	}
}

// Knows reports whether id belongs to a call this controller started or rang.
func (c *Controller) Knows(id domain.CallID) bool {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	_, ok := c.known[id]
	return ok
}

func (c *Controller) remember(id domain.CallID) {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	if _, ok := c.known[id]; ok {
		return
	}
	if len(c.knownOrder) >= knownCallsCap {
		delete(c.known, c.knownOrder[0])
		c.knownOrder = c.knownOrder[1:]
	}
	c.known[id] = struct{}{}
	c.knownOrder = append(c.knownOrder, id)
}

func (c *Controller) begin(role domain.Role, peerID domain.UserID, phase Phase) *session {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{gen: c.gen, ctx: ctx, cancel: cancel, phase: phase, role: role, peerID: peerID}
	c.cur = s
	return s
}

func (c *Controller) current(gen uint64) *session {
	if s := c.cur; s != nil && s.gen == gen {
		return s
	}
	return nil
}

func (c *Controller) createRecord(s *session) {
	gen, callee := s.gen, s.peerID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
		rec, err := c.deps.Store.CreateCall(ctx, c.deps.Self, callee)
		cancel()
		c.complete(func() {
			s := c.current(gen)
			if s == nil {
				if err == nil {
					c.finishRecord(rec.ID, domain.StatusFinished)
				}
				return
			}
			if err != nil {
				c.fail(s, fmt.Errorf("create call: %w", err))
				return
			}
			s.callID = rec.ID
			c.remember(rec.ID)
			c.logger.Info().Str("call_id", string(rec.ID)).Msg("call record created")
			c.publish(s, ReasonNone, nil)
			c.watchRecord(s)
			c.acquireMedia(s)
		}, func() {
			if err == nil {
				c.writeStatus(rec.ID, domain.StatusFinished)
			}
		})
	}()
}

// watchRecord follows record updates for the session, then reads the record once
// to catch an update published before the subscription existed.
func (c *Controller) watchRecord(s *session) {
	gen, id, ctx := s.gen, s.callID, s.ctx
	go func() {
		sub, err := c.deps.Records.Watch(ctx, id, func(rec domain.CallRecord) {
			c.post(func() { c.onRecord(gen, rec) })
		})
		release := func() {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
		c.complete(func() {
			s := c.current(gen)
			if s == nil {
				release()
				return
			}
			if err != nil {
				c.fail(s, &core.ChannelError{CallID: id, Err: err})
				return
			}
			s.recordSub = sub
		}, release)
		if err != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		rec, err := c.deps.Store.GetCall(rctx, id)
		cancel()
		if err == nil {
			c.post(func() { c.onRecord(gen, rec) })
		}
	}()
}

func (c *Controller) acquireMedia(s *session) {
	gen, ctx := s.gen, s.ctx
	go func() {
		stream, err := c.deps.Media.Acquire(ctx, c.opts.Constraints)
		release := func() {
			if err == nil {
				c.deps.Media.Release(stream)
			}
		}
		c.complete(func() {
			s := c.current(gen)
			if s == nil {
				release()
				return
			}
			if err != nil {
				c.fail(s, err)
				return
			}
			s.stream = stream
			c.openChannel(s)
		}, release)
	}()
}

func (c *Controller) openChannel(s *session) {
	gen, id, ctx := s.gen, s.callID, s.ctx
	go func() {
		ch, err := c.deps.Channels.Open(ctx, id)
		release := func() {
			if err == nil {
				ch.Close()
			}
		}
		c.complete(func() {
			s := c.current(gen)
			if s == nil {
				release()
				return
			}
			if err != nil {
				c.fail(s, err)
				return
			}
			s.channel = ch
			c.startPeer(s)
		}, release)
	}()
}

func (c *Controller) startPeer(s *session) {
	pc, err := c.deps.Connector.NewPeerConnection()
	if err != nil {
		c.fail(s, fmt.Errorf("new peer connection: %w", err))
		return
	}
	gen := s.gen
	p := peer.New(s.callID, pc)
	p.OnStateChange(func(st peer.State) {
		c.post(func() { c.onPeerState(gen, st) })
	})
	s.peer = p
	if s.phase == PhaseDialing {
		s.phase = PhaseConnecting
		c.publish(s, ReasonNone, nil)
	}

	ctx, role, stream, ch := s.ctx, peer.RoleFor(s.role), s.stream, s.channel
	go func() {
		err := p.Start(ctx, role, stream, ch)
		c.complete(func() {
			s := c.current(gen)
			if s == nil {
				p.Stop()
				return
			}
			if err != nil {
				c.fail(s, err)
				return
			}
			if s.role == domain.RoleCallee {
				c.markAnswered(s)
			}
		}, p.Stop)
	}()
}

// markAnswered runs only after the answerer is listening, so the caller's
// resend on seeing the update reaches it.
func (c *Controller) markAnswered(s *session) {
	gen, id := s.gen, s.callID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
		err := c.deps.Store.UpdateCallStatus(ctx, id, domain.StatusAnswered, nil)
		cancel()
		c.post(func() {
			s := c.current(gen)
			if s == nil || err == nil {
				return
			}
			if errors.Is(err, core.ErrCallEnded) {
				c.end(s, ReasonRemoteHangup, nil, "", false)
				return
			}
			c.fail(s, fmt.Errorf("mark answered: %w", err))
		})
	}()
}

func (c *Controller) onRecord(gen uint64, rec domain.CallRecord) {
	s := c.current(gen)
	if s == nil || rec.ID != s.callID {
		return
	}
	if rec.Ended() {
		c.end(s, endReason(rec.Status), nil, "", false)
		return
	}
	if rec.Status == domain.StatusAnswered && s.role == domain.RoleCaller && !s.answered {
		s.answered = true
		c.logger.Info().Str("call_id", string(s.callID)).Msg("callee answered")
		if s.peer != nil {
			s.peer.ResendOffer()
		}
	}
}

func (c *Controller) onPeerState(gen uint64, st peer.State) {
	s := c.current(gen)
	if s == nil {
		return
	}
	switch {
	case st == peer.StateConnected && s.phase == PhaseConnecting:
		s.phase = PhaseActive
		c.logger.Info().Str("call_id", string(s.callID)).Msg("call active")
		c.publish(s, ReasonNone, nil)
	case st.Terminal() && (s.phase == PhaseConnecting || s.phase == PhaseActive):
		// the session reports Closed only when the remote sent hangup
		if st == peer.StateClosed {
			c.end(s, ReasonRemoteHangup, nil, domain.StatusFinished, false)
			return
		}
		c.end(s, ReasonConnectionLost, nil, domain.StatusFinished, true)
	}
}

func (c *Controller) onRingTimeout(gen uint64) {
	s := c.current(gen)
	if s == nil || s.phase != PhaseRingingRemote {
		return
	}
	c.end(s, ReasonMissed, nil, domain.StatusMissed, true)
}

func (c *Controller) fail(s *session, err error) {
	c.logger.Error().Err(err).Str("call_id", string(s.callID)).Msg("call setup failed")
	c.end(s, ReasonSetupFailed, err, domain.StatusFinished, true)
}

// end moves s through Ending to Idle. A non-empty status is written with endedAt.
// local reports that this side ended the call, so the peer is told over the channel.
func (c *Controller) end(s *session, reason Reason, err error, status domain.CallStatus, local bool) {
	if c.cur != s {
		return
	}
	s.phase = PhaseEnding
	c.publish(s, reason, err)
	if status != "" && s.callID != "" {
		c.finishRecord(s.callID, status)
	}
	c.teardown(s, local)
	c.cur = nil
	c.logger.Info().Str("call_id", string(s.callID)).Str("reason", string(reason)).Msg("call ended")
	c.publishIdle(s, reason, err)
}

// teardown releases in order: peer, channel, media, record subscription.
func (c *Controller) teardown(s *session, local bool) {
	stopTimer(s)
	if s.peer != nil {
		s.peer.Stop()
		s.peer = nil
	}
	if ch := s.channel; ch != nil {
		s.channel = nil
		if local {
			// the hangup must leave before the subscription goes away
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
				defer cancel()
				if err := ch.Send(ctx, signal.Hangup()); err != nil {
					c.logger.Debug().Err(err).Msg("hangup not sent")
				}
				ch.Close()
			}()
		} else {
			ch.Close()
		}
	}
	if s.stream != nil {
		c.deps.Media.Release(s.stream)
		s.stream = nil
	}
	if s.recordSub != nil {
		if err := s.recordSub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("record unsubscribe failed")
		}
		s.recordSub = nil
	}
	s.cancel()
}

func (c *Controller) finishRecord(id domain.CallID, status domain.CallStatus) {
	go c.writeStatus(id, status)
}

func (c *Controller) writeStatus(id domain.CallID, status domain.CallStatus) {
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
	defer cancel()
	err := c.deps.Store.UpdateCallStatus(ctx, id, status, &now)
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", string(id)).Str("status", string(status)).Msg("final status not written")
	}
}

func (c *Controller) publish(s *session, reason Reason, err error) {
	c.broadcast(Update{
		Phase:  s.phase,
		CallID: s.callID,
		PeerID: s.peerID,
		Role:   s.role,
		Caller: s.profile,
		Reason: reason,
		Err:    err,
	})
}

func (c *Controller) publishIdle(s *session, reason Reason, err error) {
	c.broadcast(Update{Phase: PhaseIdle, CallID: s.callID, PeerID: s.peerID, Role: s.role, Reason: reason, Err: err})
}

func (c *Controller) broadcast(u Update) {
	c.snapMu.Lock()
	if u.Phase == PhaseIdle {
		c.snap = Snapshot{}
	} else {
		c.snap = Snapshot{Phase: u.Phase, CallID: u.CallID, PeerID: u.PeerID, Role: u.Role}
	}
	c.snapMu.Unlock()

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
			c.logger.Warn().Str("phase", u.Phase.String()).Msg("update dropped, slow reader")
		}
	}
}

func stopTimer(s *session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func endReason(st domain.CallStatus) Reason {
	switch st {
	case domain.StatusDeclined:
		return ReasonDeclined
	case domain.StatusMissed:
		return ReasonMissed
	}
	return ReasonRemoteHangup
}
