// Package peer drives one connection attempt: offer/answer exchange, trickle ICE and
// connection health, on a single message loop per call.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/app/signal"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Role int

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// RoleFor maps a call role to a negotiation role. The caller always offers.
func RoleFor(r domain.Role) Role {
	if r == domain.RoleCaller {
		return Offerer
	}
	return Answerer
}

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal states end the session; only the first one is reported.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Channel is the part of a signal channel a session uses.
type Channel interface {
	Send(ctx context.Context, m signal.Message) error
	OnMessage(fn func(signal.Message))
}

type event struct {
	msg    *signal.Message
	state  *webrtc.PeerConnectionState
	resend bool
}

const inboxSize = 64

type Session struct {
	callID domain.CallID
	pc     core.PeerConnection
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan event
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	role      Role
	ch        Channel
	onState   func(State)
	sentCands []webrtc.ICECandidateInit

	// owned by the loop goroutine after Start
	offered     bool
	remoteSet   bool
	remoteOffer string
	answerSent  bool
	// sent descriptions; LocalDescription grows candidate lines after gathering
	offerSDP  string
	answerSDP string
	pending   []webrtc.ICECandidateInit
	last      State
	reported  bool
	terminal  bool
}

func New(callID domain.CallID, pc core.PeerConnection) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID: callID,
		pc:     pc,
		logger: log.With().Str("module", "peer").Str("call_id", string(callID)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan event, inboxSize),
		done:   make(chan struct{}),
	}
}

// OnStateChange sets the health callback. It runs on the session loop.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Start attaches the stream and begins negotiation in the given role.
// An offerer has sent its offer when Start returns.
func (s *Session) Start(ctx context.Context, role Role, stream core.MediaStream, ch Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return core.ErrInvalidState
	}
	s.started = true
	s.role = role
	s.ch = ch
	s.mu.Unlock()

	if err := s.pc.AddStream(stream); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	s.pc.OnICECandidate(s.sendCandidate)
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.post(event{state: &st})
	})

	if role == Offerer {
		offer, err := s.pc.CreateOffer()
		if err != nil {
			return &core.NegotiationError{Reason: "create offer", Err: err}
		}
		if err := s.pc.SetLocalDescription(offer); err != nil {
			return &core.NegotiationError{Reason: "set local offer", Err: err}
		}
		s.offered = true
		s.offerSDP = offer.SDP
		s.send(signal.Offer(offer.SDP))
	}

	go s.loop()
	ch.OnMessage(func(m signal.Message) {
		s.post(event{msg: &m})
	})
	s.logger.Info().Str("role", role.String()).Msg("negotiation started")
	return nil
}

// ResendOffer re-announces the local offer and every candidate sent so far.
// The transport does not replay, so a callee that subscribed late needs this.
func (s *Session) ResendOffer() {
	s.post(event{resend: true})
}

// Stop closes the connection. Safe from any state and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	if err := s.pc.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close error")
	} else {
		s.logger.Info().Msg("closed")
	}
}

func (s *Session) post(ev event) {
	select {
	case <-s.done:
	case s.inbox <- ev:
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.inbox:
			switch {
			case ev.msg != nil:
				s.handleMessage(*ev.msg)
			case ev.state != nil:
				s.handleState(*ev.state)
			case ev.resend:
				s.handleResend()
			}
		}
	}
}

func (s *Session) handleMessage(m signal.Message) {
	switch m.Kind {
	case signal.KindOffer:
		s.handleOffer(m)
	case signal.KindAnswer:
		s.handleAnswer(m)
	case signal.KindCandidate:
		if !s.remoteSet {
			s.pending = append(s.pending, *m.Candidate)
			return
		}
		s.addCandidate(*m.Candidate)
	case signal.KindHangup:
		s.logger.Info().Msg("remote hangup")
		s.report(StateClosed)
	}
}

func (s *Session) handleOffer(m signal.Message) {
	if s.role == Offerer {
		s.logger.Debug().Msg("ignoring offer while offering")
		return
	}
	if s.remoteSet {
		if m.SDP == s.remoteOffer && s.answerSent {
			// the caller re-sent its offer; our answer may have been lost
			s.send(signal.Answer(s.answerSDP))
			return
		}
		s.drop(&core.NegotiationError{Reason: "second offer"})
		return
	}
	if err := s.pc.SetRemoteDescription(m.Description()); err != nil {
		s.drop(&core.NegotiationError{Reason: "set remote offer", Err: err})
		return
	}
	s.remoteSet = true
	s.remoteOffer = m.SDP
	s.flush()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		s.drop(&core.NegotiationError{Reason: "create answer", Err: err})
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.drop(&core.NegotiationError{Reason: "set local answer", Err: err})
		return
	}
	s.answerSent = true
	s.answerSDP = answer.SDP
	s.send(signal.Answer(answer.SDP))
}

func (s *Session) handleAnswer(m signal.Message) {
	if s.role == Answerer {
		s.logger.Debug().Msg("ignoring answer while answering")
		return
	}
	if !s.offered {
		s.drop(&core.NegotiationError{Reason: "answer without offer"})
		return
	}
	if s.remoteSet {
		s.drop(&core.NegotiationError{Reason: "second answer"})
		return
	}
	if err := s.pc.SetRemoteDescription(m.Description()); err != nil {
		s.drop(&core.NegotiationError{Reason: "set remote answer", Err: err})
		return
	}
	s.remoteSet = true
	s.flush()
}

func (s *Session) handleResend() {
	if s.role != Offerer || !s.offered || s.remoteSet {
		return
	}
	s.mu.Lock()
	cands := append([]webrtc.ICECandidateInit(nil), s.sentCands...)
	s.mu.Unlock()

	s.logger.Info().Int("candidates", len(cands)).Msg("re-sending offer")
	s.send(signal.Offer(s.offerSDP))
	for _, c := range cands {
		s.send(signal.Candidate(c))
	}
}

func (s *Session) handleState(st webrtc.PeerConnectionState) {
	s.logger.Info().Str("peer_connection_state", st.String()).Msg("Peer state")
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		s.report(StateConnecting)
	case webrtc.PeerConnectionStateConnected:
		s.report(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		s.report(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		s.report(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		s.report(StateClosed)
	}
}

// flush applies buffered remote candidates in arrival order.
func (s *Session) flush() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

func (s *Session) report(st State) {
	if s.terminal || (s.reported && s.last == st) {
		return
	}
	s.last = st
	s.reported = true
	if st.Terminal() {
		s.terminal = true
	}
	s.mu.Lock()
	fn, stopped := s.onState, s.stopped
	s.mu.Unlock()
	if stopped || fn == nil {
		return
	}
	fn(st)
}

func (s *Session) drop(err error) {
	s.logger.Warn().Err(err).Msg("dropping signal")
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.sentCands = append(s.sentCands, c)
	s.mu.Unlock()
	s.send(signal.Candidate(c))
}

func (s *Session) send(m signal.Message) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(s.ctx, m); err != nil {
		s.logger.Debug().Err(err).Str("type", string(m.Kind)).Msg("signal not sent")
	}
}
