package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/app/signal"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/core/coretest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []signal.Message
	fn   func(signal.Message)
}

func (c *fakeChannel) Send(_ context.Context, m signal.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) OnMessage(fn func(signal.Message)) {
	c.mu.Lock()
	c.fn = fn
	c.mu.Unlock()
}

func (c *fakeChannel) deliver(m signal.Message) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	fn(m)
}

func (c *fakeChannel) sentOf(k signal.Kind) []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Message
	for _, m := range c.sent {
		if m.Kind == k {
			out = append(out, m)
		}
	}
	return out
}

type states struct {
	mu  sync.Mutex
	got []State
}

func (s *states) add(st State) {
	s.mu.Lock()
	s.got = append(s.got, st)
	s.mu.Unlock()
}

func (s *states) all() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.got...)
}

func cand(s string) signal.Message {
	mid := "0"
	return signal.Candidate(webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid})
}

func candidates(cs []webrtc.ICECandidateInit) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Candidate
	}
	return out
}

func TestOffererBuffersCandidatesUntilAnswer(t *testing.T) {
	pc := coretest.NewPeerConnection()
	ch := &fakeChannel{}
	var st states
	s := New("c1", pc)
	s.OnStateChange(st.add)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background(), Offerer, nil, ch))
	offers := ch.sentOf(signal.KindOffer)
	require.Len(t, offers, 1)
	assert.Contains(t, pc.LocalDescription().SDP, offers[0].SDP)
	assert.Len(t, ch.sentOf(signal.KindCandidate), 2, "local candidates are trickled")

	ch.deliver(cand("r1"))
	ch.deliver(cand("r2"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pc.Applied(), "candidates applied before remote description")

	ch.deliver(signal.Answer("remote-answer"))
	ch.deliver(cand("r3"))

	require.Eventually(t, func() bool { return len(pc.Applied()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2", "r3"}, candidates(pc.Applied()))
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.Remote().Type)

	require.Eventually(t, func() bool {
		got := st.all()
		return len(got) == 2 && got[1] == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, st.all()[0])
}

func TestAnswererRepliesToOfferAndFlushesInOrder(t *testing.T) {
	pc := coretest.NewPeerConnection()
	ch := &fakeChannel{}
	s := New("c2", pc)
	defer s.Stop()

	require.NoError(t, s.Start(context.Background(), Answerer, nil, ch))
	assert.Empty(t, ch.sentOf(signal.KindOffer))

	ch.deliver(cand("a"))
	ch.deliver(cand("b"))
	ch.deliver(signal.Offer("remote-offer"))
	ch.deliver(cand("c"))

	require.Eventually(t, func() bool { return len(ch.sentOf(signal.KindAnswer)) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(pc.Applied()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, candidates(pc.Applied()))
	assert.Equal(t, "remote-offer", pc.Remote().SDP)

	// the same offer again means our answer was lost: answer again
	ch.deliver(signal.Offer("remote-offer"))
	require.Eventually(t, func() bool { return len(ch.sentOf(signal.KindAnswer)) == 2 }, time.Second, 5*time.Millisecond)

	// a different offer is out of order and dropped
	ch.deliver(signal.Offer("other-offer"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch.sentOf(signal.KindAnswer), 2)
	assert.Equal(t, "remote-offer", pc.Remote().SDP)
}

func TestOutOfOrderDescriptionsAreDropped(t *testing.T) {
	pc := coretest.NewPeerConnection()
	pc.ManualConnect = true
	ch := &fakeChannel{}
	var st states
	s := New("c3", pc)
	s.OnStateChange(st.add)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), Offerer, nil, ch))

	ch.deliver(signal.Offer("echo-of-own-offer"))
	ch.deliver(signal.Answer("first"))
	ch.deliver(signal.Answer("second"))
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, "first", pc.Remote().SDP)
	assert.Empty(t, st.all(), "negotiation errors are not health events")

	answerer := coretest.NewPeerConnection()
	ach := &fakeChannel{}
	as := New("c3", answerer)
	defer as.Stop()
	require.NoError(t, as.Start(context.Background(), Answerer, nil, ach))
	ach.deliver(signal.Answer("stray"))
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, answerer.Remote())
}

func TestTerminalStateReportedOnce(t *testing.T) {
	pc := coretest.NewPeerConnection()
	pc.ManualConnect = true
	ch := &fakeChannel{}
	var st states
	s := New("c4", pc)
	s.OnStateChange(st.add)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), Offerer, nil, ch))

	pc.Emit(webrtc.PeerConnectionStateConnecting)
	pc.Emit(webrtc.PeerConnectionStateConnecting)
	pc.Emit(webrtc.PeerConnectionStateConnected)
	pc.Emit(webrtc.PeerConnectionStateDisconnected)
	pc.Emit(webrtc.PeerConnectionStateFailed)
	pc.Emit(webrtc.PeerConnectionStateClosed)
	ch.deliver(signal.Hangup())

	require.Eventually(t, func() bool { return len(st.all()) >= 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, st.all())
}

func TestHangupReportsClosed(t *testing.T) {
	pc := coretest.NewPeerConnection()
	ch := &fakeChannel{}
	var st states
	s := New("c5", pc)
	s.OnStateChange(st.add)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), Answerer, nil, ch))

	ch.deliver(signal.Hangup())
	require.Eventually(t, func() bool {
		got := st.all()
		return len(got) == 1 && got[0] == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotentAndSilent(t *testing.T) {
	pc := coretest.NewPeerConnection()
	var st states
	s := New("c6", pc)
	s.OnStateChange(st.add)

	s.Stop()
	s.Stop()
	assert.Equal(t, 1, pc.Closed())
	assert.ErrorIs(t, s.Start(context.Background(), Offerer, nil, &fakeChannel{}), core.ErrClosed)

	started := New("c7", coretest.NewPeerConnection())
	var st2 states
	started.OnStateChange(st2.add)
	require.NoError(t, started.Start(context.Background(), Answerer, nil, &fakeChannel{}))
	started.Stop()
	started.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, st2.all(), "no health reports after stop")
	assert.Empty(t, st.all())
}

func TestResendOfferRepeatsOfferAndCandidates(t *testing.T) {
	pc := coretest.NewPeerConnection()
	pc.ManualConnect = true
	ch := &fakeChannel{}
	s := New("c8", pc)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), Offerer, nil, ch))

	s.ResendOffer()
	require.Eventually(t, func() bool { return len(ch.sentOf(signal.KindOffer)) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(ch.sentOf(signal.KindCandidate)) == 4 }, time.Second, 5*time.Millisecond)
	offers := ch.sentOf(signal.KindOffer)
	assert.Equal(t, offers[0].SDP, offers[1].SDP, "resend repeats the offer as first sent")
	assert.NotEqual(t, pc.LocalDescription().SDP, offers[1].SDP)

	ch.deliver(signal.Answer("ans"))
	require.Eventually(t, func() bool { return pc.Remote() != nil }, time.Second, 5*time.Millisecond)
	s.ResendOffer()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch.sentOf(signal.KindOffer), 2, "no resend once answered")
}

func TestStartAttachesStream(t *testing.T) {
	dev := &coretest.Devices{}
	stream, err := dev.RequestMedia(context.Background(), core.MediaConstraints{Audio: true})
	require.NoError(t, err)

	pc := coretest.NewPeerConnection()
	s := New("c9", pc)
	defer s.Stop()
	require.NoError(t, s.Start(context.Background(), Answerer, stream, &fakeChannel{}))
	assert.Equal(t, stream, pc.Stream())
	assert.ErrorIs(t, s.Start(context.Background(), Answerer, stream, &fakeChannel{}), core.ErrInvalidState)
}
