package peer

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With real pion connections the local description gains candidate lines as
// gathering runs, so a resent offer must still match the one first sent.
func TestResentOfferIsAnsweredAgainWithPion(t *testing.T) {
	factory, err := rtc.NewFactory(rtc.Config{}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	offPC, err := factory.NewPeerConnection()
	require.NoError(t, err)
	ansPC, err := factory.NewPeerConnection()
	require.NoError(t, err)

	offCh, ansCh := &fakeChannel{}, &fakeChannel{}
	offerer := New("c-pion", offPC)
	defer offerer.Stop()
	answerer := New("c-pion", ansPC)
	defer answerer.Stop()

	require.NoError(t, offerer.Start(ctx, Offerer, nil, offCh))
	require.NoError(t, answerer.Start(ctx, Answerer, nil, ansCh))

	offers := offCh.sentOf(signal.KindOffer)
	require.Len(t, offers, 1)
	ansCh.deliver(offers[0])
	require.Eventually(t, func() bool { return len(ansCh.sentOf(signal.KindAnswer)) == 1 }, 2*time.Second, 10*time.Millisecond)

	// let gathering add candidates to the offerer's description when the host has any
	deadline := time.Now().Add(2 * time.Second)
	for len(offCh.sentOf(signal.KindCandidate)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	offerer.ResendOffer()
	require.Eventually(t, func() bool { return len(offCh.sentOf(signal.KindOffer)) == 2 }, 2*time.Second, 10*time.Millisecond)
	offers = offCh.sentOf(signal.KindOffer)
	assert.Equal(t, offers[0].SDP, offers[1].SDP)

	ansCh.deliver(offers[1])
	require.Eventually(t, func() bool { return len(ansCh.sentOf(signal.KindAnswer)) == 2 }, 2*time.Second, 10*time.Millisecond)
	answers := ansCh.sentOf(signal.KindAnswer)
	assert.Equal(t, answers[0].SDP, answers[1].SDP)
}
