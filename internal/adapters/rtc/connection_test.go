package rtc

import (
	"strings"
	"testing"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTrack struct {
	local   *webrtc.TrackLocalStaticRTP
	enabled bool
}

func (t *staticTrack) ID() string                { return t.local.ID() }
func (t *staticTrack) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *staticTrack) Enabled() bool             { return t.enabled }
func (t *staticTrack) SetEnabled(v bool)         { t.enabled = v }
func (t *staticTrack) Stop()                     {}
func (t *staticTrack) Local() webrtc.TrackLocal  { return t.local }

type staticStream struct{ tracks []core.MediaTrack }

func (s *staticStream) ID() string                { return "local" }
func (s *staticStream) Tracks() []core.MediaTrack { return s.tracks }

func newFactory(t *testing.T) *Factory {
	t.Helper()
	// no ICE servers: the tests stay offline
	f, err := NewFactory(Config{}, nil, nil)
	require.NoError(t, err)
	return f
}

func TestReceiveOnlyOffer(t *testing.T) {
	pc, err := newFactory(t).NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	require.NoError(t, pc.AddStream(nil))
	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "a=recvonly")

	assert.ErrorIs(t, pc.AddStream(nil), core.ErrInvalidState)
}

func TestOfferCarriesLocalTrack(t *testing.T) {
	pc, err := newFactory(t).NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, pc.AddStream(&staticStream{tracks: []core.MediaTrack{&staticTrack{local: local, enabled: true}}}))

	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, strings.ToLower(offer.SDP), "opus")
	assert.NotContains(t, offer.SDP, "m=video")
}

func TestAnswerNegotiatesAndCloseIsIdempotent(t *testing.T) {
	f := newFactory(t)
	offerer, err := f.NewPeerConnection()
	require.NoError(t, err)
	answerer, err := f.NewPeerConnection()
	require.NoError(t, err)

	require.NoError(t, offerer.AddStream(nil))
	require.NoError(t, answerer.AddStream(nil))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))

	require.NotNil(t, answerer.LocalDescription())
	assert.Equal(t, webrtc.SDPTypeAnswer, answerer.LocalDescription().Type)

	require.NoError(t, offerer.Close())
	require.NoError(t, offerer.Close())
	require.NoError(t, answerer.Close())
}
