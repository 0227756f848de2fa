// Package rtc adapts pion PeerConnections to the peer session contract.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives remote RTP. It runs on the track's read goroutine.
type Sink func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	sink   Sink

	mu       sync.Mutex
	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	closed   bool
	attached bool
}

func newConnection(pc *webrtc.PeerConnection, id string, sink Sink) *Connection {
	c := &Connection{
		pc:     pc,
		sink:   sink,
		logger: log.With().Str("module", "webrtc").Str("pc", id).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go c.drain(track)
	})
	return c
}

// drain reads remote RTP until the track ends so pion's buffers never fill.
func (c *Connection) drain(track *webrtc.TrackRemote) {
	kind := track.Kind()
	if kind == webrtc.RTPCodecTypeVideo {
		c.requestKeyframe(track)
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Debug().Err(err).Str("kind", kind.String()).Msg("remote track ended")
			return
		}
		if c.sink != nil {
			c.sink(kind, pkt)
		}
	}
}

// AddStream attaches every local track in stream. Tracks that cannot be sent
// are skipped; a nil or empty stream gets receive-only audio and video.
func (c *Connection) AddStream(stream core.MediaStream) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return fmt.Errorf("stream already attached: %w", core.ErrInvalidState)
	}
	c.attached = true
	c.mu.Unlock()

	added := 0
	if stream != nil {
		for _, t := range stream.Tracks() {
			lt, ok := t.(core.LocalTrack)
			if !ok {
				c.logger.Warn().Str("track_id", t.ID()).Msg("track cannot be sent, skipping")
				continue
			}
			sender, err := c.pc.AddTrack(lt.Local())
			if err != nil {
				return fmt.Errorf("add track %s: %w", t.ID(), err)
			}
			go drainRTCP(sender)
			added++
		}
	}
	if added > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	c.logger.Info().Msg("no local tracks, receive-only")
	return nil
}

// requestKeyframe sends a PLI so the first picture does not wait for the
// sender's next scheduled keyframe.
func (c *Connection) requestKeyframe(track *webrtc.TrackRemote) {
	pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
	if err := c.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		c.logger.Debug().Err(err).Msg("keyframe request failed")
	}
}

// drainRTCP keeps interceptors running; pion requires senders to be read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.pc.Close()
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
