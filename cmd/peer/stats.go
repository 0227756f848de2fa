package main

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// rtpStats counts remote packets per kind for the end-of-call log line.
type rtpStats struct {
	audio atomic.Int64
	video atomic.Int64
}

func (s *rtpStats) observe(kind webrtc.RTPCodecType, _ *rtp.Packet) {
	if kind == webrtc.RTPCodecTypeVideo {
		s.video.Add(1)
		return
	}
	s.audio.Add(1)
}

func (s *rtpStats) reset() {
	s.audio.Store(0)
	s.video.Store(0)
}

func (s *rtpStats) snapshot() (audio, video int64) {
	return s.audio.Load(), s.video.Load()
}
