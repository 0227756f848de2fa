// Package media owns the local capture stream and lends it to peer sessions.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Stats counts device-level operations, for leak checks.
type Stats struct {
	Acquired int
	Released int
	Requests int
}

// Gate is the only component that starts and stops capture tracks.
// Acquire is reference counted: every successful Acquire needs one Release.
type Gate struct {
	devices core.MediaDevices

	mu     sync.Mutex
	stream core.MediaStream
	refs   int
	audio  bool
	video  bool
	stats  Stats
}

func NewGate(devices core.MediaDevices) *Gate {
	return &Gate{devices: devices, audio: true, video: true}
}

// Acquire returns the held stream or requests a new one from the devices.
func (g *Gate) Acquire(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	g.mu.Lock()
	if g.stream != nil {
		g.refs++
		g.stats.Acquired++
		s := g.stream
		g.mu.Unlock()
		return s, nil
	}
	g.stats.Requests++
	g.mu.Unlock()

	// the device prompt may block for a long time; do not hold the lock
	s, err := g.devices.RequestMedia(ctx, c)
	if err != nil {
		mErr := classify(err)
		log.Warn().Err(err).Str("module", "media").Str("kind", string(mErr.Kind)).Msg("media request failed")
		return nil, mErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream != nil {
		// lost a race with a concurrent Acquire; keep the first stream
		stopTracks(s)
		g.refs++
		g.stats.Acquired++
		return g.stream, nil
	}
	g.stream = s
	g.refs = 1
	g.stats.Acquired++
	g.applyEnabled()
	log.Info().Str("module", "media").Str("stream_id", s.ID()).Int("tracks", len(s.Tracks())).Msg("media acquired")
	return s, nil
}

// Release gives back one reference. The last one stops every track.
func (g *Gate) Release(s core.MediaStream) {
	if s == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == nil || g.stream != s {
		log.Warn().Str("module", "media").Str("stream_id", s.ID()).Msg("release of a stream not held")
		return
	}
	g.refs--
	g.stats.Released++
	if g.refs > 0 {
		return
	}
	stopTracks(g.stream)
	log.Info().Str("module", "media").Str("stream_id", s.ID()).Msg("media released")
	g.stream = nil
}

// Stream returns the held stream for local preview, or nil.
func (g *Gate) Stream() core.MediaStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream
}

// SetAudioEnabled mutes or unmutes the microphone; it sticks for later streams.
func (g *Gate) SetAudioEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audio = enabled
	g.applyEnabled()
}

// SetVideoEnabled turns the camera picture on or off; it sticks for later streams.
func (g *Gate) SetVideoEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.video = enabled
	g.applyEnabled()
}

func (g *Gate) Enabled() (audio, video bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audio, g.video
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *Gate) applyEnabled() {
	if g.stream == nil {
		return
	}
	for _, t := range g.stream.Tracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			t.SetEnabled(g.audio)
		case webrtc.RTPCodecTypeVideo:
			t.SetEnabled(g.video)
		}
	}
}

func stopTracks(s core.MediaStream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func classify(err error) *core.MediaAccessError {
	var mErr *core.MediaAccessError
	if errors.As(err, &mErr) {
		return mErr
	}
	switch {
	case errors.Is(err, core.ErrPermissionDenied):
		return &core.MediaAccessError{Kind: core.MediaPermissionDenied, Err: err}
	case errors.Is(err, core.ErrDeviceUnavailable):
		return &core.MediaAccessError{Kind: core.MediaDeviceUnavailable, Err: err}
	}
	return &core.MediaAccessError{Kind: core.MediaOther, Err: err}
}
