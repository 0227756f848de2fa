// Package coretest provides in-memory fakes of the core device and peer-connection contracts.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
)

var streamSeq atomic.Int64

type Track struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stops   int
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type Stream struct {
	id     string
	tracks []*Track
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []core.MediaTrack {
	out := make([]core.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// FakeTracks exposes the concrete tracks for assertions.
func (s *Stream) FakeTracks() []*Track { return s.tracks }

// Devices hands out fake streams. Set Err to make every request fail.
type Devices struct {
	mu       sync.Mutex
	Err      error
	requests int
	streams  []*Stream
	// Block, when non-nil, delays RequestMedia until it is closed or ctx ends.
	Block chan struct{}
}

func (d *Devices) RequestMedia(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	d.mu.Lock()
	d.requests++
	block, fail := d.Block, d.Err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	n := streamSeq.Add(1)
	s := &Stream{id: fmt.Sprintf("stream-%d", n)}
	if c.Audio {
		s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("audio-%d", n), webrtc.RTPCodecTypeAudio))
	}
	if c.Video {
		s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("video-%d", n), webrtc.RTPCodecTypeVideo))
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Devices) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

func (d *Devices) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

func (d *Devices) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}
