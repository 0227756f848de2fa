//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Devices struct {
	cfg      Config
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
	seq      atomic.Int64
}

func New(cfg Config) (*Devices, error) {
	cfg = cfg.withDefaults()
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	d := &Devices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: log.With().Str("module", "device").Logger(),
	}
	for _, info := range mediadevices.EnumerateDevices() {
		d.logger.Info().Str("label", info.Label).Str("kind", fmt.Sprint(info.Kind)).Msg("media device")
	}
	return d, nil
}

// Setup registers the encoders' codecs so negotiated payload types match capture.
func (d *Devices) Setup(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *Devices) RequestMedia(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	type result struct {
		s   *stream
		err error
	}
	// GetUserMedia cannot be cancelled; a late result is closed on arrival
	done := make(chan result, 1)
	go func() {
		s, err := d.capture(c)
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.s != nil {
				for _, t := range r.s.tracks {
					t.Stop()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *Devices) capture(c core.MediaConstraints) (*stream, error) {
	var errs []error
	for _, a := range attempts(c) {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// raw formats only; some cameras expose a broken MJPEG node
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
				mc.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.logger.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			errs = append(errs, classify(err))
			continue
		}
		s := &stream{id: fmt.Sprintf("local-%d", d.seq.Add(1))}
		for _, t := range ms.GetTracks() {
			s.tracks = append(s.tracks, newTrack(t, d.logger))
		}
		d.logger.Info().Str("attempt", a.label).Int("tracks", len(s.tracks)).Msg("local media captured")
		return s, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("nothing requested: %w", core.ErrDeviceUnavailable)
	}
	return nil, pick(errs)
}

// pick prefers a permission failure: it is the one the user can fix.
func pick(errs []error) error {
	for _, err := range errs {
		if errors.Is(err, core.ErrPermissionDenied) {
			return err
		}
	}
	return errors.Join(errs...)
}

type stream struct {
	id     string
	tracks []*track
}

func (s *stream) ID() string { return s.id }

func (s *stream) Tracks() []core.MediaTrack {
	out := make([]core.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

type track struct {
	t       mediadevices.Track
	enabled atomic.Bool
	once    sync.Once
	logger  zerolog.Logger
}

func newTrack(t mediadevices.Track, logger zerolog.Logger) *track {
	tr := &track{t: t, logger: logger.With().Str("track_id", t.ID()).Logger()}
	tr.enabled.Store(true)
	t.OnEnded(func(err error) {
		if err != nil {
			tr.logger.Warn().Err(err).Msg("local track ended")
		}
	})
	// a disabled track keeps flowing with blank content so no renegotiation is needed
	switch v := t.(type) {
	case *mediadevices.VideoTrack:
		v.Transform(tr.blankVideo)
	case *mediadevices.AudioTrack:
		v.Transform(tr.silenceAudio)
	}
	return tr
}

func (t *track) ID() string                { return t.t.ID() }
func (t *track) Kind() webrtc.RTPCodecType { return t.t.Kind() }
func (t *track) Enabled() bool             { return t.enabled.Load() }
func (t *track) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *track) Local() webrtc.TrackLocal  { return t.t }

func (t *track) Stop() {
	t.once.Do(func() {
		if err := t.t.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("track close failed")
		}
	})
}

func (t *track) blankVideo(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		if yuv, ok := img.(*image.YCbCr); ok {
			black := image.NewYCbCr(yuv.Rect, yuv.SubsampleRatio)
			for i := range black.Cb {
				black.Cb[i] = 128
			}
			for i := range black.Cr {
				black.Cr[i] = 128
			}
			if release != nil {
				release()
			}
			return black, func() {}, nil
		}
		return img, release, err
	})
}

func (t *track) silenceAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		var silent wave.Audio
		switch a := chunk.(type) {
		case *wave.Int16Interleaved:
			silent = wave.NewInt16Interleaved(a.ChunkInfo())
		case *wave.Float32Interleaved:
			silent = wave.NewFloat32Interleaved(a.ChunkInfo())
		default:
			return chunk, release, err
		}
		if release != nil {
			release()
		}
		return silent, func() {}, nil
	})
}
