// Package device captures camera and microphone through pion/mediadevices.
// Capture needs the V4L2 and malgo drivers, so only Linux builds get real devices.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/peercall/internal/core"
)

type Config struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

func (c Config) withDefaults() Config {
	out := c
	if out.VideoBitRate <= 0 {
		out.VideoBitRate = 1_500_000
	}
	if out.MaxWidth <= 0 {
		out.MaxWidth = 640
	}
	if out.MaxHeight <= 0 {
		out.MaxHeight = 480
	}
	return out
}

type attempt struct {
	video bool
	audio bool
	label string
}

// attempts lists what to try for c, richest first. A missing microphone
// must not keep the camera from working and vice versa.
func attempts(c core.MediaConstraints) []attempt {
	var out []attempt
	if c.Video && c.Audio {
		out = append(out, attempt{true, true, "video+audio"})
	}
	if c.Video {
		out = append(out, attempt{true, false, "video-only"})
	}
	if c.Audio {
		out = append(out, attempt{false, true, "audio-only"})
	}
	return out
}

// classify maps driver errors onto the sentinels the media gate understands.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrPermissionDenied) || errors.Is(err, core.ErrDeviceUnavailable) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"),
		strings.Contains(msg, "failed to find"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}
	return err
}
