//go:build !linux

package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Devices has no capture drivers on this platform. Calls still negotiate
// receive-only media.
type Devices struct{}

func New(cfg Config) (*Devices, error) {
	_ = cfg.withDefaults()
	log.Warn().Str("module", "device").Str("os", runtime.GOOS).Msg("no capture drivers, media requests will fail")
	return &Devices{}, nil
}

func (d *Devices) Setup(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Devices) RequestMedia(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("capture on %s: %w", runtime.GOOS, core.ErrDeviceUnavailable)
}
