package rtc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are public STUN servers; no TURN relay is configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

type Config struct {
	ICEServers []string
	// ICE timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// MediaSetup registers codecs. The capture layer supplies one that matches its encoders.
type MediaSetup func(*webrtc.MediaEngine) error

// Factory builds peer connections sharing one pion API.
type Factory struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	sink Sink
	seq  atomic.Int64
}

func NewFactory(cfg Config, setup MediaSetup, sink Sink) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if setup == nil {
		setup = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := setup(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(
			orDefault(cfg.DisconnectedTimeout, 5*time.Second),
			orDefault(cfg.FailedTimeout, 25*time.Second),
			orDefault(cfg.KeepAliveInterval, 2*time.Second),
		)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Factory{
		api:  api,
		cfg:  webrtc.Configuration{ICEServers: servers},
		sink: sink,
	}, nil
}

func (f *Factory) NewPeerConnection() (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, fmt.Sprintf("pc-%d", f.seq.Add(1)), f.sink), nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
