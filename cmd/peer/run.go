package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/adapters/device"
	"github.com/dkeye/peercall/internal/adapters/pubsub"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/app/calls"
	"github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/app/signal"
	"github.com/dkeye/peercall/internal/app/watcher"
	"github.com/dkeye/peercall/internal/auth"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type options struct {
	callee      string
	hangupAfter time.Duration
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	me := domain.UserID(cfg.User.ID)

	transport, closeTransport, err := openTransport(ctx, cfg, me)
	if err != nil {
		return err
	}
	defer closeTransport()

	driver := cfg.Store.Driver
	if driver == "postgres" {
		driver = store.DriverPostgres
	}
	st, err := store.Open(ctx, store.Config{Driver: driver, DSN: cfg.Store.DSN}, transport)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cfg.User.DisplayName
	if name == "" {
		name = string(me)
	}
	profile, err := domain.NewProfile(me, name, "")
	if err != nil {
		return err
	}
	if err := st.PutProfile(ctx, *profile); err != nil {
		return fmt.Errorf("register profile: %w", err)
	}

	devs, err := device.New(device.Config{
		VideoBitRate: cfg.Device.VideoBitRate,
		MaxWidth:     cfg.Device.MaxWidth,
		MaxHeight:    cfg.Device.MaxHeight,
	})
	if err != nil {
		return err
	}
	stats := &rtpStats{}
	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers:          cfg.ICE.Servers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepAlive,
	}, devs.Setup, stats.observe)
	if err != nil {
		return err
	}

	ctrl := calls.New(calls.Deps{
		Self:      me,
		Store:     st,
		Media:     media.NewGate(devs),
		Channels:  signal.NewChannels(transport, me, cfg.Transport.IgnoreEcho),
		Connector: factory,
		Records:   watcher.NewRecords(transport),
	}, calls.Options{
		Constraints: core.MediaConstraints{Audio: cfg.Call.Audio, Video: cfg.Call.Video},
		RingTimeout: cfg.Call.RingTimeout,
	})
	updates, stopUpdates := ctrl.Updates()
	defer stopUpdates()

	w := watcher.New(transport, st, ctrl.Knows)
	if err := w.Subscribe(ctx, me, ctrl.Ring); err != nil {
		return err
	}
	defer w.Unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error {
		return follow(ctx, ctrl, updates, cfg.Call.AutoAnswer, opts.hangupAfter, stats)
	})
	if opts.callee != "" {
		g.Go(func() error {
			if err := ctrl.Call(ctx, domain.UserID(opts.callee)); err != nil {
				return fmt.Errorf("call %s: %w", opts.callee, err)
			}
			return nil
		})
	}
	log.Info().Str("module", "peer").Str("user_id", string(me)).Str("transport", cfg.Transport.Kind).Msg("peer ready")
	return g.Wait()
}

// follow logs every phase change and drives the unattended behaviours.
func follow(ctx context.Context, ctrl *calls.Controller, updates <-chan calls.Update, autoAnswer bool, hangupAfter time.Duration, stats *rtpStats) error {
	var hangup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hangup:
			hangup = nil
			if err := ctrl.HangUp(ctx); err != nil && !errors.Is(err, core.ErrInvalidState) {
				log.Warn().Err(err).Str("module", "peer").Msg("hangup failed")
			}
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			ev := log.Info().Str("module", "peer").
				Str("phase", u.Phase.String()).
				Str("call_id", string(u.CallID)).
				Str("peer", string(u.PeerID)).
				Str("role", u.Role.String())
			if u.Reason != calls.ReasonNone {
				ev = ev.Str("reason", string(u.Reason))
			}
			if u.Err != nil {
				ev = ev.AnErr("cause", u.Err)
			}
			if u.Caller != nil {
				ev = ev.Str("caller_name", u.Caller.DisplayName)
			}
			ev.Msg("call update")

			switch u.Phase {
			case calls.PhaseRingingRemote:
				if autoAnswer {
					if err := ctrl.Answer(ctx); err != nil {
						log.Warn().Err(err).Str("module", "peer").Msg("auto-answer failed")
					}
				}
			case calls.PhaseActive:
				stats.reset()
				if hangupAfter > 0 {
					hangup = time.After(hangupAfter)
				}
			case calls.PhaseIdle:
				hangup = nil
				audio, video := stats.snapshot()
				log.Info().Str("module", "peer").Int64("audio_packets", audio).Int64("video_packets", video).Msg("remote media received")
			}
		}
	}
}

func openTransport(ctx context.Context, cfg *config.Config, me domain.UserID) (core.Transport, func(), error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportRedis:
		rdb, err := pubsub.OpenRedis(ctx, pubsub.RedisConfig{Addr: tc.Redis.Addr, Password: tc.Redis.Password, DB: tc.Redis.DB})
		if err != nil {
			return nil, nil, err
		}
		return pubsub.NewRedisTransport(rdb, false), func() { _ = rdb.Close() }, nil
	case config.TransportLibp2p:
		t, err := pubsub.NewGossipTransport(ctx, pubsub.GossipConfig{
			ListenAddrs: tc.Libp2p.Listen,
			Bootstrap:   tc.Libp2p.Bootstrap,
			MDNS:        tc.Libp2p.MDNS,
			MDNSTag:     tc.Libp2p.MDNSTag,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	case config.TransportRelay:
		token := tc.Relay.Token
		if token == "" && cfg.Server.Secret != "" {
			m, err := auth.NewManager(cfg.Server.Secret, cfg.Server.TokenTTL)
			if err != nil {
				return nil, nil, err
			}
			if token, err = m.Issue(time.Now(), me); err != nil {
				return nil, nil, err
			}
		}
		relayURL := tc.Relay.URL
		if token == "" {
			// debug relays accept a session identity instead of a token
			var err error
			if relayURL, err = withUserQuery(relayURL, me); err != nil {
				return nil, nil, err
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		t, err := pubsub.DialWS(dialCtx, pubsub.WSConfig{URL: relayURL, Token: token})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", tc.Kind)
}

// withUserQuery sets the user query parameter, keeping any the url already has.
func withUserQuery(raw string, me domain.UserID) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", string(me))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
