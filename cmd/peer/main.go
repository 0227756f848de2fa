// Command peer is a headless call agent: it registers a user, rings on incoming
// calls, and can place or auto-answer calls with the local camera and microphone.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/peercall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("peer", pflag.ExitOnError)
	flags.String("user.id", "", "user id of this agent")
	flags.String("user.display_name", "", "name shown to callees")
	flags.String("transport.kind", "", "redis, relay or libp2p")
	flags.String("transport.relay.url", "", "relay websocket url")
	flags.String("store.driver", "", "sqlite or postgres")
	flags.String("store.dsn", "", "call store dsn")
	flags.Bool("call.auto_answer", false, "answer incoming calls immediately")
	flags.Duration("call.ring_timeout", 0, "mark unanswered incoming calls missed after this long")
	opts := options{}
	flags.StringVar(&opts.callee, "call", "", "user id to call on start")
	flags.DurationVar(&opts.hangupAfter, "hangup-after", 0, "hang up this long after a call becomes active")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Log.SetupLogging()
	cfg.WatchLogLevel()
	if err := cfg.ValidatePeer(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if err := run(ctx, cfg, opts); err != nil {
		log.Fatal().Err(err).Msg("peer failed")
	}
	log.Info().Msg("peer exited")
}
