package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/adapters/pubsub"
	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/auth"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Log.SetupLogging()
	cfg.WatchLogLevel()
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("relay server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	var tokens *auth.Manager
	if cfg.Server.Secret != "" {
		if tokens, err = auth.NewManager(cfg.Server.Secret, cfg.Server.TokenTTL); err != nil {
			return err
		}
	}

	srv := relay.NewServer(relay.Config{
		ReadLimit:     cfg.Server.ReadLimit,
		PingPeriod:    cfg.Server.PingPeriod,
		SendBuffer:    cfg.Server.SendBuffer,
		PublishLimit:  cfg.Server.PublishLimit,
		PublishWindow: cfg.Server.PublishWindow,
	}, backend, relay.SimplePolicy{})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, srv, tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("relay server started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackend picks where relay clients meet: redis lets several relay
// instances share topics, otherwise one in-process hub.
func openBackend(ctx context.Context, cfg *config.Config) (relay.Backend, func(), error) {
	if cfg.Transport.Kind != config.TransportRedis {
		log.Info().Str("module", "relay").Msg("using in-process hub")
		return relay.HubBackend(pubsub.NewHub()), func() {}, nil
	}
	rdb, err := pubsub.OpenRedis(ctx, pubsub.RedisConfig{
		Addr:     cfg.Transport.Redis.Addr,
		Password: cfg.Transport.Redis.Password,
		DB:       cfg.Transport.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "relay").Str("addr", cfg.Transport.Redis.Addr).Msg("using redis backend")
	backend := func(string) (core.Transport, error) {
		return pubsub.NewRedisTransport(rdb, false), nil
	}
	return backend, func() { _ = rdb.Close() }, nil
}
