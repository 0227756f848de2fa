package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 54*time.Second, cfg.Server.PingPeriod)
	assert.Equal(t, TransportRelay, cfg.Transport.Kind)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:global.stun.twilio.com:3478"}, cfg.ICE.Servers)
	assert.True(t, cfg.Call.Audio)
	assert.Zero(t, cfg.Call.RingTimeout)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	writeConfig(t, "test", `
mode: debug
user:
  id: alice
store:
  driver: postgres
  dsn: postgres://localhost/peercall
transport:
  kind: redis
call:
  ring_timeout: 30s
`)
	t.Setenv("PEERCALL_TRANSPORT_REDIS_ADDR", "redis:6380")

	flags := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flags.String("user.display_name", "", "")
	require.NoError(t, flags.Parse([]string{"--user.display_name=Alice"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, "alice", cfg.User.ID)
	assert.Equal(t, "Alice", cfg.User.DisplayName)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "redis:6380", cfg.Transport.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Call.RingTimeout)
	require.NoError(t, cfg.ValidatePeer())
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Config{Mode: "loud", Log: LogConfig{Level: "chatty"}, Store: StoreConfig{Driver: "mongo"}}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"mode", "log.level", "store.driver", "store.dsn"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateServerNeedsSecretInRelease(t *testing.T) {
	cfg := Config{
		Mode:   "release",
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Driver: "sqlite", DSN: "file:x.db"},
		Server: ServerConfig{Port: 8080, PublishLimit: 10, PublishWindow: time.Second, PingPeriod: time.Second},
	}
	assert.ErrorContains(t, cfg.ValidateServer(), "server.secret")

	cfg.Mode = "debug"
	assert.NoError(t, cfg.ValidateServer())
}

func TestValidatePeer(t *testing.T) {
	base := func() Config {
		return Config{
			Mode:      "release",
			Log:       LogConfig{Level: "info"},
			Store:     StoreConfig{Driver: "sqlite", DSN: "file:x.db"},
			User:      UserConfig{ID: "bob"},
			Transport: TransportConfig{Kind: TransportLibp2p, Libp2p: Libp2pConfig{Listen: []string{"/ip4/0.0.0.0/tcp/0"}}},
			Call:      CallConfig{Audio: true},
		}
	}
	ok := base()
	assert.NoError(t, ok.ValidatePeer())

	badUser := base()
	badUser.User.ID = "bo:b"
	assert.ErrorContains(t, badUser.ValidatePeer(), "user.id")

	noMedia := base()
	noMedia.Call.Audio = false
	assert.ErrorContains(t, noMedia.ValidatePeer(), "call.audio")

	relay := base()
	relay.Transport = TransportConfig{Kind: TransportRelay, Relay: RelayConfig{URL: "ws://x"}}
	assert.ErrorContains(t, relay.ValidatePeer(), "token")

	unknown := base()
	unknown.Transport.Kind = "carrier-pigeon"
	assert.ErrorContains(t, unknown.ValidatePeer(), "transport.kind")
}

func TestWatchLogLevelReloadsOnWrite(t *testing.T) {
	writeConfig(t, "watch", "log:\n  level: info\n")
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.Log.SetupLogging()
	cfg.WatchLogLevel()
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	require.NoError(t, os.WriteFile(filepath.Join("config", "config.watch.yaml"), []byte("log:\n  level: debug\n"), 0o644))
	assert.Eventually(t, func() bool { return zerolog.GlobalLevel() == zerolog.DebugLevel }, 3*time.Second, 20*time.Millisecond)
}

func TestWatchLogLevelWithoutFileIsNoop(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.NotPanics(t, cfg.WatchLogLevel)
	assert.NotPanics(t, (&Config{}).WatchLogLevel)
}
