package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	TransportRedis  = "redis"
	TransportRelay  = "relay"
	TransportLibp2p = "libp2p"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	User      UserConfig      `mapstructure:"user"`
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Call      CallConfig      `mapstructure:"call"`
	Device    DeviceConfig    `mapstructure:"device"`

	v    *viper.Viper
	file string
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// ServerConfig drives the relay server.
type ServerConfig struct {
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	// PublishLimit publishes are allowed to one identity per PublishWindow.
	PublishLimit  int           `mapstructure:"publish_limit"`
	PublishWindow time.Duration `mapstructure:"publish_window"`
	SendBuffer    int           `mapstructure:"send_buffer"`
}

type UserConfig struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	// IgnoreEcho drops signals this client sent, for transports that loop them back.
	IgnoreEcho bool         `mapstructure:"ignore_echo"`
	Redis      RedisConfig  `mapstructure:"redis"`
	Relay      RelayConfig  `mapstructure:"relay"`
	Libp2p     Libp2pConfig `mapstructure:"libp2p"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RelayConfig struct {
	URL string `mapstructure:"url"`
	// Token is a pre-issued identity token; without it one is minted from server.secret.
	Token string `mapstructure:"token"`
}

type Libp2pConfig struct {
	Listen    []string `mapstructure:"listen"`
	Bootstrap []string `mapstructure:"bootstrap"`
	MDNS      bool     `mapstructure:"mdns"`
	MDNSTag   string   `mapstructure:"mdns_tag"`
}

type ICEConfig struct {
	Servers             []string      `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAlive           time.Duration `mapstructure:"keepalive"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	Audio       bool          `mapstructure:"audio"`
	Video       bool          `mapstructure:"video"`
	AutoAnswer  bool          `mapstructure:"auto_answer"`
}

type DeviceConfig struct {
	VideoBitRate int `mapstructure:"video_bitrate"`
	MaxWidth     int `mapstructure:"max_width"`
	MaxHeight    int `mapstructure:"max_height"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 65536)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.publish_limit", 100)
	v.SetDefault("server.publish_window", "2s")
	v.SetDefault("server.send_buffer", 256)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:peercall.db")

	v.SetDefault("transport.kind", TransportRelay)
	v.SetDefault("transport.ignore_echo", true)
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.relay.url", "ws://localhost:8080/api/ws/pubsub")
	v.SetDefault("transport.libp2p.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("transport.libp2p.mdns", true)
	v.SetDefault("transport.libp2p.mdns_tag", "peercall")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302", "stun:global.stun.twilio.com:3478"})

	v.SetDefault("call.ring_timeout", "0s")
	v.SetDefault("call.audio", true)
	v.SetDefault("call.video", true)
	v.SetDefault("call.auto_answer", false)

	v.SetDefault("device.video_bitrate", 1_500_000)
	v.SetDefault("device.max_width", 640)
	v.SetDefault("device.max_height", 480)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults, then PEERCALL_*
// environment variables, then any flags that were set.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("PEERCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	loaded := true
	if err := v.ReadInConfig(); err != nil {
		loaded = false
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	if loaded {
		cfg.file = fileName
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("transport", cfg.Transport.Kind).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Debug() bool { return c.Mode == "debug" }

// Validate checks what every binary needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("mode must be debug, release or test, got %q", c.Mode))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	return errors.Join(errs...)
}

// ValidateServer adds the relay server's requirements.
func (c *Config) ValidateServer() error {
	errs := []error{c.Validate()}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be a valid port, got %d", c.Server.Port))
	}
	if c.Server.Secret == "" && !c.Debug() {
		errs = append(errs, errors.New("server.secret is required outside debug mode"))
	}
	if c.Server.PublishLimit <= 0 || c.Server.PublishWindow <= 0 {
		errs = append(errs, errors.New("server.publish_limit and server.publish_window must be positive"))
	}
	if c.Server.PingPeriod <= 0 {
		errs = append(errs, errors.New("server.ping_period must be positive"))
	}
	return errors.Join(errs...)
}

// ValidatePeer adds the call agent's requirements.
func (c *Config) ValidatePeer() error {
	errs := []error{c.Validate()}
	if !domain.UserID(c.User.ID).Valid() {
		errs = append(errs, fmt.Errorf("user.id %q: %w", c.User.ID, domain.ErrUserIDInvalid))
	}
	if len(c.User.DisplayName) > domain.MaxDisplayNameLen {
		errs = append(errs, domain.ErrDisplayNameTooLong)
	}
	switch c.Transport.Kind {
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is required"))
		}
	case TransportRelay:
		if c.Transport.Relay.URL == "" {
			errs = append(errs, errors.New("transport.relay.url is required"))
		}
		if c.Transport.Relay.Token == "" && c.Server.Secret == "" && !c.Debug() {
			errs = append(errs, errors.New("transport.relay.token or server.secret is required"))
		}
	case TransportLibp2p:
		if len(c.Transport.Libp2p.Listen) == 0 {
			errs = append(errs, errors.New("transport.libp2p.listen is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be redis, relay or libp2p, got %q", c.Transport.Kind))
	}
	if !c.Call.Audio && !c.Call.Video {
		errs = append(errs, errors.New("call.audio and call.video cannot both be off"))
	}
	if c.Call.RingTimeout < 0 {
		errs = append(errs, errors.New("call.ring_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// WatchLogLevel re-applies log.level whenever the config file changes.
// Other keys need a restart. It does nothing when no file was loaded.
func (c *Config) WatchLogLevel() {
	if c.v == nil || c.file == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		level, err := zerolog.ParseLevel(c.v.GetString("log.level"))
		if err != nil || level == zerolog.NoLevel {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignoring bad log.level")
			return
		}
		zerolog.SetGlobalLevel(level)
		log.Info().Str("module", "config").Str("level", level.String()).Msg("log level reloaded")
	})
	c.v.WatchConfig()
}

// SetupLogging configures the global zerolog logger.
func (l LogConfig) SetupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if l.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
