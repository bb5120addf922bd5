// Package config loads runtime settings from defaults, an optional .env
// file, an optional config file, CARPOOL_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported backends.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
	StoreMongo   = "mongo"
	StoreMemory  = "memory"
)

// EnvPrefix prefixes every environment override, e.g. CARPOOL_REDIS_URL.
const EnvPrefix = "CARPOOL"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WSConfig holds per-connection WebSocket limits and keepalive timings.
type WSConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
}

// RateLimitConfig defines per-connection inbound message throttling.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// BrokerConfig selects the shared broker.
type BrokerConfig struct {
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig locates the Redis broker.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// StoreConfig selects the chat message store.
type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MongoConfig locates the chat collection.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// AuthConfig holds the secret used to read peer identity tokens. An empty
// secret disables identity lookup.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WS        WSConfig        `mapstructure:"ws"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WS: WSConfig{
			MaxMessageSize: 4096,
			SendBuffer:     256,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Broker: BrokerConfig{
			Driver:  BrokerRedis,
			Timeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Store: StoreConfig{
			Driver:  StoreMongo,
			Timeout: 5 * time.Second,
		},
		Mongo: MongoConfig{
			URI:        "mongodb://localhost:27017",
			Database:   "carpool",
			Collection: "chats",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// NewViper returns a viper instance preloaded with defaults and environment
// bindings. Callers may bind flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("ws.max_message_size", d.WS.MaxMessageSize)
	v.SetDefault("ws.send_buffer", d.WS.SendBuffer)
	v.SetDefault("ws.ping_interval", d.WS.PingInterval)
	v.SetDefault("ws.pong_wait", d.WS.PongWait)
	v.SetDefault("ws.write_wait", d.WS.WriteWait)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	v.SetDefault("ratelimit.refill_interval", d.RateLimit.RefillInterval)
	v.SetDefault("broker.driver", d.Broker.Driver)
	v.SetDefault("broker.timeout", d.Broker.Timeout)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.timeout", d.Store.Timeout)
	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)
	v.SetDefault("mongo.collection", d.Mongo.Collection)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configFile (if not empty) into v and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg = Sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize replaces zero or out-of-range values with defaults.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = d.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	cfg.Server.AllowedOrigins = trimOrigins(cfg.Server.AllowedOrigins)
	cfg.Server.ReadTimeout = positiveDuration(cfg.Server.ReadTimeout, d.Server.ReadTimeout)
	cfg.Server.WriteTimeout = positiveDuration(cfg.Server.WriteTimeout, d.Server.WriteTimeout)
	cfg.Server.IdleTimeout = positiveDuration(cfg.Server.IdleTimeout, d.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = positiveDuration(cfg.Server.ShutdownTimeout, d.Server.ShutdownTimeout)

	if cfg.WS.MaxMessageSize <= 0 {
		cfg.WS.MaxMessageSize = d.WS.MaxMessageSize
	}
	if cfg.WS.SendBuffer <= 0 {
		cfg.WS.SendBuffer = d.WS.SendBuffer
	}
	cfg.WS.PongWait = positiveDuration(cfg.WS.PongWait, d.WS.PongWait)
	cfg.WS.PingInterval = positiveDuration(cfg.WS.PingInterval, d.WS.PingInterval)
	if cfg.WS.PingInterval >= cfg.WS.PongWait {
		cfg.WS.PingInterval = cfg.WS.PongWait * 9 / 10
	}
	cfg.WS.WriteWait = positiveDuration(cfg.WS.WriteWait, d.WS.WriteWait)

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	cfg.RateLimit.RefillInterval = positiveDuration(cfg.RateLimit.RefillInterval, d.RateLimit.RefillInterval)

	cfg.Broker.Driver = strings.ToLower(strings.TrimSpace(cfg.Broker.Driver))
	if cfg.Broker.Driver == "" {
		cfg.Broker.Driver = d.Broker.Driver
	}
	cfg.Broker.Timeout = positiveDuration(cfg.Broker.Timeout, d.Broker.Timeout)

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	cfg.Store.Timeout = positiveDuration(cfg.Store.Timeout, d.Store.Timeout)
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = d.Mongo.Database
	}
	if cfg.Mongo.Collection == "" {
		cfg.Mongo.Collection = d.Mongo.Collection
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	return cfg
}

// Validate rejects settings that have no usable default.
func (c Config) Validate() error {
	switch c.Broker.Driver {
	case BrokerRedis:
		if c.Redis.URL == "" {
			return errors.New("config: redis.url is required for the redis broker")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("config: unknown broker.driver %q", c.Broker.Driver)
	}

	switch c.Store.Driver {
	case StoreMongo:
		if c.Mongo.URI == "" {
			return errors.New("config: mongo.uri is required for the mongo store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		// Env values arrive as one comma-separated string.
		for _, part := range strings.Split(origin, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
