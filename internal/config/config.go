// Package config loads process configuration from an optional TOML file and
// the environment. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as "25s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Server    Server    `toml:"server"`
	Auth      Auth      `toml:"auth"`
	Store     Store     `toml:"store"`
	Redis     Redis     `toml:"redis"`
	NATS      NATS      `toml:"nats"`
	Log       Log       `toml:"log"`
	WebSocket WebSocket `toml:"websocket"`
	Typing    Typing    `toml:"typing"`
}

type Server struct {
	Port         string `toml:"port"`
	AllowOrigins string `toml:"allow_origins"`
	NodeID       string `toml:"node_id"`
}

type Auth struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
}

type Store struct {
	Driver      string `toml:"driver"`
	DatabaseURL string `toml:"database_url"`
}

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type NATS struct {
	URL string `toml:"url"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Path   string `toml:"path"`
}

type WebSocket struct {
	PingInterval Duration `toml:"ping_interval"`
	PongWait     Duration `toml:"pong_wait"`
	WriteWait    Duration `toml:"write_wait"`
	SendBuffer   int      `toml:"send_buffer"`
	EventRate    float64  `toml:"event_rate"`
	EventBurst   int      `toml:"event_burst"`
}

type Typing struct {
	TTL Duration `toml:"ttl"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the built-in values.
func Default() Config {
	return Config{
		Server: Server{Port: "8080", AllowOrigins: "http://localhost:3000"},
		Auth:   Auth{TokenTTL: Duration{24 * time.Hour}},
		Store:  Store{Driver: DriverPostgres},
		Log:    Log{Level: "info", Format: "text"},
		WebSocket: WebSocket{
			PingInterval: Duration{25 * time.Second},
			PongWait:     Duration{60 * time.Second},
			WriteWait:    Duration{10 * time.Second},
			SendBuffer:   256,
			EventRate:    20,
			EventBurst:   40,
		},
		Typing: Typing{TTL: Duration{8 * time.Second}},
	}
}

// Load reads .env, then the TOML file at path (if any), then the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.FromENV(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromENV overrides fields whose variable is set.
func (c *Config) FromENV() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.AllowOrigins, "ALLOW_ORIGINS")
	setString(&c.Server.NodeID, "NODE_ID")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.Path, "LOG_FILE")

	return errors.Join(
		setInt(&c.Redis.DB, "REDIS_DB"),
		setDuration(&c.Auth.TokenTTL, "TOKEN_TTL"),
		setDuration(&c.WebSocket.PingInterval, "WS_PING_INTERVAL"),
		setDuration(&c.WebSocket.PongWait, "WS_PONG_WAIT"),
		setDuration(&c.WebSocket.WriteWait, "WS_WRITE_WAIT"),
		setInt(&c.WebSocket.SendBuffer, "WS_SEND_BUFFER"),
		setFloat(&c.WebSocket.EventRate, "WS_EVENT_RATE"),
		setInt(&c.WebSocket.EventBurst, "WS_EVENT_BURST"),
		setDuration(&c.Typing.TTL, "TYPING_TTL"),
	)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.WebSocket.PongWait.Duration <= c.WebSocket.PingInterval.Duration {
		errs = append(errs, errors.New("WS_PONG_WAIT must be longer than WS_PING_INTERVAL"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = d
	return nil
}
