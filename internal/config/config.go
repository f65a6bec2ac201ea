package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig configures the device agent.
type DeviceConfig struct {
	ServerURL string          `yaml:"server_url"`
	Identity  IdentityConfig  `yaml:"identity"`
	Timing    TimingConfig    `yaml:"timing"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type IdentityConfig struct {
	// DeviceID overrides the hardware-derived identifier.
	DeviceID   string `yaml:"device_id"`
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
}

type TimingConfig struct {
	Heartbeat        time.Duration `yaml:"heartbeat"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type ReconnectConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig configures the backend.
type ServerConfig struct {
	Listen  string        `yaml:"listen"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	NonceTTL time.Duration `yaml:"nonce_ttl"`
}

func DefaultDevice() *DeviceConfig {
	return &DeviceConfig{
		ServerURL: "ws://localhost:9090/socket",
		Timing: TimingConfig{
			Heartbeat:        5 * time.Second,
			HandshakeTimeout: 15 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Initial:    1 * time.Second,
			Max:        60 * time.Second,
			Multiplier: 2,
			Jitter:     0.25,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Listen: "localhost:9090",
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "iot",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth:    AuthConfig{NonceTTL: 30 * time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadDevice reads path (optional) over the defaults and applies DEVICE_*
// environment overrides.
func LoadDevice(path string) (*DeviceConfig, error) {
	cfg := DefaultDevice()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	setString(&cfg.ServerURL, "DEVICE_SERVER_URL")
	setString(&cfg.Identity.DeviceID, "DEVICE_ID")
	setString(&cfg.Identity.Secret, "DEVICE_SECRET")
	setString(&cfg.Identity.SecretFile, "DEVICE_SECRET_FILE")
	setString(&cfg.Logging.Level, "DEVICE_LOG_LEVEL")
	if err := setDuration(&cfg.Timing.Heartbeat, "DEVICE_HEARTBEAT"); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.Timing.HandshakeTimeout, "DEVICE_HANDSHAKE_TIMEOUT"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *DeviceConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.Timing.Heartbeat <= 0 {
		return fmt.Errorf("config: heartbeat must be positive")
	}
	if c.Timing.HandshakeTimeout < 0 {
		return fmt.Errorf("config: handshake_timeout must not be negative")
	}
	return nil
}

// LoadServer reads path (optional) over the defaults and applies SERVER_*
// environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	setString(&cfg.Listen, "SERVER_LISTEN")
	setString(&cfg.Mongo.URI, "SERVER_MONGO_URI")
	setString(&cfg.Mongo.Database, "SERVER_MONGO_DATABASE")
	setString(&cfg.Redis.Addr, "SERVER_REDIS_ADDR")
	setString(&cfg.Redis.Password, "SERVER_REDIS_PASSWORD")
	setString(&cfg.Logging.Level, "SERVER_LOG_LEVEL")
	if v := os.Getenv("SERVER_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: SERVER_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if err := setDuration(&cfg.Auth.NonceTTL, "SERVER_NONCE_TTL"); err != nil {
		return nil, err
	}

	if cfg.Auth.NonceTTL <= 0 {
		return nil, fmt.Errorf("config: nonce_ttl must be positive")
	}
	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", env, err)
	}
	*dst = d
	return nil
}
