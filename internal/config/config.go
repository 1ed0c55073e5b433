// Package config loads the chat server's settings from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/ws"
)

type Config struct {
	// WebSocket server
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	MaxFrameSize      int64         `env:"MAX_FRAME_SIZE" envDefault:"32768"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	ServerName        string        `env:"SERVER_NAME"`

	// Storage
	DatabaseURL    string        `env:"DATABASE_URL,required"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Event publishing; empty disables it.
	NATSURL string `env:"NATS_URL"`

	// Auth. SocketAuth makes announce carry a bearer token for the user.
	JWTSecret  string `env:"JWT_SECRET,required"`
	SocketAuth bool   `env:"SOCKET_AUTH" envDefault:"true"`

	// Rate limits
	EventRateLimit  int           `env:"EVENT_RATE_LIMIT" envDefault:"30"`
	EventRateWindow time.Duration `env:"EVENT_RATE_WINDOW" envDefault:"10s"`
	SendRateLimit   int           `env:"SEND_RATE_LIMIT" envDefault:"20"`
	SendRateWindow  time.Duration `env:"SEND_RATE_WINDOW" envDefault:"10s"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "ws-1"
		}
		cfg.ServerName = host
	}
	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("parse config: WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	return cfg, nil
}

// ServerConfig returns the WebSocket server settings.
func (c *Config) ServerConfig() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:        c.ListenAddr,
		WorkerPoolSize:    c.WorkerPoolSize,
		MaxConnections:    c.MaxConnections,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		MaxFrameSize:      c.MaxFrameSize,
		SendQueueSize:     c.SendQueueSize,
	}
}

// EventRule is the per-session socket event limit.
func (c *Config) EventRule() ratelimit.Rule {
	return ratelimit.RuleEvent.WithLimit(c.EventRateLimit, c.EventRateWindow)
}

// SendRule is the per-user HTTP send limit.
func (c *Config) SendRule() ratelimit.Rule {
	return ratelimit.RuleSend.WithLimit(c.SendRateLimit, c.SendRateWindow)
}
