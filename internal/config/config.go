// Package config loads server configuration from the environment, with
// an optional .env file for development.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr      string        `envconfig:"ADDR" default:":8080"`
	RedisURL  string        `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"168h"`
	LogLevel  string        `envconfig:"LOG_LEVEL" default:"info"`

	// Standalone runs with the in-memory store and loopback bus, no
	// Redis required. Useful for development and demos.
	Standalone bool `envconfig:"STANDALONE" default:"false"`

	// Per-connection token bucket for inbound client events.
	EventRatePerSecond float64 `envconfig:"EVENT_RATE_PER_SECOND" default:"20"`
	EventBurst         int     `envconfig:"EVENT_BURST" default:"40"`

	// Outbound buffer per connection; a client that falls this far
	// behind is disconnected.
	SendBufferSize int `envconfig:"SEND_BUFFER_SIZE" default:"256"`
}

func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
