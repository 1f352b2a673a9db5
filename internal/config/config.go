package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	_ "github.com/joho/godotenv/autoload"

	"famfin/support-service/internal/utils"
)

const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	MongoDB      MongoDBConfig
	Redis        RedisConfig
	Server       ServerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Support      SupportConfig
	Log          utils.LogConfig
}

type MongoDBConfig struct {
	URI            string        `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/?replicaSet=rs0"`
	DBName         string        `env:"MONGO_DB" envDefault:"family_finance"`
	ConnectTimeout time.Duration `env:"MONGO_CONNECT_TIMEOUT" envDefault:"10s"`
}

type RedisConfig struct {
	Enabled bool   `env:"REDIS_ENABLED" envDefault:"false"`
	URL     string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Channel string `env:"REDIS_EVENTS_CHANNEL" envDefault:"support_events"`
}

type ServerConfig struct {
	Port        string        `env:"SERVER_PORT" envDefault:"8007"`
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	CORSOrigins []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	Production  bool          `env:"PRODUCTION" envDefault:"false"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"JWT_ISSUER"`
}

type NotificationConfig struct {
	// Empty disables push notifications to the other party.
	ServiceURL string `env:"NOTIFICATION_SERVICE_URL"`
}

type SupportConfig struct {
	StoreDriver      string        `env:"SUPPORT_STORE" envDefault:"mongo"`
	TicketRetries    int           `env:"SUPPORT_TICKET_RETRIES" envDefault:"5"`
	IORetries        int           `env:"SUPPORT_IO_RETRIES" envDefault:"3"`
	IOBackoff        time.Duration `env:"SUPPORT_IO_BACKOFF" envDefault:"100ms"`
	CriticalAfter    time.Duration `env:"SUPPORT_CRITICAL_AFTER" envDefault:"1h"`
	ActiveWindow     time.Duration `env:"SUPPORT_ACTIVE_WINDOW" envDefault:"24h"`
	SubscriberBuffer int           `env:"SUPPORT_SUBSCRIBER_BUFFER" envDefault:"64"`
}

// NewConfig creates a new Config
func NewConfig() (*Config, error) {
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	switch c.Support.StoreDriver {
	case StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("unknown SUPPORT_STORE %q", c.Support.StoreDriver)
	}
	if c.Support.StoreDriver == StoreMongo && c.MongoDB.URI == "" {
		return errors.New("MONGO_URI must be set")
	}
	return nil
}
