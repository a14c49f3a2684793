package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	// Optional infrastructure. Empty values disable the feature.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	AMQPURL       string `env:"AMQP_URL"`

	// Messaging provider. Empty base URL selects the console provider.
	ProviderBaseURL string `env:"PROVIDER_BASE_URL"`

	// Scheduler loop.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	LockTTL      time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	// Delivery worker.
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"50"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase    time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"30s"`
	SendTimeout    time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`
	SendsPerMinute int           `env:"SENDS_PER_MINUTE" envDefault:"60"`
}

// Load reads .env if present, then the process environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
