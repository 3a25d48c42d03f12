// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"broker/internal/broker"
	"broker/internal/broker/metrics"
	"broker/internal/broker/retry"
	"broker/internal/broker/tracing"
	"broker/internal/broker/worker"
	"broker/internal/couchbase"
	"broker/internal/storage/mysql"
	"broker/internal/transport/httpapi"
	"broker/internal/validator"
)

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverMySQL     = "mysql"
	DriverCouchbase = "couchbase"
)

type Config struct {
	StorageDriver  string        `env:"STORAGE_DRIVER" envDefault:"memory" validate:"oneof=memory mysql couchbase"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	Version        string        `env:"BROKER_VERSION" envDefault:"dev"`
	OrderingWindow time.Duration `env:"ORDERING_WINDOW" envDefault:"0s" validate:"gte=0"`

	MySQL     mysql.Config
	Couchbase couchbase.Config
	HTTP      httpapi.Config
	Worker    worker.Config
	Retry     retry.Policy
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config
	E2E       E2E
}

// E2E drives the `e2e` load demo.
type E2E struct {
	Topic         string  `env:"E2E_TOPIC" envDefault:"orders"`
	Subscription  string  `env:"E2E_SUBSCRIPTION" envDefault:"orders-processing"`
	EventCount    int     `env:"E2E_EVENT_COUNT" envDefault:"1000" validate:"gte=0"`
	KeyCount      int     `env:"E2E_KEY_COUNT" envDefault:"50" validate:"gt=0"`
	Publishers    int     `env:"E2E_PUBLISHERS" envDefault:"4" validate:"gt=0"`
	Workers       int     `env:"E2E_WORKERS" envDefault:"8" validate:"gt=0"`
	MaxDeliveries int     `env:"E2E_MAX_DELIVERIES" envDefault:"5" validate:"gte=0"`
	FailureRate   float64 `env:"E2E_FAILURE_RATE" envDefault:"0.05" validate:"gte=0,lte=1"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from vars instead of the process
// environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := validator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config: %v", broker.ErrValidation, err)
	}

	return cfg, nil
}
