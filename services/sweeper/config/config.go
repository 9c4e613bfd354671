package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the sweeper service.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string

	SweepInterval time.Duration
	MaxAttempts   int

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		SweepInterval: v.GetDuration("sweep_interval"),
		MaxAttempts:   v.GetInt("max_attempts"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
