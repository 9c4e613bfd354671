package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel      string
	PostgresDSN   string
	RedisAddr     string
	CheckInterval time.Duration
	MetricsAddr   string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		CheckInterval: v.GetDuration("check_interval"),
		MetricsAddr:   v.GetString("metrics_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
