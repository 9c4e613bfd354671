package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers string

	Concurrency   int
	PollInterval  time.Duration
	PollJitter    time.Duration
	LeaseDuration time.Duration
	TaskTimeout   time.Duration
	MaxAttempts   int

	BackoffStrategy  string
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		RedisAddr:        v.GetString("redis_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		Concurrency:      v.GetInt("concurrency"),
		PollInterval:     v.GetDuration("poll_interval"),
		PollJitter:       v.GetDuration("poll_jitter"),
		LeaseDuration:    v.GetDuration("lease_duration"),
		TaskTimeout:      v.GetDuration("task_timeout"),
		MaxAttempts:      v.GetInt("max_attempts"),
		BackoffStrategy:  v.GetString("backoff_strategy"),
		BackoffBaseDelay: v.GetDuration("backoff_base_delay"),
		BackoffMaxDelay:  v.GetDuration("backoff_max_delay"),
		SMTPHost:         v.GetString("smtp_host"),
		SMTPPort:         v.GetInt("smtp_port"),
		SMTPFrom:         v.GetString("smtp_from"),
		SMTPUsername:     v.GetString("smtp_username"),
		SMTPPassword:     v.GetString("smtp_password"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
	}
}
