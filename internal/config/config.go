package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS / SES
	AWSRegion    string
	SESFromEmail string

	// Quota config
	HourlyLimit int           // max emails per user per clock hour
	MinDelay    time.Duration // floor for the delay between emails in a batch

	// Worker config
	WorkerConcurrency  int
	WorkerMaxAttempts  int           // delivery attempts before a job is dropped
	WorkerRatePerSec   int           // attempts-per-second cap across the pool
	WorkerPollInterval time.Duration // idle wait between queue polls
	RetryBackoff       time.Duration // base for exponential retry backoff
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "sendloop",
		DBPassword: "",
		DBName:     "sendloop",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@sendloop.local",

		HourlyLimit: 100,
		MinDelay:    1 * time.Second,

		WorkerConcurrency:  5,
		WorkerMaxAttempts:  3,
		WorkerRatePerSec:   10,
		WorkerPollInterval: 1 * time.Second,
		RetryBackoff:       5 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// Quota config
	if limit := os.Getenv("EMAIL_HOURLY_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_HOURLY_LIMIT: %w", err)
		}
		cfg.HourlyLimit = l
	}

	if delay := os.Getenv("EMAIL_MIN_DELAY_MS"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_MIN_DELAY_MS: %w", err)
		}
		cfg.MinDelay = time.Duration(d) * time.Millisecond
	}

	// Worker config
	if conc := os.Getenv("WORKER_CONCURRENCY"); conc != "" {
		c, err := strconv.Atoi(conc)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	if attempts := os.Getenv("WORKER_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_MAX_ATTEMPTS: %w", err)
		}
		cfg.WorkerMaxAttempts = a
	}

	if rate := os.Getenv("WORKER_RATE_PER_SEC"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_RATE_PER_SEC: %w", err)
		}
		cfg.WorkerRatePerSec = r
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL_MS"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL_MS: %w", err)
		}
		cfg.WorkerPollInterval = time.Duration(i) * time.Millisecond
	}

	if backoff := os.Getenv("WORKER_RETRY_BACKOFF_MS"); backoff != "" {
		b, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_RETRY_BACKOFF_MS: %w", err)
		}
		cfg.RetryBackoff = time.Duration(b) * time.Millisecond
	}

	return cfg, nil
}
