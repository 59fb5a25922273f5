package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Queue config
	AWSRegion      string
	QueueURL       string
	FailedQueueURL string
	EventsTopicARN string // optional SNS fanout of terminal delivery events

	// Mail transport
	SESFromEmail string

	// Collaborator services
	UserServiceURL     string
	TemplateServiceURL string
	StatusServiceURL   string
	ServiceToken       string
	HTTPTimeoutSeconds int

	// Dispatch policy
	RateLimitPerHour       int
	BreakerThreshold       int
	BreakerRecoverySeconds int
	MaxSendAttempts        int
	MaxRedeliveries        int
	UserCacheTTLSeconds    int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@courier.local",

		HTTPTimeoutSeconds: 10,

		RateLimitPerHour:       10,
		BreakerThreshold:       3,
		BreakerRecoverySeconds: 30,
		MaxSendAttempts:        3,
		MaxRedeliveries:        3,
		UserCacheTTLSeconds:    300,
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

	// Queue config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if url := os.Getenv("QUEUE_URL"); url != "" {
		cfg.QueueURL = url
	}

	if url := os.Getenv("FAILED_QUEUE_URL"); url != "" {
		cfg.FailedQueueURL = url
	}

	if arn := os.Getenv("EVENTS_TOPIC_ARN"); arn != "" {
		cfg.EventsTopicARN = arn
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// Collaborator services
	if url := os.Getenv("USER_SERVICE_URL"); url != "" {
		cfg.UserServiceURL = url
	}

	if url := os.Getenv("TEMPLATE_SERVICE_URL"); url != "" {
		cfg.TemplateServiceURL = url
	}

	if url := os.Getenv("STATUS_SERVICE_URL"); url != "" {
		cfg.StatusServiceURL = url
	}

	if token := os.Getenv("SERVICE_TOKEN"); token != "" {
		cfg.ServiceToken = token
	}

	if timeout := os.Getenv("HTTP_TIMEOUT_SECONDS"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS: %w", err)
		}
		cfg.HTTPTimeoutSeconds = t
	}

	// Dispatch policy
	if limit := os.Getenv("EMAIL_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid EMAIL_RATE_LIMIT: %w", err)
		}
		cfg.RateLimitPerHour = l
	}

	if threshold := os.Getenv("BREAKER_FAILURE_THRESHOLD"); threshold != "" {
		v, err := strconv.Atoi(threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		cfg.BreakerThreshold = v
	}

	if recovery := os.Getenv("BREAKER_RECOVERY_SECONDS"); recovery != "" {
		v, err := strconv.Atoi(recovery)
		if err != nil {
			return nil, fmt.Errorf("invalid BREAKER_RECOVERY_SECONDS: %w", err)
		}
		cfg.BreakerRecoverySeconds = v
	}

	if attempts := os.Getenv("MAX_SEND_ATTEMPTS"); attempts != "" {
		v, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SEND_ATTEMPTS: %w", err)
		}
		cfg.MaxSendAttempts = v
	}

	if redeliveries := os.Getenv("MAX_REDELIVERIES"); redeliveries != "" {
		v, err := strconv.Atoi(redeliveries)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_REDELIVERIES: %w", err)
		}
		cfg.MaxRedeliveries = v
	}

	if ttl := os.Getenv("USER_CACHE_TTL_SECONDS"); ttl != "" {
		v, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid USER_CACHE_TTL_SECONDS: %w", err)
		}
		cfg.UserCacheTTLSeconds = v
	}

	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("QUEUE_URL is required")
	}

	return cfg, nil
}
