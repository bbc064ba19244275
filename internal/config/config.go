package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Notification types that may bypass quiet hours. Kept as a closed set so a
// typo in QUIET_HOURS_EXEMPT fails at startup instead of silently bypassing
// suppression.
var knownExemptTypes = map[string]bool{
	"flash_deal_coupon": true,
	"fish_arrival":      true,
	"job_accepted":      true,
	"otp":               true,
	"urgent":            true,
}

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

	// SQS config (inbound event hand-off to the flow router)
	SQSRegion   string
	SQSQueueURL string

	// WhatsApp Cloud API
	WAAPIBaseURL     string
	WAPhoneNumberID  string
	WAAccessToken    string
	WAVerifyToken    string // webhook subscribe handshake
	WAAppSecret      string // HMAC secret for X-Hub-Signature-256
	WASkipSignature  bool   // testing only, ignored in production
	WARequestTimeout time.Duration

	// Quiet hours (local time). Window wraps midnight when Start > End.
	QuietHoursStart  int
	QuietHoursEnd    int
	QuietHoursExempt []string

	// Outbound rate ceilings
	RatePerSecond int
	RatePerMinute int

	// Job execution
	MaxAttempts   int
	Backoff       []time.Duration
	RetryDeadline time.Duration
	UniqueLockTTL time.Duration
	ClaimLeaseTTL time.Duration
	WorkerCount   int
	PollInterval  time.Duration

	// Digest composition
	DigestPreviewLimit int
	DigestTruncateAt   int
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
		DBUser:     "pasarwa",
		DBPassword: "",
		DBName:     "pasarwa",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		WAAPIBaseURL:     "https://graph.facebook.com/v19.0",
		WARequestTimeout: 30 * time.Second,

		QuietHoursStart:  22,
		QuietHoursEnd:    7,
		QuietHoursExempt: []string{"flash_deal_coupon", "fish_arrival", "job_accepted", "otp", "urgent"},

		RatePerSecond: 70,
		RatePerMinute: 4000,

		MaxAttempts:   3,
		Backoff:       []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second},
		RetryDeadline: 2 * time.Hour,
		UniqueLockTTL: 300 * time.Second,
		ClaimLeaseTTL: 300 * time.Second,
		WorkerCount:   4,
		PollInterval:  2 * time.Second,

		DigestPreviewLimit: 3,
		DigestTruncateAt:   40,
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

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// WhatsApp config
	if url := os.Getenv("WA_API_BASE_URL"); url != "" {
		cfg.WAAPIBaseURL = strings.TrimRight(url, "/")
	}

	if id := os.Getenv("WA_PHONE_NUMBER_ID"); id != "" {
		cfg.WAPhoneNumberID = id
	}

	if token := os.Getenv("WA_ACCESS_TOKEN"); token != "" {
		cfg.WAAccessToken = token
	}

	if token := os.Getenv("WA_VERIFY_TOKEN"); token != "" {
		cfg.WAVerifyToken = token
	}

	if secret := os.Getenv("WA_APP_SECRET"); secret != "" {
		cfg.WAAppSecret = secret
	}

	if skip := os.Getenv("WA_SKIP_SIGNATURE_CHECK"); skip != "" {
		b, err := strconv.ParseBool(skip)
		if err != nil {
			return nil, fmt.Errorf("invalid WA_SKIP_SIGNATURE_CHECK: %w", err)
		}
		cfg.WASkipSignature = b
	}

	if timeout := os.Getenv("WA_REQUEST_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WA_REQUEST_TIMEOUT: %w", err)
		}
		cfg.WARequestTimeout = time.Duration(t) * time.Second
	}

	// Quiet hours
	if start := os.Getenv("QUIET_HOURS_START"); start != "" {
		h, err := strconv.Atoi(start)
		if err != nil {
			return nil, fmt.Errorf("invalid QUIET_HOURS_START: %w", err)
		}
		cfg.QuietHoursStart = h
	}

	if end := os.Getenv("QUIET_HOURS_END"); end != "" {
		h, err := strconv.Atoi(end)
		if err != nil {
			return nil, fmt.Errorf("invalid QUIET_HOURS_END: %w", err)
		}
		cfg.QuietHoursEnd = h
	}

	if exempt := os.Getenv("QUIET_HOURS_EXEMPT"); exempt != "" {
		parts := strings.Split(exempt, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.QuietHoursExempt = parts
	}

	// Rate ceilings
	if limit := os.Getenv("RATE_PER_SECOND"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_PER_SECOND: %w", err)
		}
		cfg.RatePerSecond = n
	}

	if limit := os.Getenv("RATE_PER_MINUTE"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_PER_MINUTE: %w", err)
		}
		cfg.RatePerMinute = n
	}

	// Job execution
	if attempts := os.Getenv("JOB_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if deadline := os.Getenv("JOB_RETRY_DEADLINE"); deadline != "" {
		d, err := time.ParseDuration(deadline)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_RETRY_DEADLINE: %w", err)
		}
		cfg.RetryDeadline = d
	}

	if ttl := os.Getenv("JOB_UNIQUE_LOCK_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_UNIQUE_LOCK_TTL: %w", err)
		}
		cfg.UniqueLockTTL = d
	}

	if workers := os.Getenv("WORKER_COUNT"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_COUNT: %w", err)
		}
		cfg.WorkerCount = n
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 {
		return fmt.Errorf("QUIET_HOURS_START must be in [0,23], got %d", c.QuietHoursStart)
	}
	if c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return fmt.Errorf("QUIET_HOURS_END must be in [0,23], got %d", c.QuietHoursEnd)
	}
	for _, typ := range c.QuietHoursExempt {
		if !knownExemptTypes[typ] {
			return fmt.Errorf("unknown quiet-hours exempt type %q", typ)
		}
	}
	if c.RatePerSecond <= 0 || c.RatePerMinute <= 0 {
		return fmt.Errorf("rate ceilings must be positive (got %d/s, %d/min)", c.RatePerSecond, c.RatePerMinute)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
// Signature verification is never skipped in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
