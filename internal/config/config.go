package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Monitor strategies accepted by MAILGUARD_MONITOR_STRATEGY.
const (
	StrategyAuto = "auto"
	StrategyIdle = "idle"
	StrategyPoll = "poll"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	// APITokens maps bearer tokens to user IDs for the HTTP API.
	APITokens map[string]string

	IMAPUseTLS            bool
	MonitorStrategy       string
	PollInterval          time.Duration
	IdleTimeout           time.Duration
	KeepaliveThreshold    time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	DedupTTL              time.Duration
	ScanWorkers           int
	ScanQueueSize         int
	ShutdownGrace         time.Duration
	ClassifierURL         string
	SafeBrowsingAPIKey    string
	URLScanAPIKey         string
	URLScanSettleDelay    time.Duration
	ProviderTimeout       time.Duration
	RedisURL              string
	AMQPURL               string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILGUARD_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	p := &parser{}
	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("MAILGUARD_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("MAILGUARD_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILGUARD_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILGUARD_DB_USER", "mailguard"),
		DBPassword:          os.Getenv("MAILGUARD_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILGUARD_DB_NAME", "mailguard"),
		DBSSLMode:           getEnvOrDefault("MAILGUARD_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),

		APITokens: p.tokens("MAILGUARD_API_TOKENS"),

		IMAPUseTLS:            p.bool("MAILGUARD_IMAP_TLS", true),
		MonitorStrategy:       strings.ToLower(getEnvOrDefault("MAILGUARD_MONITOR_STRATEGY", StrategyAuto)),
		PollInterval:          p.duration("MAILGUARD_POLL_INTERVAL", 60*time.Second),
		IdleTimeout:           p.duration("MAILGUARD_IDLE_TIMEOUT", 5*time.Minute),
		KeepaliveThreshold:    p.duration("MAILGUARD_KEEPALIVE_THRESHOLD", time.Minute),
		ReconnectInitialDelay: p.duration("MAILGUARD_RECONNECT_INITIAL_DELAY", 5*time.Second),
		ReconnectMaxDelay:     p.duration("MAILGUARD_RECONNECT_MAX_DELAY", 5*time.Minute),
		DedupTTL:              p.duration("MAILGUARD_DEDUP_TTL", time.Hour),
		ScanWorkers:           p.int("MAILGUARD_SCAN_WORKERS", 5),
		ScanQueueSize:         p.int("MAILGUARD_SCAN_QUEUE_SIZE", 100),
		ShutdownGrace:         p.duration("MAILGUARD_SHUTDOWN_GRACE", 30*time.Second),
		ClassifierURL:         getEnvOrDefault("MAILGUARD_CLASSIFIER_URL", "http://ai:8000/analyze-email"),
		SafeBrowsingAPIKey:    os.Getenv("MAILGUARD_SAFE_BROWSING_API_KEY"),
		URLScanAPIKey:         os.Getenv("MAILGUARD_URLSCAN_API_KEY"),
		URLScanSettleDelay:    p.duration("MAILGUARD_URLSCAN_SETTLE_DELAY", 11*time.Second),
		ProviderTimeout:       p.duration("MAILGUARD_PROVIDER_TIMEOUT", 15*time.Second),
		RedisURL:              os.Getenv("MAILGUARD_REDIS_URL"),
		AMQPURL:               os.Getenv("MAILGUARD_AMQP_URL"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILGUARD_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILGUARD_DB_PASSWORD is required")
	}

	switch c.MonitorStrategy {
	case StrategyAuto, StrategyIdle, StrategyPoll:
	default:
		return fmt.Errorf("MAILGUARD_MONITOR_STRATEGY must be one of auto, idle, poll; got %q", c.MonitorStrategy)
	}

	if c.PollInterval <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("poll interval and IDLE timeout must be positive")
	}

	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < initial <= max")
	}

	if c.ScanWorkers < 1 || c.ScanQueueSize < 1 {
		return fmt.Errorf("MAILGUARD_SCAN_WORKERS and MAILGUARD_SCAN_QUEUE_SIZE must be at least 1")
	}

	if c.ClassifierURL != "" {
		if _, err := url.ParseRequestURI(c.ClassifierURL); err != nil {
			return fmt.Errorf("invalid MAILGUARD_CLASSIFIER_URL: %w", err)
		}
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed values and collects every malformed one, so a bad
// environment is reported in one go.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return d
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return n
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return b
}

// tokens parses "token1:user1,token2:user2".
func (p *parser) tokens(key string) map[string]string {
	result := make(map[string]string)
	raw := os.Getenv(key)
	if raw == "" {
		return result
	}
	for _, pair := range strings.Split(raw, ",") {
		token, userID, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || userID == "" {
			p.errs = append(p.errs, fmt.Errorf("invalid %s entry %q: want token:user_id", key, pair))
			continue
		}
		result[token] = userID
	}
	return result
}
