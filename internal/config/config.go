package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration read from the environment
type Config struct {
	Port   string
	AppURL string

	MongoURI      string
	MongoDatabase string
	PostgresDSN   string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	EncryptionKey string

	CloverClientID          string
	CloverClientSecret      string
	CloverAPIBase           string
	CloverOAuthBase         string
	CloverRequestsPerSecond float64
	CloverBurst             int

	WebhookSecret      string
	CronSecret         string
	OAuthStateSecret   string
	AllowedReturnHosts []string

	TokenRefreshInterval time.Duration
	TokenRefreshWindow   time.Duration
	OrderMatchWindow     time.Duration
}

// Load reads the configuration. Malformed numbers and durations are reported
// rather than silently replaced by defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:   getenv("PORT", "8080"),
		AppURL: strings.TrimRight(getenv("APP_URL", "http://localhost:8080"), "/"),

		MongoURI:      getenv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGODB_DATABASE", "clover_layer"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "clover.integration-events"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		CloverClientID:     os.Getenv("CLOVER_CLIENT_ID"),
		CloverClientSecret: os.Getenv("CLOVER_CLIENT_SECRET"),
		CloverAPIBase:      strings.TrimRight(getenv("CLOVER_API_BASE", "https://api.clover.com"), "/"),
		CloverOAuthBase:    getenv("CLOVER_OAUTH_BASE", "https://www.clover.com"),

		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		CronSecret:         os.Getenv("CRON_SECRET"),
		OAuthStateSecret:   os.Getenv("OAUTH_STATE_SECRET"),
		AllowedReturnHosts: splitCSV(os.Getenv("ALLOWED_RETURN_HOSTS")),
	}

	var err error
	if cfg.CloverRequestsPerSecond, err = getFloat("CLOVER_REQUESTS_PER_SECOND", 16); err != nil {
		return Config{}, err
	}
	if cfg.CloverBurst, err = getInt("CLOVER_BURST", 4); err != nil {
		return Config{}, err
	}
	if cfg.TokenRefreshInterval, err = getDuration("TOKEN_REFRESH_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.TokenRefreshWindow, err = getDuration("TOKEN_REFRESH_WINDOW", 6*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.OrderMatchWindow, err = getDuration("ORDER_MATCH_WINDOW", 90*time.Minute); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the settings the server cannot start without
func (c Config) Validate() error {
	var missing []string
	if c.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if c.CloverClientID == "" {
		missing = append(missing, "CLOVER_CLIENT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RedirectURI is the OAuth callback registered with the platform
func (c Config) RedirectURI() string {
	return c.AppURL + "/oauth/callback"
}

// ReturnHosts are the hosts an OAuth return_to may point at. The app's own host is always allowed.
func (c Config) ReturnHosts() []string {
	hosts := append([]string{}, c.AllowedReturnHosts...)
	if u, err := url.Parse(c.AppURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", k, err)
	}
	return f, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", k, err)
	}
	return n, nil
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", k, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
