package config

import (
	"os"
	"time"
)

// Config captures everything the gateway needs from its environment: the
// listen address, the BankID RP endpoint and transport credentials, and the
// polling cadence knobs.
type Config struct {
	Addr string

	// BankID RP API v6 endpoint and the mutual-TLS credential used to reach it.
	APIBaseURL string
	CertFile   string
	KeyFile    string
	CAFile     string

	// Polling cadence. MaxWait defaults to the provider's own 90s order
	// lifetime; the RP guidelines forbid collecting more often than every 2s.
	PollInterval      time.Duration
	MaxWait           time.Duration
	QRRefreshInterval time.Duration

	JWTSigningKey string

	// RedisURL selects the Redis-backed session store when set. Empty means
	// sessions live in process memory.
	RedisURL string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:              envOr("BANKID_GATEWAY_ADDR", ":8080"),
		APIBaseURL:        envOr("BANKID_API_URL", "https://appapi2.test.bankid.com/rp/v6.0"),
		CertFile:          os.Getenv("BANKID_CERT"),
		KeyFile:           os.Getenv("BANKID_KEY"),
		CAFile:            os.Getenv("BANKID_CA"),
		PollInterval:      durationOr("BANKID_POLL_INTERVAL", 2*time.Second),
		MaxWait:           durationOr("BANKID_MAX_WAIT", 90*time.Second),
		QRRefreshInterval: durationOr("BANKID_QR_REFRESH", 30*time.Second),
		JWTSigningKey:     envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		RedisURL:          os.Getenv("REDIS_URL"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
