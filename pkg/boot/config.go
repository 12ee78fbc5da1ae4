// Package boot provides the service bootstrap shared by the migrator
// binaries: environment config, Vault secrets and NATS/Postgres connections.
package boot

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults used when the corresponding variable is unset or invalid.
const (
	DefaultMetricsAddr = ":9090"
	DefaultLockTimeout = 3 * time.Second
	DefaultConcurrency = 4
)

// Config holds bootstrap configuration read from environment variables.
type Config struct {
	VaultAddr       string
	VaultToken      string
	NATSUrl         string
	VaultNKEYPath   string
	VaultTLSPath    string
	VaultDBPath     string
	NATSRequireMTLS bool

	// DatabaseURL, when set, is used instead of the Vault database secret.
	DatabaseURL string
	MetricsAddr string
	LockTimeout time.Duration
	// Concurrency bounds in-flight migrations per process.
	Concurrency int
}

// LoadConfig reads bootstrap configuration from environment variables.
func LoadConfig(service string) Config {
	requireMTLS, _ := strconv.ParseBool(os.Getenv("NATS_REQUIRE_MTLS"))
	cfg := Config{
		VaultAddr:       envOrDefault("VAULT_ADDR", "http://127.0.0.1:8201"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		NATSUrl:         envOrDefault("NATS_URL", "tls://localhost:4222"),
		VaultNKEYPath:   envOrDefault("VAULT_NKEY_PATH", "secret/data/rule-migrator/nats/"+service),
		VaultTLSPath:    envOrDefault("VAULT_TLS_PATH", "secret/data/rule-migrator/tls/"+service),
		VaultDBPath:     envOrDefault("VAULT_DB_PATH", "secret/data/rule-migrator/postgres/"+service),
		NATSRequireMTLS: requireMTLS,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		MetricsAddr:     envOrDefault("METRICS_ADDR", DefaultMetricsAddr),
		LockTimeout:     envDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		Concurrency:     envPositiveInt("MIGRATION_CONCURRENCY", DefaultConcurrency),
	}

	if os.Getenv("ENVIRONMENT") == "production" && strings.HasPrefix(cfg.VaultAddr, "http://") {
		log.Fatalf("vault: VAULT_ADDR uses plaintext HTTP (%s); HTTPS required in production", cfg.VaultAddr)
	}

	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func envPositiveInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
