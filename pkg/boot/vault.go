package boot

import (
	"fmt"
	"log"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// TLSMaterial holds PEM-encoded TLS certificate material fetched from Vault.
type TLSMaterial struct {
	Cert []byte
	Key  []byte
	CA   []byte
}

// vaultReader abstracts Vault read operations for testing.
type vaultReader interface {
	Read(path string) (*vault.Secret, error)
}

// newVaultClient creates a configured Vault client.
func newVaultClient(addr, token string) (*vault.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN is not set")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.SetToken(token)
	return client, nil
}

// readSecret runs fetch against a fresh client with retry.
func readSecret[T any](addr, token string, fetch func(vaultReader) (T, error)) (T, error) {
	var out T
	client, err := newVaultClient(addr, token)
	if err != nil {
		return out, err
	}
	err = withRetry("vault", func() error {
		var fetchErr error
		out, fetchErr = fetch(client.Logical())
		return fetchErr
	})
	return out, err
}

// FetchNATSSeed retrieves the NATS NKEY seed from Vault KV v2.
func FetchNATSSeed(addr, token, path string) (string, error) {
	return readSecret(addr, token, func(r vaultReader) (string, error) {
		return fetchSeed(r, path)
	})
}

// FetchNATSTLS retrieves TLS client certificate material from Vault KV v2.
func FetchNATSTLS(addr, token, path string) (*TLSMaterial, error) {
	return readSecret(addr, token, func(r vaultReader) (*TLSMaterial, error) {
		return fetchTLS(r, path)
	})
}

// FetchDatabaseURL retrieves the Postgres connection URL from Vault KV v2.
func FetchDatabaseURL(addr, token, path string) (string, error) {
	return readSecret(addr, token, func(r vaultReader) (string, error) {
		return fetchDatabaseURL(r, path)
	})
}

// DatabaseURL returns cfg.DatabaseURL when set and the Vault secret otherwise.
func DatabaseURL(cfg Config) (string, error) {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	return FetchDatabaseURL(cfg.VaultAddr, cfg.VaultToken, cfg.VaultDBPath)
}

// fetchKV reads a KV v2 secret and returns its inner data map.
func fetchKV(r vaultReader, path string) (map[string]any, error) {
	secret, err := r.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// kvStrings extracts non-empty string fields in order.
func kvStrings(data map[string]any, path string, fields ...string) ([]string, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		v, ok := data[f].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing %s in %s", f, path)
		}
		out[i] = v
	}
	return out, nil
}

func fetchSeed(r vaultReader, path string) (string, error) {
	data, err := fetchKV(r, path)
	if err != nil {
		return "", err
	}
	v, err := kvStrings(data, path, "seed")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func fetchTLS(r vaultReader, path string) (*TLSMaterial, error) {
	data, err := fetchKV(r, path)
	if err != nil {
		return nil, err
	}
	v, err := kvStrings(data, path, "cert", "key", "ca")
	if err != nil {
		return nil, err
	}
	return &TLSMaterial{Cert: []byte(v[0]), Key: []byte(v[1]), CA: []byte(v[2])}, nil
}

func fetchDatabaseURL(r vaultReader, path string) (string, error) {
	data, err := fetchKV(r, path)
	if err != nil {
		return "", err
	}
	v, err := kvStrings(data, path, "url")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

// retryDelays are the waits between attempts of withRetry.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// withRetry retries fn up to len(retryDelays) times, logging under component.
func withRetry(component string, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i < len(retryDelays) {
			log.Printf("%s: retry %d/%d after error: %v", component, i+1, len(retryDelays), err)
			time.Sleep(retryDelays[i])
		}
	}
	return err
}
