package boot

import (
	"context"
	"fmt"
	"testing"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// mockVaultReader implements vaultReader for testing.
type mockVaultReader struct {
	secret *vault.Secret
	err    error
}

func (m *mockVaultReader) Read(path string) (*vault.Secret, error) {
	return m.secret, m.err
}

// kv wraps fields in a KV v2 response.
func kv(fields map[string]any) *mockVaultReader {
	return &mockVaultReader{secret: &vault.Secret{Data: map[string]any{"data": fields}}}
}

func wantErrString(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

// ---------------------------------------------------------------------------
// fetchKV / kvStrings
// ---------------------------------------------------------------------------

func TestFetchKVEnvelope(t *testing.T) {
	testCases := []struct {
		name    string
		reader  vaultReader
		wantErr string
	}{
		{"valid", kv(map[string]any{"seed": "S"}), ""},
		{"read error", &mockVaultReader{err: fmt.Errorf("connection refused")}, "read secret/test: connection refused"},
		{"nil secret", &mockVaultReader{}, "no data at secret/test"},
		{"nil data", &mockVaultReader{secret: &vault.Secret{}}, "no data at secret/test"},
		{"missing data wrapper", &mockVaultReader{secret: &vault.Secret{Data: map[string]any{"not_data": "x"}}}, "unexpected data format at secret/test"},
		{"data wrapper not a map", &mockVaultReader{secret: &vault.Secret{Data: map[string]any{"data": "x"}}}, "unexpected data format at secret/test"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fetchKV(tc.reader, "secret/test")
			wantErrString(t, err, tc.wantErr)
		})
	}
}

func TestKVStrings(t *testing.T) {
	data := map[string]any{"a": "1", "b": "2", "empty": "", "num": 7}

	got, err := kvStrings(data, "p", "b", "a")
	if err != nil || len(got) != 2 || got[0] != "2" || got[1] != "1" {
		t.Fatalf("kvStrings = %v, %v", got, err)
	}
	for _, field := range []string{"missing", "empty", "num"} {
		_, err := kvStrings(data, "p", "a", field)
		wantErrString(t, err, "missing "+field+" in p")
	}
}

// ---------------------------------------------------------------------------
// Secret fetchers
// ---------------------------------------------------------------------------

func TestFetchSeed(t *testing.T) {
	testCases := []struct {
		name    string
		reader  vaultReader
		want    string
		wantErr string
	}{
		{"valid", kv(map[string]any{"seed": "SUAEXAMPLE", "public_key": "UEXAMPLE"}), "SUAEXAMPLE", ""},
		{"missing seed", kv(map[string]any{"public_key": "UEXAMPLE"}), "", "missing seed in secret/test"},
		{"seed wrong type", kv(map[string]any{"seed": 12345}), "", "missing seed in secret/test"},
		{"envelope error", &mockVaultReader{}, "", "no data at secret/test"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fetchSeed(tc.reader, "secret/test")
			wantErrString(t, err, tc.wantErr)
			if got != tc.want {
				t.Errorf("seed = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFetchTLS(t *testing.T) {
	full := func(drop string, override any) map[string]any {
		m := map[string]any{"cert": "CERT", "key": "KEY", "ca": "CA"}
		if drop != "" {
			if override != nil {
				m[drop] = override
			} else {
				delete(m, drop)
			}
		}
		return m
	}
	testCases := []struct {
		name    string
		reader  vaultReader
		wantErr string
	}{
		{"valid", kv(full("", nil)), ""},
		{"missing cert", kv(full("cert", nil)), "missing cert in secret/test"},
		{"missing key", kv(full("key", nil)), "missing key in secret/test"},
		{"missing ca", kv(full("ca", nil)), "missing ca in secret/test"},
		{"empty cert", kv(full("cert", "")), "missing cert in secret/test"},
		{"cert wrong type", kv(full("cert", 123)), "missing cert in secret/test"},
		{"read error", &mockVaultReader{err: fmt.Errorf("sealed")}, "read secret/test: sealed"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mat, err := fetchTLS(tc.reader, "secret/test")
			wantErrString(t, err, tc.wantErr)
			if tc.wantErr != "" {
				return
			}
			if string(mat.Cert) != "CERT" || string(mat.Key) != "KEY" || string(mat.CA) != "CA" {
				t.Errorf("material = %q %q %q", mat.Cert, mat.Key, mat.CA)
			}
		})
	}
}

func TestFetchDatabaseURL(t *testing.T) {
	testCases := []struct {
		name    string
		reader  vaultReader
		want    string
		wantErr string
	}{
		{"valid", kv(map[string]any{"url": "postgres://migrator@db/rules"}), "postgres://migrator@db/rules", ""},
		{"missing url", kv(map[string]any{"user": "migrator"}), "", "missing url in secret/test"},
		{"read error", &mockVaultReader{err: fmt.Errorf("permission denied")}, "", "read secret/test: permission denied"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fetchDatabaseURL(tc.reader, "secret/test")
			wantErrString(t, err, tc.wantErr)
			if got != tc.want {
				t.Errorf("url = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	got, err := DatabaseURL(Config{DatabaseURL: "postgres://local/rules"})
	if err != nil || got != "postgres://local/rules" {
		t.Errorf("DatabaseURL = %q, %v", got, err)
	}

	// Without DATABASE_URL the Vault secret is read, which needs a token.
	_, err = DatabaseURL(Config{})
	wantErrString(t, err, "VAULT_TOKEN is not set")
}

func TestConnectPostgresValidation(t *testing.T) {
	if _, err := ConnectPostgres(context.Background(), ""); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := ConnectPostgres(context.Background(), "postgres://%zz"); err == nil {
		t.Error("expected error for malformed URL")
	}
}

// ---------------------------------------------------------------------------
// NATS
// ---------------------------------------------------------------------------

func TestRequiresTLS(t *testing.T) {
	testCases := []struct {
		cfg  Config
		want bool
	}{
		{Config{NATSUrl: "tls://nats:4222"}, true},
		{Config{NATSUrl: "nats://nats:4222", NATSRequireMTLS: true}, true},
		{Config{NATSUrl: "nats://nats:4222"}, false},
	}
	for _, tc := range testCases {
		if got := tc.cfg.RequiresTLS(); got != tc.want {
			t.Errorf("RequiresTLS(%+v) = %t, want %t", tc.cfg, got, tc.want)
		}
	}
}

func TestClientTLSRejectsBadMaterial(t *testing.T) {
	testCases := []struct {
		name    string
		mat     *TLSMaterial
		wantErr string
	}{
		{"nil material", nil, "TLS material is required for mTLS connection"},
		{"bad CA", &TLSMaterial{Cert: []byte("c"), Key: []byte("k"), CA: []byte("not-pem")}, "failed to parse CA certificate from Vault"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := clientTLS(tc.mat)
			wantErrString(t, err, tc.wantErr)
		})
	}
}

func TestConnectNATSFailsBeforeDialing(t *testing.T) {
	const seed = "SUAIBDPBAUTWCWBKIO6XHQNINK5FWJW4OHLXC3HQ2KFE4PEJUA44CNHTC4"

	_, err := ConnectNATS(Config{NATSUrl: "nats://nats:4222"}, "test", "not-a-valid-seed", nil)
	wantErrString(t, err, "parse seed: illegal base32 data at input byte 0")

	_, err = ConnectNATS(Config{NATSUrl: "tls://nats:4222"}, "test", seed, nil)
	wantErrString(t, err, "TLS material is required for mTLS connection")
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

var configKeys = []string{
	"VAULT_ADDR", "VAULT_TOKEN", "NATS_URL", "VAULT_NKEY_PATH", "VAULT_TLS_PATH",
	"VAULT_DB_PATH", "NATS_REQUIRE_MTLS", "DATABASE_URL", "METRICS_ADDR",
	"LOCK_TIMEOUT", "MIGRATION_CONCURRENCY", "ENVIRONMENT",
}

func TestLoadConfig(t *testing.T) {
	testCases := []struct {
		name    string
		service string
		env     map[string]string
		want    Config
	}{
		{
			name:    "defaults",
			service: "migrator",
			want: Config{
				VaultAddr:     "http://127.0.0.1:8201",
				NATSUrl:       "tls://localhost:4222",
				VaultNKEYPath: "secret/data/rule-migrator/nats/migrator",
				VaultTLSPath:  "secret/data/rule-migrator/tls/migrator",
				VaultDBPath:   "secret/data/rule-migrator/postgres/migrator",
				MetricsAddr:   DefaultMetricsAddr,
				LockTimeout:   DefaultLockTimeout,
				Concurrency:   DefaultConcurrency,
			},
		},
		{
			name:    "overrides",
			service: "migratectl",
			env: map[string]string{
				"VAULT_ADDR":            "https://vault.prod:8200",
				"VAULT_TOKEN":           "s.mytoken",
				"NATS_URL":              "nats://nats.prod:4222",
				"VAULT_NKEY_PATH":       "secret/data/custom/nkey",
				"VAULT_TLS_PATH":        "secret/data/custom/tls",
				"VAULT_DB_PATH":         "secret/data/custom/db",
				"NATS_REQUIRE_MTLS":     "true",
				"DATABASE_URL":          "postgres://u:p@db:5432/rules",
				"METRICS_ADDR":          ":9300",
				"LOCK_TIMEOUT":          "750ms",
				"MIGRATION_CONCURRENCY": "16",
			},
			want: Config{
				VaultAddr:       "https://vault.prod:8200",
				VaultToken:      "s.mytoken",
				NATSUrl:         "nats://nats.prod:4222",
				VaultNKEYPath:   "secret/data/custom/nkey",
				VaultTLSPath:    "secret/data/custom/tls",
				VaultDBPath:     "secret/data/custom/db",
				NATSRequireMTLS: true,
				DatabaseURL:     "postgres://u:p@db:5432/rules",
				MetricsAddr:     ":9300",
				LockTimeout:     750 * time.Millisecond,
				Concurrency:     16,
			},
		},
		{
			name:    "invalid numbers fall back",
			service: "migrator",
			env:     map[string]string{"LOCK_TIMEOUT": "soon", "MIGRATION_CONCURRENCY": "-2"},
			want: Config{
				VaultAddr:     "http://127.0.0.1:8201",
				NATSUrl:       "tls://localhost:4222",
				VaultNKEYPath: "secret/data/rule-migrator/nats/migrator",
				VaultTLSPath:  "secret/data/rule-migrator/tls/migrator",
				VaultDBPath:   "secret/data/rule-migrator/postgres/migrator",
				MetricsAddr:   DefaultMetricsAddr,
				LockTimeout:   DefaultLockTimeout,
				Concurrency:   DefaultConcurrency,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, key := range configKeys {
				t.Setenv(key, tc.env[key])
			}
			if got := LoadConfig(tc.service); got != tc.want {
				t.Errorf("LoadConfig() =\n%+v\nwant\n%+v", got, tc.want)
			}
		})
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_BOOT_VAR", "custom")
	t.Setenv("TEST_BOOT_UNSET", "")
	if got := envOrDefault("TEST_BOOT_VAR", "fallback"); got != "custom" {
		t.Errorf("set: got %q", got)
	}
	if got := envOrDefault("TEST_BOOT_UNSET", "fallback"); got != "fallback" {
		t.Errorf("unset: got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Vault client and retry
// ---------------------------------------------------------------------------

func TestNewVaultClient(t *testing.T) {
	_, err := newVaultClient("http://localhost:8200", "")
	wantErrString(t, err, "VAULT_TOKEN is not set")

	t.Setenv("VAULT_ADDR", "")
	client, err := newVaultClient("http://localhost:8200", "test-token")
	if err != nil || client == nil {
		t.Fatalf("newVaultClient = %v, %v", client, err)
	}
	if client.Address() != "http://localhost:8200" {
		t.Errorf("address = %q", client.Address())
	}
}

func TestWithRetry(t *testing.T) {
	saved := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = saved })

	testCases := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"first attempt", 0, 1, false},
		{"after two failures", 2, 3, false},
		{"exhausted", 100, 4, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := withRetry("test", func() error {
				calls++
				if calls <= tc.failures {
					return fmt.Errorf("failure %d", calls)
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %t", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}
