package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "riverdb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const minimalConfig = `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
      password: secret
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.APIBind != "127.0.0.1" {
		t.Errorf("APIBind = %q, want 127.0.0.1", cfg.Listen.APIBind)
	}
	if cfg.Listen.MaxProxyConnections != 10000 {
		t.Errorf("MaxProxyConnections = %d, want 10000", cfg.Listen.MaxProxyConnections)
	}

	srv := cfg.Postgres.Servers[0]
	if srv.MaxConnections != 100 {
		t.Errorf("MaxConnections = %d, want 100", srv.MaxConnections)
	}
	if srv.MaxConcurrentTransactions != 80 {
		t.Errorf("MaxConcurrentTransactions = %d, want 80", srv.MaxConcurrentTransactions)
	}
	if srv.IdleTimeoutSeconds != 1800 {
		t.Errorf("IdleTimeoutSeconds = %d, want 1800", srv.IdleTimeoutSeconds)
	}
	if got := srv.EffectiveDialTimeout(); got != 5*time.Second {
		t.Errorf("EffectiveDialTimeout() = %v, want 5s", got)
	}
}

func TestLoadHonorsExplicitMaxConcurrentTransactions(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
      max_connections: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Postgres.Servers[0].MaxConcurrentTransactions; got != 40 {
		t.Errorf("MaxConcurrentTransactions = %d, want 40 (80%% of 50)", got)
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	os.Setenv("RIVERDB_TEST_PASSWORD", "s3cr3t")
	defer os.Unsetenv("RIVERDB_TEST_PASSWORD")

	path := writeTempConfig(t, `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
      password: ${RIVERDB_TEST_PASSWORD}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Postgres.Servers[0].Password != "s3cr3t" {
		t.Errorf("Password = %q, want substituted value", cfg.Postgres.Servers[0].Password)
	}
}

func TestLoadParsesReplicas(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
      replicas:
        - database: orders
          host: 10.0.0.2
          port: 5432
          user: riverdb
        - database: orders
          host: 10.0.0.3
          port: 5432
          user: riverdb
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv := cfg.Postgres.Servers[0]
	if len(srv.Replicas) != 2 {
		t.Fatalf("len(Replicas) = %d, want 2", len(srv.Replicas))
	}
	for _, r := range srv.Replicas {
		if r.MaxConnections != 100 {
			t.Errorf("replica MaxConnections = %d, want 100 (defaults apply recursively)", r.MaxConnections)
		}
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  postgres_port: 99999
  api_port: 8080
postgres:
  servers: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an out-of-range postgres_port")
	}
}

func TestLoadRejectsDuplicateDatabase(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
    - database: orders
      host: 10.0.0.2
      port: 5432
      user: riverdb
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject duplicate database names")
	}
}

func TestLoadRejectsMaxConcurrentTransactionsExceedingMaxConnections(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  postgres_port: 6432
  api_port: 8080
postgres:
  servers:
    - database: orders
      host: 10.0.0.1
      port: 5432
      user: riverdb
      max_connections: 10
      max_concurrent_transactions: 20
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject max_concurrent_transactions > max_connections")
	}
}

func TestValidateDatabaseName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"orders", false},
		{"orders_db-1", false},
		{"", true},
		{"-orders", true},
		{"orders db", true},
	}
	for _, tc := range cases {
		err := ValidateDatabaseName(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateDatabaseName(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestRedactedMasksPasswordRecursively(t *testing.T) {
	srv := ServerConfig{
		Database: "orders",
		Password: "hunter2",
		Replicas: []ServerConfig{
			{Database: "orders", Password: "hunter3"},
		},
	}
	redacted := srv.Redacted()
	if redacted.Password != "***REDACTED***" {
		t.Errorf("Password = %q, want redacted", redacted.Password)
	}
	if redacted.Replicas[0].Password != "***REDACTED***" {
		t.Errorf("replica Password = %q, want redacted", redacted.Replicas[0].Password)
	}
	if srv.Password != "hunter2" {
		t.Error("Redacted() must not mutate the receiver")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		reloaded <- c
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := minimalConfig + "\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if len(cfg.Postgres.Servers) != 1 {
			t.Errorf("reloaded config has %d servers, want 1", len(cfg.Postgres.Servers))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
